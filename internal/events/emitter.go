package events

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Emitter writes events as JSON lines to a stream. It is the sink
// behind notify_mode=stdout: notifications that would otherwise become
// email land on the process's output for a supervisor to consume.
type Emitter struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

// NewEmitter writes JSON-lines events to w.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w, enc: json.NewEncoder(w)}
}

// Emit writes one event line. Write errors are swallowed; an
// unwritable notification stream must not take down the poll loop.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.enc.Encode(ev)
}

// Attach streams every event published on the bus to the emitter until
// the returned stop function is called.
func (e *Emitter) Attach(bus *Bus) (stop func()) {
	ch := bus.Subscribe(64)
	done := make(chan struct{})
	go func() {
		for ev := range ch {
			e.Emit(ev)
		}
		close(done)
	}()
	return func() {
		bus.Unsubscribe(ch)
		<-done
	}
}
