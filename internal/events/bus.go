// Package events provides operational event plumbing: a
// publish/subscribe bus for in-process observers and a JSON-lines
// emitter used when notifications are routed to stdout instead of
// email. The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceHub identifies events from the poll loop.
	SourceHub = "hub"
	// SourceSession identifies events from meeting negotiations.
	SourceSession = "session"
	// SourceRoom identifies events from negotiation rooms.
	SourceRoom = "room"
	// SourceIdentity identifies events from member registration.
	SourceIdentity = "identity"
)

// Kind constants describe the type of event within a source.
const (
	// KindTickStart signals the beginning of a poll tick.
	// Data: pending.
	KindTickStart = "tick_start"
	// KindTickComplete signals the end of a poll tick.
	// Data: processed, errors, duration_ms.
	KindTickComplete = "tick_complete"

	// KindRoundComplete signals a negotiation round closed.
	// Data: session_id, round, respondents.
	KindRoundComplete = "round_complete"
	// KindSessionConfirmed signals consensus was reached.
	// Data: session_id, time, location.
	KindSessionConfirmed = "session_confirmed"
	// KindSessionEscalated signals a stalled negotiation.
	// Data: session_id, rounds.
	KindSessionEscalated = "session_escalated"

	// KindRoomDigest signals a room round digest went out.
	// Data: room_id, round.
	KindRoomDigest = "room_digest"
	// KindRoomFinalized signals a room produced minutes.
	// Data: room_id, trigger.
	KindRoomFinalized = "room_finalized"

	// KindMemberRegistered signals an invitee joined.
	// Data: email, code.
	KindMemberRegistered = "member_registered"
	// KindNotification is an owner/admin notification payload.
	// Data: recipient, subject, body.
	KindNotification = "notification"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
