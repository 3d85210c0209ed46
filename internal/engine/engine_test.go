package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aimplab/aimp-hub/internal/oracle"
	"github.com/aimplab/aimp-hub/internal/store"
	"github.com/aimplab/aimp-hub/internal/transport"
)

const testHub = "hub@x.com"

// fakeSender records outbound messages instead of speaking SMTP.
type fakeSender struct {
	mu   sync.Mutex
	sent []transport.Outbound
	fail error
}

func (f *fakeSender) Send(_ context.Context, out transport.Outbound) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.sent = append(f.sent, out)
	return "<test-" + out.ThreadID + "@x.com>", nil
}

func (f *fakeSender) outbound() []transport.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Outbound(nil), f.sent...)
}

// scriptClient replays canned completions in call order.
type scriptClient struct {
	mu    sync.Mutex
	queue []scriptStep
	calls int
}

type scriptStep struct {
	out string
	err error
}

func (c *scriptClient) Complete(context.Context, string, string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.queue) == 0 {
		return "", context.DeadlineExceeded
	}
	step := c.queue[0]
	c.queue = c.queue[1:]
	return step.out, step.err
}

type fakeNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakeNotifier) Notify(_ context.Context, subject, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
}

func (f *fakeNotifier) notified() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subjects...)
}

type testRig struct {
	deps     Deps
	store    *store.Store
	sender   *fakeSender
	client   *scriptClient
	notifier *fakeNotifier
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	sender := &fakeSender{}
	client := &scriptClient{}
	notifier := &fakeNotifier{}
	return &testRig{
		deps: Deps{
			Store:    st,
			Sender:   sender,
			Oracle:   oracle.New(client, nil),
			Notifier: notifier,
			HubEmail: testHub,
		},
		store:    st,
		sender:   sender,
		client:   client,
		notifier: notifier,
	}
}
