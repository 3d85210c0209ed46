package hub

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aimplab/aimp-hub/internal/config"
	"github.com/aimplab/aimp-hub/internal/identity"
	"github.com/aimplab/aimp-hub/internal/oracle"
	"github.com/aimplab/aimp-hub/internal/protocol"
	"github.com/aimplab/aimp-hub/internal/store"
	"github.com/aimplab/aimp-hub/internal/transport"
)

type fakeFetcher struct {
	batches [][]*transport.Inbound
}

func (f *fakeFetcher) FetchUnseen(context.Context) ([]*transport.Inbound, error) {
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []transport.Outbound
}

func (f *fakeSender) Send(_ context.Context, out transport.Outbound) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, out)
	return "<hub-test@x.com>", nil
}

func (f *fakeSender) outbound() []transport.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Outbound(nil), f.sent...)
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

type scriptClient struct {
	queue []string
}

func (c *scriptClient) Complete(context.Context, string, string) (string, error) {
	if len(c.queue) == 0 {
		return "", context.DeadlineExceeded
	}
	out := c.queue[0]
	c.queue = c.queue[1:]
	return out, nil
}

type fakeNotifier struct {
	subjects []string
}

func (f *fakeNotifier) Notify(_ context.Context, subject, _ string) {
	f.subjects = append(f.subjects, subject)
}

type hubRig struct {
	hub      *Hub
	store    *store.Store
	fetcher  *fakeFetcher
	sender   *fakeSender
	client   *scriptClient
	notifier *fakeNotifier
}

func newHubRig(t *testing.T) *hubRig {
	t.Helper()
	cfg := config.Default()
	cfg.Hub.Name = "Test Hub"
	cfg.Hub.Email = "hub@x.com"
	cfg.Members = []config.Member{
		{ID: "ada", Name: "Ada", Email: "ada@x.com", Role: "admin"},
	}
	cfg.InviteCodes = []config.InviteCode{{Code: "open2026"}}
	cfg.Contacts = []config.Contact{
		{Name: "Bob", HasAgent: true, AgentEmail: "bob-agent@b.com"},
	}

	st, err := store.NewStore(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	registry := identity.NewRegistry(st, cfg, nil)
	if err := registry.Seed(); err != nil {
		t.Fatal(err)
	}

	fetcher := &fakeFetcher{}
	sender := &fakeSender{}
	client := &scriptClient{}
	notifier := &fakeNotifier{}

	h := New(cfg, Options{
		Store:    st,
		Fetcher:  fetcher,
		Sender:   sender,
		Oracle:   oracle.New(client, nil),
		Registry: registry,
		Notifier: notifier,
	})
	return &hubRig{hub: h, store: st, fetcher: fetcher, sender: sender, client: client, notifier: notifier}
}

// seedSession puts a hub-initiated negotiation with two external
// participants in the store.
func seedSession(t *testing.T, rig *hubRig) *protocol.Session {
	t.Helper()
	sess := protocol.NewSession("m1", "standup", []string{"a@ext.com", "b@ext.com"}, "hub@x.com")
	sess.AddOption(protocol.ItemTime, "Mon 10:00")
	sess.AddOption(protocol.ItemLocation, "Room A")
	if err := rig.store.SaveSession(sess); err != nil {
		t.Fatal(err)
	}
	return sess
}

func voteWire(t *testing.T, sess *protocol.Session, voter string) []byte {
	t.Helper()
	peer := sess.Clone()
	if err := peer.ApplyVote(voter, protocol.ItemTime, "Mon 10:00"); err != nil {
		t.Fatal(err)
	}
	if err := peer.ApplyVote(voter, protocol.ItemLocation, "Room A"); err != nil {
		t.Fatal(err)
	}
	wire, err := peer.ToWire()
	if err != nil {
		t.Fatal(err)
	}
	return wire
}

func sessionReply(sess *protocol.Session, from string, wire []byte) *transport.Inbound {
	return &transport.Inbound{
		From:         from,
		FromAddr:     from,
		Subject:      "Re: [AIMP:m1] v1 standup",
		TextBody:     "see attachment",
		ProtocolJSON: wire,
		Date:         time.Now(),
	}
}

func TestRoundGatingWaitsForAllRespondents(t *testing.T) {
	rig := newHubRig(t)
	sess := seedSession(t, rig)

	// First tick: only A has replied. The round must not fire.
	rig.fetcher.batches = [][]*transport.Inbound{
		{sessionReply(sess, "a@ext.com", voteWire(t, sess, "a@ext.com"))},
	}
	rig.hub.Tick(context.Background())

	if got := rig.sender.outbound(); len(got) != 0 {
		t.Fatalf("broadcast before round completion: %+v", got)
	}
	pending, err := rig.store.LoadPendingForSession("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending rows = %d, want 1 held for the round", len(pending))
	}

	// Second tick: B replies, completing round 1. Both votes agree, so
	// the session confirms and exactly one broadcast goes out.
	stored, err := rig.store.LoadSession("m1")
	if err != nil {
		t.Fatal(err)
	}
	rig.fetcher.batches = [][]*transport.Inbound{
		{sessionReply(stored, "b@ext.com", voteWire(t, stored, "b@ext.com"))},
	}
	rig.hub.Tick(context.Background())

	final, err := rig.store.LoadSession("m1")
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != protocol.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", final.Status)
	}
	left, _ := rig.store.LoadPendingForSession("m1")
	if len(left) != 0 {
		t.Errorf("%d pending rows survived the round", len(left))
	}

	var broadcasts int
	for _, out := range rig.sender.outbound() {
		if len(out.ProtocolJSON) > 0 {
			broadcasts++
		}
	}
	if broadcasts != 1 {
		t.Errorf("protocol broadcasts = %d, want exactly 1", broadcasts)
	}

	// An empty tick afterwards must not reprocess anything.
	rig.sender.reset()
	rig.hub.Tick(context.Background())
	if got := rig.sender.outbound(); len(got) != 0 {
		t.Errorf("idle tick produced output: %+v", got)
	}
}

func TestInvitedParticipantAutoRegisters(t *testing.T) {
	rig := newHubRig(t)
	sess := seedSession(t, rig)

	rig.fetcher.batches = [][]*transport.Inbound{
		{sessionReply(sess, "a@ext.com", voteWire(t, sess, "a@ext.com"))},
	}
	rig.hub.Tick(context.Background())

	m, err := rig.store.LookupMember("a@ext.com")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Role != "trusted" {
		t.Errorf("invited participant = %+v, want trusted member", m)
	}
}

func TestInviteThenScheduleCommand(t *testing.T) {
	rig := newHubRig(t)

	// Tick 1: stranger X quotes a valid invite code.
	rig.fetcher.batches = [][]*transport.Inbound{{{
		From:     "X <x@y.com>",
		FromAddr: "x@y.com",
		Subject:  "[AIMP-INVITE:open2026] hello",
		TextBody: "joining",
	}}}
	rig.hub.Tick(context.Background())

	m, err := rig.store.LookupMember("x@y.com")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Role != "trusted" || m.Name != "X" {
		t.Fatalf("registered member = %+v", m)
	}
	welcome := rig.sender.outbound()
	if len(welcome) != 1 || !strings.Contains(welcome[0].Body, `"protocol": "AIMP/0.1"`) {
		t.Fatalf("welcome = %+v, want capability card", welcome)
	}

	// Tick 2: X sends a plain scheduling request naming a contact.
	rig.sender.reset()
	rig.client.queue = []string{
		`{"action": "schedule_meeting", "topic": "coffee", "participants": ["Bob"], "missing": []}`,
	}
	rig.fetcher.batches = [][]*transport.Inbound{{{
		From:     "X <x@y.com>",
		FromAddr: "x@y.com",
		Subject:  "quick one",
		TextBody: "schedule a meeting with Bob tomorrow",
	}}}
	rig.hub.Tick(context.Background())

	sessions, err := rig.store.LoadActiveSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	sess := sessions[0]
	if sess.Topic != "coffee" {
		t.Errorf("session = %+v", sess)
	}
	// The requester gets a vote slot alongside the named contact.
	if len(sess.Participants) != 2 ||
		!containsFold(sess.Participants, "x@y.com") ||
		!containsFold(sess.Participants, "bob-agent@b.com") {
		t.Errorf("participants = %v, want requester and contact", sess.Participants)
	}

	out := rig.sender.outbound()
	var invited, acked bool
	for _, o := range out {
		if len(o.ProtocolJSON) > 0 && containsFold(o.To, "bob-agent@b.com") && containsFold(o.To, "x@y.com") {
			invited = true
		}
		if len(o.ProtocolJSON) == 0 && o.To[0] == "x@y.com" {
			acked = true
		}
	}
	if !invited || !acked {
		t.Errorf("invitation=%v ack=%v, outbound=%+v", invited, acked, out)
	}
}

func TestBounceSuppression(t *testing.T) {
	rig := newHubRig(t)
	rig.fetcher.batches = [][]*transport.Inbound{{{
		From:     "mailer-daemon@example.com",
		FromAddr: "mailer-daemon@example.com",
		Subject:  "Undeliverable: [AIMP:m1] v1 standup",
		TextBody: "delivery failed",
	}}}
	rig.hub.Tick(context.Background())

	if got := rig.sender.outbound(); len(got) != 0 {
		t.Errorf("bounce triggered a reply: %+v", got)
	}
	if m, _ := rig.store.LookupMember("mailer-daemon@example.com"); m != nil {
		t.Error("bounce sender was registered")
	}
}

func TestStrangerReplyThrottled(t *testing.T) {
	rig := newHubRig(t)
	stranger := &transport.Inbound{
		From: "who@y.com", FromAddr: "who@y.com",
		Subject: "hi", TextBody: "what is this",
	}
	rig.fetcher.batches = [][]*transport.Inbound{{stranger}}
	rig.hub.Tick(context.Background())

	first := rig.sender.outbound()
	if len(first) != 1 || !strings.Contains(first[0].Body, "AIMP-INVITE") {
		t.Fatalf("first contact reply = %+v", first)
	}

	rig.sender.reset()
	rig.fetcher.batches = [][]*transport.Inbound{{stranger}}
	rig.hub.Tick(context.Background())
	if got := rig.sender.outbound(); len(got) != 0 {
		t.Errorf("second reply inside the 24h window: %+v", got)
	}
}

func TestDeadlineSweepFinalizesExpiredRooms(t *testing.T) {
	rig := newHubRig(t)
	expired := protocol.NewRoom("r-old", "retro", []string{"a@ext.com"}, "ada@x.com",
		time.Now().Add(-time.Hour), "", time.Now())
	fresh := protocol.NewRoom("r-new", "planning", []string{"a@ext.com"}, "ada@x.com",
		time.Now().Add(time.Hour), "", time.Now())
	for _, r := range []*protocol.Room{expired, fresh} {
		if err := rig.store.SaveRoom(r); err != nil {
			t.Fatal(err)
		}
	}

	// No mail this tick; the sweep alone must close the expired room.
	rig.hub.Tick(context.Background())

	gotOld, _ := rig.store.LoadRoom("r-old")
	if gotOld.Status != protocol.RoomFinalized {
		t.Errorf("expired room status = %s, want finalized", gotOld.Status)
	}
	gotNew, _ := rig.store.LoadRoom("r-new")
	if gotNew.Status != protocol.RoomOpen {
		t.Errorf("future room status = %s, want open", gotNew.Status)
	}

	out := rig.sender.outbound()
	if len(out) != 1 || !strings.Contains(out[0].Body, "# Minutes: retro") {
		t.Errorf("minutes broadcast = %+v", out)
	}
}

func TestUnknownRoomReplyDropped(t *testing.T) {
	rig := newHubRig(t)
	rig.fetcher.batches = [][]*transport.Inbound{{{
		From: "a@ext.com", FromAddr: "a@ext.com",
		Subject: "[AIMP:Room:ghost] whatever", TextBody: "amend",
	}}}
	rig.hub.Tick(context.Background())

	if got := rig.sender.outbound(); len(got) != 0 {
		t.Errorf("unknown room reply produced output: %+v", got)
	}
}

func TestUnclearMemberRequestAsksToRephrase(t *testing.T) {
	rig := newHubRig(t)
	// Empty script: the oracle fails and the request falls back to
	// unclear.
	rig.fetcher.batches = [][]*transport.Inbound{{{
		From: "Ada <ada@x.com>", FromAddr: "ada@x.com",
		Subject: "hm", TextBody: "do the thing",
	}}}
	rig.hub.Tick(context.Background())

	out := rig.sender.outbound()
	if len(out) != 1 || out[0].To[0] != "ada@x.com" {
		t.Fatalf("outbound = %+v", out)
	}
	if !strings.Contains(out[0].Body, "schedule meetings") {
		t.Errorf("reply body = %q", out[0].Body)
	}
}

func TestPeerSessionAdopted(t *testing.T) {
	rig := newHubRig(t)
	peer := protocol.NewSession("p1", "joint review", []string{"peer@z.com", "hub@x.com"}, "peer@z.com")
	peer.AddOption(protocol.ItemTime, "Thu 9:00")
	wire, err := peer.ToWire()
	if err != nil {
		t.Fatal(err)
	}

	rig.fetcher.batches = [][]*transport.Inbound{{{
		From: "peer@z.com", FromAddr: "peer@z.com",
		Subject: "[AIMP:p1] v1 joint review", TextBody: "proposal attached",
		ProtocolJSON: wire,
	}}}
	rig.hub.Tick(context.Background())

	stored, err := rig.store.LoadSession("p1")
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.Topic != "joint review" {
		t.Fatalf("adopted session = %+v", stored)
	}
	if len(rig.notifier.subjects) != 1 || !strings.Contains(rig.notifier.subjects[0], "Incoming negotiation") {
		t.Errorf("notifications = %v", rig.notifier.subjects)
	}
}
