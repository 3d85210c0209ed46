// Package hub is the poll loop: one tick fetches unread mail,
// classifies it, persists it store-first, gates rounds, and dispatches
// to the negotiation engines. Everything store-mutating runs serially
// on the tick goroutine.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aimplab/aimp-hub/internal/config"
	"github.com/aimplab/aimp-hub/internal/engine"
	"github.com/aimplab/aimp-hub/internal/events"
	"github.com/aimplab/aimp-hub/internal/identity"
	"github.com/aimplab/aimp-hub/internal/oracle"
	"github.com/aimplab/aimp-hub/internal/protocol"
	"github.com/aimplab/aimp-hub/internal/store"
	"github.com/aimplab/aimp-hub/internal/transport"
)

// Options are the wired dependencies of a Hub. All fields are required
// except Bus and Logger.
type Options struct {
	Store    *store.Store
	Fetcher  transport.Fetcher
	Sender   transport.Sender
	Oracle   *oracle.Oracle
	Registry *identity.Registry
	Notifier engine.Notifier
	Bus      *events.Bus
	Logger   *slog.Logger
}

// Hub drives the whole system from a single-threaded tick.
type Hub struct {
	cfg      *config.Config
	store    *store.Store
	fetcher  transport.Fetcher
	sender   transport.Sender
	oracle   *oracle.Oracle
	registry *identity.Registry
	notifier engine.Notifier
	bus      *events.Bus
	sessions *engine.SessionEngine
	rooms    *engine.RoomEngine
	now      func() time.Time
	logger   *slog.Logger
}

// New wires a Hub from its dependencies.
func New(cfg *config.Config, opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deps := engine.Deps{
		Store:    opts.Store,
		Sender:   opts.Sender,
		Oracle:   opts.Oracle,
		Notifier: opts.Notifier,
		Bus:      opts.Bus,
		HubEmail: cfg.Hub.Email,
		Logger:   logger,
	}
	return &Hub{
		cfg:      cfg,
		store:    opts.Store,
		fetcher:  opts.Fetcher,
		sender:   opts.Sender,
		oracle:   opts.Oracle,
		registry: opts.Registry,
		notifier: opts.Notifier,
		bus:      opts.Bus,
		sessions: engine.NewSessionEngine(deps, cfg.MaxRounds),
		rooms:    engine.NewRoomEngine(deps),
		now:      time.Now,
		logger:   logger.With("component", "hub"),
	}
}

// Run ticks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	interval := time.Duration(h.cfg.PollIntervalSeconds) * time.Second
	h.logger.Info("hub started",
		"email", h.cfg.Hub.Email,
		"poll_interval", interval,
		"notify_mode", h.cfg.NotifyMode,
	)
	for {
		h.Tick(ctx)
		select {
		case <-ctx.Done():
			h.logger.Info("hub stopped")
			return nil
		case <-time.After(interval):
		}
	}
}

// Tick runs one poll cycle: rooms first, then sessions, then everything
// else, then the deadline sweep. An error in one message never aborts
// the tick.
func (h *Hub) Tick(ctx context.Context) {
	start := h.now()

	msgs, err := h.fetcher.FetchUnseen(ctx)
	if err != nil {
		h.logger.Warn("mailbox fetch failed, skipping tick", "error", err)
		return
	}
	h.bus.Publish(events.Event{
		Source: events.SourceHub,
		Kind:   events.KindTickStart,
		Data:   map[string]any{"pending": len(msgs)},
	})

	type tagged struct {
		msg *transport.Inbound
		id  string
	}
	var roomMsgs, sessionMsgs []tagged
	var others []*transport.Inbound
	for _, msg := range msgs {
		if strings.EqualFold(msg.FromAddr, h.cfg.Hub.Email) {
			continue
		}
		switch kind, id := transport.Classify(msg.Subject); kind {
		case transport.KindRoom:
			roomMsgs = append(roomMsgs, tagged{msg, id})
		case transport.KindSession:
			sessionMsgs = append(sessionMsgs, tagged{msg, id})
		default:
			others = append(others, msg)
		}
	}

	errs := 0
	for _, t := range roomMsgs {
		if err := h.handleRoomMessage(ctx, t.msg, t.id); err != nil {
			h.logger.Error("room message failed", "room_id", t.id, "from", t.msg.FromAddr, "error", err)
			errs++
		}
	}
	for _, t := range sessionMsgs {
		if err := h.handleSessionMessage(ctx, t.msg, t.id); err != nil {
			h.logger.Error("session message failed", "session_id", t.id, "from", t.msg.FromAddr, "error", err)
			errs++
		}
	}
	for _, msg := range others {
		if err := h.handleOther(ctx, msg); err != nil {
			h.logger.Error("message handling failed", "from", msg.FromAddr, "error", err)
			errs++
		}
	}

	if err := h.sweepDeadlines(ctx); err != nil {
		h.logger.Error("deadline sweep failed", "error", err)
		errs++
	}

	h.bus.Publish(events.Event{
		Source: events.SourceHub,
		Kind:   events.KindTickComplete,
		Data: map[string]any{
			"processed":   len(msgs),
			"errors":      errs,
			"duration_ms": h.now().Sub(start).Milliseconds(),
		},
	})
}

func (h *Hub) handleRoomMessage(ctx context.Context, msg *transport.Inbound, roomID string) error {
	room, err := h.store.LoadRoom(roomID)
	if err != nil {
		return err
	}
	if room == nil {
		h.logger.Warn("reply for unknown room dropped", "room_id", roomID, "from", msg.FromAddr)
		return nil
	}
	if room.Status.Terminal() {
		return h.rooms.HandleFinalizedReply(ctx, room, msg.FromAddr, msg.TextBody)
	}
	if !room.IsParticipant(msg.FromAddr) {
		h.logger.Warn("room reply from non-participant dropped", "room_id", roomID, "from", msg.FromAddr)
		return nil
	}

	if _, err := h.store.SavePending(&store.PendingEmail{
		RoomID:       roomID,
		ReceivedAt:   receivedAt(msg, h.now),
		From:         msg.FromAddr,
		Subject:      msg.Subject,
		Body:         msg.TextBody,
		ProtocolJSON: msg.ProtocolJSON,
	}); err != nil {
		return err
	}

	room.RecordRoundReply(msg.FromAddr)
	if err := h.store.SaveRoom(room); err != nil {
		return err
	}
	if !room.IsRoundComplete() {
		return nil
	}
	pending, err := h.store.LoadPendingForRoom(roomID)
	if err != nil {
		return err
	}
	return h.rooms.ProcessRound(ctx, room, pending)
}

func (h *Hub) handleSessionMessage(ctx context.Context, msg *transport.Inbound, sessionID string) error {
	sess, err := h.store.LoadSession(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return h.adoptPeerSession(ctx, msg, sessionID)
	}
	if sess.Status.Terminal() {
		h.logger.Info("late reply for closed session dropped",
			"session_id", sessionID, "status", sess.Status, "from", msg.FromAddr)
		return nil
	}
	if !containsFold(sess.Participants, msg.FromAddr) {
		h.logger.Warn("session reply from non-participant dropped",
			"session_id", sessionID, "from", msg.FromAddr)
		return nil
	}

	// Invited strangers become trusted members on first reply.
	if m, err := h.registry.MemberByEmail(msg.FromAddr); err == nil && m == nil {
		if _, err := h.registry.EnsureTrusted(msg.FromAddr, displayName(msg.From)); err != nil {
			h.logger.Warn("auto-registration failed", "from", msg.FromAddr, "error", err)
		}
	}

	if _, err := h.store.SavePending(&store.PendingEmail{
		SessionID:    sessionID,
		ReceivedAt:   receivedAt(msg, h.now),
		From:         msg.FromAddr,
		Subject:      msg.Subject,
		Body:         msg.TextBody,
		ProtocolJSON: msg.ProtocolJSON,
	}); err != nil {
		return err
	}

	sess.RecordRoundReply(msg.FromAddr)
	if err := h.store.SaveSession(sess); err != nil {
		return err
	}
	if !sess.IsRoundComplete() {
		return nil
	}
	pending, err := h.store.LoadPendingForSession(sessionID)
	if err != nil {
		return err
	}
	return h.sessions.ProcessRound(ctx, sess, pending)
}

// adoptPeerSession stores a negotiation another agent initiated with us
// and alerts the owner. The initiator's propose message is the session
// state itself, so no pending row is queued for it.
func (h *Hub) adoptPeerSession(ctx context.Context, msg *transport.Inbound, sessionID string) error {
	if len(msg.ProtocolJSON) == 0 {
		h.logger.Warn("session tag without known session or attachment dropped",
			"session_id", sessionID, "from", msg.FromAddr)
		return nil
	}
	sess, err := protocol.SessionFromWire(msg.ProtocolJSON)
	if err != nil {
		h.logger.Warn("unparseable peer session dropped", "session_id", sessionID, "error", err)
		return nil
	}
	if sess.SessionID != sessionID {
		h.logger.Warn("subject and attachment disagree on session id, trusting attachment",
			"subject_id", sessionID, "wire_id", sess.SessionID)
	}
	if err := h.store.SaveSession(sess); err != nil {
		return err
	}
	h.logger.Info("peer session adopted",
		"session_id", sess.SessionID, "topic", sess.Topic, "initiator", sess.Initiator)
	h.notifier.Notify(ctx,
		fmt.Sprintf("Incoming negotiation: %s", sess.Topic),
		fmt.Sprintf("%s opened negotiation %s (%q) with participants %s. Reply on the thread to take part.",
			sess.Initiator, sess.SessionID, sess.Topic, strings.Join(sess.Participants, ", ")),
	)
	return nil
}

func (h *Hub) handleOther(ctx context.Context, msg *transport.Inbound) error {
	member, err := h.registry.MemberByEmail(msg.FromAddr)
	if err != nil {
		return err
	}
	if member != nil {
		return h.handleMemberCommand(ctx, member, msg)
	}
	if identity.IsAutoReply(msg.FromAddr, msg.Subject) {
		h.logger.Info("auto-reply discarded", "from", msg.FromAddr, "subject", msg.Subject)
		return nil
	}
	if code := transport.FindInviteCode(msg.Subject); code != "" {
		return h.handleInvite(ctx, msg, code)
	}
	return h.handleStranger(ctx, msg)
}

func (h *Hub) handleInvite(ctx context.Context, msg *transport.Inbound, code string) error {
	m, err := h.registry.RegisterInvitee(msg.FromAddr, displayName(msg.From), code, h.now())
	if err != nil {
		h.logger.Info("invite rejected", "from", msg.FromAddr, "code", code, "error", err)
		h.sendHuman(ctx, msg.FromAddr, "Re: "+msg.Subject,
			fmt.Sprintf("The invite code you quoted %s. Please check with whoever invited you.", inviteFailureReason(err)))
		return nil
	}

	h.bus.Publish(events.Event{
		Source: events.SourceIdentity,
		Kind:   events.KindMemberRegistered,
		Data:   map[string]any{"email": m.Email, "code": code},
	})
	var sb strings.Builder
	fmt.Fprintf(&sb, "Welcome, %s. You are now registered with %s.\n\n", m.Name, h.cfg.Hub.Name)
	sb.WriteString("You can email me plain requests like \"schedule a meeting with Ada next week\" ")
	sb.WriteString("or \"open a negotiation room about the Q3 budget, deadline Friday\".\n\n")
	sb.WriteString("For AI agents, my capability card:\n\n```json\n")
	sb.WriteString(h.registry.CapabilityCard())
	sb.WriteString("\n```\n")
	h.sendHuman(ctx, msg.FromAddr, "Welcome to "+h.cfg.Hub.Name, sb.String())
	return nil
}

func (h *Hub) handleStranger(ctx context.Context, msg *transport.Inbound) error {
	ok, err := h.registry.ShouldReplyToStranger(msg.FromAddr, h.now())
	if err != nil {
		return err
	}
	if !ok {
		h.logger.Info("stranger already answered within the window", "from", msg.FromAddr)
		return nil
	}
	h.sendHuman(ctx, msg.FromAddr, "Re: "+msg.Subject,
		fmt.Sprintf("Hello. I am %s, a scheduling agent, and I don't recognize your address. "+
			"If you have an invite code, reply with [AIMP-INVITE:<code>] in the subject to register.",
			h.cfg.Hub.Name))
	return nil
}

// sweepDeadlines finalizes every open room whose deadline has passed,
// even if no mail arrived.
func (h *Hub) sweepDeadlines(ctx context.Context) error {
	rooms, err := h.store.LoadOpenRooms()
	if err != nil {
		return err
	}
	now := h.now()
	for _, room := range rooms {
		if !room.IsPastDeadline(now) {
			continue
		}
		h.logger.Info("room deadline passed, finalizing", "room_id", room.RoomID, "topic", room.Topic)
		if err := h.rooms.Finalize(ctx, room, protocol.TriggerDeadlineExpired); err != nil {
			h.logger.Error("room finalization failed", "room_id", room.RoomID, "error", err)
		}
	}
	return nil
}

// sendHuman delivers a plain reply; failures are logged, never fatal.
func (h *Hub) sendHuman(ctx context.Context, to, subject, body string) {
	_, err := h.sender.Send(ctx, transport.Outbound{
		To:      []string{to},
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		h.logger.Warn("reply failed", "to", to, "subject", subject, "error", err)
	}
}

func receivedAt(msg *transport.Inbound, now func() time.Time) time.Time {
	if !msg.Date.IsZero() {
		return msg.Date
	}
	return now()
}

func containsFold(list []string, v string) bool {
	for _, e := range list {
		if strings.EqualFold(e, v) {
			return true
		}
	}
	return false
}

// displayName extracts the human name from a "Name <addr>" From header.
func displayName(from string) string {
	if idx := strings.IndexByte(from, '<'); idx > 0 {
		return strings.Trim(strings.TrimSpace(from[:idx]), `"`)
	}
	return ""
}

// inviteFailureReason renders a RegisterInvitee error for the reply.
func inviteFailureReason(err error) string {
	msg := err.Error()
	if idx := strings.LastIndexByte(msg, ':'); idx >= 0 {
		return "was " + strings.TrimSpace(msg[idx+1:])
	}
	return "was not accepted"
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
