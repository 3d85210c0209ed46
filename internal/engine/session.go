package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aimplab/aimp-hub/internal/events"
	"github.com/aimplab/aimp-hub/internal/protocol"
	"github.com/aimplab/aimp-hub/internal/store"
	"github.com/aimplab/aimp-hub/internal/transport"
)

// InternalMembersKey is the session metadata key listing the internal
// member addresses behind a hybrid meeting, comma-separated. They are
// re-notified when the negotiation confirms.
const InternalMembersKey = "internal_members"

// SessionEngine advances meeting negotiations one round at a time.
type SessionEngine struct {
	deps      Deps
	maxRounds int
	logger    *slog.Logger
}

// NewSessionEngine builds the session state machine.
func NewSessionEngine(deps Deps, maxRounds int) *SessionEngine {
	if maxRounds <= 0 {
		maxRounds = protocol.DefaultMaxRounds
	}
	return &SessionEngine{
		deps:      deps,
		maxRounds: maxRounds,
		logger:    deps.logger("session-engine"),
	}
}

// ProcessRound folds a complete round of pending replies into the
// session, advances it, and commits the transition atomically with the
// processed flags. Exactly one of three things happens: the session
// confirms, escalates, or goes another round.
func (e *SessionEngine) ProcessRound(ctx context.Context, sess *protocol.Session, pending []*store.PendingEmail) error {
	for _, p := range pending {
		e.foldMessage(ctx, sess, p)
	}
	round := sess.CurrentRound
	sess.AdvanceRound()

	e.deps.Bus.Publish(events.Event{
		Source: events.SourceSession,
		Kind:   events.KindRoundComplete,
		Data:   map[string]any{"session_id": sess.SessionID, "round": round, "respondents": len(pending)},
	})

	switch {
	case sess.IsFullyResolved():
		e.confirm(ctx, sess)
	case sess.IsStalled(e.maxRounds):
		e.escalate(ctx, sess)
	default:
		e.counter(ctx, sess, round)
	}

	ids := make([]int64, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	return e.deps.Store.CompleteSessionRound(sess, ids)
}

// foldMessage applies one reply to the session. Protocol attachments
// carry options and votes directly; everything else goes through the
// language model. A failed parse fails only this message.
func (e *SessionEngine) foldMessage(ctx context.Context, sess *protocol.Session, p *store.PendingEmail) {
	if len(p.ProtocolJSON) > 0 {
		peer, err := protocol.SessionFromWire(p.ProtocolJSON)
		if err == nil {
			e.mergePeerState(sess, peer, p.From)
			return
		}
		e.logger.Warn("malformed protocol attachment, falling back to free text",
			"session_id", sess.SessionID, "from", p.From, "error", err)
	}
	e.foldFreeText(ctx, sess, p)
}

// mergePeerState merges a peer's wire form: new options are adopted,
// and the sender's own recorded votes are applied.
func (e *SessionEngine) mergePeerState(sess *protocol.Session, peer *protocol.Session, sender string) {
	for item, prop := range peer.Proposals {
		for _, opt := range prop.Options {
			sess.AddOption(item, opt)
		}
		vote := prop.Votes[sender]
		if vote == nil {
			continue
		}
		if err := sess.ApplyVote(sender, item, *vote); err != nil {
			e.logger.Warn("peer vote rejected",
				"session_id", sess.SessionID, "from", sender, "item", item, "error", err)
		}
	}
}

func (e *SessionEngine) foldFreeText(ctx context.Context, sess *protocol.Session, p *store.PendingEmail) {
	options := make(map[string][]string, len(sess.Proposals))
	for item, prop := range sess.Proposals {
		options[item] = prop.Options
	}

	reply, err := e.deps.Oracle.ParseHumanReply(ctx, sess.Topic, options, p.Body)
	if err != nil {
		// The row still gets marked processed with the round; the
		// voter is simply absent from this round's tally.
		e.logger.Error("vote parsing failed, message dropped from round",
			"session_id", sess.SessionID, "from", p.From, "error", err)
		return
	}

	for item, choice := range reply.Votes {
		if choice == nil {
			continue
		}
		// Humans do not see the enumerated options, so an unknown
		// choice becomes a new option before the vote lands.
		sess.AddOption(item, *choice)
		if err := sess.ApplyVote(p.From, item, *choice); err != nil {
			e.logger.Warn("vote rejected",
				"session_id", sess.SessionID, "from", p.From, "item", item, "error", err)
		}
	}
}

func (e *SessionEngine) confirm(ctx context.Context, sess *protocol.Session) {
	sess.Status = protocol.StatusConfirmed
	sess.BumpVersion()
	sess.AddHistory(e.deps.HubEmail, protocol.ActionConfirm, "all items resolved")

	consensus := sess.CheckConsensus()
	body := confirmBody(sess, consensus)
	e.broadcast(ctx, sess, body)

	e.deps.Bus.Publish(events.Event{
		Source: events.SourceSession,
		Kind:   events.KindSessionConfirmed,
		Data: map[string]any{
			"session_id": sess.SessionID,
			"time":       consensus[protocol.ItemTime],
			"location":   consensus[protocol.ItemLocation],
		},
	})
	e.deps.Notifier.Notify(ctx,
		fmt.Sprintf("Meeting confirmed: %s", sess.Topic),
		body,
	)
	e.notifyInternalMembers(ctx, sess, consensus)
}

// notifyInternalMembers re-notifies the internal attendees of a hybrid
// meeting, who were not part of the email negotiation.
func (e *SessionEngine) notifyInternalMembers(ctx context.Context, sess *protocol.Session, consensus map[string]string) {
	csv, err := e.deps.Store.GetSessionMeta(sess.SessionID, InternalMembersKey)
	if err != nil || csv == "" {
		return
	}
	body := confirmBody(sess, consensus)
	for _, addr := range strings.Split(csv, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		_, err := e.deps.Sender.Send(ctx, transport.Outbound{
			To:       []string{addr},
			Subject:  fmt.Sprintf("Meeting confirmed: %s", sess.Topic),
			Body:     body,
			ThreadID: sess.SessionID,
			Version:  sess.Version,
		})
		if err != nil {
			e.logger.Warn("internal member notification failed", "to", addr, "error", err)
		}
	}
}

func (e *SessionEngine) escalate(ctx context.Context, sess *protocol.Session) {
	sess.Status = protocol.StatusEscalated
	sess.BumpVersion()
	sess.AddHistory(e.deps.HubEmail, protocol.ActionEscalate,
		fmt.Sprintf("no consensus after %d rounds", len(sess.History)))

	e.deps.Bus.Publish(events.Event{
		Source: events.SourceSession,
		Kind:   events.KindSessionEscalated,
		Data:   map[string]any{"session_id": sess.SessionID, "rounds": sess.CurrentRound},
	})
	e.deps.Notifier.Notify(ctx,
		fmt.Sprintf("Negotiation stalled: %s", sess.Topic),
		escalationBody(sess),
	)
}

func (e *SessionEngine) counter(ctx context.Context, sess *protocol.Session, round int) {
	sess.BumpVersion()
	sess.AddHistory(e.deps.HubEmail, protocol.ActionCounter, fmt.Sprintf("round %d complete", round))
	e.broadcast(ctx, sess, counterBody(sess))
}

// broadcast sends the current wire form to every participant except the
// hub, threaded onto the session's message chain. Send failures are
// logged and do not undo the state transition; the design does not
// auto-resend.
func (e *SessionEngine) broadcast(ctx context.Context, sess *protocol.Session, body string) {
	recipients := othersOf(sess.Participants, e.deps.HubEmail)
	if len(recipients) == 0 {
		return
	}
	wire, err := sess.ToWire()
	if err != nil {
		e.logger.Error("wire serialization failed", "session_id", sess.SessionID, "error", err)
		return
	}
	refs, inReplyTo := threading(e.deps.Store, sess.SessionID)

	messageID, err := e.deps.Sender.Send(ctx, transport.Outbound{
		To:           recipients,
		Subject:      transport.SessionSubject(sess.SessionID, sess.Version, sess.Topic),
		Body:         body,
		ProtocolJSON: wire,
		ThreadID:     sess.SessionID,
		Version:      sess.Version,
		InReplyTo:    inReplyTo,
		References:   refs,
	})
	if err != nil {
		e.logger.Warn("session broadcast failed", "session_id", sess.SessionID, "error", err)
		return
	}
	if err := e.deps.Store.SaveMessageID(sess.SessionID, messageID); err != nil {
		e.logger.Warn("message id not recorded", "session_id", sess.SessionID, "error", err)
	}
}

func confirmBody(sess *protocol.Session, consensus map[string]string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The meeting **%s** is confirmed.\n\n", sess.Topic)
	if t := consensus[protocol.ItemTime]; t != "" {
		fmt.Fprintf(&sb, "- Time: %s\n", t)
	}
	if l := consensus[protocol.ItemLocation]; l != "" {
		fmt.Fprintf(&sb, "- Location: %s\n", l)
	}
	fmt.Fprintf(&sb, "\nParticipants: %s\n", strings.Join(sess.Participants, ", "))
	return sb.String()
}

func counterBody(sess *protocol.Session) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Round %d of negotiating **%s**. Current state:\n\n", sess.CurrentRound, sess.Topic)
	for item, prop := range sess.Proposals {
		fmt.Fprintf(&sb, "**%s** options: %s\n", item, strings.Join(prop.Options, "; "))
		for voter, vote := range prop.Votes {
			if vote != nil {
				fmt.Fprintf(&sb, "- %s voted %s\n", voter, *vote)
			}
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Please reply with your preference for each open item.\n")
	return sb.String()
}

func escalationBody(sess *protocol.Session) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Negotiation **%s** made no progress after %d rounds and needs a human decision.\n\n",
		sess.Topic, len(sess.History))
	sb.WriteString("History:\n")
	for _, h := range sess.History {
		fmt.Fprintf(&sb, "- v%d %s by %s: %s\n", h.Version, h.Action, h.From, h.Summary)
	}
	fmt.Fprintf(&sb, "\nParticipants: %s\n", strings.Join(sess.Participants, ", "))
	return sb.String()
}

