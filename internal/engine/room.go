package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aimplab/aimp-hub/internal/events"
	"github.com/aimplab/aimp-hub/internal/protocol"
	"github.com/aimplab/aimp-hub/internal/store"
	"github.com/aimplab/aimp-hub/internal/transport"
)

// RoomEngine advances deadline-bounded content negotiations.
type RoomEngine struct {
	deps   Deps
	now    func() time.Time
	logger *slog.Logger
}

// NewRoomEngine builds the room state machine.
func NewRoomEngine(deps Deps) *RoomEngine {
	return &RoomEngine{
		deps:   deps,
		now:    time.Now,
		logger: deps.logger("room-engine"),
	}
}

// ProcessRound folds a complete round of replies into the room. The
// room finalizes when everyone has accepted or the deadline passed;
// otherwise a consolidated digest goes out and the round advances.
func (e *RoomEngine) ProcessRound(ctx context.Context, room *protocol.Room, pending []*store.PendingEmail) error {
	for _, p := range pending {
		e.foldMessage(ctx, room, p)
	}
	room.AdvanceRound()

	if room.AllAccepted() {
		e.applyFinalize(ctx, room, protocol.TriggerAllAccepted)
	} else if room.IsPastDeadline(e.now()) {
		e.applyFinalize(ctx, room, protocol.TriggerDeadlineExpired)
	} else {
		e.broadcastDigest(ctx, room)
	}

	ids := make([]int64, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	return e.deps.Store.CompleteRoomRound(room, ids)
}

func (e *RoomEngine) foldMessage(ctx context.Context, room *protocol.Room, p *store.PendingEmail) {
	artifacts := make([]string, 0, len(room.Artifacts))
	for _, a := range room.Artifacts {
		artifacts = append(artifacts, a.BodyText)
	}

	amendment := e.deps.Oracle.ParseAmendment(ctx, p.From, p.Body, artifacts)

	switch amendment.Action {
	case protocol.RoomActionAccept:
		room.RecordAccept(p.From)
	case protocol.RoomActionPropose, protocol.RoomActionAmend:
		if amendment.NewContent != nil {
			room.AddArtifact(&protocol.Artifact{
				Name:        fmt.Sprintf("proposal_%s_%d", localPart(p.From), e.now().Unix()),
				ContentType: "text/plain",
				BodyText:    *amendment.NewContent,
				Author:      p.From,
				Timestamp:   e.now().Unix(),
			})
		}
	}

	summary := amendment.Changes
	if amendment.Reason != "" {
		summary = fmt.Sprintf("%s (%s)", amendment.Changes, amendment.Reason)
	}
	room.AddTranscript(p.From, amendment.Action, summary)
}

// Finalize closes a room outside a round commit, used by the deadline
// sweep.
func (e *RoomEngine) Finalize(ctx context.Context, room *protocol.Room, trigger string) error {
	e.applyFinalize(ctx, room, trigger)
	return e.deps.Store.SaveRoom(room)
}

// applyFinalize mutates the room to finalized and sends the minutes.
// The caller persists.
func (e *RoomEngine) applyFinalize(ctx context.Context, room *protocol.Room, trigger string) {
	room.Status = protocol.RoomFinalized
	room.AddTranscript(e.deps.HubEmail, protocol.RoomActionFinalized,
		fmt.Sprintf("negotiation closed (%s)", trigger))

	minutes := e.deps.Oracle.GenerateMinutes(ctx,
		room.Topic, transcriptLines(room), resolutionOf(room, trigger), room.Participants)

	body := minutes + "\n\n---\nReply CONFIRM to approve these minutes, or REJECT <reason> to veto.\n"
	e.broadcast(ctx, room, transport.RoomSubject(room.RoomID, "Minutes: "+room.Topic), body)

	e.deps.Bus.Publish(events.Event{
		Source: events.SourceRoom,
		Kind:   events.KindRoomFinalized,
		Data:   map[string]any{"room_id": room.RoomID, "trigger": trigger},
	})
	e.deps.Notifier.Notify(ctx,
		fmt.Sprintf("Room finalized: %s", room.Topic),
		fmt.Sprintf("Room %s closed (%s). Minutes sent to %d participants.",
			room.RoomID, trigger, len(othersOf(room.Participants, e.deps.HubEmail))),
	)
}

func (e *RoomEngine) broadcastDigest(ctx context.Context, room *protocol.Room) {
	agg := e.deps.Oracle.AggregateAmendments(ctx,
		room.Topic, transcriptLines(room), time.Unix(room.Deadline, 0).UTC().Format(time.RFC3339))

	var sb strings.Builder
	fmt.Fprintf(&sb, "Round %d digest for **%s**.\n\n", room.CurrentRound-1, room.Topic)
	fmt.Fprintf(&sb, "%s\n\n", agg.Summary)
	fmt.Fprintf(&sb, "## Current proposal\n\n%s\n", agg.CurrentProposal)
	if len(agg.Conflicts) > 0 {
		sb.WriteString("\n## Open conflicts\n\n")
		for _, c := range agg.Conflicts {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	fmt.Fprintf(&sb, "\nDeadline: %s. Reply ACCEPT, or send amendments.\n",
		time.Unix(room.Deadline, 0).UTC().Format("2006-01-02 15:04 MST"))

	e.broadcast(ctx, room, transport.RoomSubject(room.RoomID, fmt.Sprintf("Round %d: %s", room.CurrentRound-1, room.Topic)), sb.String())

	e.deps.Bus.Publish(events.Event{
		Source: events.SourceRoom,
		Kind:   events.KindRoomDigest,
		Data:   map[string]any{"room_id": room.RoomID, "round": room.CurrentRound - 1},
	})
}

// HandleFinalizedReply processes a reply that arrived after the room
// closed: CONFIRM, REJECT <reason>, or noise.
func (e *RoomEngine) HandleFinalizedReply(ctx context.Context, room *protocol.Room, from, body string) error {
	trimmed := strings.TrimSpace(body)
	upper := strings.ToUpper(trimmed)

	switch {
	case strings.HasPrefix(upper, "CONFIRM"):
		room.RecordAccept(from)
		room.AddTranscript(from, protocol.RoomActionConfirm, "minutes confirmed")
		e.reply(ctx, room, from, "Confirmation recorded",
			fmt.Sprintf("Your confirmation of the **%s** minutes is recorded. Thank you.", room.Topic))
		return e.deps.Store.SaveRoom(room)

	case strings.HasPrefix(upper, "REJECT"):
		reason := strings.TrimSpace(trimmed[len("REJECT"):])
		if reason == "" {
			reason = "(no reason given)"
		}
		room.AddTranscript(from, protocol.RoomActionReject, "veto: "+reason)

		e.reply(ctx, room, room.Initiator, "Veto on finalized room",
			fmt.Sprintf("%s vetoed the minutes of **%s**.\n\nReason: %s\n\nYou can re-open the room with a new deadline or keep the minutes as issued.",
				from, room.Topic, reason))
		e.reply(ctx, room, from, "Veto recorded",
			fmt.Sprintf("Your veto on the **%s** minutes is recorded; the initiator has been asked to decide.", room.Topic))
		return e.deps.Store.SaveRoom(room)

	default:
		e.logger.Info("ignoring post-finalization chatter", "room_id", room.RoomID, "from", from)
		return nil
	}
}

// broadcast sends to every participant except the hub, threaded.
func (e *RoomEngine) broadcast(ctx context.Context, room *protocol.Room, subject, body string) {
	recipients := othersOf(room.Participants, e.deps.HubEmail)
	if len(recipients) == 0 {
		return
	}
	wire, err := room.ToWire()
	if err != nil {
		e.logger.Error("wire serialization failed", "room_id", room.RoomID, "error", err)
		return
	}
	refs, inReplyTo := threading(e.deps.Store, room.RoomID)

	messageID, err := e.deps.Sender.Send(ctx, transport.Outbound{
		To:           recipients,
		Subject:      subject,
		Body:         body,
		ProtocolJSON: wire,
		ThreadID:     room.RoomID,
		Version:      room.CurrentRound,
		InReplyTo:    inReplyTo,
		References:   refs,
	})
	if err != nil {
		e.logger.Warn("room broadcast failed", "room_id", room.RoomID, "error", err)
		return
	}
	if err := e.deps.Store.SaveMessageID(room.RoomID, messageID); err != nil {
		e.logger.Warn("message id not recorded", "room_id", room.RoomID, "error", err)
	}
}

// reply sends a plain human message to one address on the room thread.
func (e *RoomEngine) reply(ctx context.Context, room *protocol.Room, to, subjectSuffix, body string) {
	refs, inReplyTo := threading(e.deps.Store, room.RoomID)
	_, err := e.deps.Sender.Send(ctx, transport.Outbound{
		To:         []string{to},
		Subject:    transport.RoomSubject(room.RoomID, subjectSuffix),
		Body:       body,
		ThreadID:   room.RoomID,
		Version:    room.CurrentRound,
		InReplyTo:  inReplyTo,
		References: refs,
	})
	if err != nil {
		e.logger.Warn("room reply failed", "room_id", room.RoomID, "to", to, "error", err)
	}
}

func transcriptLines(room *protocol.Room) []string {
	lines := make([]string, 0, len(room.Transcript))
	for _, t := range room.Transcript {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", t.Action, t.From, t.Summary))
	}
	return lines
}

func resolutionOf(room *protocol.Room, trigger string) string {
	if trigger == protocol.TriggerAllAccepted {
		return "adopted by unanimous acceptance"
	}
	if len(room.AcceptedBy) > 0 {
		return fmt.Sprintf("closed at deadline with %d of %d acceptances",
			len(room.AcceptedBy), len(room.Participants))
	}
	return "closed at deadline without full acceptance"
}
