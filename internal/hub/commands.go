package hub

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aimplab/aimp-hub/internal/engine"
	"github.com/aimplab/aimp-hub/internal/oracle"
	"github.com/aimplab/aimp-hub/internal/protocol"
	"github.com/aimplab/aimp-hub/internal/store"
	"github.com/aimplab/aimp-hub/internal/transport"
)

// handleMemberCommand interprets a member's plain-language email and
// either creates an entity or replies with what is still needed.
func (h *Hub) handleMemberCommand(ctx context.Context, member *store.Member, msg *transport.Inbound) error {
	req := h.oracle.ParseMemberRequest(ctx, member.Name, msg.Subject, msg.TextBody)

	switch req.Action {
	case "schedule_meeting":
		return h.scheduleMeeting(ctx, member, msg, req)
	case "create_room":
		return h.createRoom(ctx, member, msg, req)
	default:
		h.logger.Info("member request unclear", "from", member.Email)
		h.sendHuman(ctx, member.Email, "Re: "+msg.Subject,
			"I couldn't work out what you'd like me to do. I can schedule meetings "+
				"(\"set up a meeting with Ada and Bob about the launch\") or open negotiation rooms "+
				"(\"open a room about the Q3 budget with Ada, deadline Friday\").")
		return nil
	}
}

func (h *Hub) scheduleMeeting(ctx context.Context, member *store.Member, msg *transport.Inbound, req *oracle.MemberRequest) error {
	missing := structuralGaps(req, false)
	if len(missing) > 0 {
		h.sendHuman(ctx, member.Email, "Re: "+msg.Subject,
			fmt.Sprintf("Happy to set that up, but I still need: %s.", strings.Join(missing, ", ")))
		return nil
	}

	resolved, unresolved := resolveParticipants(h.cfg, req.Participants)
	if len(unresolved) > 0 {
		h.sendHuman(ctx, member.Email, "Re: "+msg.Subject,
			fmt.Sprintf("I don't know how to reach: %s. Add them to my contacts or give me their email address.",
				strings.Join(unresolved, ", ")))
		return nil
	}

	// The requester votes too; only the hub's own address stays out of
	// the participant list.
	participants := []string{strings.ToLower(member.Email)}
	internal := []string{member.Email}
	for _, p := range resolved {
		if strings.EqualFold(p.Email, h.cfg.Hub.Email) {
			continue
		}
		participants = appendUniqueFold(participants, p.Email)
		if p.Internal {
			internal = appendUniqueFold(internal, p.Email)
		}
	}
	if len(participants) == 1 {
		h.sendHuman(ctx, member.Email, "Re: "+msg.Subject,
			"Everyone you named is already you or me. Who else should attend?")
		return nil
	}

	sessionID := newID()
	sess := protocol.NewSession(sessionID, req.Topic, participants, h.cfg.Hub.Email)
	if req.InitialProposal != "" {
		sess.AddOption(protocol.ItemTime, req.InitialProposal)
	}
	sess.BumpVersion()
	sess.AddHistory(h.cfg.Hub.Email, protocol.ActionPropose,
		fmt.Sprintf("negotiation opened on behalf of %s", member.Name))

	if err := h.store.SetSessionMeta(sessionID, engine.InternalMembersKey, strings.Join(internal, ",")); err != nil {
		return err
	}
	if err := h.store.SaveSession(sess); err != nil {
		return err
	}

	h.logger.Info("session created",
		"session_id", sessionID, "topic", req.Topic, "participants", len(participants))
	h.sendInvitations(ctx, sessionID, sess, member.Name, req.InitialProposal)
	h.sendHuman(ctx, member.Email, "Re: "+msg.Subject,
		fmt.Sprintf("On it. I'm negotiating %q with %s and will confirm once everyone agrees on a time and place.",
			req.Topic, strings.Join(participants, ", ")))
	return nil
}

// sendInvitations mails the opening proposal to every session
// participant with the wire form attached.
func (h *Hub) sendInvitations(ctx context.Context, sessionID string, sess *protocol.Session, onBehalfOf, proposal string) {
	wire, err := sess.ToWire()
	if err != nil {
		h.logger.Error("wire serialization failed", "session_id", sessionID, "error", err)
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Hello. I'm scheduling **%s** on behalf of %s.\n\n", sess.Topic, onBehalfOf)
	if proposal != "" {
		fmt.Fprintf(&sb, "Proposed time: %s\n\n", proposal)
	}
	sb.WriteString("Please reply with times and a location that work for you. ")
	sb.WriteString("Agents can use the attached protocol.json; humans can just answer in plain text.\n")

	messageID, err := h.sender.Send(ctx, transport.Outbound{
		To:           sess.Participants,
		Subject:      transport.SessionSubject(sessionID, sess.Version, sess.Topic),
		Body:         sb.String(),
		ProtocolJSON: wire,
		ThreadID:     sessionID,
		Version:      sess.Version,
	})
	if err != nil {
		h.logger.Warn("invitation send failed", "session_id", sessionID, "error", err)
		return
	}
	if err := h.store.SaveMessageID(sessionID, messageID); err != nil {
		h.logger.Warn("message id not recorded", "session_id", sessionID, "error", err)
	}
}

func (h *Hub) createRoom(ctx context.Context, member *store.Member, msg *transport.Inbound, req *oracle.MemberRequest) error {
	missing := structuralGaps(req, true)
	if len(missing) > 0 {
		h.sendHuman(ctx, member.Email, "Re: "+msg.Subject,
			fmt.Sprintf("Happy to open that room, but I still need: %s.", strings.Join(missing, ", ")))
		return nil
	}
	deadline, err := parseDeadline(req.Deadline, h.now())
	if err != nil {
		h.sendHuman(ctx, member.Email, "Re: "+msg.Subject,
			fmt.Sprintf("I couldn't read the deadline %q. Try a date (2026-09-01), a timestamp, or an offset like +48h.",
				req.Deadline))
		return nil
	}

	resolved, unresolved := resolveParticipants(h.cfg, req.Participants)
	if len(unresolved) > 0 {
		h.sendHuman(ctx, member.Email, "Re: "+msg.Subject,
			fmt.Sprintf("I don't know how to reach: %s. Add them to my contacts or give me their email address.",
				strings.Join(unresolved, ", ")))
		return nil
	}

	participants := []string{strings.ToLower(member.Email)}
	for _, p := range resolved {
		if strings.EqualFold(p.Email, h.cfg.Hub.Email) {
			continue
		}
		participants = appendUniqueFold(participants, p.Email)
	}

	roomID := newID()
	room := protocol.NewRoom(roomID, req.Topic, participants, member.Email, deadline, req.ResolutionRules, h.now())
	if req.InitialProposal != "" {
		room.AddArtifact(&protocol.Artifact{
			Name:        fmt.Sprintf("proposal_%s_%d", localPart(member.Email), h.now().Unix()),
			ContentType: "text/plain",
			BodyText:    req.InitialProposal,
			Author:      member.Email,
			Timestamp:   h.now().Unix(),
		})
		room.AddTranscript(member.Email, protocol.RoomActionPropose, "opening proposal")
	}
	if err := h.store.SaveRoom(room); err != nil {
		return err
	}

	h.logger.Info("room created",
		"room_id", roomID, "topic", req.Topic, "deadline", deadline.Format(time.RFC3339))
	h.sendRoomInvitations(ctx, room, member)
	h.sendHuman(ctx, member.Email, "Re: "+msg.Subject,
		fmt.Sprintf("Room opened for %q with %s. I'll collect amendments until %s and then circulate minutes.",
			req.Topic, strings.Join(participants, ", "), deadline.Format("2006-01-02 15:04 MST")))
	return nil
}

func (h *Hub) sendRoomInvitations(ctx context.Context, room *protocol.Room, member *store.Member) {
	var recipients []string
	for _, p := range room.Participants {
		if !strings.EqualFold(p, member.Email) {
			recipients = append(recipients, p)
		}
	}
	if len(recipients) == 0 {
		return
	}
	wire, err := room.ToWire()
	if err != nil {
		h.logger.Error("wire serialization failed", "room_id", room.RoomID, "error", err)
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s opened a negotiation on **%s**.\n\n", member.Name, room.Topic)
	for _, a := range room.Artifacts {
		fmt.Fprintf(&sb, "## Opening proposal\n\n%s\n\n", a.BodyText)
	}
	fmt.Fprintf(&sb, "Reply with amendments or ACCEPT. The room closes %s, after which I'll send minutes for confirmation.\n",
		time.Unix(room.Deadline, 0).UTC().Format("2006-01-02 15:04 MST"))

	messageID, err := h.sender.Send(ctx, transport.Outbound{
		To:           recipients,
		Subject:      transport.RoomSubject(room.RoomID, room.Topic),
		Body:         sb.String(),
		ProtocolJSON: wire,
		ThreadID:     room.RoomID,
		Version:      room.CurrentRound,
	})
	if err != nil {
		h.logger.Warn("room invitation send failed", "room_id", room.RoomID, "error", err)
		return
	}
	if err := h.store.SaveMessageID(room.RoomID, messageID); err != nil {
		h.logger.Warn("message id not recorded", "room_id", room.RoomID, "error", err)
	}
}

// InitiateSession opens a negotiation from outside the mail flow (the
// initiate subcommand). Names may be member names, contact names, or
// bare addresses.
func (h *Hub) InitiateSession(ctx context.Context, topic, proposal string, names []string) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("a topic is required")
	}
	resolved, unresolved := resolveParticipants(h.cfg, names)
	if len(unresolved) > 0 {
		return "", fmt.Errorf("unknown participants: %s", strings.Join(unresolved, ", "))
	}

	var participants []string
	var internal []string
	for _, p := range resolved {
		if strings.EqualFold(p.Email, h.cfg.Hub.Email) {
			continue
		}
		participants = appendUniqueFold(participants, p.Email)
		if p.Internal {
			internal = appendUniqueFold(internal, p.Email)
		}
	}
	if len(participants) == 0 {
		return "", fmt.Errorf("no participants besides the hub")
	}

	sessionID := newID()
	sess := protocol.NewSession(sessionID, topic, participants, h.cfg.Hub.Email)
	if proposal != "" {
		sess.AddOption(protocol.ItemTime, proposal)
	}
	sess.BumpVersion()
	sess.AddHistory(h.cfg.Hub.Email, protocol.ActionPropose, "negotiation opened")

	if len(internal) > 0 {
		if err := h.store.SetSessionMeta(sessionID, engine.InternalMembersKey, strings.Join(internal, ",")); err != nil {
			return "", err
		}
	}
	if err := h.store.SaveSession(sess); err != nil {
		return "", err
	}
	h.sendInvitations(ctx, sessionID, sess, h.cfg.Hub.Name, proposal)
	return sessionID, nil
}

// structuralGaps lists what a request is missing before an entity may
// be created.
func structuralGaps(req *oracle.MemberRequest, needDeadline bool) []string {
	missing := append([]string(nil), req.Missing...)
	if req.Topic == "" && !contains(missing, "topic") {
		missing = append(missing, "topic")
	}
	if len(req.Participants) == 0 && !contains(missing, "participants") {
		missing = append(missing, "participants")
	}
	if needDeadline && req.Deadline == "" && !contains(missing, "deadline") {
		missing = append(missing, "deadline")
	}
	return missing
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

func appendUniqueFold(list []string, v string) []string {
	for _, e := range list {
		if strings.EqualFold(e, v) {
			return list
		}
	}
	return append(list, strings.ToLower(v))
}

func localPart(email string) string {
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}
