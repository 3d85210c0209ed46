package protocol

import (
	"strings"
	"time"
)

// RoomStatus is the lifecycle state of a Room.
type RoomStatus string

const (
	RoomOpen      RoomStatus = "open"
	RoomFinalized RoomStatus = "finalized"
)

// Terminal reports whether no further transitions are allowed.
func (s RoomStatus) Terminal() bool { return s == RoomFinalized }

// Room message actions, as classified by the LLM oracle from free text.
const (
	RoomActionPropose   = "PROPOSE"
	RoomActionAmend     = "AMEND"
	RoomActionAccept    = "ACCEPT"
	RoomActionReject    = "REJECT"
	RoomActionConfirm   = "CONFIRM"
	RoomActionAggregate = "aggregate"
	RoomActionFinalized = "FINALIZED"
)

// Resolution rules a room can be created with.
const (
	RuleMajority         = "majority"
	RuleConsensus        = "consensus"
	RuleInitiatorDecides = "initiator_decides"
)

// Finalization triggers recorded in the FINALIZED transcript entry.
const (
	TriggerAllAccepted     = "all_accepted"
	TriggerDeadlineExpired = "deadline_expired"
)

// Artifact is a named content chunk submitted to a room, typically a
// proposal text extracted from a participant's reply.
type Artifact struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	BodyText    string `json:"body_text"`
	Author      string `json:"author"`
	Timestamp   int64  `json:"timestamp"`
}

// Room is a deadline-bounded content negotiation. Participants amend a
// shared set of artifacts until everyone accepts or the deadline passes,
// at which point the room is finalized and minutes are produced.
// The struct doubles as the wire form.
type Room struct {
	RoomID           string               `json:"room_id"`
	Topic            string               `json:"topic"`
	Deadline         int64                `json:"deadline"`
	Participants     []string             `json:"participants"`
	Initiator        string               `json:"initiator"`
	Artifacts        map[string]*Artifact `json:"artifacts"`
	Transcript       []HistoryEntry       `json:"transcript"`
	Status           RoomStatus           `json:"status"`
	CreatedAt        int64                `json:"created_at"`
	ResolutionRules  string               `json:"resolution_rules"`
	AcceptedBy       []string             `json:"accepted_by"`
	CurrentRound     int                  `json:"current_round"`
	RoundRespondents []string             `json:"round_respondents"`
}

// NewRoom creates an open room. now stamps CreatedAt; rules defaults to
// majority when empty.
func NewRoom(id, topic string, participants []string, initiator string, deadline time.Time, rules string, now time.Time) *Room {
	if rules == "" {
		rules = RuleMajority
	}
	return &Room{
		RoomID:           id,
		Topic:            topic,
		Deadline:         deadline.Unix(),
		Participants:     append([]string(nil), participants...),
		Initiator:        initiator,
		Artifacts:        make(map[string]*Artifact),
		Transcript:       []HistoryEntry{},
		Status:           RoomOpen,
		CreatedAt:        now.Unix(),
		ResolutionRules:  rules,
		AcceptedBy:       []string{},
		CurrentRound:     1,
		RoundRespondents: []string{},
	}
}

// IsPastDeadline reports whether the deadline has passed at now.
func (r *Room) IsPastDeadline(now time.Time) bool {
	return now.Unix() > r.Deadline
}

// AllAccepted reports whether every participant has sent ACCEPT at least
// once. An empty participant list never counts as accepted.
func (r *Room) AllAccepted() bool {
	if len(r.Participants) == 0 {
		return false
	}
	for _, p := range r.Participants {
		if !contains(r.AcceptedBy, p) {
			return false
		}
	}
	return true
}

// RecordAccept adds addr to the accepted set (set semantics).
func (r *Room) RecordAccept(addr string) {
	r.AcceptedBy = appendUnique(r.AcceptedBy, addr)
}

// AddArtifact inserts an artifact keyed by its name.
func (r *Room) AddArtifact(a *Artifact) {
	if r.Artifacts == nil {
		r.Artifacts = make(map[string]*Artifact)
	}
	r.Artifacts[a.Name] = a
}

// AddTranscript appends an entry versioned by insertion order (1-based).
// The transcript is append-only.
func (r *Room) AddTranscript(from, action, summary string) {
	r.Transcript = append(r.Transcript, HistoryEntry{
		Version: len(r.Transcript) + 1,
		From:    from,
		Action:  action,
		Summary: summary,
	})
}

// IsParticipant reports membership, case-insensitively on the local
// convention that addresses compare lowercased.
func (r *Room) IsParticipant(addr string) bool {
	for _, p := range r.Participants {
		if strings.EqualFold(p, addr) {
			return true
		}
	}
	return false
}

// RecordRoundReply adds addr to the current round's respondents.
func (r *Room) RecordRoundReply(addr string) {
	r.RoundRespondents = appendUnique(r.RoundRespondents, addr)
}

// IsRoundComplete applies the same round-completion rule as sessions:
// round 1 requires every non-initiator, later rounds require everyone.
func (r *Room) IsRoundComplete() bool {
	return roundComplete(r.CurrentRound, r.Initiator, r.Participants, r.RoundRespondents)
}

// AdvanceRound moves to the next round and clears the respondent set.
func (r *Room) AdvanceRound() {
	r.CurrentRound++
	r.RoundRespondents = []string{}
}
