// Package protocol implements the AIMP/0.1 data model: negotiation
// sessions, content rooms, and their wire representation. Everything in
// this package is pure (no I/O, no logging, and no wall clock except
// through explicitly passed time values) so the state machines built on
// top of it can treat transitions as copy-mutate-persist operations and
// tests can exercise every invariant without mocks.
package protocol

import (
	"errors"
	"fmt"
)

// Version is the protocol identifier carried in every wire payload.
const Version = "AIMP/0.1"

// DefaultMaxRounds is the stall threshold: a session whose history has
// grown to this many entries without full consensus is escalated to a
// human. Overridable via the max_rounds config key.
const DefaultMaxRounds = 5

// Agenda items every session negotiates. The proposals map is keyed by
// these; additional items may appear on the wire and are preserved.
const (
	ItemTime     = "time"
	ItemLocation = "location"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	StatusNegotiating SessionStatus = "negotiating"
	StatusConfirmed   SessionStatus = "confirmed"
	StatusEscalated   SessionStatus = "escalated"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusEscalated
}

// History actions for sessions.
const (
	ActionPropose  = "propose"
	ActionAccept   = "accept"
	ActionCounter  = "counter"
	ActionConfirm  = "confirm"
	ActionEscalate = "escalate"
)

// ErrUnknownOption is returned by ApplyVote when the choice does not
// reference an existing option. Callers that want lenient semantics
// (human replies) add the option first and retry.
var ErrUnknownOption = errors.New("choice is not an existing option")

// HistoryEntry is one step of a negotiation, in either a session history
// or a room transcript. Version is the session version after the entry
// was appended (for rooms, the 1-based transcript position).
type HistoryEntry struct {
	Version int    `json:"version"`
	From    string `json:"from"`
	Action  string `json:"action"`
	Summary string `json:"summary"`
}

// ProposalItem tracks options and votes for a single agenda item.
// A nil vote value means the participant has a slot but has not voted.
type ProposalItem struct {
	Options []string           `json:"options"`
	Votes   map[string]*string `json:"votes"`
}

// NewProposalItem creates an item with an unvoted slot per participant.
func NewProposalItem(participants []string) *ProposalItem {
	votes := make(map[string]*string, len(participants))
	for _, p := range participants {
		votes[p] = nil
	}
	return &ProposalItem{Options: []string{}, Votes: votes}
}

// AddOption appends an option unless it is already present.
func (p *ProposalItem) AddOption(option string) {
	for _, o := range p.Options {
		if o == option {
			return
		}
	}
	p.Options = append(p.Options, option)
}

// HasOption reports whether the option exists.
func (p *ProposalItem) HasOption(option string) bool {
	for _, o := range p.Options {
		if o == option {
			return true
		}
	}
	return false
}

// Vote records a choice for voter. The choice must reference an
// existing option; otherwise ErrUnknownOption is returned and no state
// changes.
func (p *ProposalItem) Vote(voter, choice string) error {
	if !p.HasOption(choice) {
		return fmt.Errorf("%w: %q not in %v", ErrUnknownOption, choice, p.Options)
	}
	if p.Votes == nil {
		p.Votes = make(map[string]*string)
	}
	c := choice
	p.Votes[voter] = &c
	return nil
}

// Consensus returns the winning option if every slot holds the same
// non-nil vote, or "" when there is no consensus yet. The result depends
// only on the vote contents, not on insertion order.
func (p *ProposalItem) Consensus() string {
	if len(p.Votes) == 0 {
		return ""
	}
	var winner string
	for _, v := range p.Votes {
		if v == nil {
			return ""
		}
		if winner == "" {
			winner = *v
		} else if winner != *v {
			return ""
		}
	}
	return winner
}

// Session is one AIMP scheduling negotiation. The struct doubles as the
// wire form carried in the protocol.json attachment; the Initiator
// field maps to the protocol's "from" key.
type Session struct {
	Protocol         string                   `json:"protocol"`
	SessionID        string                   `json:"session_id"`
	Version          int                      `json:"version"`
	Topic            string                   `json:"topic"`
	Initiator        string                   `json:"from"`
	Participants     []string                 `json:"participants"`
	Proposals        map[string]*ProposalItem `json:"proposals"`
	Status           SessionStatus            `json:"status"`
	History          []HistoryEntry           `json:"history"`
	CurrentRound     int                      `json:"current_round"`
	RoundRespondents []string                 `json:"round_respondents"`
}

// NewSession creates a negotiating session with empty time and location
// items and an unvoted slot per participant. If initiator is empty the
// first participant becomes the initiator.
func NewSession(id, topic string, participants []string, initiator string) *Session {
	if initiator == "" && len(participants) > 0 {
		initiator = participants[0]
	}
	s := &Session{
		Protocol:         Version,
		SessionID:        id,
		Topic:            topic,
		Initiator:        initiator,
		Participants:     append([]string(nil), participants...),
		Proposals:        make(map[string]*ProposalItem, 2),
		Status:           StatusNegotiating,
		History:          []HistoryEntry{},
		CurrentRound:     1,
		RoundRespondents: []string{},
	}
	for _, item := range []string{ItemTime, ItemLocation} {
		s.Proposals[item] = NewProposalItem(s.Participants)
	}
	return s
}

// EnsureParticipant adds addr to the participant list and gives it an
// unvoted slot in every agenda item. No-op if already present.
func (s *Session) EnsureParticipant(addr string) {
	found := false
	for _, p := range s.Participants {
		if p == addr {
			found = true
			break
		}
	}
	if !found {
		s.Participants = append(s.Participants, addr)
	}
	for _, item := range s.Proposals {
		if item.Votes == nil {
			item.Votes = make(map[string]*string)
		}
		if _, ok := item.Votes[addr]; !ok {
			item.Votes[addr] = nil
		}
	}
}

// AddOption appends an option to the named agenda item, creating the
// item (with slots for all current participants) if it does not exist.
// Duplicate values are ignored.
func (s *Session) AddOption(item, option string) {
	p, ok := s.Proposals[item]
	if !ok {
		p = NewProposalItem(s.Participants)
		s.Proposals[item] = p
	}
	p.AddOption(option)
}

// ApplyVote records voter's choice for an agenda item. The voter is
// added as a participant if missing. Returns ErrUnknownOption when the
// choice does not reference an existing option, and an error when the
// item itself does not exist.
func (s *Session) ApplyVote(voter, item, choice string) error {
	s.EnsureParticipant(voter)
	p, ok := s.Proposals[item]
	if !ok {
		return fmt.Errorf("agenda item %q does not exist", item)
	}
	return p.Vote(voter, choice)
}

// CheckConsensus returns the resolved value per agenda item, or "" for
// items without consensus.
func (s *Session) CheckConsensus() map[string]string {
	out := make(map[string]string, len(s.Proposals))
	for name, item := range s.Proposals {
		out[name] = item.Consensus()
	}
	return out
}

// IsFullyResolved reports whether every agenda item has consensus.
func (s *Session) IsFullyResolved() bool {
	if len(s.Proposals) == 0 {
		return false
	}
	for _, item := range s.Proposals {
		if item.Consensus() == "" {
			return false
		}
	}
	return true
}

// RoundCount is the number of negotiation steps so far (history length).
func (s *Session) RoundCount() int { return len(s.History) }

// IsStalled reports whether the negotiation has reached the round limit
// without resolution. maxRounds <= 0 selects DefaultMaxRounds.
func (s *Session) IsStalled(maxRounds int) bool {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return len(s.History) >= maxRounds
}

// RecordRoundReply adds addr to the current round's respondents.
// Duplicate replies within a round collapse to one entry.
func (s *Session) RecordRoundReply(addr string) {
	s.RoundRespondents = appendUnique(s.RoundRespondents, addr)
}

// IsRoundComplete applies the round-completion rule: round 1 requires a
// reply from every non-initiator (the initiator's propose message was
// their contribution); round 2 and later require every participant.
// A session with no participants is never complete.
func (s *Session) IsRoundComplete() bool {
	return roundComplete(s.CurrentRound, s.Initiator, s.Participants, s.RoundRespondents)
}

// AdvanceRound moves to the next round and clears the respondent set.
func (s *Session) AdvanceRound() {
	s.CurrentRound++
	s.RoundRespondents = []string{}
}

// BumpVersion increments the session version. Every outbound reply bumps
// exactly once, so version is monotonically non-decreasing.
func (s *Session) BumpVersion() { s.Version++ }

// AddHistory appends an entry stamped with the current (post-bump)
// version. History is append-only.
func (s *Session) AddHistory(from, action, summary string) {
	s.History = append(s.History, HistoryEntry{
		Version: s.Version,
		From:    from,
		Action:  action,
		Summary: summary,
	})
}

// LastAction returns the action of the most recent history entry, or "".
func (s *Session) LastAction() string {
	if len(s.History) == 0 {
		return ""
	}
	return s.History[len(s.History)-1].Action
}

func appendUnique(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}

// roundComplete is shared by Session and Room: both follow the same
// round-1 asymmetry.
func roundComplete(round int, initiator string, participants, respondents []string) bool {
	var expected []string
	if round == 1 {
		for _, p := range participants {
			if p != initiator {
				expected = append(expected, p)
			}
		}
	} else {
		expected = participants
	}
	if len(expected) == 0 {
		return false
	}
	for _, e := range expected {
		if !contains(respondents, e) {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
