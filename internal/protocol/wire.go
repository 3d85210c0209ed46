package protocol

import (
	"encoding/json"
	"fmt"
)

// ToWire serializes the session to its protocol.json form.
func (s *Session) ToWire() ([]byte, error) {
	s.Protocol = Version
	return json.Marshal(s)
}

// SessionFromWire parses a protocol.json payload. Missing fields are
// normalized the way a lenient peer would expect: status defaults to
// negotiating, round to 1, the initiator to the first participant, and
// the time/location agenda items always exist with a slot per
// participant.
func SessionFromWire(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session wire form: %w", err)
	}
	if s.SessionID == "" {
		return nil, fmt.Errorf("session wire form missing session_id")
	}
	s.normalize()
	return &s, nil
}

func (s *Session) normalize() {
	s.Protocol = Version
	if s.Status == "" {
		s.Status = StatusNegotiating
	}
	if s.CurrentRound == 0 {
		s.CurrentRound = 1
	}
	if s.Initiator == "" && len(s.Participants) > 0 {
		s.Initiator = s.Participants[0]
	}
	if s.Proposals == nil {
		s.Proposals = make(map[string]*ProposalItem, 2)
	}
	for _, item := range []string{ItemTime, ItemLocation} {
		if _, ok := s.Proposals[item]; !ok {
			s.Proposals[item] = NewProposalItem(s.Participants)
		}
	}
	for _, item := range s.Proposals {
		if item.Options == nil {
			item.Options = []string{}
		}
		if item.Votes == nil {
			item.Votes = make(map[string]*string)
		}
	}
	// Every listed participant holds a slot in every agenda item, even
	// when the sender's payload left them out of a votes map.
	for _, addr := range s.Participants {
		s.EnsureParticipant(addr)
	}
	if s.History == nil {
		s.History = []HistoryEntry{}
	}
	if s.RoundRespondents == nil {
		s.RoundRespondents = []string{}
	}
}

// Clone deep-copies the session via a wire round-trip.
func (s *Session) Clone() *Session {
	data, err := s.ToWire()
	if err != nil {
		panic(fmt.Sprintf("clone session %s: %v", s.SessionID, err))
	}
	c, err := SessionFromWire(data)
	if err != nil {
		panic(fmt.Sprintf("clone session %s: %v", s.SessionID, err))
	}
	return c
}

// ToWire serializes the room to its JSON form.
func (r *Room) ToWire() ([]byte, error) {
	return json.Marshal(r)
}

// RoomFromWire parses a room JSON payload with the same lenient
// normalization as SessionFromWire.
func RoomFromWire(data []byte) (*Room, error) {
	var r Room
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse room wire form: %w", err)
	}
	if r.RoomID == "" {
		return nil, fmt.Errorf("room wire form missing room_id")
	}
	if r.Status == "" {
		r.Status = RoomOpen
	}
	if r.CurrentRound == 0 {
		r.CurrentRound = 1
	}
	if r.ResolutionRules == "" {
		r.ResolutionRules = RuleMajority
	}
	if r.Artifacts == nil {
		r.Artifacts = make(map[string]*Artifact)
	}
	if r.Transcript == nil {
		r.Transcript = []HistoryEntry{}
	}
	if r.AcceptedBy == nil {
		r.AcceptedBy = []string{}
	}
	if r.RoundRespondents == nil {
		r.RoundRespondents = []string{}
	}
	return &r, nil
}

// Clone deep-copies the room via a wire round-trip.
func (r *Room) Clone() *Room {
	data, err := r.ToWire()
	if err != nil {
		panic(fmt.Sprintf("clone room %s: %v", r.RoomID, err))
	}
	c, err := RoomFromWire(data)
	if err != nil {
		panic(fmt.Sprintf("clone room %s: %v", r.RoomID, err))
	}
	return c
}
