package protocol

import (
	"errors"
	"math/rand"
	"testing"
)

func TestNewSessionInitializesAgendaSlots(t *testing.T) {
	s := NewSession("s1", "standup", []string{"hub@x.com", "a@x.com", "b@x.com"}, "hub@x.com")

	for _, item := range []string{ItemTime, ItemLocation} {
		p, ok := s.Proposals[item]
		if !ok {
			t.Fatalf("missing agenda item %q", item)
		}
		if len(p.Votes) != 3 {
			t.Errorf("%s: got %d vote slots, want 3", item, len(p.Votes))
		}
		for addr, v := range p.Votes {
			if v != nil {
				t.Errorf("%s: slot %s should start unvoted", item, addr)
			}
		}
	}
	if s.Status != StatusNegotiating {
		t.Errorf("Status = %q, want negotiating", s.Status)
	}
	if s.CurrentRound != 1 {
		t.Errorf("CurrentRound = %d, want 1", s.CurrentRound)
	}
}

func TestAddOptionIsIdempotent(t *testing.T) {
	s := NewSession("s1", "t", []string{"a@x.com"}, "a@x.com")
	s.AddOption(ItemTime, "Mon 10am")
	s.AddOption(ItemTime, "Mon 10am")
	s.AddOption(ItemTime, "Tue 2pm")

	got := s.Proposals[ItemTime].Options
	if len(got) != 2 || got[0] != "Mon 10am" || got[1] != "Tue 2pm" {
		t.Errorf("Options = %v, want [Mon 10am, Tue 2pm]", got)
	}
}

func TestApplyVoteRejectsUnknownOption(t *testing.T) {
	s := NewSession("s1", "t", []string{"a@x.com", "b@x.com"}, "a@x.com")
	s.AddOption(ItemTime, "Mon 10am")

	err := s.ApplyVote("b@x.com", ItemTime, "Fri 5pm")
	if !errors.Is(err, ErrUnknownOption) {
		t.Fatalf("err = %v, want ErrUnknownOption", err)
	}
	// The failed vote must not dirty the slot.
	if v := s.Proposals[ItemTime].Votes["b@x.com"]; v != nil {
		t.Errorf("slot mutated by failed vote: %v", *v)
	}
}

func TestApplyVoteAddsMissingParticipant(t *testing.T) {
	s := NewSession("s1", "t", []string{"a@x.com"}, "a@x.com")
	s.AddOption(ItemTime, "Mon 10am")

	if err := s.ApplyVote("new@x.com", ItemTime, "Mon 10am"); err != nil {
		t.Fatalf("ApplyVote: %v", err)
	}
	found := false
	for _, p := range s.Participants {
		if p == "new@x.com" {
			found = true
		}
	}
	if !found {
		t.Error("voter was not added to participants")
	}
	// The new participant also gets a slot in the other agenda item.
	if _, ok := s.Proposals[ItemLocation].Votes["new@x.com"]; !ok {
		t.Error("new participant has no location slot")
	}
}

func TestConsensusIsOrderIndependent(t *testing.T) {
	voters := []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com"}

	build := func(order []int) map[string]string {
		s := NewSession("s1", "t", voters, "a@x.com")
		s.AddOption(ItemTime, "Mon 10am")
		s.AddOption(ItemTime, "Tue 2pm")
		s.AddOption(ItemLocation, "Zoom")
		for _, i := range order {
			if err := s.ApplyVote(voters[i], ItemTime, "Mon 10am"); err != nil {
				t.Fatalf("vote: %v", err)
			}
			if err := s.ApplyVote(voters[i], ItemLocation, "Zoom"); err != nil {
				t.Fatalf("vote: %v", err)
			}
		}
		return s.CheckConsensus()
	}

	want := build([]int{0, 1, 2, 3})
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 10; trial++ {
		order := rng.Perm(len(voters))
		got := build(order)
		for item, val := range want {
			if got[item] != val {
				t.Fatalf("order %v: consensus[%s] = %q, want %q", order, item, got[item], val)
			}
		}
	}
}

func TestIsFullyResolved(t *testing.T) {
	s := NewSession("s1", "t", []string{"a@x.com", "b@x.com"}, "a@x.com")
	s.AddOption(ItemTime, "Mon 10am")
	s.AddOption(ItemLocation, "Zoom")

	if s.IsFullyResolved() {
		t.Fatal("unvoted session reported resolved")
	}
	for _, v := range []string{"a@x.com", "b@x.com"} {
		if err := s.ApplyVote(v, ItemTime, "Mon 10am"); err != nil {
			t.Fatal(err)
		}
	}
	if s.IsFullyResolved() {
		t.Fatal("session with unresolved location reported resolved")
	}
	for _, v := range []string{"a@x.com", "b@x.com"} {
		if err := s.ApplyVote(v, ItemLocation, "Zoom"); err != nil {
			t.Fatal(err)
		}
	}
	if !s.IsFullyResolved() {
		t.Fatal("fully voted session not resolved")
	}
}

func TestRoundCompletionRules(t *testing.T) {
	initiator := "i@x.com"
	s := NewSession("s1", "t", []string{initiator, "a@x.com", "b@x.com"}, initiator)

	// Round 1: only non-initiators are required.
	if s.IsRoundComplete() {
		t.Fatal("empty round 1 reported complete")
	}
	s.RecordRoundReply("a@x.com")
	if s.IsRoundComplete() {
		t.Fatal("round 1 complete with only one of two non-initiators")
	}
	s.RecordRoundReply("b@x.com")
	if !s.IsRoundComplete() {
		t.Fatal("round 1 not complete with all non-initiators")
	}

	// Round 2+: everyone including the initiator.
	s.AdvanceRound()
	if s.CurrentRound != 2 {
		t.Fatalf("CurrentRound = %d, want 2", s.CurrentRound)
	}
	if len(s.RoundRespondents) != 0 {
		t.Fatal("AdvanceRound did not clear respondents")
	}
	s.RecordRoundReply("a@x.com")
	s.RecordRoundReply("b@x.com")
	if s.IsRoundComplete() {
		t.Fatal("round 2 complete without initiator")
	}
	s.RecordRoundReply(initiator)
	if !s.IsRoundComplete() {
		t.Fatal("round 2 not complete with everyone")
	}
}

func TestEmptyParticipantsNeverComplete(t *testing.T) {
	s := NewSession("s1", "t", nil, "")
	s.CurrentRound = 2
	if s.IsRoundComplete() {
		t.Fatal("session with no participants reported round-complete")
	}
}

func TestRecordRoundReplyDeduplicates(t *testing.T) {
	s := NewSession("s1", "t", []string{"i@x.com", "a@x.com"}, "i@x.com")
	s.RecordRoundReply("a@x.com")
	s.RecordRoundReply("a@x.com")
	if len(s.RoundRespondents) != 1 {
		t.Errorf("RoundRespondents = %v, want one entry", s.RoundRespondents)
	}
}

func TestHistoryCarriesPostBumpVersion(t *testing.T) {
	s := NewSession("s1", "t", []string{"a@x.com"}, "a@x.com")
	s.BumpVersion()
	s.AddHistory("a@x.com", ActionPropose, "opening")
	s.BumpVersion()
	s.AddHistory("hub@x.com", ActionCounter, "round 2")

	if s.History[0].Version != 1 || s.History[1].Version != 2 {
		t.Errorf("history versions = %d, %d; want 1, 2", s.History[0].Version, s.History[1].Version)
	}
	if s.LastAction() != ActionCounter {
		t.Errorf("LastAction = %q, want counter", s.LastAction())
	}
}

func TestIsStalled(t *testing.T) {
	s := NewSession("s1", "t", []string{"a@x.com"}, "a@x.com")
	for i := 0; i < DefaultMaxRounds-1; i++ {
		s.BumpVersion()
		s.AddHistory("a@x.com", ActionCounter, "no luck")
	}
	if s.IsStalled(0) {
		t.Fatal("stalled one round early")
	}
	s.BumpVersion()
	s.AddHistory("a@x.com", ActionCounter, "still no luck")
	if !s.IsStalled(0) {
		t.Fatal("not stalled at the round limit")
	}
	if s.IsStalled(10) {
		t.Fatal("stalled below a raised limit")
	}
}
