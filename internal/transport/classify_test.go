package transport

import "testing"

func TestClassifySubjects(t *testing.T) {
	tests := []struct {
		subject string
		kind    Kind
		id      string
	}{
		{"[AIMP:meeting-42] v3 Q2 planning", KindSession, "meeting-42"},
		{"Re: [AIMP:meeting-42] v3 Q2 planning", KindSession, "meeting-42"},
		{"[AIMP:Room:budget-7] Round 2 digest", KindRoom, "budget-7"},
		{"Re: Re: [AIMP:Room:budget-7] finalized", KindRoom, "budget-7"},
		{"lunch on friday?", KindOther, ""},
		{"[AIMP] malformed tag", KindOther, ""},
	}
	for _, tt := range tests {
		kind, id := Classify(tt.subject)
		if kind != tt.kind || id != tt.id {
			t.Errorf("Classify(%q) = (%v, %q), want (%v, %q)", tt.subject, kind, id, tt.kind, tt.id)
		}
	}
}

func TestFindInviteCode(t *testing.T) {
	if got := FindInviteCode("Hello, my code is [AIMP-INVITE:join-2026]."); got != "join-2026" {
		t.Errorf("FindInviteCode = %q", got)
	}
	// Case-insensitive tag.
	if got := FindInviteCode("[aimp-invite:X9]"); got != "X9" {
		t.Errorf("lowercase tag not matched: %q", got)
	}
	if got := FindInviteCode("no code here"); got != "" {
		t.Errorf("FindInviteCode on plain text = %q", got)
	}
}

func TestSubjectRoundTrip(t *testing.T) {
	s := SessionSubject("m1", 2, "standup")
	if kind, id := Classify(s); kind != KindSession || id != "m1" {
		t.Errorf("session subject %q did not classify back", s)
	}
	r := RoomSubject("r1", "Round 1")
	if kind, id := Classify(r); kind != KindRoom || id != "r1" {
		t.Errorf("room subject %q did not classify back", r)
	}
}
