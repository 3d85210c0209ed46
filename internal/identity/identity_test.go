package identity

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/aimplab/aimp-hub/internal/config"
	"github.com/aimplab/aimp-hub/internal/store"
)

func newTestRegistry(t *testing.T, cfg *config.Config) *Registry {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	r := NewRegistry(st, cfg, nil)
	if err := r.Seed(); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return r
}

func baseConfig() *config.Config {
	cfg := config.Default()
	cfg.Hub.Name = "Test Hub"
	cfg.Hub.Email = "hub@x.com"
	cfg.Members = []config.Member{
		{ID: "ada", Name: "Ada", Email: "ada@x.com", Role: "owner"},
	}
	cfg.InviteCodes = []config.InviteCode{
		{Code: "open-door"},
		{Code: "two-seats", MaxUses: 2},
		{Code: "gone", Expires: "2020-01-01T00:00:00Z"},
		{Code: "next-year", Expires: "2027-12-31"},
		{Code: "today-only", Expires: "2026-08-24"},
		{Code: "last-year", Expires: "2025-06-01"},
		{Code: "garbled", Expires: "whenever"},
	}
	return cfg
}

func TestSeedAndLookup(t *testing.T) {
	r := newTestRegistry(t, baseConfig())

	m, err := r.MemberByEmail("ADA@X.COM")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.MemberID != "ada" || m.Role != "owner" {
		t.Errorf("member = %+v", m)
	}

	none, err := r.MemberByEmail("ghost@x.com")
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Error("unknown address resolved to a member")
	}
}

func TestValidateInvite(t *testing.T) {
	r := newTestRegistry(t, baseConfig())
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	if ok, _ := r.ValidateInvite("open-door", now); !ok {
		t.Error("unlimited code rejected")
	}
	if ok, reason := r.ValidateInvite("gone", now); ok || reason != "expired" {
		t.Errorf("expired code: ok=%v reason=%q", ok, reason)
	}
	if ok, reason := r.ValidateInvite("nope", now); ok || reason != "not recognized" {
		t.Errorf("unknown code: ok=%v reason=%q", ok, reason)
	}
}

func TestValidateInviteDateFormExpiry(t *testing.T) {
	r := newTestRegistry(t, baseConfig())
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	if ok, reason := r.ValidateInvite("next-year", now); !ok {
		t.Errorf("future date-form expiry rejected: %q", reason)
	}
	// The expiry day itself still admits.
	if ok, reason := r.ValidateInvite("today-only", now); !ok {
		t.Errorf("expiry-day code rejected: %q", reason)
	}
	if ok, reason := r.ValidateInvite("last-year", now); ok || reason != "expired" {
		t.Errorf("past date-form code: ok=%v reason=%q", ok, reason)
	}
	if ok, _ := r.ValidateInvite("garbled", now); ok {
		t.Error("unparseable expiry admitted a member")
	}
}

func TestRegisterInviteeConsumesUses(t *testing.T) {
	r := newTestRegistry(t, baseConfig())
	now := time.Now()

	for _, email := range []string{"g1@y.com", "g2@y.com"} {
		if _, err := r.RegisterInvitee(email, "", "two-seats", now); err != nil {
			t.Fatalf("RegisterInvitee(%s): %v", email, err)
		}
	}
	// Third use exceeds max_uses.
	if _, err := r.RegisterInvitee("g3@y.com", "", "two-seats", now); err == nil {
		t.Fatal("over-used code still admitted a member")
	}

	m, err := r.MemberByEmail("g1@y.com")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Role != "trusted" {
		t.Errorf("invitee = %+v, want role trusted", m)
	}
	if m.Name != "g1" {
		t.Errorf("default name = %q, want local part", m.Name)
	}
}

func TestRegisterInviteeIdempotentForMembers(t *testing.T) {
	r := newTestRegistry(t, baseConfig())

	// An existing member re-sending an invite code must not burn a use.
	m, err := r.RegisterInvitee("ada@x.com", "Ada", "two-seats", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if m.MemberID != "ada" {
		t.Errorf("member = %+v", m)
	}
}

func TestStrangerThrottle(t *testing.T) {
	r := newTestRegistry(t, baseConfig())
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	ok, err := r.ShouldReplyToStranger("who@y.com", now)
	if err != nil || !ok {
		t.Fatalf("first contact: ok=%v err=%v", ok, err)
	}
	if ok, _ := r.ShouldReplyToStranger("who@y.com", now.Add(time.Hour)); ok {
		t.Error("second reply inside the window")
	}
	if ok, _ := r.ShouldReplyToStranger("who@y.com", now.Add(25*time.Hour)); !ok {
		t.Error("reply blocked after the window elapsed")
	}
}

func TestCapabilityCard(t *testing.T) {
	r := newTestRegistry(t, baseConfig())

	var card map[string]any
	if err := json.Unmarshal([]byte(r.CapabilityCard()), &card); err != nil {
		t.Fatalf("card is not JSON: %v", err)
	}
	if card["email"] != "hub@x.com" {
		t.Errorf("card email = %v", card["email"])
	}
	if card["protocol"] != "AIMP/0.1" {
		t.Errorf("card protocol = %v", card["protocol"])
	}
}

func TestIsAutoReply(t *testing.T) {
	autoReplies := []struct{ from, subject string }{
		{"no-reply@shop.com", "Your order"},
		{"MAILER-DAEMON@mx.example.org", "delivery problem"},
		{"noreply-payments@bank.com", "statement ready"},
		{"ada@x.com", "Out of Office: vacation until Sept"},
		{"ada@x.com", "Automatic reply: Re: standup"},
		{"ada@x.com", "Undeliverable: [AIMP:m1] v1"},
	}
	for _, tt := range autoReplies {
		if !IsAutoReply(tt.from, tt.subject) {
			t.Errorf("IsAutoReply(%q, %q) = false", tt.from, tt.subject)
		}
	}

	humans := []struct{ from, subject string }{
		{"ada@x.com", "Re: [AIMP:m1] v1 standup"},
		{"grace@y.com", "monday works"},
		{"notifier.fan@y.com", "hello"},
	}
	for _, tt := range humans {
		if IsAutoReply(tt.from, tt.subject) {
			t.Errorf("IsAutoReply(%q, %q) = true", tt.from, tt.subject)
		}
	}
}
