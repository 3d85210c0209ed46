package hub

import (
	"testing"
	"time"

	"github.com/aimplab/aimp-hub/internal/config"
)

func resolveConfig() *config.Config {
	cfg := config.Default()
	cfg.Hub.Email = "hub@x.com"
	cfg.Members = []config.Member{
		{ID: "ada", Name: "Ada", Email: "Ada@X.com", Role: "admin"},
	}
	cfg.Contacts = []config.Contact{
		{Name: "Bob", HasAgent: true, AgentEmail: "bob-agent@b.com", HumanEmail: "bob@b.com"},
		{Name: "Carol", HasAgent: false, HumanEmail: "carol@c.com"},
	}
	return cfg
}

func TestResolveParticipants(t *testing.T) {
	cfg := resolveConfig()

	resolved, unresolved := resolveParticipants(cfg, []string{"Ada", "bob", "Carol", "dave@d.com", "Mallory"})
	if len(unresolved) != 1 || unresolved[0] != "Mallory" {
		t.Fatalf("unresolved = %v", unresolved)
	}
	if len(resolved) != 4 {
		t.Fatalf("resolved = %+v", resolved)
	}

	byName := map[string]participant{}
	for _, p := range resolved {
		byName[p.Name] = p
	}
	if p := byName["Ada"]; p.Email != "ada@x.com" || !p.Internal {
		t.Errorf("member resolution = %+v", p)
	}
	if p := byName["Bob"]; p.Email != "bob-agent@b.com" || p.Internal {
		t.Errorf("agent contact resolution = %+v", p)
	}
	if p := byName["Carol"]; p.Email != "carol@c.com" {
		t.Errorf("human contact resolution = %+v", p)
	}
	if p := byName["dave@d.com"]; p.Email != "dave@d.com" || p.Internal {
		t.Errorf("bare address resolution = %+v", p)
	}
}

func TestParseDeadline(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		in   string
		want time.Time
	}{
		{"2026-09-01T17:00:00Z", time.Date(2026, 9, 1, 17, 0, 0, 0, time.UTC)},
		{"2026-09-01 17:00", time.Date(2026, 9, 1, 17, 0, 0, 0, time.UTC)},
		{"2026-09-01", time.Date(2026, 9, 1, 23, 59, 59, 0, time.UTC)},
		{"+48h", now.Add(48 * time.Hour)},
		{"+90m", now.Add(90 * time.Minute)},
	}
	for _, tt := range cases {
		got, err := parseDeadline(tt.in, now)
		if err != nil {
			t.Errorf("parseDeadline(%q): %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseDeadline(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "whenever", "+soon"} {
		if _, err := parseDeadline(bad, now); err == nil {
			t.Errorf("parseDeadline(%q) accepted", bad)
		}
	}
}
