package hub

import (
	"fmt"
	"strings"
	"time"

	"github.com/aimplab/aimp-hub/internal/config"
)

// participant is a resolved attendee. Internal marks hub members, who
// are re-notified on confirmation in addition to the negotiation mail.
type participant struct {
	Name     string
	Email    string
	Internal bool
}

// resolveParticipants maps the names a member used in a request to
// addresses: bare addresses pass through, member names and ids resolve
// to the member's email, contact names resolve through the contact
// book. Unresolvable names are returned for the "who is that?" reply.
func resolveParticipants(cfg *config.Config, names []string) (resolved []participant, unresolved []string) {
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if strings.ContainsRune(name, '@') {
			resolved = append(resolved, participant{Name: name, Email: strings.ToLower(name)})
			continue
		}
		if m := memberByName(cfg, name); m != nil {
			resolved = append(resolved, participant{Name: m.Name, Email: strings.ToLower(m.Email), Internal: true})
			continue
		}
		if c := contactByName(cfg, name); c != nil && c.BestEmail() != "" {
			resolved = append(resolved, participant{Name: c.Name, Email: strings.ToLower(c.BestEmail())})
			continue
		}
		unresolved = append(unresolved, name)
	}
	return resolved, unresolved
}

func memberByName(cfg *config.Config, name string) *config.Member {
	for i, m := range cfg.Members {
		if strings.EqualFold(m.Name, name) || strings.EqualFold(m.ID, name) {
			return &cfg.Members[i]
		}
	}
	return nil
}

func contactByName(cfg *config.Config, name string) *config.Contact {
	for i, c := range cfg.Contacts {
		if strings.EqualFold(c.Name, name) {
			return &cfg.Contacts[i]
		}
	}
	return nil
}

// deadline layouts tried in order, absolute forms first.
var deadlineLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// parseDeadline turns the oracle's deadline string into an instant.
// Absolute forms are taken as-is; a bare date means end of that day;
// a leading + means an offset from now ("+48h", "+90m").
func parseDeadline(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty deadline")
	}
	if strings.HasPrefix(s, "+") {
		d, err := time.ParseDuration(s[1:])
		if err != nil {
			return time.Time{}, fmt.Errorf("relative deadline %q: %w", s, err)
		}
		return now.Add(d), nil
	}
	for _, layout := range deadlineLayouts {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t.Add(24*time.Hour - time.Second), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized deadline %q", s)
}
