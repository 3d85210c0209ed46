package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Member is a registered hub member. Members come from the config
// whitelist (seeded at startup) or from invite-code auto-registration.
type Member struct {
	MemberID string
	Name     string
	Email    string
	Role     string
}

// InviteCode controls stranger onboarding. Expires is an RFC 3339
// timestamp or empty for no expiry; MaxUses of zero means unlimited.
type InviteCode struct {
	Code    string
	Expires string
	MaxUses int
	Used    int
}

// UpsertMember inserts or replaces a member keyed by id.
func (s *Store) UpsertMember(m *Member) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO members (member_id, name, email, role) VALUES (?, ?, ?, ?)
	`, m.MemberID, m.Name, strings.ToLower(m.Email), m.Role)
	if err != nil {
		return fmt.Errorf("upsert member %s: %w", m.MemberID, err)
	}
	return nil
}

// LookupMember finds a member by email, case-insensitively. Returns nil
// when no member has that address.
func (s *Store) LookupMember(email string) (*Member, error) {
	var m Member
	err := s.db.QueryRow(`
		SELECT member_id, name, email, role FROM members WHERE email = ?
	`, strings.ToLower(email)).Scan(&m.MemberID, &m.Name, &m.Email, &m.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup member %s: %w", email, err)
	}
	return &m, nil
}

// ListMembers returns all registered members ordered by id.
func (s *Store) ListMembers() ([]*Member, error) {
	rows, err := s.db.Query(`SELECT member_id, name, email, role FROM members ORDER BY member_id`)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []*Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.MemberID, &m.Name, &m.Email, &m.Role); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// SeedInviteCode inserts an invite code if it does not already exist.
// Existing codes keep their use counter across restarts.
func (s *Store) SeedInviteCode(c *InviteCode) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO invite_codes (code, expires, max_uses) VALUES (?, ?, ?)
	`, c.Code, nullable(c.Expires), c.MaxUses)
	if err != nil {
		return fmt.Errorf("seed invite code %s: %w", c.Code, err)
	}
	return nil
}

// GetInviteCode returns the invite code row, or nil when unknown.
func (s *Store) GetInviteCode(code string) (*InviteCode, error) {
	var (
		c       InviteCode
		expires sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT code, expires, max_uses, used FROM invite_codes WHERE code = ?
	`, code).Scan(&c.Code, &expires, &c.MaxUses, &c.Used)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get invite code %s: %w", code, err)
	}
	c.Expires = expires.String
	return &c, nil
}

// IncrementInviteUse bumps the use counter for a code.
func (s *Store) IncrementInviteUse(code string) error {
	_, err := s.db.Exec(`UPDATE invite_codes SET used = used + 1 WHERE code = ?`, code)
	if err != nil {
		return fmt.Errorf("increment invite use %s: %w", code, err)
	}
	return nil
}

// LastStrangerReply returns when the hub last replied to this address,
// or the zero time when it never has.
func (s *Store) LastStrangerReply(email string) (time.Time, error) {
	var repliedAt int64
	err := s.db.QueryRow(`
		SELECT replied_at FROM reply_throttle WHERE email = ?
	`, strings.ToLower(email)).Scan(&repliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last stranger reply %s: %w", email, err)
	}
	return time.Unix(repliedAt, 0), nil
}

// RecordStrangerReply marks now as the last reply to this address.
func (s *Store) RecordStrangerReply(email string, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO reply_throttle (email, replied_at) VALUES (?, ?)
	`, strings.ToLower(email), now.Unix())
	if err != nil {
		return fmt.Errorf("record stranger reply %s: %w", email, err)
	}
	return nil
}
