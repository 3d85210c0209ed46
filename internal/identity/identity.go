// Package identity decides who the hub talks to: the member whitelist,
// invite-code self-registration, the auto-reply filter, and the
// stranger reply throttle.
package identity

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aimplab/aimp-hub/internal/config"
	"github.com/aimplab/aimp-hub/internal/protocol"
	"github.com/aimplab/aimp-hub/internal/store"
)

// strangerReplyWindow is how long the hub stays silent toward an
// unknown address after replying to it once.
const strangerReplyWindow = 24 * time.Hour

// Registry answers identity questions against the store. Config members
// and invite codes are seeded into the store at startup so runtime
// lookups have one source of truth.
type Registry struct {
	store  *store.Store
	cfg    *config.Config
	logger *slog.Logger
}

// NewRegistry builds a registry over the store.
func NewRegistry(st *store.Store, cfg *config.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: st, cfg: cfg, logger: logger.With("component", "identity")}
}

// Seed pushes the config whitelist and invite codes into the store.
// Invite use counters survive restarts; member rows are refreshed from
// config each time.
func (r *Registry) Seed() error {
	for _, m := range r.cfg.Members {
		err := r.store.UpsertMember(&store.Member{
			MemberID: m.ID,
			Name:     m.Name,
			Email:    m.Email,
			Role:     m.Role,
		})
		if err != nil {
			return err
		}
	}
	for _, c := range r.cfg.InviteCodes {
		err := r.store.SeedInviteCode(&store.InviteCode{
			Code:    c.Code,
			Expires: c.Expires,
			MaxUses: c.MaxUses,
		})
		if err != nil {
			return err
		}
	}
	r.logger.Info("identity seeded",
		"members", len(r.cfg.Members),
		"invite_codes", len(r.cfg.InviteCodes),
	)
	return nil
}

// MemberByEmail returns the member behind an address, or nil.
func (r *Registry) MemberByEmail(email string) (*store.Member, error) {
	return r.store.LookupMember(email)
}

// ValidateInvite checks whether a code currently admits new members.
// The reason is human-readable and safe to echo back.
func (r *Registry) ValidateInvite(code string, now time.Time) (bool, string) {
	c, err := r.store.GetInviteCode(code)
	if err != nil {
		r.logger.Error("invite lookup failed", "code", code, "error", err)
		return false, "could not be verified"
	}
	if c == nil {
		return false, "not recognized"
	}
	if c.Expires != "" {
		expires, err := time.Parse(time.RFC3339, c.Expires)
		if err != nil {
			day, dayErr := time.Parse(time.DateOnly, c.Expires)
			if dayErr != nil {
				return false, "could not be verified"
			}
			// A bare date admits through the whole expiry day.
			expires = day.AddDate(0, 0, 1)
		}
		if !now.Before(expires) {
			return false, "expired"
		}
	}
	if c.MaxUses > 0 && c.Used >= c.MaxUses {
		return false, "fully used"
	}
	return true, ""
}

// RegisterInvitee consumes an invite code and registers the sender as
// a trusted member. Idempotent for already-registered addresses.
func (r *Registry) RegisterInvitee(email, name, code string, now time.Time) (*store.Member, error) {
	if existing, err := r.store.LookupMember(email); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if ok, reason := r.ValidateInvite(code, now); !ok {
		return nil, fmt.Errorf("invite code %s: %s", code, reason)
	}
	if err := r.store.IncrementInviteUse(code); err != nil {
		return nil, err
	}

	if name == "" {
		name = localPart(email)
	}
	m := &store.Member{
		MemberID: "invited-" + newID(),
		Name:     name,
		Email:    email,
		Role:     "trusted",
	}
	if err := r.store.UpsertMember(m); err != nil {
		return nil, err
	}
	r.logger.Info("invitee registered", "email", email, "code", code)
	return m, nil
}

// EnsureTrusted registers an address the hub itself invited into a
// negotiation, promoting it to a trusted member on first reply. No
// invite code is consumed. Idempotent.
func (r *Registry) EnsureTrusted(email, name string) (*store.Member, error) {
	if existing, err := r.store.LookupMember(email); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}
	if name == "" {
		name = localPart(email)
	}
	m := &store.Member{
		MemberID: "invited-" + newID(),
		Name:     name,
		Email:    email,
		Role:     "trusted",
	}
	if err := r.store.UpsertMember(m); err != nil {
		return nil, err
	}
	r.logger.Info("participant auto-registered", "email", email)
	return m, nil
}

// ShouldReplyToStranger reports whether the hub may send a courtesy
// reply to an unknown address, enforcing one reply per address per
// 24 hours. A true result records the reply time.
func (r *Registry) ShouldReplyToStranger(email string, now time.Time) (bool, error) {
	last, err := r.store.LastStrangerReply(email)
	if err != nil {
		return false, err
	}
	if !last.IsZero() && now.Sub(last) < strangerReplyWindow {
		return false, nil
	}
	if err := r.store.RecordStrangerReply(email, now); err != nil {
		return false, err
	}
	return true, nil
}

// CapabilityCard renders the hub's JSON capability card, included in
// welcome emails so peer agents can discover what the hub speaks.
func (r *Registry) CapabilityCard() string {
	card := map[string]any{
		"agent":    r.cfg.Hub.Name,
		"email":    r.cfg.Hub.Email,
		"protocol": protocol.Version,
		"capabilities": []string{
			"schedule_meeting",
			"negotiation_room",
		},
	}
	data, err := json.MarshalIndent(card, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func localPart(email string) string {
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
