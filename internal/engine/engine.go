// Package engine holds the two negotiation state machines: the session
// engine for meeting scheduling and the room engine for deadline-bounded
// content negotiation. Both consume round batches of pending emails and
// commit their state transitions atomically with the processed flags.
package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/aimplab/aimp-hub/internal/events"
	"github.com/aimplab/aimp-hub/internal/oracle"
	"github.com/aimplab/aimp-hub/internal/store"
	"github.com/aimplab/aimp-hub/internal/transport"
)

// Notifier delivers owner and admin notifications outside the
// negotiation threads. Delivery failures are the notifier's problem;
// the engines never block on them.
type Notifier interface {
	Notify(ctx context.Context, subject, body string)
}

// Deps bundles what both engines need.
type Deps struct {
	Store    *store.Store
	Sender   transport.Sender
	Oracle   *oracle.Oracle
	Notifier Notifier
	Bus      *events.Bus
	HubEmail string
	Logger   *slog.Logger
}

func (d *Deps) logger(component string) *slog.Logger {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", component)
}

// othersOf returns every participant except the hub itself.
func othersOf(participants []string, hubEmail string) []string {
	var out []string
	for _, p := range participants {
		if !strings.EqualFold(p, hubEmail) {
			out = append(out, p)
		}
	}
	return out
}

// localPart returns the part of an address before the @.
func localPart(email string) string {
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}

// threading returns the References chain and In-Reply-To for a thread,
// from the recorded outbound message ids.
func threading(st *store.Store, threadID string) (refs []string, inReplyTo string) {
	ids, err := st.LoadMessageIDs(threadID)
	if err != nil || len(ids) == 0 {
		return nil, ""
	}
	return ids, ids[len(ids)-1]
}
