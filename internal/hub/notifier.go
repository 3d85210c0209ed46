package hub

import (
	"context"
	"log/slog"

	"github.com/aimplab/aimp-hub/internal/config"
	"github.com/aimplab/aimp-hub/internal/engine"
	"github.com/aimplab/aimp-hub/internal/events"
	"github.com/aimplab/aimp-hub/internal/transport"
)

// NewNotifier picks the owner-notification channel from notify_mode:
// "email" sends to the admin members (falling back to every member when
// no admin is configured), "stdout" publishes notification events for
// the JSON-lines emitter.
func NewNotifier(cfg *config.Config, sender transport.Sender, bus *events.Bus, logger *slog.Logger) engine.Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notifier")

	if cfg.NotifyMode == "stdout" {
		return &eventNotifier{bus: bus, logger: logger}
	}
	return &emailNotifier{
		sender:     sender,
		recipients: adminAddresses(cfg),
		logger:     logger,
	}
}

func adminAddresses(cfg *config.Config) []string {
	var admins []string
	for _, m := range cfg.Members {
		if m.Role == "admin" {
			admins = append(admins, m.Email)
		}
	}
	if len(admins) > 0 {
		return admins
	}
	var all []string
	for _, m := range cfg.Members {
		all = append(all, m.Email)
	}
	return all
}

type emailNotifier struct {
	sender     transport.Sender
	recipients []string
	logger     *slog.Logger
}

func (n *emailNotifier) Notify(ctx context.Context, subject, body string) {
	if len(n.recipients) == 0 {
		n.logger.Warn("no admin recipients configured, notification dropped", "subject", subject)
		return
	}
	_, err := n.sender.Send(ctx, transport.Outbound{
		To:      n.recipients,
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		n.logger.Warn("admin notification failed", "subject", subject, "error", err)
	}
}

type eventNotifier struct {
	bus    *events.Bus
	logger *slog.Logger
}

func (n *eventNotifier) Notify(_ context.Context, subject, body string) {
	n.bus.Publish(events.Event{
		Source: events.SourceHub,
		Kind:   events.KindNotification,
		Data:   map[string]any{"subject": subject, "body": body},
	})
	n.logger.Info("notification", "subject", subject)
}
