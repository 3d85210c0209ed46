// Package transport moves protocol and human email in and out of the
// hub: IMAP for the inbox, SMTP for delivery, MIME composition with the
// protocol state attached as protocol.json.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aimplab/aimp-hub/internal/config"
)

// Inbound is one fetched email, already MIME-parsed. ProtocolJSON is
// the raw protocol.json attachment when present.
type Inbound struct {
	UID          uint32
	From         string // display form, "Name <addr>"
	FromAddr     string // bare address, lowercased
	Subject      string
	TextBody     string
	MessageID    string
	InReplyTo    string
	References   []string
	ProtocolJSON []byte
	Date         time.Time
}

// Outbound describes one email to send. When ProtocolJSON is set the
// message goes out as a protocol email with the state attached;
// otherwise it is a human-readable markdown message.
type Outbound struct {
	To           []string
	Cc           []string
	Subject      string
	Body         string // markdown
	ProtocolJSON []byte
	ThreadID     string // session or room id, used in the Message-ID
	Version      int
	InReplyTo    string
	References   []string
}

// Sender delivers outbound mail. The engine depends on this interface
// so tests can capture traffic without a mail server.
type Sender interface {
	Send(ctx context.Context, msg Outbound) (messageID string, err error)
}

// Fetcher pulls unread mail. Implemented by Client.
type Fetcher interface {
	FetchUnseen(ctx context.Context) ([]*Inbound, error)
}

// Transport binds the IMAP client and SMTP delivery into the hub's
// mail endpoint.
type Transport struct {
	imap   *Client
	hub    config.HubConfig
	logger *slog.Logger
}

// New builds a Transport from the hub configuration.
func New(hub config.HubConfig, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		imap:   NewClient(hub.IMAP, logger),
		hub:    hub,
		logger: logger.With("component", "transport"),
	}
}

// FetchUnseen returns all unread messages in the configured mailbox.
func (t *Transport) FetchUnseen(ctx context.Context) ([]*Inbound, error) {
	return t.imap.FetchUnseen(ctx)
}

// Send composes and delivers one message, returning the Message-ID it
// was sent under so the caller can record it for threading.
func (t *Transport) Send(ctx context.Context, msg Outbound) (string, error) {
	messageID := NewMessageID(msg.ThreadID, msg.Version, domainOf(t.hub.Email))

	var (
		raw []byte
		err error
	)
	if len(msg.ProtocolJSON) > 0 {
		raw, err = ComposeProtocolMessage(t.hub.Email, messageID, msg)
	} else {
		raw, err = ComposeHumanMessage(t.hub.Email, messageID, msg)
	}
	if err != nil {
		return "", fmt.Errorf("compose: %w", err)
	}

	recipients := collectRecipients(msg.To, msg.Cc)
	if len(recipients) == 0 {
		return "", fmt.Errorf("no recipients")
	}
	if err := SendMail(ctx, t.hub.SMTP, t.hub.Email, recipients, raw); err != nil {
		return "", err
	}

	t.logger.Info("mail sent",
		"to", strings.Join(msg.To, ","),
		"subject", msg.Subject,
		"message_id", messageID,
	)
	return messageID, nil
}

// Close shuts down the IMAP connection.
func (t *Transport) Close() error {
	return t.imap.Close()
}

// NewMessageID builds the deterministic thread Message-ID form
// aimp-<id>-v<version>-<epoch>@<domain>.
func NewMessageID(threadID string, version int, domain string) string {
	return fmt.Sprintf("aimp-%s-v%d-%d@%s", threadID, version, time.Now().Unix(), domain)
}

func domainOf(email string) string {
	if at := strings.LastIndexByte(email, '@'); at >= 0 {
		return email[at+1:]
	}
	return "localhost"
}

// collectRecipients gathers unique bare addresses for RCPT TO.
func collectRecipients(to, cc []string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, list := range [][]string{to, cc} {
		for _, addr := range list {
			bare := extractAddress(addr)
			if bare != "" && !seen[bare] {
				seen[bare] = true
				result = append(result, bare)
			}
		}
	}
	return result
}

// extractAddress extracts the bare email address from a string that
// may be in "Name <addr>" or just "addr" format.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if idx := len(s) - 1; idx > 0 && s[idx] == '>' {
		if start := strings.LastIndexByte(s, '<'); start >= 0 {
			return s[start+1 : idx]
		}
	}
	return s
}
