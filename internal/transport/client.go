package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/aimplab/aimp-hub/internal/config"
)

// maxBodySize caps the extracted text body. Larger bodies are truncated
// with a note.
const maxBodySize = 32 * 1024

// maxRawMessageSize caps how much of the raw RFC822 literal is
// buffered. The remainder is drained to keep the IMAP stream in sync.
const maxRawMessageSize = 5 * 1024 * 1024

// maxAttachmentSize caps the protocol.json attachment.
const maxAttachmentSize = 256 * 1024

// Client is a single-account IMAP client that wraps go-imap/v2 with
// automatic reconnection and mutex-serialized access. All public
// methods are goroutine-safe.
type Client struct {
	cfg    config.IMAPConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

// NewClient creates an IMAP client for the given account configuration.
// The connection is established lazily on first use.
func NewClient(cfg config.IMAPConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "imap"),
	}
}

// connectLocked performs the actual connection. Caller must hold c.mu.
func (c *Client) connectLocked(ctx context.Context) error {
	// Close any existing stale connection.
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	opts := imapclient.Options{
		TLSConfig: &tls.Config{ServerName: c.cfg.Host},
	}

	c.logger.Debug("connecting to IMAP server", "host", c.cfg.Host, "port", c.cfg.Port)

	client, err := imapclient.DialTLS(addr, &opts)
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	if c.cfg.OAuth2.Enabled {
		token, err := FetchAccessToken(ctx, c.cfg.OAuth2)
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("oauth2 token: %w", err)
		}
		if err := client.Authenticate(NewXOAuth2Client(c.cfg.Username, token)); err != nil {
			_ = client.Close()
			return fmt.Errorf("authenticate %s: %w", c.cfg.Username, err)
		}
	} else {
		if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
			_ = client.Close()
			return fmt.Errorf("login as %s: %w", c.cfg.Username, err)
		}
	}

	c.client = client
	c.logger.Info("IMAP connected", "host", c.cfg.Host, "user", c.cfg.Username)
	return nil
}

// ensureConnected checks the connection and reconnects if needed.
// Caller must hold c.mu.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.client != nil {
		// Quick liveness check via NOOP.
		if err := c.client.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("IMAP connection stale, reconnecting", "host", c.cfg.Host)
	}
	return c.connectLocked(ctx)
}

// Close logs out and closes the IMAP connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// FetchUnseen returns every unread message in the configured mailbox,
// fully parsed, oldest-first. Fetching marks messages as seen; the
// store-first queue is what guarantees nothing is lost after that.
func (c *Client) FetchUnseen(ctx context.Context) ([]*Inbound, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	if _, err := c.client.Select(c.cfg.Mailbox, nil).Wait(); err != nil {
		return nil, fmt.Errorf("select %s: %w", c.cfg.Mailbox, err)
	}

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	searchData, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	fetchOpts := &imap.FetchOptions{
		UID:      true,
		Envelope: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: false}, // Mark as \Seen; fetching means accepted.
		},
	}
	fetchCmd := c.client.Fetch(uidSet, fetchOpts)

	var out []*Inbound
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		in, err := c.parseFetchData(msg)
		if err != nil {
			c.logger.Warn("skipping unparseable message", "error", err)
			continue
		}
		out = append(out, in)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch unseen: %w", err)
	}

	return out, nil
}

// parseFetchData extracts an Inbound from one IMAP fetch response.
func (c *Client) parseFetchData(msg *imapclient.FetchMessageData) (*Inbound, error) {
	in := &Inbound{}
	var rawBody []byte

	for {
		item := msg.Next()
		if item == nil {
			break
		}

		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			in.UID = uint32(data.UID)
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				in.Date = data.Envelope.Date
				in.Subject = data.Envelope.Subject
				in.MessageID = data.Envelope.MessageID
				if len(data.Envelope.InReplyTo) > 0 {
					in.InReplyTo = data.Envelope.InReplyTo[0]
				}
				if len(data.Envelope.From) > 0 {
					addr := data.Envelope.From[0]
					in.FromAddr = strings.ToLower(addr.Addr())
					in.From = formatAddress(addr)
				}
			}
		case imapclient.FetchItemDataBodySection:
			// Consume the literal immediately. go-imap/v2 streams
			// data from the IMAP connection; msg.Next() advances
			// past unread literals, so deferring the read would
			// lose the body data.
			if data.Literal == nil {
				continue
			}
			var readErr error
			rawBody, readErr = io.ReadAll(io.LimitReader(data.Literal, maxRawMessageSize))
			_, _ = io.Copy(io.Discard, data.Literal)
			if readErr != nil {
				c.logger.Debug("error reading body literal", "uid", in.UID, "error", readErr)
				rawBody = nil
			}
		}
	}

	if in.UID == 0 {
		return nil, fmt.Errorf("message missing UID")
	}
	if rawBody != nil {
		if err := parseMIME(in, bytes.NewReader(rawBody)); err != nil {
			c.logger.Debug("body parse error", "uid", in.UID, "error", err)
		}
	}
	return in, nil
}

// parseMIME walks the MIME structure, extracting the text body, the
// References chain, and the protocol.json attachment when present.
//
// go-message's mail.CreateReader and NextPart may return both a valid
// reader/part AND an error when the message uses an unknown charset or
// transfer encoding. Those are treated as non-fatal.
func parseMIME(in *Inbound, r io.Reader) error {
	mailReader, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("create mail reader: %w", err)
	}
	if mailReader == nil {
		return fmt.Errorf("create mail reader returned nil: %w", err)
	}

	// References is not in the IMAP ENVELOPE; it must come from the
	// raw header.
	if refs, err := mailReader.Header.MsgIDList("References"); err == nil && len(refs) > 0 {
		in.References = refs
	}

	for {
		part, err := mailReader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			if contentType == "text/plain" && in.TextBody == "" {
				body, err := io.ReadAll(io.LimitReader(part.Body, maxBodySize+1))
				if err != nil {
					continue
				}
				text := string(body)
				if len(body) > maxBodySize {
					text = text[:maxBodySize] + "\n\n[truncated]"
				}
				in.TextBody = strings.TrimSpace(text)
			}
		case *mail.AttachmentHeader:
			name, _ := h.Filename()
			if name != ProtocolAttachmentName || in.ProtocolJSON != nil {
				continue
			}
			body, err := io.ReadAll(io.LimitReader(part.Body, maxAttachmentSize))
			if err != nil {
				continue
			}
			in.ProtocolJSON = body
		}
	}

	return nil
}

// formatAddress formats an IMAP address as "Name <user@host>" or just
// "user@host" if no name is set.
func formatAddress(addr imap.Address) string {
	email := addr.Addr()
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, email)
	}
	return email
}
