package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/aimplab/aimp-hub/internal/config"
	"github.com/aimplab/aimp-hub/internal/httpkit"
)

// FetchAccessToken exchanges a refresh token for a short-lived access
// token. Tokens are not cached; mail connections are infrequent enough
// that a fresh exchange per connect is simpler than expiry tracking.
func FetchAccessToken(ctx context.Context, cfg config.OAuthConfig) (string, error) {
	form := url.Values{
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
		"refresh_token": {cfg.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpkit.NewClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}
	return parsed.AccessToken, nil
}

// xoauth2Client implements the XOAUTH2 SASL mechanism used by Gmail and
// Outlook. The initial response carries the whole credential; any
// continuation from the server is an error payload, answered with an
// empty response per the protocol.
type xoauth2Client struct {
	username string
	token    string
	done     bool
}

// NewXOAuth2Client returns a sasl.Client for the XOAUTH2 mechanism.
func NewXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", xoauth2Initial(c.username, c.token), nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	if c.done {
		return nil, fmt.Errorf("xoauth2: server rejected credentials: %s", challenge)
	}
	c.done = true
	// A challenge after the initial response is a JSON error blob.
	// Reply with an empty line so the server returns the final status.
	return []byte{}, nil
}

func xoauth2Initial(username, token string) []byte {
	return []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", username, token))
}

// xoauth2SMTPAuth adapts the same mechanism to net/smtp.
type xoauth2SMTPAuth struct {
	username string
	token    string
}

func newXOAuth2SMTPAuth(username, token string) smtp.Auth {
	return &xoauth2SMTPAuth{username: username, token: token}
}

func (a *xoauth2SMTPAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		return "", nil, fmt.Errorf("xoauth2: refusing to send token without TLS")
	}
	return "XOAUTH2", xoauth2Initial(a.username, a.token), nil
}

func (a *xoauth2SMTPAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		return []byte{}, nil
	}
	return nil, nil
}
