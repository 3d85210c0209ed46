// Package oracle wraps the hub's language-model backend. The model is
// used as a pure function: a prompt goes in, structured JSON comes out.
// Every operation has a deterministic fallback so the hub keeps running
// when the provider is down.
package oracle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aimplab/aimp-hub/internal/config"
)

// Client is a minimal completion interface over a chat provider.
type Client interface {
	// Complete sends one system+user exchange and returns the
	// assistant's text.
	Complete(ctx context.Context, system, user string) (string, error)
}

// NewClient builds a provider client from configuration. Supported
// providers are "anthropic" and "openai"; the latter covers any
// OpenAI-compatible server via base_url.
func NewClient(cfg config.LLMConfig, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	key := cfg.ResolveAPIKey()

	switch cfg.Provider {
	case "anthropic":
		return newAnthropicClient(cfg, key, logger), nil
	case "openai":
		return newOpenAIClient(cfg, key, logger), nil
	case "":
		return nil, fmt.Errorf("llm.provider is not set")
	default:
		return nil, fmt.Errorf("unknown llm provider %q (valid: anthropic, openai)", cfg.Provider)
	}
}
