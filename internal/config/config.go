// Package config handles hub configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/aimphub/config.yaml, /etc/aimphub/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aimphub", "config.yaml"))
	}

	paths = append(paths, "/etc/aimphub/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all hub configuration.
type Config struct {
	Hub                 HubConfig      `yaml:"hub"`
	Members             []Member       `yaml:"members"`
	InviteCodes         []InviteCode   `yaml:"invite_codes"`
	Contacts            []Contact      `yaml:"contacts"`
	LLM                 LLMConfig      `yaml:"llm"`
	PollIntervalSeconds int            `yaml:"poll_interval_seconds"`
	MaxRounds           int            `yaml:"max_rounds"`
	NotifyMode          string         `yaml:"notify_mode"` // email or stdout
	DBPath              string         `yaml:"db_path"`
	LogLevel            string         `yaml:"log_level"`
}

// HubConfig is the hub's own identity plus its mail endpoints.
type HubConfig struct {
	Name  string     `yaml:"name"`
	Email string     `yaml:"email"`
	IMAP  IMAPConfig `yaml:"imap"`
	SMTP  SMTPConfig `yaml:"smtp"`
}

// IMAPConfig defines the inbound mailbox connection.
type IMAPConfig struct {
	Host     string      `yaml:"host"`
	Port     int         `yaml:"port"` // Default: 993
	Username string      `yaml:"username"`
	Password string      `yaml:"password"`
	Mailbox  string      `yaml:"mailbox"` // Default: INBOX
	OAuth2   OAuthConfig `yaml:"oauth2"`
}

// SMTPConfig defines the outbound mail connection. Port 465 uses
// implicit TLS; any other port upgrades with STARTTLS unless
// use_starttls is set to false.
type SMTPConfig struct {
	Host        string      `yaml:"host"`
	Port        int         `yaml:"port"` // Default: 587
	Username    string      `yaml:"username"`
	Password    string      `yaml:"password"`
	UseStartTLS *bool       `yaml:"use_starttls"` // Default: true
	OAuth2      OAuthConfig `yaml:"oauth2"`
}

// StartTLSEnabled reports whether plain connections should be upgraded.
// Unset means true.
func (c SMTPConfig) StartTLSEnabled() bool {
	return c.UseStartTLS == nil || *c.UseStartTLS
}

// OAuthConfig holds XOAUTH2 refresh-token credentials. When Enabled,
// the password field of the parent section is ignored.
type OAuthConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	TokenURL     string `yaml:"token_url"`
}

// Member is a whitelisted hub member, seeded into the store at startup.
type Member struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
	Role  string `yaml:"role"` // Default: member
}

// InviteCode lets strangers self-register by quoting the code.
type InviteCode struct {
	Code    string `yaml:"code"`
	Expires string `yaml:"expires"` // RFC 3339 or YYYY-MM-DD, empty = never
	MaxUses int    `yaml:"max_uses"`
}

// Contact is a known external counterpart, addressable by name in
// member scheduling requests. Agent-capable contacts get protocol
// emails; others get plain human-readable ones.
type Contact struct {
	Name       string `yaml:"name"`
	HasAgent   bool   `yaml:"has_agent"`
	AgentEmail string `yaml:"agent_email"`
	HumanEmail string `yaml:"human_email"`
}

// BestEmail returns the preferred address for a contact.
func (c Contact) BestEmail() string {
	if c.HasAgent && c.AgentEmail != "" {
		return c.AgentEmail
	}
	return c.HumanEmail
}

// LLMConfig selects the language-model backend used to interpret
// free-text replies and draft summaries.
type LLMConfig struct {
	Provider  string `yaml:"provider"` // anthropic or openai
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"` // read the key from this env var instead
	BaseURL   string `yaml:"base_url"`    // override for OpenAI-compatible servers
	MaxTokens int    `yaml:"max_tokens"`  // Default: 1024
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied and no
// identity. It does not pass Validate until hub.email is set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 30
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 5
	}
	if c.NotifyMode == "" {
		c.NotifyMode = "email"
	}
	if c.DBPath == "" {
		c.DBPath = "aimphub.db"
	}
	if c.Hub.IMAP.Port == 0 {
		c.Hub.IMAP.Port = 993
	}
	if c.Hub.IMAP.Mailbox == "" {
		c.Hub.IMAP.Mailbox = "INBOX"
	}
	if c.Hub.SMTP.Port == 0 {
		c.Hub.SMTP.Port = 587
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 1024
	}
	for i := range c.Members {
		if c.Members[i].Role == "" {
			c.Members[i].Role = "member"
		}
	}
}

// Validate checks the parts of the config the hub cannot run without.
func (c *Config) Validate() error {
	if c.Hub.Email == "" {
		return fmt.Errorf("hub.email is required")
	}
	if c.NotifyMode != "email" && c.NotifyMode != "stdout" {
		return fmt.Errorf("notify_mode must be email or stdout, got %q", c.NotifyMode)
	}
	seen := map[string]bool{}
	for _, m := range c.Members {
		if m.ID == "" || m.Email == "" {
			return fmt.Errorf("member %q needs both id and email", m.ID+m.Name)
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate member id %q", m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

// ResolveAPIKey returns the LLM API key: the literal api_key wins,
// otherwise the env var named by api_key_env is consulted.
func (l *LLMConfig) ResolveAPIKey() string {
	if l.APIKey != "" {
		return l.APIKey
	}
	if l.APIKeyEnv != "" {
		return os.Getenv(l.APIKeyEnv)
	}
	return ""
}
