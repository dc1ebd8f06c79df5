package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/forum-sync/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for forum-sync and
// forum-hub.
type Config struct {
	// Notification server WebSocket endpoint.
	WSURL string `env:"FORUM_WS_URL" envDefault:"ws://localhost:8000/ws"`

	// Base URL of the forum HTTP API (the write collaborator).
	APIURL string `env:"FORUM_API_URL" envDefault:"http://localhost:3000"`

	// Identity token sent in the handshake. The forum uses the
	// signed-in user's email.
	Identity string `env:"FORUM_IDENTITY"`

	// Snapshot database path. Defaults to ~/.forum-sync/state.db.
	StatePath string `env:"FORUM_STATE_PATH"`

	// Directory for the markdown mirror. Empty disables the mirror.
	MirrorDir string `env:"FORUM_MIRROR_DIR"`

	// Connection lifecycle.
	HandshakeTimeout  time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	ReconnectMin      time.Duration `env:"RECONNECT_MIN" envDefault:"5s"`
	ReconnectMax      time.Duration `env:"RECONNECT_MAX" envDefault:"5m"`
	ReconnectAttempts int           `env:"RECONNECT_ATTEMPTS" envDefault:"0"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// MCP server settings
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`

	// Hub settings
	HubListenAddr     string   `env:"HUB_LISTEN_ADDR" envDefault:":8000"`
	HubAPIKeys        string   `env:"HUB_API_KEYS"`
	HubModerators     []string `env:"HUB_MODERATORS" envSeparator:","`
	HubBroadcastRate  float64  `env:"HUB_BROADCAST_RATE" envDefault:"50"`
	HubBroadcastBurst int      `env:"HUB_BROADCAST_BURST" envDefault:"100"`

	// Slack incoming webhook told about every new question. Empty
	// disables it. Question links point at FORUM_API_URL.
	SlackWebhook string `env:"SLACK_WEBHOOK"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The identity and API key hashes live
// there.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

func parse() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Load reads and validates the sync daemon configuration. A .env file
// is loaded first if present.
func Load() (*Config, error) {
	cfg, err := parse()
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	if cfg.MirrorDir != "" {
		absDir, err := filepath.Abs(cfg.MirrorDir)
		if err != nil {
			return nil, fmt.Errorf("resolving mirror dir to absolute path: %w", err)
		}

		cfg.MirrorDir = absDir
	}

	return cfg, nil
}

// LoadHub reads and validates the notification hub configuration.
func LoadHub() (*Config, error) {
	cfg, err := parse()
	if err != nil {
		return nil, err
	}

	if err := cfg.validateHub(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Identity) == "" {
		return fmt.Errorf("FORUM_IDENTITY is required")
	}

	if err := checkURL("FORUM_WS_URL", c.WSURL, "ws", "wss"); err != nil {
		return err
	}

	if err := checkURL("FORUM_API_URL", c.APIURL, "http", "https"); err != nil {
		return err
	}

	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("HANDSHAKE_TIMEOUT must be positive")
	}

	if c.ReconnectMin <= 0 {
		return fmt.Errorf("RECONNECT_MIN must be positive")
	}

	if c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("RECONNECT_MAX (%s) must not be below RECONNECT_MIN (%s)", c.ReconnectMax, c.ReconnectMin)
	}

	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must not be negative")
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

func (c *Config) validateHub() error {
	if c.HubListenAddr == "" {
		return fmt.Errorf("HUB_LISTEN_ADDR is required")
	}

	if c.HubBroadcastRate <= 0 {
		return fmt.Errorf("HUB_BROADCAST_RATE must be positive")
	}

	if c.HubBroadcastBurst < 1 {
		return fmt.Errorf("HUB_BROADCAST_BURST must be at least 1")
	}

	if c.SlackWebhook != "" {
		if err := checkURL("SLACK_WEBHOOK", c.SlackWebhook, "https", "http"); err != nil {
			return err
		}
	}

	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return fmt.Errorf("%s must be a %s URL, got %q", name, strings.Join(schemes, "/"), raw)
}

// DefaultStatePath returns ~/.forum-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".forum-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsModerator reports whether the given handshake identity is listed in
// HUB_MODERATORS. Comparison is case-insensitive.
func (c *Config) IsModerator(identity string) bool {
	for _, m := range c.HubModerators {
		if strings.EqualFold(strings.TrimSpace(m), identity) {
			return true
		}
	}

	return false
}

// ParseMCPAPIKeys parses MCP_API_KEYS.
func (c *Config) ParseMCPAPIKeys() ([]auth.APIKey, error) {
	keys, err := ParseAPIKeys(c.MCPAPIKeys)
	if err != nil {
		return nil, fmt.Errorf("MCP_API_KEYS: %w", err)
	}

	return keys, nil
}

// ParseHubAPIKeys parses HUB_API_KEYS.
func (c *Config) ParseHubAPIKeys() ([]auth.APIKey, error) {
	keys, err := ParseAPIKeys(c.HubAPIKeys)
	if err != nil {
		return nil, fmt.Errorf("HUB_API_KEYS: %w", err)
	}

	return keys, nil
}

// ParseAPIKeys parses an API key list.
// Format: "user1:<bcrypt hash>,user2:<bcrypt hash>"
// Hashes are produced by the hash-key subcommand.
func ParseAPIKeys(raw string) ([]auth.APIKey, error) {
	if raw == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var keys []auth.APIKey

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		hash := pair[idx+1:]
		if userID == "" || hash == "" {
			return nil, fmt.Errorf("empty user or hash in entry %d", len(keys)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("entry %d is not a bcrypt hash, generate one with hash-key", len(keys)+1)
		}

		if _, dup := seen[userID]; dup {
			return nil, fmt.Errorf("duplicate user %q", userID)
		}

		seen[userID] = struct{}{}
		keys = append(keys, auth.APIKey{UserID: userID, Hash: hash})
	}

	return keys, nil
}
