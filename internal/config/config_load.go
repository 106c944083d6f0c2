package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

const defaultDataDir = "~/.kith"

// DefaultPath is where commands look for config when --config is absent.
func DefaultPath() string {
	if v := os.Getenv("KITH_CONFIG"); v != "" {
		return v
	}
	return ExpandHome(filepath.Join(defaultDataDir, "config.json5"))
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Identity: IdentityConfig{
			Name:    "Kith",
			Bio:     "A longtime friend of the people in these chats. Has a life, opinions and a sense of humor; checks in because they care, not because they were asked to.",
			Persona: "Warm, dry, brief. Texts like a person, not an assistant.",
			AntiPatterns: FlexibleStringSlice{
				"I'm here to help",
				"feel free to",
				"hope that helps",
			},
		},
		Models: ModelsConfig{
			Default: ModelRef{Provider: "anthropic"},
			Fast:    ModelRef{Provider: "anthropic", Model: "claude-haiku-4-5-20251001"},
		},
		Memory: MemoryConfig{
			ConsolidateEveryMin: 10,
		},
		Proactive: ProactiveConfig{
			Events: []ProactiveEventConfig{
				{Name: "morning", Cron: "0 9 * * *", Kind: "checkin", Note: "start of the day; only reach out where it would feel natural"},
				{Name: "evening", Cron: "30 20 * * *", Kind: "checkin", Note: "winding down; a good moment to follow up on something from earlier"},
			},
		},
		LogLevel: "info",
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults, so a bare `kith chat` works out of the box.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("KITH_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("KITH_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("KITH_BRAVE_API_KEY", &c.Tools.Web.Brave.APIKey)

	envStr("KITH_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("KITH_SIGNAL_URL", &c.Channels.Signal.URL)
	envStr("KITH_SIGNAL_NUMBER", &c.Channels.Signal.Number)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Signal.URL != "" && c.Channels.Signal.Number != "" {
		c.Channels.Signal.Enabled = true
	}

	if v := os.Getenv("KITH_OPERATOR_IDS"); v != "" {
		c.Channels.Operators = strings.Split(v, ",")
	}

	envStr("KITH_DEFAULT_PROVIDER", &c.Models.Default.Provider)
	envStr("KITH_DEFAULT_MODEL", &c.Models.Default.Model)
	envStr("KITH_FAST_PROVIDER", &c.Models.Fast.Provider)
	envStr("KITH_FAST_MODEL", &c.Models.Fast.Model)

	envStr("KITH_DATA_DIR", &c.Data.Dir)
	envStr("KITH_LOG_LEVEL", &c.LogLevel)

	envStr("KITH_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("KITH_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("KITH_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("KITH_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("KITH_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to disk, creating the directory when needed.
// The output is plain JSON, which every JSON5 parser accepts.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 of the config, used to tell reloads apart.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// DataDir returns the expanded state directory.
func (c *Config) DataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dir := c.Data.Dir
	if dir == "" {
		dir = defaultDataDir
	}
	return ExpandHome(dir)
}

// SessionDBPath is the per-chat conversation log database.
func (c *Config) SessionDBPath() string { return filepath.Join(c.DataDir(), "session.db") }

// MemoryDBPath is the long-term memory database.
func (c *Config) MemoryDBPath() string { return filepath.Join(c.DataDir(), "memory.db") }

// FeedbackDBPath is the gate-verdict and silence-decision database.
func (c *Config) FeedbackDBPath() string { return filepath.Join(c.DataDir(), "feedback.db") }

// MirrorDir is where the human-editable markdown mirror lives.
func (c *Config) MirrorDir() string { return filepath.Join(c.DataDir(), "md") }

// ImagesDir is where generated images land before sending.
func (c *Config) ImagesDir() string { return filepath.Join(c.DataDir(), "images") }

// SlogLevel maps the configured log level onto slog.
func (c *Config) SlogLevel() slog.Level {
	c.mu.RLock()
	lvl := c.LogLevel
	c.mu.RUnlock()
	switch strings.ToLower(lvl) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with secret fields masked,
// for status and doctor output.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := &Config{}
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Providers.Anthropic.APIKey)
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Tools.Web.Brave.APIKey)

	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
