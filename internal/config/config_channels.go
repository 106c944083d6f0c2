package config

import (
	"time"

	"github.com/nextlevelbuilder/kith/internal/tools"
)

// ChannelsConfig wires the chat surfaces. The CLI channel needs no
// configuration; `kith chat` always works.
type ChannelsConfig struct {
	Signal    SignalConfig        `json:"signal"`
	Telegram  TelegramConfig      `json:"telegram"`
	Operators FlexibleStringSlice `json:"operators,omitempty"` // author IDs granted operator bypass
}

// SignalConfig points at a signal-cli REST gateway.
type SignalConfig struct {
	Enabled   bool                `json:"enabled"`
	URL       string              `json:"url,omitempty"`        // e.g. "http://127.0.0.1:8080"
	Number    string              `json:"number,omitempty"`     // the agent's own number, E.164
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"` // empty allows everyone
}

// TelegramConfig configures the bot-API channel.
type TelegramConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token,omitempty"`
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
}

// ModelsConfig routes the two model roles.
type ModelsConfig struct {
	Default ModelRef `json:"default"` // writes replies
	Fast    ModelRef `json:"fast"`    // judging, reactions, extraction, capsules
}

// ModelRef names one provider/model pair. An empty model uses the
// backend default.
type ModelRef struct {
	Provider string `json:"provider,omitempty"` // "anthropic" or "openai"
	Model    string `json:"model,omitempty"`
}

// ProvidersConfig holds backend credentials.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
}

// HasAnyProvider reports whether at least one backend has credentials.
func (c *Config) HasAnyProvider() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Providers.Anthropic.APIKey != "" || c.Providers.OpenAI.APIKey != ""
}

// ToolsConfig controls the model-invokable tools.
type ToolsConfig struct {
	Web   WebToolsConfig  `json:"web"`
	Image ImageToolConfig `json:"image,omitempty"`
}

// WebToolsConfig tunes search and fetch.
type WebToolsConfig struct {
	Brave         BraveConfig `json:"brave"`
	FetchMaxChars int         `json:"fetch_max_chars,omitempty"` // default 20000
	CacheTTLMin   int         `json:"cache_ttl_min,omitempty"`   // default 15
}

// BraveConfig enables Brave as the primary search provider. Without a
// key, search falls back to DuckDuckGo.
type BraveConfig struct {
	APIKey string `json:"api_key,omitempty"`
}

// ImageToolConfig enables image generation. Runs against the OpenAI key.
type ImageToolConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Model   string `json:"model,omitempty"` // default "gpt-image-1"
	APIBase string `json:"api_base,omitempty"`
}

// ToWebSearchConfig maps onto the search tool config.
func (tc ToolsConfig) ToWebSearchConfig() tools.WebSearchConfig {
	return tools.WebSearchConfig{
		BraveAPIKey: tc.Web.Brave.APIKey,
		CacheTTL:    time.Duration(tc.Web.CacheTTLMin) * time.Minute,
	}
}

// ToWebFetchConfig maps onto the fetch tool config.
func (tc ToolsConfig) ToWebFetchConfig() tools.WebFetchConfig {
	return tools.WebFetchConfig{
		MaxChars: tc.Web.FetchMaxChars,
		CacheTTL: time.Duration(tc.Web.CacheTTLMin) * time.Minute,
	}
}

// ToCreateImageConfig maps onto the image tool config. apiKey and
// outDir come from the caller because they live in other sections.
func (tc ToolsConfig) ToCreateImageConfig(apiKey, outDir string) tools.CreateImageConfig {
	return tools.CreateImageConfig{
		APIKey:  apiKey,
		APIBase: tc.Image.APIBase,
		Model:   tc.Image.Model,
		OutDir:  outDir,
	}
}
