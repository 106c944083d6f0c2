package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/kith/internal/agent"
	"github.com/nextlevelbuilder/kith/internal/behavior"
	"github.com/nextlevelbuilder/kith/internal/proactive"
	"github.com/nextlevelbuilder/kith/internal/ratelimit"
	"github.com/nextlevelbuilder/kith/internal/telemetry"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the kith daemon.
type Config struct {
	Identity  IdentityConfig  `json:"identity"`
	Models    ModelsConfig    `json:"models"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Turn      TurnConfig      `json:"turn,omitempty"`
	Behavior  BehaviorConfig  `json:"behavior,omitempty"`
	Limits    LimitsConfig    `json:"limits,omitempty"`
	Memory    MemoryConfig    `json:"memory,omitempty"`
	Tools     ToolsConfig     `json:"tools,omitempty"`
	Proactive ProactiveConfig `json:"proactive,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Data      DataConfig      `json:"data,omitempty"`
	LogLevel  string          `json:"log_level,omitempty"` // debug|info|warn|error (default "info")
	mu        sync.RWMutex
}

// IdentityConfig is who the agent is. Bio feeds the system prompt; the
// persona line is what the quality gate judges candidate replies against.
type IdentityConfig struct {
	Name         string              `json:"name,omitempty"`          // default "Kith"
	Bio          string              `json:"bio,omitempty"`           // identity capsule, first person
	Persona      string              `json:"persona,omitempty"`       // voice in one line
	AntiPatterns FlexibleStringSlice `json:"anti_patterns,omitempty"` // phrases the agent never uses
}

// TurnConfig tunes the reply pipeline. Zero values fall back to the
// engine defaults.
type TurnConfig struct {
	DebounceMs        int         `json:"debounce_ms,omitempty"`         // burst coalescing window (default 1500)
	DMMaxChars        int         `json:"dm_max_chars,omitempty"`        // default 1200
	GroupMaxChars     int         `json:"group_max_chars,omitempty"`     // default 420
	GroupMaxSentences int         `json:"group_max_sentences,omitempty"` // default 2
	MaxContextTokens  int         `json:"max_context_tokens,omitempty"`
	Delay             DelayConfig `json:"delay,omitempty"`
}

// DelayConfig shapes the human-paced pause before a send.
type DelayConfig struct {
	MinMs       int     `json:"min_ms,omitempty"`        // default 600
	MaxMs       int     `json:"max_ms,omitempty"`        // default min+6000
	BaseMs      int     `json:"base_ms,omitempty"`       // read-and-think floor (default 900)
	MsPerChar   float64 `json:"ms_per_char,omitempty"`   // typing speed (default 35)
	JitterStdMs float64 `json:"jitter_std_ms,omitempty"` // default 400
}

// ToDelayConfig maps onto the engine's pacing knobs.
func (dc DelayConfig) ToDelayConfig() agent.DelayConfig {
	return agent.DelayConfig{
		MinMs:       dc.MinMs,
		MaxMs:       dc.MaxMs,
		BaseMs:      dc.BaseMs,
		MsPerChar:   dc.MsPerChar,
		JitterStdMs: dc.JitterStdMs,
	}
}

// BehaviorConfig drives the pre-reply decision ladder. These knobs are
// hot-reloadable; see Watch.
type BehaviorConfig struct {
	Sleep          SleepConfig `json:"sleep,omitempty"`
	RandomSkipRate *float64    `json:"random_skip_rate,omitempty"` // default 0.04; 0 disables
}

// SleepConfig is the agent's quiet window in its own local time.
type SleepConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`  // default true
	Start    string `json:"start,omitempty"`    // "HH:MM", default "23:00"
	End      string `json:"end,omitempty"`      // "HH:MM", default "07:00"
	Timezone string `json:"timezone,omitempty"` // IANA name, default system local
}

// ToBehaviorConfig applies defaults and produces the ladder config.
func (bc BehaviorConfig) ToBehaviorConfig(agentName string) behavior.Config {
	skip := 0.04
	if bc.RandomSkipRate != nil {
		skip = *bc.RandomSkipRate
	}
	cfg := behavior.Config{
		AgentName:      agentName,
		RandomSkipRate: skip,
		Sleep: behavior.SleepConfig{
			Enabled:    boolOrDefault(bc.Sleep.Enabled, true),
			StartLocal: bc.Sleep.Start,
			EndLocal:   bc.Sleep.End,
			Timezone:   bc.Sleep.Timezone,
		},
	}
	if cfg.Sleep.StartLocal == "" {
		cfg.Sleep.StartLocal = "23:00"
	}
	if cfg.Sleep.EndLocal == "" {
		cfg.Sleep.EndLocal = "07:00"
	}
	return cfg
}

// LimitsConfig caps outbound sends. Hot-reloadable.
type LimitsConfig struct {
	GlobalPerHour  int `json:"global_per_hour,omitempty"`   // default 25
	GlobalBurst    int `json:"global_burst,omitempty"`      // default 5
	PerChatPerHour int `json:"per_chat_per_hour,omitempty"` // default 10
	PerChatBurst   int `json:"per_chat_burst,omitempty"`    // default 3
}

// ToRateConfig maps onto the limiter config; zero fields default there.
func (lc LimitsConfig) ToRateConfig() ratelimit.Config {
	return ratelimit.Config{
		GlobalPerHour:  lc.GlobalPerHour,
		GlobalBurst:    lc.GlobalBurst,
		PerChatPerHour: lc.PerChatPerHour,
		PerChatBurst:   lc.PerChatBurst,
	}
}

// MemoryConfig tunes the long-term memory store.
type MemoryConfig struct {
	Embedding           EmbeddingConfig `json:"embedding,omitempty"`
	ConsolidateEveryMin int             `json:"consolidate_every_min,omitempty"` // capsule refresh cadence (default 10)
}

// EmbeddingConfig configures vector search. Without credentials the
// store falls back to FTS-only retrieval.
type EmbeddingConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`  // default true when an OpenAI key exists
	Provider string `json:"provider,omitempty"` // "openai" (default)
	Model    string `json:"model,omitempty"`    // default "text-embedding-3-small"
	APIBase  string `json:"api_base,omitempty"`
	Dims     int    `json:"dims,omitempty"` // default 1536
}

// ProactiveConfig schedules self-initiated turns. The engine's trust
// tiers and warming budget still gate every event the scheduler fires.
type ProactiveConfig struct {
	Enabled  *bool                  `json:"enabled,omitempty"`  // default true
	Timezone string                 `json:"timezone,omitempty"` // cron evaluation zone, default system local
	Events   []ProactiveEventConfig `json:"events,omitempty"`
}

// ProactiveEventConfig is one configured impulse to reach out.
type ProactiveEventConfig struct {
	Name  string              `json:"name"`
	Cron  string              `json:"cron"`            // five-field cron
	Kind  string              `json:"kind,omitempty"`  // "checkin" (default) or "reminder"
	Note  string              `json:"note,omitempty"`  // extra prompt context
	Chats FlexibleStringSlice `json:"chats,omitempty"` // explicit chat IDs; empty broadcasts to known DMs
}

// IsEnabled reports whether the scheduler should run (default true).
func (pc ProactiveConfig) IsEnabled() bool {
	return boolOrDefault(pc.Enabled, true)
}

// ToRules converts configured events into scheduler rules. Invalid
// crons are dropped by the scheduler itself, with a warning.
func (pc ProactiveConfig) ToRules() []proactive.Rule {
	rules := make([]proactive.Rule, 0, len(pc.Events))
	for _, ev := range pc.Events {
		rules = append(rules, proactive.Rule{
			Name:  ev.Name,
			Cron:  ev.Cron,
			Kind:  ev.Kind,
			Note:  ev.Note,
			Chats: ev.Chats,
		})
	}
	return rules
}

// TelemetryConfig configures OTLP export of turn spans. When disabled,
// events still go to slog.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS, for local collectors
	ServiceName string            `json:"service_name,omitempty"` // default "kith"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (cloud backend auth)
	SampleRatio float64           `json:"sample_ratio,omitempty"` // default 1.0
}

// ToTelemetryConfig maps onto the sink setup config.
func (tc TelemetryConfig) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:     tc.Enabled,
		Endpoint:    tc.Endpoint,
		Protocol:    tc.Protocol,
		Insecure:    tc.Insecure,
		ServiceName: tc.ServiceName,
		Headers:     tc.Headers,
		SampleRatio: tc.SampleRatio,
	}
}

// DataConfig locates the agent's on-disk state.
type DataConfig struct {
	Dir string `json:"dir,omitempty"` // default "~/.kith"
}

// ToAgentConfig assembles the turn-engine config. Store handles and
// model routes are wired separately by the caller.
func (c *Config) ToAgentConfig() agent.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return agent.Config{
		AgentName:         c.Identity.Name,
		Identity:          c.Identity.Bio,
		Persona:           c.Identity.Persona,
		AntiPatterns:      c.Identity.AntiPatterns,
		DMMaxChars:        c.Turn.DMMaxChars,
		GroupMaxChars:     c.Turn.GroupMaxChars,
		GroupMaxSentences: c.Turn.GroupMaxSentences,
		MaxContextTokens:  c.Turn.MaxContextTokens,
		DebounceMs:        c.Turn.DebounceMs,
		Delay:             c.Turn.Delay.ToDelayConfig(),
		Behavior:          c.Behavior.ToBehaviorConfig(c.Identity.Name),
		Limits:            c.Limits.ToRateConfig(),
	}
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Identity = src.Identity
	c.Models = src.Models
	c.Providers = src.Providers
	c.Channels = src.Channels
	c.Turn = src.Turn
	c.Behavior = src.Behavior
	c.Limits = src.Limits
	c.Memory = src.Memory
	c.Tools = src.Tools
	c.Proactive = src.Proactive
	c.Telemetry = src.Telemetry
	c.Data = src.Data
	c.LogLevel = src.LogLevel
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
