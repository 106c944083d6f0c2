package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv pins every override this package reads to empty so a
// developer's shell cannot leak into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"KITH_ANTHROPIC_API_KEY", "KITH_OPENAI_API_KEY", "KITH_BRAVE_API_KEY",
		"KITH_TELEGRAM_TOKEN", "KITH_SIGNAL_URL", "KITH_SIGNAL_NUMBER",
		"KITH_OPERATOR_IDS", "KITH_DEFAULT_PROVIDER", "KITH_DEFAULT_MODEL",
		"KITH_FAST_PROVIDER", "KITH_FAST_MODEL", "KITH_DATA_DIR",
		"KITH_LOG_LEVEL", "KITH_TELEMETRY_ENDPOINT", "KITH_TELEMETRY_PROTOCOL",
		"KITH_TELEMETRY_SERVICE_NAME", "KITH_TELEMETRY_ENABLED",
		"KITH_TELEMETRY_INSECURE", "KITH_CONFIG",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Identity.Name != "Kith" {
		t.Errorf("Identity.Name = %q, want Kith", cfg.Identity.Name)
	}
	if cfg.Models.Default.Provider != "anthropic" {
		t.Errorf("Models.Default.Provider = %q", cfg.Models.Default.Provider)
	}
	if cfg.Models.Fast.Model == "" {
		t.Error("Models.Fast.Model empty, want a fast default")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if len(cfg.Proactive.Events) != 2 {
		t.Errorf("default proactive events = %d, want 2", len(cfg.Proactive.Events))
	}
	if cfg.Channels.Telegram.Enabled || cfg.Channels.Signal.Enabled {
		t.Error("channels enabled without credentials")
	}
}

func TestLoadParsesJSON5(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
		// who the agent is
		identity: {
			name: "Ada",
			persona: "laconic, kind",
			anti_patterns: ["circling back", 404],
		},
		channels: {
			telegram: { enabled: true, token: "tg-secret" },
			operators: ["tg-1001"],
		},
		turn: {
			debounce_ms: 900,
			delay: { min_ms: 300, ms_per_char: 20 },
		},
		behavior: {
			sleep: { start: "22:00", end: "06:30", timezone: "Europe/Madrid" },
			random_skip_rate: 0, // explicitly off
		},
		limits: { global_per_hour: 40 },
	}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Identity.Name != "Ada" {
		t.Errorf("Identity.Name = %q", cfg.Identity.Name)
	}
	if got := []string(cfg.Identity.AntiPatterns); len(got) != 2 || got[1] != "404" {
		t.Errorf("AntiPatterns = %v, want numeric entry coerced", got)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "tg-secret" {
		t.Errorf("Telegram = %+v", cfg.Channels.Telegram)
	}
	if cfg.Turn.DebounceMs != 900 || cfg.Turn.Delay.MinMs != 300 {
		t.Errorf("Turn = %+v", cfg.Turn)
	}

	bcfg := cfg.Behavior.ToBehaviorConfig(cfg.Identity.Name)
	if bcfg.Sleep.StartLocal != "22:00" || bcfg.Sleep.Timezone != "Europe/Madrid" {
		t.Errorf("Sleep = %+v", bcfg.Sleep)
	}
	if bcfg.RandomSkipRate != 0 {
		t.Errorf("RandomSkipRate = %v, want explicit 0 preserved", bcfg.RandomSkipRate)
	}
	if rc := cfg.Limits.ToRateConfig(); rc.GlobalPerHour != 40 {
		t.Errorf("GlobalPerHour = %d", rc.GlobalPerHour)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("KITH_ANTHROPIC_API_KEY", "sk-ant-env")
	t.Setenv("KITH_TELEGRAM_TOKEN", "tg-env")
	t.Setenv("KITH_SIGNAL_URL", "http://127.0.0.1:8080")
	t.Setenv("KITH_SIGNAL_NUMBER", "+15550001111")
	t.Setenv("KITH_OPERATOR_IDS", "tg-1,sig-+1555")
	t.Setenv("KITH_LOG_LEVEL", "debug")
	t.Setenv("KITH_FAST_MODEL", "gpt-4o-mini")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-ant-env" {
		t.Errorf("Anthropic.APIKey = %q", cfg.Providers.Anthropic.APIKey)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram not auto-enabled by env token")
	}
	if !cfg.Channels.Signal.Enabled {
		t.Error("signal not auto-enabled by env url+number")
	}
	if got := []string(cfg.Channels.Operators); len(got) != 2 || got[0] != "tg-1" {
		t.Errorf("Operators = %v", got)
	}
	if cfg.SlogLevel().String() != "DEBUG" {
		t.Errorf("SlogLevel = %v", cfg.SlogLevel())
	}
	if cfg.Models.Fast.Model != "gpt-4o-mini" {
		t.Errorf("Fast.Model = %q", cfg.Models.Fast.Model)
	}
}

func TestToAgentConfig(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	cfg.Identity.Name = "Juno"
	cfg.Identity.Bio = "bio text"
	cfg.Identity.Persona = "short and dry"
	cfg.Turn.DMMaxChars = 800
	cfg.Turn.Delay.JitterStdMs = 120

	ac := cfg.ToAgentConfig()
	if ac.AgentName != "Juno" || ac.Identity != "bio text" || ac.Persona != "short and dry" {
		t.Errorf("identity mapping = %+v", ac)
	}
	if ac.DMMaxChars != 800 {
		t.Errorf("DMMaxChars = %d", ac.DMMaxChars)
	}
	if ac.Delay.JitterStdMs != 120 {
		t.Errorf("Delay.JitterStdMs = %v", ac.Delay.JitterStdMs)
	}
	if ac.Behavior.AgentName != "Juno" {
		t.Errorf("Behavior.AgentName = %q", ac.Behavior.AgentName)
	}
	if !ac.Behavior.Sleep.Enabled || ac.Behavior.Sleep.StartLocal != "23:00" {
		t.Errorf("Sleep defaults = %+v", ac.Behavior.Sleep)
	}
	if ac.Behavior.RandomSkipRate != 0.04 {
		t.Errorf("RandomSkipRate default = %v", ac.Behavior.RandomSkipRate)
	}
}

func TestToRulesMapsEvents(t *testing.T) {
	pc := ProactiveConfig{
		Events: []ProactiveEventConfig{
			{Name: "standup", Cron: "0 10 * * 1-5", Kind: "reminder", Note: "standup at ten", Chats: FlexibleStringSlice{"cli:dm:operator"}},
		},
	}
	rules := pc.ToRules()
	if len(rules) != 1 {
		t.Fatalf("rules = %d", len(rules))
	}
	r := rules[0]
	if r.Name != "standup" || r.Cron != "0 10 * * 1-5" || r.Kind != "reminder" {
		t.Errorf("rule = %+v", r)
	}
	if len(r.Chats) != 1 || r.Chats[0] != "cli:dm:operator" {
		t.Errorf("chats = %v", r.Chats)
	}
	if !pc.IsEnabled() {
		t.Error("IsEnabled default = false, want true")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "sub", "config.json5")

	cfg := Default()
	cfg.Identity.Name = "Mori"
	cfg.Channels.Telegram.Token = "tg-keep"
	cfg.Channels.Telegram.Enabled = true
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Identity.Name != "Mori" || got.Channels.Telegram.Token != "tg-keep" {
		t.Errorf("round trip lost fields: %+v", got.Identity)
	}
	if got.Hash() != cfg.Hash() {
		t.Errorf("hash mismatch after round trip: %s vs %s", got.Hash(), cfg.Hash())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestMaskedCopyHidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.Providers.Anthropic.APIKey = "sk-ant-real"
	cfg.Channels.Telegram.Token = "tg-real"
	cfg.Identity.Name = "Vess"

	cp := cfg.MaskedCopy()
	if cp.Providers.Anthropic.APIKey != secretMask {
		t.Errorf("anthropic key = %q", cp.Providers.Anthropic.APIKey)
	}
	if cp.Channels.Telegram.Token != secretMask {
		t.Errorf("telegram token = %q", cp.Channels.Telegram.Token)
	}
	if cp.Identity.Name != "Vess" {
		t.Errorf("non-secret field lost: %q", cp.Identity.Name)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-ant-real" {
		t.Error("original mutated by MaskedCopy")
	}
}

func TestDataPaths(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	cfg.Data.Dir = "/var/lib/kith"

	if got := cfg.SessionDBPath(); got != "/var/lib/kith/session.db" {
		t.Errorf("SessionDBPath = %q", got)
	}
	if got := cfg.MirrorDir(); got != "/var/lib/kith/md" {
		t.Errorf("MirrorDir = %q", got)
	}

	cfg.Data.Dir = ""
	home, _ := os.UserHomeDir()
	if got := cfg.DataDir(); got != filepath.Join(home, ".kith") {
		t.Errorf("DataDir default = %q", got)
	}
}

func TestFlexibleStringSlice(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"strings", `["a","b"]`, []string{"a", "b"}},
		{"numbers", `[123, 456]`, []string{"123", "456"}},
		{"mixed", `["a", 7, true]`, []string{"a", "7", "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f FlexibleStringSlice
			if err := f.UnmarshalJSON([]byte(tt.in)); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if strings.Join(f, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", f, tt.want)
			}
		})
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	if err := os.WriteFile(path, []byte(`{identity: {name: "First"}}`), 0600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	go func() {
		_ = Watch(ctx, path, func(c *Config) { reloaded <- c })
	}()

	// The watcher goroutine needs a beat to register; keep rewriting
	// until an event lands.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-reloaded:
			if cfg.Identity.Name != "Second" {
				// An early event may carry the first body; keep waiting.
				continue
			}
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte(`{identity: {name: "Second"}}`), 0600); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("no reload observed within 5s")
		}
	}
}
