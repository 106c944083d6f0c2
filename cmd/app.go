package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nextlevelbuilder/kith/internal/agent"
	"github.com/nextlevelbuilder/kith/internal/config"
	"github.com/nextlevelbuilder/kith/internal/embed"
	"github.com/nextlevelbuilder/kith/internal/feedback"
	"github.com/nextlevelbuilder/kith/internal/memory"
	"github.com/nextlevelbuilder/kith/internal/providers"
	"github.com/nextlevelbuilder/kith/internal/session"
	"github.com/nextlevelbuilder/kith/internal/telemetry"
	"github.com/nextlevelbuilder/kith/internal/tools"
)

const shutdownGrace = 15 * time.Second

// stores bundles the three databases for commands that inspect or edit
// state without running the engine.
type stores struct {
	mem  *memory.Store
	sess *session.Store
	fb   *feedback.Store
}

// openStores opens the databases under the configured data dir, creating
// it when needed. The embedder is wired when credentials allow, so
// imports and consolidation index vectors the same way the daemon does.
func openStores(cfg *config.Config) (*stores, error) {
	if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	memOpts := []memory.Option{memory.WithMirrorDir(cfg.MirrorDir())}
	if e := buildEmbedder(cfg); e != nil {
		memOpts = append(memOpts, memory.WithEmbedder(e))
	}
	mem, err := memory.Open(cfg.MemoryDBPath(), memOpts...)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	sess, err := session.Open(cfg.SessionDBPath())
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("open session store: %w", err)
	}
	fb, err := feedback.Open(cfg.FeedbackDBPath())
	if err != nil {
		sess.Close()
		mem.Close()
		return nil, fmt.Errorf("open feedback store: %w", err)
	}
	return &stores{mem: mem, sess: sess, fb: fb}, nil
}

func (s *stores) Close() {
	s.fb.Close()
	s.sess.Close()
	s.mem.Close()
}

// app is the fully wired agent: stores, model router, tools, engine and
// telemetry sink. Built by the commands that actually talk to models.
type app struct {
	cfg      *config.Config
	st       *stores
	models   *providers.Router
	engine   *agent.Engine
	sink     telemetry.Sink
	sinkStop func(context.Context) error
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	models, err := buildRouter(cfg)
	if err != nil {
		return nil, err
	}
	sink, sinkStop, err := telemetry.Setup(ctx, cfg.Telemetry.ToTelemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	st, err := openStores(cfg)
	if err != nil {
		sinkStop(context.Background())
		return nil, err
	}

	engine := agent.New(cfg.ToAgentConfig(), agent.Deps{
		Models:   models,
		Tools:    buildTools(cfg, st.mem),
		Sessions: st.sess,
		Memory:   st.mem,
		Feedback: st.fb,
		Sink:     sink,
	})

	return &app{
		cfg:      cfg,
		st:       st,
		models:   models,
		engine:   engine,
		sink:     sink,
		sinkStop: sinkStop,
	}, nil
}

// Close drains in-flight turns, then releases everything. Bounded so a
// wedged model call cannot hold the process open.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.engine.Shutdown(ctx); err != nil {
		slog.Warn("engine shutdown incomplete", "error", err)
	}
	a.st.Close()
	if err := a.sinkStop(ctx); err != nil {
		slog.Debug("telemetry shutdown", "error", err)
	}
}

// buildRouter wires the two model roles onto provider backends. The fast
// role falls back to the default route when left unconfigured.
func buildRouter(cfg *config.Config) (*providers.Router, error) {
	def, err := backendFor(cfg, cfg.Models.Default)
	if err != nil {
		return nil, err
	}
	routes := map[providers.Role]providers.Route{
		providers.RoleDefault: {Backend: def, Model: cfg.Models.Default.Model},
	}
	if ref := cfg.Models.Fast; ref.Provider != "" || ref.Model != "" {
		fast, err := backendFor(cfg, ref)
		if err != nil {
			return nil, err
		}
		routes[providers.RoleFast] = providers.Route{Backend: fast, Model: ref.Model}
	}
	return providers.NewRouter(routes)
}

func backendFor(cfg *config.Config, ref config.ModelRef) (providers.Backend, error) {
	switch ref.Provider {
	case "", "anthropic":
		p := cfg.Providers.Anthropic
		if p.APIKey == "" {
			return nil, fmt.Errorf("anthropic API key missing; set providers.anthropic.api_key or KITH_ANTHROPIC_API_KEY")
		}
		var opts []providers.AnthropicOption
		if ref.Model != "" {
			opts = append(opts, providers.WithAnthropicModel(ref.Model))
		}
		if p.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(p.APIBase))
		}
		return providers.NewAnthropicBackend(p.APIKey, opts...), nil
	case "openai":
		p := cfg.Providers.OpenAI
		if p.APIKey == "" {
			return nil, fmt.Errorf("openai API key missing; set providers.openai.api_key or KITH_OPENAI_API_KEY")
		}
		return providers.NewOpenAIBackend("openai", p.APIKey, p.APIBase, ref.Model), nil
	}
	return nil, fmt.Errorf("unknown model provider %q", ref.Provider)
}

// buildEmbedder returns nil when vector search cannot run; the memory
// store then retrieves on FTS alone.
func buildEmbedder(cfg *config.Config) embed.Embedder {
	ec := cfg.Memory.Embedding
	key := cfg.Providers.OpenAI.APIKey
	enabled := key != ""
	if ec.Enabled != nil {
		enabled = *ec.Enabled
	}
	if !enabled || key == "" {
		return nil
	}
	model := ec.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	dims := ec.Dims
	if dims == 0 {
		dims = 1536
	}
	base := ec.APIBase
	if base == "" {
		base = cfg.Providers.OpenAI.APIBase
	}
	return embed.NewOpenAIEmbedder("openai", key, base, model, dims)
}

func buildTools(cfg *config.Config, mem *memory.Store) *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(tools.NewWebSearchTool(cfg.Tools.ToWebSearchConfig()))
	reg.Register(tools.NewWebFetchTool(cfg.Tools.ToWebFetchConfig()))
	reg.Register(tools.NewMemorySearchTool(mem))
	if cfg.Tools.Image.Enabled && cfg.Providers.OpenAI.APIKey != "" {
		reg.Register(tools.NewCreateImageTool(cfg.Tools.ToCreateImageConfig(cfg.Providers.OpenAI.APIKey, cfg.ImagesDir())))
	}
	return reg
}
