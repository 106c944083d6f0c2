package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/kith/internal/agent"
	"github.com/nextlevelbuilder/kith/internal/bus"
	"github.com/nextlevelbuilder/kith/internal/channels"
	signalchan "github.com/nextlevelbuilder/kith/internal/channels/signal"
	"github.com/nextlevelbuilder/kith/internal/channels/telegram"
	"github.com/nextlevelbuilder/kith/internal/config"
	"github.com/nextlevelbuilder/kith/internal/memory"
	"github.com/nextlevelbuilder/kith/internal/proactive"
)

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the agent daemon",
		Long:  "Connects the enabled channels, runs the consolidation and proactive loops,\nand watches the config file for hot-reloadable changes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
}

func runStart() error {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	mgr := channels.NewManager()
	if cfg.Channels.Signal.Enabled {
		ch, err := signalchan.New(cfg.Channels.Signal, cfg.Channels.Operators)
		if err != nil {
			return err
		}
		mgr.Register(ch)
	}
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, cfg.Channels.Operators)
		if err != nil {
			return err
		}
		mgr.Register(ch)
	}

	cons := memory.NewConsolidator(a.st.mem, a.models)
	every := time.Duration(cfg.Memory.ConsolidateEveryMin) * time.Minute
	if every <= 0 {
		every = 10 * time.Minute
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx, a.engine) })
	g.Go(func() error { return cons.Run(gctx, every) })
	g.Go(func() error { return a.st.mem.WatchMirror(gctx) })
	if cfg.Proactive.IsEnabled() {
		sched := proactive.New(cfg.Proactive.ToRules(), cfg.Proactive.Timezone,
			&proactiveDelivery{engine: a.engine, mgr: mgr}, a.st.sess, a.st.mem)
		g.Go(func() error { return sched.Run(gctx) })
	}
	g.Go(func() error {
		return config.Watch(gctx, path, func(next *config.Config) {
			cfg.ReplaceFrom(next)
			a.engine.Reconfigure(
				next.Behavior.ToBehaviorConfig(next.Identity.Name),
				next.Limits.ToRateConfig(),
			)
		})
	})

	slog.Info("kith running",
		"version", Version,
		"channels", mgr.Names(),
		"config", path,
		"hash", cfg.Hash())

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, channels.ErrClosed) {
		slog.Info("kith stopping")
		return nil
	}
	return err
}

// proactiveDelivery delivers what a proactive turn produced. The
// scheduler only sees the handler; routing back out belongs to the
// channel manager.
type proactiveDelivery struct {
	engine *agent.Engine
	mgr    *channels.Manager
}

func (p *proactiveDelivery) HandleProactive(ctx context.Context, ev agent.ProactiveEvent) (bus.OutgoingAction, error) {
	act, err := p.engine.HandleProactive(ctx, ev)
	if err != nil {
		return act, err
	}
	if derr := p.mgr.Deliver(ctx, act); derr != nil {
		slog.Warn("proactive send failed", "chat", act.ChatID, "error", derr)
	}
	return act, nil
}
