package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kith/internal/channels"
	"github.com/nextlevelbuilder/kith/internal/channels/operator"
)

func chatCmd() *cobra.Command {
	var message string
	c := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agent from the terminal",
		Long:  "Opens a REPL on the operator chat. Operator messages bypass the behavior\nladder, so the agent always answers here.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(message)
		},
	}
	c.Flags().StringVarP(&message, "message", "m", "", "send one message, print the reply, and exit")
	return c
}

func runChat(message string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Keep the transcript readable; warnings still surface.
	lvl := cfg.SlogLevel()
	if lvl < slog.LevelWarn {
		lvl = slog.LevelWarn
	}
	setupLogger(lvl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	op := operator.New(cfg.Identity.Name)

	if message != "" {
		act, err := a.engine.HandleIncoming(ctx, op.Message(message))
		if err != nil {
			return fmt.Errorf("turn failed: %w", err)
		}
		return op.Send(ctx, act)
	}

	fmt.Fprintf(os.Stderr, "talking to %s; exit or ctrl-d to leave\n", cfg.Identity.Name)
	mgr := channels.NewManager()
	mgr.Register(op)
	err = mgr.Run(ctx, a.engine)
	if errors.Is(err, channels.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
