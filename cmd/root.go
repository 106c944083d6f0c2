// Package cmd holds the kith CLI. One file per command; shared wiring
// lives in app.go.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kith/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/kith/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:           "kith",
	Short:         "kith — an always-on friend in your chats",
	Long:          "Kith is a conversational agent that lives in your Signal and Telegram chats,\nremembers the people it talks to, and knows when to stay quiet.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $KITH_CONFIG or ~/.kith/config.json5)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "machine-readable output where supported")

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(trustCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(forgetCmd())
	rootCmd.AddCommand(consolidateCmd())
	rootCmd.AddCommand(evalCmd())
	rootCmd.AddCommand(selfImproveCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kith %s %s/%s %s\n", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogger installs the process logger. Everything goes to stderr so
// stdout stays clean for command output.
func setupLogger(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
