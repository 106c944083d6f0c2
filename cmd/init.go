package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kith/internal/config"
)

func initCmd() *cobra.Command {
	var force bool
	c := &cobra.Command{
		Use:   "init",
		Short: "Create a config file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(force)
		},
	}
	c.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return c
}

func runInit(force bool) error {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists; use --force to overwrite", path)
	}

	cfg := config.Default()
	provider := "anthropic"
	var apiKey string
	var enableTelegram, enableSignal bool
	var telegramToken, signalURL, signalNumber string
	dataDir := cfg.Data.Dir

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Agent name").
				Description("What the agent calls itself.").
				Value(&cfg.Identity.Name),
			huh.NewText().
				Title("Bio").
				Description("Who the agent is, first person. Feeds the system prompt.").
				Value(&cfg.Identity.Bio),
			huh.NewInput().
				Title("Persona").
				Description("The voice, in one line.").
				Value(&cfg.Identity.Persona),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Model provider").
				Options(
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenAI", "openai"),
				).
				Value(&provider),
			huh.NewInput().
				Title("API key").
				Description("Stored in the config file; env vars override it later.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Connect Telegram?").
				Value(&enableTelegram),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather.").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
		).WithHideFunc(func() bool { return !enableTelegram }),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Connect Signal?").
				Description("Needs a running signal-cli REST gateway.").
				Value(&enableSignal),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Signal gateway URL").
				Placeholder("http://127.0.0.1:8080").
				Value(&signalURL),
			huh.NewInput().
				Title("Signal number").
				Description("The agent's own number, E.164 format.").
				Value(&signalNumber),
		).WithHideFunc(func() bool { return !enableSignal }),
		huh.NewGroup(
			huh.NewInput().
				Title("Data directory").
				Description("Databases and the markdown memory mirror live here.").
				Placeholder("~/.kith").
				Value(&dataDir),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	switch provider {
	case "anthropic":
		cfg.Providers.Anthropic.APIKey = apiKey
	case "openai":
		cfg.Providers.OpenAI.APIKey = apiKey
	}
	cfg.Models.Default.Provider = provider
	cfg.Models.Fast.Provider = provider
	if provider == "openai" {
		cfg.Models.Fast.Model = ""
	}

	cfg.Channels.Telegram.Enabled = enableTelegram
	cfg.Channels.Telegram.Token = telegramToken
	cfg.Channels.Signal.Enabled = enableSignal
	cfg.Channels.Signal.URL = signalURL
	cfg.Channels.Signal.Number = signalNumber
	cfg.Data.Dir = dataDir

	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("wrote %s\n", path)
	fmt.Println("next: `kith chat` to talk locally, `kith start` to go live")
	return nil
}
