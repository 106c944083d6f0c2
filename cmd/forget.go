package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

func forgetCmd() *cobra.Command {
	var force bool
	c := &cobra.Command{
		Use:   "forget <person>",
		Short: "Delete a person and everything known about them",
		Long:  "Removes the person, their facts, their episodes, and their mirror files.\nShared group episodes stay; they belong to the chat, not the person.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForget(args[0], force)
		},
	}
	c.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	return c
}

func runForget(name string, force bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogger(slog.LevelWarn)

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	p, err := st.mem.FindPersonByName(ctx, name)
	if err != nil {
		return fmt.Errorf("%q: %w", name, err)
	}

	if !force {
		facts, _ := st.mem.ListFactsByPerson(ctx, p.ID, 1000)
		ok := false
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Forget %s?", p.DisplayName)).
				Description(fmt.Sprintf("%d facts and all their episodes will be deleted. This cannot be undone.", len(facts))).
				Value(&ok),
		))
		if err := confirm.Run(); err != nil {
			return err
		}
		if !ok {
			fmt.Println("kept")
			return nil
		}
	}

	if err := st.mem.DeletePerson(ctx, p.ID); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	fmt.Printf("forgot %s\n", p.DisplayName)
	return nil
}
