package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kith/internal/memory"
)

func consolidateCmd() *cobra.Command {
	var groupsOnly, peopleOnly bool
	c := &cobra.Command{
		Use:   "consolidate",
		Short: "Rewrite stale memory capsules now",
		Long:  "Drains the dirty queues with the fast model, the same pass the daemon runs\non its timer. Safe to run while the daemon is up; claims are leased.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsolidate(groupsOnly, peopleOnly)
		},
	}
	c.Flags().BoolVar(&groupsOnly, "group", false, "only group capsules")
	c.Flags().BoolVar(&peopleOnly, "person", false, "only person and public-style capsules")
	return c
}

func runConsolidate(groupsOnly, peopleOnly bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogger(cfg.SlogLevel())

	models, err := buildRouter(cfg)
	if err != nil {
		return err
	}
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	cons := memory.NewConsolidator(st.mem, models)
	ctx := context.Background()

	var stats memory.ConsolidateStats
	switch {
	case groupsOnly && !peopleOnly:
		stats, err = cons.ConsolidateGroups(ctx)
	case peopleOnly && !groupsOnly:
		stats, err = cons.ConsolidatePeople(ctx)
	default:
		stats, err = cons.RunOnce(ctx)
	}
	if err != nil {
		return fmt.Errorf("consolidate: %w", err)
	}

	fmt.Printf("refreshed %d group capsules, %d people", stats.Groups, stats.People)
	if stats.Failed > 0 {
		fmt.Printf(" (%d failed, left queued)", stats.Failed)
	}
	fmt.Println()
	return nil
}
