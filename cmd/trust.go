package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kith/internal/memory"
)

func trustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <person> [tier]",
		Short: "Show or override a person's trust tier",
		Long: "Without a tier, shows the person's relationship score and effective tier.\n" +
			"With one, pins the tier regardless of score: new_contact, getting_to_know,\n" +
			"close_friend, or auto to go back to the score-derived tier.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrust(args)
		},
	}
}

func runTrust(args []string) error {
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
	p, err := st.mem.FindPersonByName(ctx, args[0])
	if err != nil {
		return fmt.Errorf("%q: %w", args[0], err)
	}

	if len(args) == 2 {
		tier, err := parseTier(args[1])
		if err != nil {
			return err
		}
		if err := st.mem.SetTrustOverride(ctx, p.ID, tier); err != nil {
			return err
		}
		p.TrustTierOverride = string(tier)
	}

	printPerson(p)
	return nil
}

func parseTier(s string) (memory.TrustTier, error) {
	switch memory.TrustTier(s) {
	case memory.TierNewContact, memory.TierGettingToKnow, memory.TierCloseFriend:
		return memory.TrustTier(s), nil
	}
	if s == "auto" {
		return "", nil
	}
	return "", fmt.Errorf("unknown tier %q; want new_contact, getting_to_know, close_friend, or auto", s)
}

func printPerson(p *memory.Person) {
	fmt.Printf("%s (%s:%s)\n", p.DisplayName, p.Channel, p.ChannelUserID)
	printRow("ID", p.ID)
	printRow("Score", fmt.Sprintf("%.2f", p.RelationshipScore))
	printRow("Tier", string(memory.DeriveTrustTier(p, false)))
	if p.TrustTierOverride != "" {
		printRow("Override", p.TrustTierOverride)
	}
	if p.Birthday != "" {
		printRow("Birthday", p.Birthday)
	}
	if p.Capsule != "" {
		printRow("Capsule", p.Capsule)
	}
}
