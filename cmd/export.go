package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func exportCmd() *cobra.Command {
	var out string
	c := &cobra.Command{
		Use:   "export",
		Short: "Dump long-term memory as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(out)
		},
	}
	c.Flags().StringVar(&out, "out", "-", "output file; - for stdout")
	return c
}

func importCmd() *cobra.Command {
	var in string
	c := &cobra.Command{
		Use:   "import",
		Short: "Load a memory dump produced by export",
		Long:  "Validates the whole dump before writing anything; existing rows with the\nsame id are skipped, so re-importing is safe.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(in)
		},
	}
	c.Flags().StringVar(&in, "in", "", "dump file to read")
	c.MarkFlagRequired("in")
	return c
}

func runExport(out string) error {
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

	w := os.Stdout
	if out != "" && out != "-" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := st.mem.ExportJSON(context.Background(), w); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if w != os.Stdout {
		fmt.Printf("wrote %s\n", out)
	}
	return nil
}

func runImport(in string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogger(slog.LevelWarn)

	f, err := os.Open(in)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.mem.ImportJSON(context.Background(), f)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	fmt.Printf("imported %d people, %d facts, %d episodes, %d lessons, %d group capsules",
		stats.People, stats.Facts, stats.Episodes, stats.Lessons, stats.GroupCapsules)
	if stats.Skipped > 0 {
		fmt.Printf(" (%d already present)", stats.Skipped)
	}
	fmt.Println()
	return nil
}
