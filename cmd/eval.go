package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kith/internal/feedback"
	"github.com/nextlevelbuilder/kith/internal/quality"
)

func evalCmd() *cobra.Command {
	var fixturesPath string
	c := &cobra.Command{
		Use:   "eval",
		Short: "Run the slop detector against reply fixtures",
		Long:  "Scores each fixture with the deterministic slop detector and checks the\nverdict. Results are recorded in the feedback store for self-improve.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(fixturesPath)
		},
	}
	c.Flags().StringVar(&fixturesPath, "fixtures", "", "JSON fixture file; defaults to the built-in suite")
	return c
}

type evalFixture struct {
	Name     string `json:"name"`
	Text     string `json:"text"`
	WantSlop bool   `json:"want_slop"`
}

// The built-in suite: one fixture per detector category that must fire,
// and clean texts in the register the agent is supposed to write in.
var builtinFixtures = []evalFixture{
	{Name: "vacuous_excitement", Text: "That's so cool! I can't wait to see what you come up with.", WantSlop: true},
	{Name: "assistant_energy", Text: "I'm here to help! Feel free to reach out anytime, and let me know if you need anything else.", WantSlop: true},
	{Name: "meta_commentary", Text: "As an AI, I don't have feelings, but that sounds great.", WantSlop: true},
	{Name: "closing_boilerplate", Text: "Hope this helps! Don't hesitate to ask.", WantSlop: true},
	{Name: "markdown_structure", Text: "**Quick summary:**\n- point one\n- point two", WantSlop: true},
	{Name: "sycophancy_stack", Text: "You're absolutely right — what a great point — I love your energy — truly.", WantSlop: true},
	{Name: "forced_enthusiasm", Text: "omg that's so sweet!! literally obsessed with this", WantSlop: true},
	{Name: "plain_logistics", Text: "yeah ok, coffee at 9 works", WantSlop: false},
	{Name: "dry_reply", Text: "lol no. she said the same thing last week", WantSlop: false},
	{Name: "opinion", Text: "honestly the second option. the first one reads like a press release", WantSlop: false},
	{Name: "short_bail", Text: "can't make it tonight, raincheck?", WantSlop: false},
	{Name: "followup_question", Text: "ugh, mondays. how did the interview go", WantSlop: false},
	{Name: "list_in_prose", Text: "packed shoes, chargers, and the good coffee", WantSlop: false},
	{Name: "single_tell_below_threshold", Text: "great catch! fixed it just now", WantSlop: false},
}

type evalResult struct {
	Name       string   `json:"name"`
	Score      float64  `json:"score"`
	Violations []string `json:"violations,omitempty"`
	Pass       bool     `json:"pass"`
}

func runEval(fixturesPath string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogger(slog.LevelWarn)

	fixtures := builtinFixtures
	source := "builtin"
	if fixturesPath != "" {
		data, err := os.ReadFile(fixturesPath)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &fixtures); err != nil {
			return fmt.Errorf("parse fixtures: %w", err)
		}
		source = fixturesPath
	}
	if len(fixtures) == 0 {
		return fmt.Errorf("no fixtures to run")
	}

	results := make([]evalResult, 0, len(fixtures))
	passed := 0
	var total float64
	for _, f := range fixtures {
		res := quality.CheckSlop(f.Text, cfg.Identity.AntiPatterns)
		ok := res.IsSlop == f.WantSlop
		if ok {
			passed++
		}
		total += res.Score
		results = append(results, evalResult{Name: f.Name, Score: res.Score, Violations: res.Violations, Pass: ok})
	}
	mean := total / float64(len(fixtures))

	if st, serr := openStores(cfg); serr == nil {
		st.fb.RecordEvalRun(context.Background(), &feedback.EvalRun{
			Fixtures:  len(fixtures),
			Passed:    passed,
			MeanScore: mean,
			Notes:     "slop fixtures: " + source,
		})
		st.Close()
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			mark := "ok  "
			if !r.Pass {
				mark = "FAIL"
			}
			fmt.Printf("  %s  %-28s score %.1f\n", mark, r.Name, r.Score)
		}
		fmt.Printf("\n%d/%d passed, mean score %.2f\n", passed, len(fixtures), mean)
	}

	if passed < len(fixtures) {
		return fmt.Errorf("%d fixtures failed", len(fixtures)-passed)
	}
	return nil
}
