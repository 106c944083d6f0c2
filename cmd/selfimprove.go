package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kith/internal/feedback"
	"github.com/nextlevelbuilder/kith/internal/memory"
	"github.com/nextlevelbuilder/kith/internal/providers"
)

func selfImproveCmd() *cobra.Command {
	var days int
	c := &cobra.Command{
		Use:   "self-improve",
		Short: "Mine recent feedback for lessons",
		Long:  "Reads the window of gate verdicts and silence decisions, asks the fast\nmodel what to do differently, and appends the answers as lessons. Lessons\nfeed every future system prompt.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelfImprove(days)
		},
	}
	c.Flags().IntVar(&days, "days", 7, "how far back to look")
	return c
}

const maxVerdictSamples = 40

var lessonSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"lessons": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"category": map[string]any{"type": "string"},
					"content":  map[string]any{"type": "string"},
					"rule":     map[string]any{"type": "string"},
				},
				"required": []string{"category", "content"},
			},
		},
	},
	"required": []string{"lessons"},
}

func runSelfImprove(days int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogger(slog.LevelWarn)

	models, err := buildRouter(cfg)
	if err != nil {
		return err
	}
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	sinceMs := time.Now().AddDate(0, 0, -days).UnixMilli()

	silences, err := st.fb.SilenceCounts(ctx, sinceMs)
	if err != nil {
		return err
	}
	gates, err := st.fb.GateCounts(ctx, sinceMs)
	if err != nil {
		return err
	}
	verdicts, err := st.fb.GateVerdictsSince(ctx, sinceMs, maxVerdictSamples)
	if err != nil {
		return err
	}

	if len(silences) == 0 && len(gates) == 0 && len(verdicts) == 0 {
		fmt.Printf("no feedback in the last %d days; nothing to learn from yet\n", days)
		return nil
	}

	prompt := buildImprovePrompt(days, silences, gates, verdicts)
	var out struct {
		Lessons []struct {
			Category string `json:"category"`
			Content  string `json:"content"`
			Rule     string `json:"rule,omitempty"`
		} `json:"lessons"`
	}
	_, err = models.CompleteObject(ctx, providers.RoleFast, providers.Request{
		Messages:  []providers.Message{{Role: "user", Content: prompt}},
		MaxTokens: 800,
	}, lessonSchema, &out)
	if err != nil {
		return fmt.Errorf("self-improve: %w", err)
	}

	added := 0
	for _, l := range out.Lessons {
		if strings.TrimSpace(l.Content) == "" {
			continue
		}
		category := strings.TrimSpace(l.Category)
		if category == "" {
			category = "conversation"
		}
		err := st.mem.AddLesson(ctx, &memory.Lesson{
			Type:     memory.LessonObservation,
			Category: category,
			Content:  strings.TrimSpace(l.Content),
			Rule:     strings.TrimSpace(l.Rule),
		})
		if err != nil {
			return err
		}
		added++
		fmt.Printf("  + [%s] %s\n", category, l.Content)
	}
	fmt.Printf("added %d lessons from the last %d days\n", added, days)
	return nil
}

func buildImprovePrompt(days int, silences, gates map[string]int, verdicts []*feedback.GateVerdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You review a conversational agent's own behavior log from the last %d days and write lessons it should carry forward.\n", days)
	b.WriteString("A lesson is one concrete, testable adjustment to how it talks or when it stays quiet. Skip anything generic. At most five lessons; zero is a fine answer.\n")

	if len(silences) > 0 {
		b.WriteString("\nTimes it chose silence, by reason:\n")
		for reason, n := range silences {
			fmt.Fprintf(&b, "- %s: %d\n", reason, n)
		}
	}
	if len(gates) > 0 {
		b.WriteString("\nQuality gate outcomes:\n")
		for action, n := range gates {
			fmt.Fprintf(&b, "- %s: %d\n", action, n)
		}
	}

	var failed []string
	for _, v := range verdicts {
		if v.Pass || v.Notes == "" {
			continue
		}
		failed = append(failed, v.Notes)
		if len(failed) >= 10 {
			break
		}
	}
	if len(failed) > 0 {
		b.WriteString("\nJudge notes on drafts that failed the gate:\n")
		for _, n := range failed {
			fmt.Fprintf(&b, "- %s\n", n)
		}
	}
	return b.String()
}
