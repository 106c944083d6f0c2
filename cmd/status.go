package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kith/internal/memory"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what the agent knows and how it is configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

type statusReport struct {
	Version   string           `json:"version"`
	Config    string           `json:"config"`
	DataDir   string           `json:"data_dir"`
	People    int              `json:"people"`
	Facts     int              `json:"facts"`
	Episodes  int              `json:"episodes"`
	Lessons   int              `json:"lessons"`
	Chats     int              `json:"chats"`
	DirtyKeys int              `json:"dirty_keys"`
	Silences  map[string]int   `json:"silences_24h,omitempty"`
	LastEval  string           `json:"last_eval,omitempty"`
	Databases map[string]int64 `json:"database_bytes"`
	Channels  map[string]bool  `json:"channels"`
}

func runStatus() error {
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
	r := statusReport{
		Version:   Version,
		Config:    resolveConfigPath(),
		DataDir:   cfg.DataDir(),
		Databases: map[string]int64{},
		Channels: map[string]bool{
			"signal":   cfg.Channels.Signal.Enabled,
			"telegram": cfg.Channels.Telegram.Enabled,
		},
	}

	r.People, _ = st.mem.CountPeople(ctx)
	r.Facts, _ = st.mem.CountFacts(ctx)
	r.Episodes, _ = st.mem.CountEpisodes(ctx)
	r.Lessons, _ = st.mem.CountLessons(ctx)
	if chats, err := st.sess.ListChats(ctx); err == nil {
		r.Chats = len(chats)
	}
	for _, q := range []string{memory.QueueGroupCapsule, memory.QueuePublicStyle} {
		if n, err := st.mem.DirtyCount(ctx, q); err == nil {
			r.DirtyKeys += n
		}
	}
	since := time.Now().Add(-24 * time.Hour).UnixMilli()
	r.Silences, _ = st.fb.SilenceCounts(ctx, since)
	if runs, err := st.fb.ListEvalRuns(ctx, 1); err == nil && len(runs) > 0 {
		r.LastEval = fmt.Sprintf("%d/%d passed, %s",
			runs[0].Passed, runs[0].Fixtures,
			time.UnixMilli(runs[0].CreatedAtMs).Format("2006-01-02 15:04"))
	}

	for name, path := range map[string]string{
		"memory":   cfg.MemoryDBPath(),
		"session":  cfg.SessionDBPath(),
		"feedback": cfg.FeedbackDBPath(),
	} {
		if fi, err := os.Stat(path); err == nil {
			r.Databases[name] = fi.Size()
		}
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Printf("kith %s\n\n", r.Version)
	printRow("Config", r.Config)
	printRow("Data dir", r.DataDir)
	printRow("Channels", channelLine(r.Channels, cfg.Channels.Operators))
	fmt.Println()
	printRow("People", fmt.Sprintf("%d", r.People))
	printRow("Facts", fmt.Sprintf("%d", r.Facts))
	printRow("Episodes", fmt.Sprintf("%d", r.Episodes))
	printRow("Lessons", fmt.Sprintf("%d", r.Lessons))
	printRow("Chats", fmt.Sprintf("%d", r.Chats))
	printRow("Dirty keys", fmt.Sprintf("%d awaiting consolidation", r.DirtyKeys))
	fmt.Println()
	for _, name := range []string{"memory", "session", "feedback"} {
		printRow(name+".db", humanBytes(r.Databases[name]))
	}
	if len(r.Silences) > 0 {
		fmt.Println()
		printRow("Silences (24h)", silenceLine(r.Silences))
	}
	if r.LastEval != "" {
		printRow("Last eval", r.LastEval)
	}
	fmt.Println()
	printRow("Send limits", fmt.Sprintf("%d/h global (burst %d), %d/h per chat (burst %d)",
		orDefault(cfg.Limits.GlobalPerHour, 25), orDefault(cfg.Limits.GlobalBurst, 5),
		orDefault(cfg.Limits.PerChatPerHour, 10), orDefault(cfg.Limits.PerChatBurst, 3)))
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

const statusLabelWidth = 16

// printRow aligns on display width, not byte length, so emoji and CJK in
// values keep the column straight.
func printRow(label, value string) {
	pad := statusLabelWidth - runewidth.StringWidth(label)
	if pad < 1 {
		pad = 1
	}
	fmt.Printf("  %s%s%s\n", label, strings.Repeat(" ", pad), value)
}

func channelLine(enabled map[string]bool, operators []string) string {
	parts := []string{"cli"}
	for _, name := range []string{"signal", "telegram"} {
		if enabled[name] {
			parts = append(parts, name)
		}
	}
	line := strings.Join(parts, ", ")
	if len(operators) > 0 {
		line += fmt.Sprintf(" (%d operators)", len(operators))
	}
	return line
}

func silenceLine(counts map[string]int) string {
	parts := make([]string, 0, len(counts))
	for reason, n := range counts {
		parts = append(parts, fmt.Sprintf("%s %d", reason, n))
	}
	return strings.Join(parts, ", ")
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	case n > 0:
		return fmt.Sprintf("%d B", n)
	}
	return "absent"
}
