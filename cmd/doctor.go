package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kith/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and environment health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor()
		},
	}
}

const doctorTimeout = 5 * time.Second

func runDoctor() error {
	setupLogger(slog.LevelError)

	fmt.Println("kith doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	failed := 0
	check := func(name string, err error) {
		if err != nil {
			failed++
			fmt.Printf("  FAIL  %-22s %v\n", name, err)
			return
		}
		fmt.Printf("  ok    %s\n", name)
	}
	skip := func(name, why string) {
		fmt.Printf("  --    %-22s %s\n", name, why)
	}

	path := resolveConfigPath()
	cfg, err := config.Load(path)
	check("config "+path, err)
	if err != nil {
		return fmt.Errorf("1 check failed")
	}

	check("data dir writable", checkWritable(cfg.DataDir()))

	if cfg.HasAnyProvider() {
		_, rerr := buildRouter(cfg)
		check("model routes", rerr)
	} else {
		check("model routes", fmt.Errorf("no provider API key configured"))
	}

	check("stores", checkStores(cfg))
	check("sleep window", checkSleep(cfg))
	check("proactive crons", checkCrons(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()

	if cfg.Channels.Telegram.Enabled {
		check("telegram", checkTelegram(ctx, cfg.Channels.Telegram.Token))
	} else {
		skip("telegram", "disabled")
	}
	if cfg.Channels.Signal.Enabled {
		check("signal gateway", checkSignal(ctx, cfg.Channels.Signal.URL))
	} else {
		skip("signal gateway", "disabled")
	}

	fmt.Println()
	if failed > 0 {
		return fmt.Errorf("%d checks failed", failed)
	}
	fmt.Println("  all checks passed")
	return nil
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".doctor")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return err
	}
	return os.Remove(probe)
}

func checkStores(cfg *config.Config) error {
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()
	if err := st.mem.Health(ctx); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if err := st.sess.Health(ctx); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := st.fb.Health(ctx); err != nil {
		return fmt.Errorf("feedback: %w", err)
	}
	return nil
}

func checkSleep(cfg *config.Config) error {
	if tz := cfg.Behavior.Sleep.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone %q: %w", tz, err)
		}
	}
	for _, v := range []string{cfg.Behavior.Sleep.Start, cfg.Behavior.Sleep.End} {
		if v == "" {
			continue
		}
		if _, err := time.Parse("15:04", v); err != nil {
			return fmt.Errorf("bad sleep time %q, want HH:MM", v)
		}
	}
	return nil
}

func checkCrons(cfg *config.Config) error {
	gron := gronx.New()
	var bad []string
	for _, ev := range cfg.Proactive.Events {
		if !gron.IsValid(ev.Cron) {
			bad = append(bad, fmt.Sprintf("%s (%q)", ev.Name, ev.Cron))
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("invalid cron: %s", strings.Join(bad, ", "))
	}
	return nil
}

func checkTelegram(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("enabled without a token")
	}
	return fetchOK(ctx, fmt.Sprintf("https://api.telegram.org/bot%s/getMe", token))
}

func checkSignal(ctx context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("enabled without a gateway URL")
	}
	return fetchOK(ctx, strings.TrimRight(url, "/")+"/v1/about")
}

func fetchOK(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
