package behavior

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SleepConfig is the agent's quiet window in its own local time. A
// window whose end is before its start wraps midnight.
type SleepConfig struct {
	Enabled    bool
	StartLocal string // "23:30"
	EndLocal   string // "07:00"
	Timezone   string // IANA name; empty means the process local zone
}

// InSleepWindow reports whether now falls inside the window. Bad clock
// strings or an unknown timezone disable the window rather than silence
// every message.
func InSleepWindow(cfg SleepConfig, now time.Time) bool {
	if !cfg.Enabled {
		return false
	}
	start, err := parseClock(cfg.StartLocal)
	if err != nil {
		return false
	}
	end, err := parseClock(cfg.EndLocal)
	if err != nil {
		return false
	}
	loc := time.Local
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		}
	}
	t := now.In(loc)
	cur := t.Hour()*60 + t.Minute()
	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

// parseClock turns "HH:MM" into minutes past midnight.
func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("clock %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("clock %q: bad hour", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("clock %q: bad minute", s)
	}
	return hour*60 + minute, nil
}
