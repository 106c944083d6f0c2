package agent

import (
	"time"

	"github.com/nextlevelbuilder/kith/internal/bus"
)

// DelayConfig shapes the human-paced pause between draft and commit.
type DelayConfig struct {
	MinMs       int
	MaxMs       int
	BaseMs      int     // fixed "read and think" floor for text replies
	MsPerChar   float64 // typing speed
	JitterStdMs float64 // stddev of the Gaussian wobble
}

func (c DelayConfig) withDefaults() DelayConfig {
	if c.MinMs <= 0 {
		c.MinMs = 600
	}
	if c.MaxMs <= c.MinMs {
		c.MaxMs = c.MinMs + 6000
	}
	if c.BaseMs <= 0 {
		c.BaseMs = 900
	}
	if c.MsPerChar <= 0 {
		c.MsPerChar = 35
	}
	if c.JitterStdMs <= 0 {
		c.JitterStdMs = 400
	}
	return c
}

// sampleHumanDelay picks how long to sit on a finished draft. Reactions
// are quick, drawn uniformly from the bottom third of the range. Text
// scales with length as if typed, gets Gaussian wobble, answers questions
// a bit faster, and is clipped into [min, max].
func sampleHumanDelay(cfg DelayConfig, kind bus.ActionKind, textLen int, isQuestion bool,
	uniform func() float64, normal func() float64) time.Duration {

	cfg = cfg.withDefaults()
	min := float64(cfg.MinMs)
	max := float64(cfg.MaxMs)

	if kind == bus.ActionReact {
		span := (max - min) / 3
		return time.Duration(min+uniform()*span) * time.Millisecond
	}

	ms := float64(cfg.BaseMs) + float64(textLen)*cfg.MsPerChar + normal()*cfg.JitterStdMs
	if isQuestion {
		ms *= 0.8
	}
	if ms < min {
		ms = min
	}
	if ms > max {
		ms = max
	}
	return time.Duration(ms) * time.Millisecond
}

// endsWithQuestion reports whether the inbound text the draft answers was
// a question; people answer direct questions faster than they muse.
func endsWithQuestion(text string) bool {
	for i := len(text) - 1; i >= 0; i-- {
		switch text[i] {
		case ' ', '\t', '\n', '\r':
			continue
		case '?':
			return true
		default:
			// Full-width question mark is a multibyte rune; check the tail.
			if i >= 2 && text[i-2:i+1] == "？" {
				return true
			}
			return false
		}
	}
	return false
}
