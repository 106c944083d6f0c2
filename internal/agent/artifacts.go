package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/kith/internal/bus"
)

// Platform artifacts are messenger-side events that arrive shaped like
// messages: read receipts, typing indicators, profile and story updates,
// contact cards. Adapters normalize them to bracketed markers; anything on
// this list is dropped before it can start a turn.
var platformArtifactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^<media:unknown>$`),
	regexp.MustCompile(`(?i)^\[(read receipt|message read|delivery receipt)\]$`),
	regexp.MustCompile(`(?i)^\[typing([ .]*|\s+indicator)\]$`),
	regexp.MustCompile(`(?i)^\[profile (photo |name )?(update|updated|changed)\]$`),
	regexp.MustCompile(`(?i)^\[story (reply|mention|post|update)\]$`),
	regexp.MustCompile(`(?i)^\[contact card\]$`),
	regexp.MustCompile(`^BEGIN:VCARD`),
}

// isPlatformArtifact reports whether the trimmed text is purely a
// platform event marker.
func isPlatformArtifact(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	for _, pat := range platformArtifactPatterns {
		if pat.MatchString(t) {
			return true
		}
	}
	return false
}

// canonicalUserText builds the text a turn actually responds to: trimmed
// body plus a summary line per attachment. Reactions render as a bracketed
// note so they read naturally in history and summaries.
func canonicalUserText(msg *bus.IncomingMessage) string {
	if emoji, ok := msg.Raw["reaction"].(string); ok && emoji != "" {
		target, _ := msg.Raw["target_text"].(string)
		if target != "" {
			if r := []rune(target); len(r) > 60 {
				target = string(r[:60]) + "…"
			}
			return fmt.Sprintf("[reacted %s to %q]", emoji, target)
		}
		return fmt.Sprintf("[reacted %s]", emoji)
	}

	text := strings.TrimSpace(msg.Text)
	summary := attachmentSummary(msg.Attachments)
	switch {
	case text == "":
		return summary
	case summary == "":
		return text
	default:
		return text + "\n" + summary
	}
}

func attachmentSummary(atts []bus.Attachment) string {
	if len(atts) == 0 {
		return ""
	}
	parts := make([]string, 0, len(atts))
	for _, a := range atts {
		kind := a.Kind
		if kind == "" {
			kind = "file"
		}
		if a.Mime != "" {
			parts = append(parts, fmt.Sprintf("[%s attached: %s]", kind, a.Mime))
		} else {
			parts = append(parts, fmt.Sprintf("[%s attached]", kind))
		}
	}
	return strings.Join(parts, " ")
}

// Injection severity levels. High and critical matches suppress tool
// access for the turn when the author is not the operator; the message
// itself still flows to the model, which answers with tools off.
const (
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

type injectionRule struct {
	name     string
	severity string
	re       *regexp.Regexp
}

// InjectionMatch identifies one triggered rule.
type InjectionMatch struct {
	Name     string
	Severity string
}

// InputGuard scans inbound text for prompt-injection patterns.
type InputGuard struct {
	rules []injectionRule
}

// NewInputGuard creates a guard with the built-in rule set.
func NewInputGuard() *InputGuard {
	return &InputGuard{rules: []injectionRule{
		{"ignore_instructions", SeverityCritical,
			regexp.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+|any\s+|your\s+)?(previous|prior|above|earlier|system)\s+(instructions|messages|rules|prompts?)`)},
		{"reveal_prompt", SeverityCritical,
			regexp.MustCompile(`(?i)(reveal|show|print|repeat|output)\s+(your\s+|the\s+)?(system\s+prompt|hidden\s+instructions|initial\s+instructions)`)},
		{"role_override", SeverityHigh,
			regexp.MustCompile(`(?i)you\s+are\s+(now|no\s+longer)\s+(a|an|the)\s`)},
		{"jailbreak_persona", SeverityHigh,
			regexp.MustCompile(`(?i)\b(DAN\s+mode|jailbreak|developer\s+mode\s+enabled|do\s+anything\s+now)\b`)},
		{"fake_system", SeverityHigh,
			regexp.MustCompile(`(?i)^\s*(\[system\]|\[system\s+message\]|system\s*:)`)},
		{"tool_coercion", SeverityMedium,
			regexp.MustCompile(`(?i)(run|execute|call)\s+the\s+\w+\s+tool\s+with\s+exactly`)},
	}}
}

// Scan returns the rules text triggers, in rule order. Empty means clean.
func (g *InputGuard) Scan(text string) []InjectionMatch {
	if text == "" {
		return nil
	}
	var matches []InjectionMatch
	for _, r := range g.rules {
		if r.re.MatchString(text) {
			matches = append(matches, InjectionMatch{Name: r.name, Severity: r.severity})
		}
	}
	return matches
}

// SuppressTools reports whether any match is severe enough to run the
// turn with tool access off.
func SuppressTools(matches []InjectionMatch) bool {
	for _, m := range matches {
		if m.Severity == SeverityHigh || m.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

func matchNames(matches []InjectionMatch) string {
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = m.Name
	}
	return strings.Join(names, ",")
}
