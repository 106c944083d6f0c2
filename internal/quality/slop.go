// Package quality scores candidate replies for assistant-flavored writing
// and disciplines them to channel limits before anything leaves the agent.
//
// Two layers:
//
//	CheckSlop / EnforceMaxLength  → pure, deterministic
//	Gate (gate.go)                → LLM judge plus a bounded rewrite budget
package quality

import (
	"regexp"
	"strings"
)

// SlopThreshold is the score at which a draft is rejected outright.
const SlopThreshold = 4.0

// SlopResult is the outcome of CheckSlop. Violations lists each category
// that fired, in detector order.
type SlopResult struct {
	Score      float64
	Violations []string
	IsSlop     bool
}

type slopCategory struct {
	name     string
	weight   float64
	patterns []*regexp.Regexp
}

// Tells of assistant-flavored writing. A category's first match counts full
// weight, each further match half weight. vacuous_excitement and
// meta_commentary sit at the rejection threshold on their own; one "that's
// so cool!" is already not how a person texts.
var slopCategories = []slopCategory{
	{
		name:   "vacuous_excitement",
		weight: 4.0,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bthat'?s so (cool|cute|fun|sweet|neat|awesome|amazing|exciting)\b`),
			regexp.MustCompile(`(?i)\bhow (exciting|wonderful|fun)[.!]`),
			regexp.MustCompile(`(?i)\b(so|super) excit(ed|ing) (for|to|about)\b`),
			regexp.MustCompile(`(?i)\bcan'?t wait to (see|hear) (what|how|where)\b`),
		},
	},
	{
		name:   "restate_intro",
		weight: 2.5,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^(so,? )?(you'?re|you are) (asking|wondering|saying)\b`),
			regexp.MustCompile(`(?i)^(great|good|excellent|interesting|fantastic) question\b`),
			regexp.MustCompile(`(?i)^to (answer|address) (your|that|the) question\b`),
			regexp.MustCompile(`(?i)^let'?s (dive|break|dig) (in|into|down)\b`),
			regexp.MustCompile(`(?i)^in (short|summary|essence)[,:]`),
		},
	},
	{
		name:   "sycophantic",
		weight: 2.5,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\byou'?re (absolutely|totally|so) right\b`),
			regexp.MustCompile(`(?i)\bwhat a (great|wonderful|fantastic|lovely) (point|idea|question|thought)\b`),
			regexp.MustCompile(`(?i)\bi (love|appreciate) (that|your) (question|idea|point|energy|perspective)\b`),
			regexp.MustCompile(`(?i)\bgreat (point|catch|observation)[.!]`),
		},
	},
	{
		name:   "assistant_energy",
		weight: 3.0,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bhow can i (help|assist)( you)?( today)?\b`),
			regexp.MustCompile(`(?i)\bi'?m here (to help|for you|to assist|if you need)\b`),
			regexp.MustCompile(`(?i)\bfeel free to (reach out|ask|share)\b`),
			regexp.MustCompile(`(?i)\blet me know if (you need|there'?s) anything\b`),
			regexp.MustCompile(`(?i)\bis there anything else\b`),
			regexp.MustCompile(`(?i)\bhope (this|that) helps\b`),
			regexp.MustCompile(`(?i)\bhappy to (help|assist)\b`),
			regexp.MustCompile(`(?i)\bdon'?t hesitate to\b`),
		},
	},
	{
		name:   "rule_of_three",
		weight: 1.0,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b[\w']+, [\w']+, and [\w']+\b`),
		},
	},
	{
		name:   "structural_tell",
		weight: 2.0,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?m)^\s*[-*•] `),
			regexp.MustCompile(`(?m)^\s*\d+\. `),
			regexp.MustCompile(`(?m)^#{1,3} `),
			regexp.MustCompile(`\*\*[^*\n]+\*\*`),
		},
	},
	{
		name:   "meta_commentary",
		weight: 4.0,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bas an ai\b`),
			regexp.MustCompile(`(?i)\bas a (language model|chatbot|bot|digital assistant)\b`),
			regexp.MustCompile(`(?i)\bi don'?t have (feelings|emotions|personal opinions|a body|experiences)\b`),
			regexp.MustCompile(`(?i)\bi'?m (just|only) an? (ai|assistant|bot|language model|program)\b`),
			regexp.MustCompile(`(?i)\bmy (training data|knowledge cutoff)\b`),
		},
	},
	{
		name:   "forced_enthusiasm",
		weight: 1.5,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`!{2,}`),
			regexp.MustCompile(`(?i)\bliterally (amazing|incredible|the best|obsessed)\b`),
			regexp.MustCompile(`(?i)\bobsessed with this\b`),
		},
	},
}

const (
	emojiPenalty    = 1.5
	emDashPenalty   = 2.0
	identityPenalty = 4.0
)

// CheckSlop scores text against the built-in categories plus the agent's own
// anti-pattern phrases. identityAntiPatterns match as case-insensitive
// substrings and score hardest; they are the phrases this specific persona
// must never produce. Pure function, safe for concurrent use.
func CheckSlop(text string, identityAntiPatterns []string) SlopResult {
	var res SlopResult
	if strings.TrimSpace(text) == "" {
		return res
	}

	for _, cat := range slopCategories {
		n := 0
		for _, pat := range cat.patterns {
			n += len(pat.FindAllStringIndex(text, -1))
		}
		if n == 0 {
			continue
		}
		res.Score += cat.weight + float64(n-1)*cat.weight/2
		res.Violations = append(res.Violations, cat.name)
	}

	if containsEmoji(text) {
		res.Score += emojiPenalty
		res.Violations = append(res.Violations, "emoji_in_text")
	}

	if emDashCount(text) >= 3 {
		res.Score += emDashPenalty
		res.Violations = append(res.Violations, "em_dash_overuse")
	}

	if n := countIdentityMatches(text, identityAntiPatterns); n > 0 {
		res.Score += identityPenalty + float64(n-1)*identityPenalty/2
		res.Violations = append(res.Violations, "identity_anti_pattern")
	}

	res.IsSlop = res.Score >= SlopThreshold
	return res
}

func countIdentityMatches(text string, patterns []string) int {
	if len(patterns) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	n := 0
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(lower, p) {
			n++
		}
	}
	return n
}

func emDashCount(text string) int {
	return strings.Count(text, "—") + strings.Count(text, "--")
}

func containsEmoji(text string) bool {
	for _, r := range text {
		if isEmojiRune(r) {
			return true
		}
	}
	return false
}

func isEmojiRune(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // pictographs through extended-A
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicator pairs (flags)
		return true
	case r == 0x2B50 || r == 0x2B55:
		return true
	}
	return false
}
