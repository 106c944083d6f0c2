package quality

import (
	"regexp"
	"strings"
	"unicode"
)

// EnforceMaxLength clips text to at most maxChars characters. The cut lands
// on a word boundary when whitespace exists in the last 40% of the window,
// otherwise mid-token. Trailing whitespace never survives, clipped or not.
// maxChars <= 0 disables the cap. Idempotent.
func EnforceMaxLength(text string, maxChars int) string {
	trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
	if maxChars <= 0 {
		return trimmed
	}
	runes := []rune(trimmed)
	if len(runes) <= maxChars {
		return trimmed
	}

	window := runes[:maxChars]
	cut := maxChars
	for i := maxChars - 1; i >= (maxChars*6)/10; i-- {
		if unicode.IsSpace(window[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRightFunc(string(window[:cut]), unicode.IsSpace)
}

var newlineRun = regexp.MustCompile(`\s*\n\s*`)

// FlattenForGroup collapses newline runs into single spaces. Multi-line
// messages read as walls of text in chat apps.
func FlattenForGroup(text string) string {
	if !strings.Contains(text, "\n") {
		return text
	}
	return strings.TrimSpace(newlineRun.ReplaceAllString(text, " "))
}

var sentenceEnd = regexp.MustCompile(`[.!?]+(\s|$)`)

// CountSentences estimates how many sentences text contains. Text without a
// terminator counts as one; a trailing fragment after the last terminator
// counts as one more.
func CountSentences(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	ends := sentenceEnd.FindAllStringIndex(trimmed, -1)
	if len(ends) == 0 {
		return 1
	}
	n := len(ends)
	if ends[len(ends)-1][1] < len(trimmed) {
		n++
	}
	return n
}
