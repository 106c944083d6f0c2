package memory

import (
	"regexp"
	"strings"
)

// FTS5 MATCH has its own query language (AND, OR, NEAR, column filters,
// quotes, asterisks). Raw user text must never reach it: a stray double
// quote or operator turns a search into a syntax error or worse. We reduce
// the query to plain lowercase tokens and quote each one.

var ftsTokenRe = regexp.MustCompile(`[a-z0-9]{2,}`)

const maxFTSTokens = 10

// buildMatchQuery turns arbitrary user text into a safe FTS5 MATCH string:
// lowercase [a-z0-9]{2,} tokens, deduplicated, capped at 10, each quoted,
// OR-joined. Returns "" when nothing tokenizable remains.
func buildMatchQuery(raw string) string {
	tokens := ftsTokenRe.FindAllString(strings.ToLower(raw), -1)
	if len(tokens) == 0 {
		return ""
	}

	seen := make(map[string]bool, len(tokens))
	quoted := make([]string, 0, maxFTSTokens)
	for _, tok := range tokens {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		quoted = append(quoted, `"`+tok+`"`)
		if len(quoted) == maxFTSTokens {
			break
		}
	}
	return strings.Join(quoted, " OR ")
}
