package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// SanitizeModelText cleans raw completion text before it is treated as a
// draft: reasoning tags, garbled tool-call XML, echoed tool-call text and
// duplicated paragraphs all get stripped. An empty return means the model
// had nothing to say.
func SanitizeModelText(content string) string {
	if content == "" {
		return content
	}

	original := content

	content = stripGarbledToolXML(content)
	if content == "" {
		return ""
	}
	content = stripToolCallEcho(content)
	content = stripThinkingTags(content)
	content = collapseDuplicateBlocks(content)
	content = strings.TrimSpace(content)

	if content != original {
		slog.Debug("sanitized model text",
			"original_len", len(original), "cleaned_len", len(content))
	}
	return content
}

// Some models emit tool-call XML as plain text instead of structured
// calls. When the indicators appear, the whole draft is garbage: replying
// with a half-stripped invocation would read as gibberish to the chat.
var garbledToolXMLPattern = regexp.MustCompile(
	`(?s)</?(?:function_calls?|invoke|tool_call|tool_use|parameter)[^>]*>`,
)

var garbledToolXMLIndicators = []string{
	"<function_call",
	"<tool_call",
	"<tool_use",
	"<parameter name=",
	"</parameter",
}

func stripGarbledToolXML(content string) string {
	lower := strings.ToLower(content)
	found := false
	for _, ind := range garbledToolXMLIndicators {
		if strings.Contains(lower, ind) {
			found = true
			break
		}
	}
	if !found {
		return content
	}
	cleaned := strings.TrimSpace(garbledToolXMLPattern.ReplaceAllString(content, ""))
	slog.Warn("dropped garbled tool call text",
		"original_len", len(content), "remaining_len", len(cleaned))
	return ""
}

// stripToolCallEcho removes [Tool Call: ...] / [Tool Result ...] blocks
// that weaker models narrate as text. Line-based because Go regexp has no
// lookahead; the block's indented JSON lines are skipped with it.
func stripToolCallEcho(content string) string {
	if !strings.Contains(content, "[Tool Call:") && !strings.Contains(content, "[Tool Result") {
		return content
	}

	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	skipping := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[Tool Call:") || strings.HasPrefix(trimmed, "[Tool Result") {
			skipping = true
			continue
		}
		if skipping {
			if trimmed == "" || strings.HasPrefix(trimmed, "{") ||
				strings.HasPrefix(trimmed, "}") || strings.HasPrefix(trimmed, "Arguments:") {
				continue
			}
			skipping = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// No backreferences in Go regexp, so one pattern per tag.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
	regexp.MustCompile(`(?is)<reasoning>.*?</reasoning>`),
}

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") &&
		!strings.Contains(lower, "<reasoning") {
		return content
	}
	result := content
	for _, pat := range thinkingTagPatterns {
		result = pat.ReplaceAllString(result, "")
	}
	return strings.TrimSpace(result)
}

// collapseDuplicateBlocks drops a paragraph that repeats the one before
// it verbatim, a common degeneration under regeneration pressure.
func collapseDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}
	var out []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(out) > 0 && trimmed == strings.TrimSpace(out[len(out)-1]) {
			continue
		}
		out = append(out, block)
	}
	return strings.Join(out, "\n\n")
}

// HeartbeatToken is the sentinel a proactive prompt invites when there is
// genuinely nothing worth saying. A reply carrying it is suppressed
// entirely: no send, no session row, no ledger entry.
const HeartbeatToken = "HEARTBEAT_OK"

// IsHeartbeat reports whether text is the heartbeat sentinel, alone or at
// either edge with a non-word boundary.
func IsHeartbeat(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed == HeartbeatToken {
		return true
	}
	if strings.HasPrefix(trimmed, HeartbeatToken) {
		rest := trimmed[len(HeartbeatToken):]
		if !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if strings.HasSuffix(trimmed, HeartbeatToken) {
		before := trimmed[:len(trimmed)-len(HeartbeatToken)]
		if before != "" && !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
