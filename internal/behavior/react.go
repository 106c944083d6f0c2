package behavior

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/nextlevelbuilder/kith/internal/bus"
	"github.com/nextlevelbuilder/kith/internal/providers"
)

const reactPrompt = `You are choosing an emoji reaction to a chat message, the way a close friend taps one without typing anything.
Reply with exactly one line of JSON and nothing else:
{"action":"react","emoji":"<one emoji>","reason":"<a few words>"}
Pick an emoji that fits the message. If nothing fits, still pick the closest one.`

// chooseReaction asks the fast model which emoji to tap. Anything that
// fails to parse into the contract resolves to silence; a reaction is
// never worth a retry loop.
func (e *Engine) chooseReaction(ctx context.Context, in Input) Decision {
	if e.fast == nil {
		return silence(7, "react_parse_fail")
	}

	user := in.UserText
	if in.Msg.AuthorName != "" {
		user = "[" + in.Msg.AuthorName + "] " + user
	}
	resp, err := e.fast.Complete(ctx, providers.RoleFast, providers.Request{
		Messages: []providers.Message{
			{Role: "system", Content: reactPrompt},
			{Role: "user", Content: user},
		},
		MaxTokens: 100,
	})
	if err != nil {
		slog.Warn("behavior.react_failed", "chat_id", in.Msg.ChatID, "error", err)
		return silence(7, "react_parse_fail")
	}

	emoji, reason, ok := parseReact(resp.Text)
	if !ok {
		slog.Debug("behavior.react_parse_fail", "chat_id", in.Msg.ChatID, "raw", resp.Text)
		return silence(7, "react_parse_fail")
	}
	return Decision{Kind: bus.ActionReact, Emoji: emoji, Reason: reason, Rung: 7}
}

// parseReact extracts the {action, emoji, reason} contract from model
// output, tolerating prose around the JSON object.
func parseReact(text string) (emoji, reason string, ok bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", "", false
	}
	var out struct {
		Action string `json:"action"`
		Emoji  string `json:"emoji"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return "", "", false
	}
	if out.Action != "react" {
		return "", "", false
	}
	emoji = strings.TrimSpace(out.Emoji)
	// One grapheme, give or take skin tones and ZWJ sequences.
	if emoji == "" || utf8.RuneCountInString(emoji) > 8 || strings.ContainsAny(emoji, " \t\n") {
		return "", "", false
	}
	return emoji, strings.TrimSpace(out.Reason), true
}
