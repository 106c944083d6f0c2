package tools

import (
	"context"

	"github.com/nextlevelbuilder/kith/internal/bus"
)

// Tool execution context keys. Tools hold no per-turn state; whatever a
// call needs beyond its arguments is injected into the context by the
// engine and read here during Execute.

type toolContextKey string

const (
	ctxChatID       toolContextKey = "tool_chat_id"
	ctxIsGroup      toolContextKey = "tool_is_group"
	ctxVerifiedURLs toolContextKey = "tool_verified_urls"
	ctxAttachments  toolContextKey = "tool_attachments"
)

func WithChatID(ctx context.Context, chatID bus.ChatID) context.Context {
	return context.WithValue(ctx, ctxChatID, chatID)
}

func ChatIDFromCtx(ctx context.Context) bus.ChatID {
	v, _ := ctx.Value(ctxChatID).(bus.ChatID)
	return v
}

func WithIsGroup(ctx context.Context, isGroup bool) context.Context {
	return context.WithValue(ctx, ctxIsGroup, isGroup)
}

func IsGroupFromCtx(ctx context.Context) bool {
	v, _ := ctx.Value(ctxIsGroup).(bool)
	return v
}

// WithVerifiedURLs records URLs the human actually typed. Fetching one of
// these was never the model's own idea, which matters for injection
// review in the logs.
func WithVerifiedURLs(ctx context.Context, urls []string) context.Context {
	return context.WithValue(ctx, ctxVerifiedURLs, urls)
}

func VerifiedURLsFromCtx(ctx context.Context) []string {
	v, _ := ctx.Value(ctxVerifiedURLs).([]string)
	return v
}

func WithAttachments(ctx context.Context, atts []bus.Attachment) context.Context {
	return context.WithValue(ctx, ctxAttachments, atts)
}

func AttachmentsFromCtx(ctx context.Context) []bus.Attachment {
	v, _ := ctx.Value(ctxAttachments).([]bus.Attachment)
	return v
}
