package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/kith/internal/bus"
	"github.com/nextlevelbuilder/kith/internal/channels"
)

// mediaMaxBytes is the Bot API file download limit.
const mediaMaxBytes int64 = 20 << 20

// mapMessage turns one Telegram message into a bus message. Service
// messages (member joins, pins, title changes) carry neither text nor
// media and are dropped here; DM senders outside the allow list too.
func (c *Channel) mapMessage(ctx context.Context, m *telego.Message) (bus.IncomingMessage, bool) {
	if m.From == nil || m.From.IsBot {
		return bus.IncomingMessage{}, false
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if text == "" && !hasMedia(m) {
		slog.Debug("telegram service message skipped", "chat_id", m.Chat.ID)
		return bus.IncomingMessage{}, false
	}

	authorID := strconv.FormatInt(m.From.ID, 10)
	peerKind, isGroup := chatPeer(m.Chat)
	if !isGroup && !channels.Allowed(c.allow, authorID, m.From.Username) {
		slog.Debug("telegram sender not in allow list", "sender", authorID, "username", m.From.Username)
		return bus.IncomingMessage{}, false
	}

	ts := m.Date * 1000
	msg := bus.IncomingMessage{
		ID:         bus.MessageID(fmt.Sprintf("%d:%d", m.Chat.ID, m.MessageID)),
		Channel:    c.Name(),
		AuthorID:   bus.AuthorID(authorID),
		AuthorName: displayName(m.From),
		Text:       text,
		IsGroup:    isGroup,
		IsOperator: c.isOperator(authorID, m.From.Username),
		Timestamp:  ts,
	}

	if isGroup {
		msg.ChatID = bus.MakeChatID(c.Name(), peerKind, strconv.FormatInt(m.Chat.ID, 10))
		msg.Mentioned = c.mentionState(m)
		msg.GroupSize = c.memberCountFor(ctx, m.Chat.ID)
	} else {
		msg.ChatID = bus.MakeChatID(c.Name(), peerKind, authorID)
		msg.Mentioned = bus.TriYes
	}

	if q := m.ReplyToMessage; q != nil && q.Text != "" {
		msg.Raw = map[string]any{"quoted": q.Text}
	}

	msg.Attachments = c.collectAttachments(m)
	c.recordReactable(authorID, ts, m.MessageID)
	return msg, true
}

// mapReaction turns a reaction update into a reaction envelope. Only
// additions matter; clearing a reaction carries no signal worth a turn.
func (c *Channel) mapReaction(r *telego.MessageReactionUpdated) (bus.IncomingMessage, bool) {
	if r.User == nil || r.User.IsBot || len(r.NewReaction) == 0 {
		return bus.IncomingMessage{}, false
	}
	emoji := reactionEmoji(r.NewReaction[len(r.NewReaction)-1])
	if emoji == "" {
		return bus.IncomingMessage{}, false
	}

	authorID := strconv.FormatInt(r.User.ID, 10)
	peerKind, isGroup := chatPeer(r.Chat)
	if !isGroup && !channels.Allowed(c.allow, authorID, r.User.Username) {
		return bus.IncomingMessage{}, false
	}

	msg := bus.IncomingMessage{
		ID:         bus.MessageID(fmt.Sprintf("%d:%d:react:%d", r.Chat.ID, r.MessageID, r.Date)),
		Channel:    c.Name(),
		AuthorID:   bus.AuthorID(authorID),
		AuthorName: displayName(r.User),
		Text:       emoji,
		IsGroup:    isGroup,
		IsOperator: c.isOperator(authorID, r.User.Username),
		Timestamp:  r.Date * 1000,
		Raw:        map[string]any{"reaction": emoji},
	}
	if isGroup {
		msg.ChatID = bus.MakeChatID(c.Name(), peerKind, strconv.FormatInt(r.Chat.ID, 10))
		msg.Mentioned = bus.TriNo
	} else {
		msg.ChatID = bus.MakeChatID(c.Name(), peerKind, authorID)
		msg.Mentioned = bus.TriYes
	}
	return msg, true
}

func reactionEmoji(rt telego.ReactionType) string {
	switch v := rt.(type) {
	case *telego.ReactionTypeEmoji:
		return v.Emoji
	}
	return ""
}

// mentionState answers the group mention question from entities.
// Telegram entities are complete, so no @mention and no reply-to-bot is
// a definite no, not an unknown. Plain-name drops without the @ are the
// behavior ladder's business.
func (c *Channel) mentionState(m *telego.Message) bus.Tri {
	if c.username == "" {
		return bus.TriUnknown
	}
	want := "@" + c.username
	pairs := []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{m.Entities, m.Text},
		{m.CaptionEntities, m.Caption},
	}
	for _, pair := range pairs {
		for _, e := range pair.entities {
			if e.Type != "mention" {
				continue
			}
			end := e.Offset + e.Length
			if e.Offset < 0 || end > len(pair.text) {
				continue
			}
			if strings.EqualFold(pair.text[e.Offset:end], want) {
				return bus.TriYes
			}
		}
	}
	if q := m.ReplyToMessage; q != nil && q.From != nil && strings.EqualFold(q.From.Username, c.username) {
		return bus.TriYes
	}
	return bus.TriNo
}

func displayName(u *telego.User) string {
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		return name
	}
	return u.Username
}

func hasMedia(m *telego.Message) bool {
	return len(m.Photo) > 0 || m.Document != nil || m.Voice != nil || m.Audio != nil || m.Video != nil
}

// collectAttachments wraps message media in lazy fetchers; bytes are
// pulled only when a turn actually wants them.
func (c *Channel) collectAttachments(m *telego.Message) []bus.Attachment {
	var out []bus.Attachment
	add := func(fileID, kind, mime string, size int64) {
		out = append(out, bus.Attachment{
			ID:        fileID,
			Kind:      kind,
			Mime:      mime,
			SizeBytes: size,
			Fetch: func(ctx context.Context) ([]byte, error) {
				return c.download(ctx, fileID)
			},
		})
	}
	if len(m.Photo) > 0 {
		// Highest resolution is last.
		p := m.Photo[len(m.Photo)-1]
		add(p.FileID, "image", "image/jpeg", int64(p.FileSize))
	}
	if d := m.Document; d != nil {
		kind := "file"
		if strings.HasPrefix(d.MimeType, "image/") {
			kind = "image"
		}
		add(d.FileID, kind, d.MimeType, int64(d.FileSize))
	}
	if v := m.Voice; v != nil {
		add(v.FileID, "audio", v.MimeType, int64(v.FileSize))
	}
	if a := m.Audio; a != nil {
		add(a.FileID, "audio", a.MimeType, int64(a.FileSize))
	}
	if v := m.Video; v != nil {
		add(v.FileID, "video", v.MimeType, int64(v.FileSize))
	}
	return out
}

// download resolves a file id and pulls the bytes from the Bot API file
// endpoint.
func (c *Channel) download(ctx context.Context, fileID string) ([]byte, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("telegram: get file: %w", err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("telegram: empty file path for %s", fileID)
	}
	if int64(file.FileSize) > mediaMaxBytes {
		return nil, fmt.Errorf("telegram: file too large: %d bytes", file.FileSize)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: download: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, mediaMaxBytes))
}
