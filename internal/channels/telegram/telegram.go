// Package telegram runs the agent as a Telegram bot over long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/kith/internal/bus"
	"github.com/nextlevelbuilder/kith/internal/channels"
	"github.com/nextlevelbuilder/kith/internal/config"
)

const (
	memberCountTTL = 10 * time.Minute

	// reactableCap bounds the (author, timestamp) → message id map that
	// resolves reaction targets back to Telegram message ids.
	reactableCap = 512
)

// Channel is one bot connection.
type Channel struct {
	bot       *telego.Bot
	token     string
	allow     []string
	operators []string
	username  string
	healthy   atomic.Bool

	reactMu    sync.Mutex
	reactables map[string]int
	reactOrder []string

	membersMu sync.Mutex
	members   map[int64]memberCount
}

type memberCount struct {
	n       int
	fetched time.Time
}

// New builds the adapter. operators are Telegram user ids (numeric, as
// strings) whose messages get operator privileges.
func New(cfg config.TelegramConfig, operators []string) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: bot token required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Channel{
		bot:        bot,
		token:      cfg.Token,
		allow:      cfg.AllowFrom,
		operators:  operators,
		reactables: make(map[string]int),
		members:    make(map[int64]memberCount),
	}, nil
}

func (c *Channel) Name() string  { return "telegram" }
func (c *Channel) Healthy() bool { return c.healthy.Load() }

// Stop is a no-op; long polling dies with its context.
func (c *Channel) Stop(context.Context) error { return nil }

// Start long-polls for updates until ctx ends or the stream closes.
func (c *Channel) Start(ctx context.Context, inbound chan<- bus.IncomingMessage) error {
	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "message_reaction"},
	})
	if err != nil {
		return fmt.Errorf("telegram: start long polling: %w", err)
	}
	c.username = c.bot.Username()
	c.healthy.Store(true)
	defer c.healthy.Store(false)
	slog.Info("telegram connected", "username", c.username)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("telegram: update stream closed")
			}
			var msg bus.IncomingMessage
			var keep bool
			switch {
			case update.Message != nil:
				msg, keep = c.mapMessage(ctx, update.Message)
			case update.MessageReaction != nil:
				msg, keep = c.mapReaction(update.MessageReaction)
			}
			if !keep {
				continue
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Send delivers text, media, or a reaction. Reactions need the original
// Telegram message id, which is resolved from the reactable map recorded
// on the inbound side.
func (c *Channel) Send(ctx context.Context, act bus.OutgoingAction) error {
	_, _, external, err := bus.ParseChatID(act.ChatID)
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(external, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", external, err)
	}

	switch act.Kind {
	case bus.ActionSend:
		if len(act.Media) == 0 {
			_, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), act.Text))
			return err
		}
		caption := act.Text
		for _, path := range act.Media {
			if err := c.sendMedia(ctx, chatID, path, caption); err != nil {
				return err
			}
			caption = ""
		}
		return nil
	case bus.ActionReact:
		msgID, ok := c.reactTarget(act.ReactTargetAuthor, act.ReactTargetTimestamp)
		if !ok {
			return fmt.Errorf("telegram: reaction target %s@%d not known",
				act.ReactTargetAuthor, act.ReactTargetTimestamp)
		}
		return c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
			ChatID:    tu.ID(chatID),
			MessageID: msgID,
			Reaction: []telego.ReactionType{
				&telego.ReactionTypeEmoji{Type: "emoji", Emoji: act.ReactEmoji},
			},
		})
	case bus.ActionSilence:
		return nil
	}
	return fmt.Errorf("telegram: unsupported action %q", act.Kind)
}

func (c *Channel) sendMedia(ctx context.Context, chatID int64, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram: open media: %w", err)
	}
	defer f.Close()

	if isImagePath(path) {
		photo := tu.Photo(tu.ID(chatID), tu.File(f))
		photo.Caption = caption
		_, err = c.bot.SendPhoto(ctx, photo)
		return err
	}
	doc := tu.Document(tu.ID(chatID), tu.File(f))
	doc.Caption = caption
	_, err = c.bot.SendDocument(ctx, doc)
	return err
}

func isImagePath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif":
		return true
	}
	return false
}

// recordReactable remembers an inbound message's Telegram id so a later
// reaction addressed by (author, timestamp) can find it. FIFO-bounded.
func (c *Channel) recordReactable(author string, ts int64, messageID int) {
	key := author + ":" + strconv.FormatInt(ts, 10)
	c.reactMu.Lock()
	defer c.reactMu.Unlock()
	if _, dup := c.reactables[key]; !dup {
		c.reactOrder = append(c.reactOrder, key)
		if len(c.reactOrder) > reactableCap {
			delete(c.reactables, c.reactOrder[0])
			c.reactOrder = c.reactOrder[1:]
		}
	}
	c.reactables[key] = messageID
}

func (c *Channel) reactTarget(author bus.AuthorID, ts int64) (int, bool) {
	key := string(author) + ":" + strconv.FormatInt(ts, 10)
	c.reactMu.Lock()
	defer c.reactMu.Unlock()
	id, ok := c.reactables[key]
	return id, ok
}

// memberCountFor returns the chat's member count with a TTL cache. Zero
// means unknown.
func (c *Channel) memberCountFor(ctx context.Context, chatID int64) int {
	c.membersMu.Lock()
	cached, ok := c.members[chatID]
	c.membersMu.Unlock()
	if ok && time.Since(cached.fetched) < memberCountTTL {
		return cached.n
	}

	nPtr, err := c.bot.GetChatMemberCount(ctx, &telego.GetChatMemberCountParams{ChatID: tu.ID(chatID)})
	var n int
	if nPtr != nil {
		n = *nPtr
	}
	if err != nil {
		slog.Debug("telegram member count failed", "chat_id", chatID, "error", err)
		n = cached.n
	}
	c.membersMu.Lock()
	c.members[chatID] = memberCount{n: n, fetched: time.Now()}
	c.membersMu.Unlock()
	return n
}

func (c *Channel) isOperator(ids ...string) bool {
	for _, op := range c.operators {
		for _, id := range ids {
			if id != "" && id == op {
				return true
			}
		}
	}
	return false
}

// chatPeer maps a Telegram chat to our canonical id parts.
func chatPeer(chat telego.Chat) (peerKind string, isGroup bool) {
	if chat.Type == "group" || chat.Type == "supergroup" {
		return bus.PeerGroup, true
	}
	return bus.PeerDM, false
}

var _ channels.Adapter = (*Channel)(nil)
