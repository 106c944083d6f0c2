// Package signal speaks to a signal-cli REST gateway: envelopes stream in
// over the /v1/receive websocket, sends and reactions go out over plain
// HTTP. The gateway owns the Signal protocol; this adapter only maps
// envelopes to bus messages.
package signal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/kith/internal/bus"
	"github.com/nextlevelbuilder/kith/internal/channels"
	"github.com/nextlevelbuilder/kith/internal/config"
)

const (
	readLimit     = 4 << 20
	groupCacheTTL = 10 * time.Minute
)

// Channel is one account on a signal-cli REST gateway.
type Channel struct {
	base      string
	number    string
	allow     []string
	operators []string
	http      *http.Client
	healthy   atomic.Bool

	groupsMu      sync.Mutex
	groupSizes    map[string]int // envelope groupId → member count
	groupsFetched time.Time
}

// New builds the adapter. operators are channel user ids whose messages
// get operator privileges.
func New(cfg config.SignalConfig, operators []string) (*Channel, error) {
	base := strings.TrimRight(cfg.URL, "/")
	if base == "" {
		return nil, fmt.Errorf("signal: gateway url required")
	}
	if cfg.Number == "" {
		return nil, fmt.Errorf("signal: account number required")
	}
	return &Channel{
		base:      base,
		number:    cfg.Number,
		allow:     cfg.AllowFrom,
		operators: operators,
		http:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *Channel) Name() string  { return "signal" }
func (c *Channel) Healthy() bool { return c.healthy.Load() }

// Stop is a no-op; the receive loop dies with its context.
func (c *Channel) Stop(context.Context) error { return nil }

// Start streams envelopes until ctx ends or the websocket drops. The
// manager restarts us on drop.
func (c *Channel) Start(ctx context.Context, inbound chan<- bus.IncomingMessage) error {
	wsURL, err := receiveURL(c.base, c.number)
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: c.http})
	if err != nil {
		return fmt.Errorf("signal: dial receive: %w", err)
	}
	conn.SetReadLimit(readLimit)
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.healthy.Store(true)
	defer c.healthy.Store(false)
	slog.Info("signal connected", "number", c.number)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("signal: receive: %w", err)
		}
		msg, ok := c.decode(ctx, data)
		if !ok {
			continue
		}
		select {
		case inbound <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// receiveURL turns the gateway base URL into the receive websocket URL.
func receiveURL(base, number string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("signal: bad gateway url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/receive/" + url.PathEscape(number)
	return u.String(), nil
}

// Wire shapes follow signal-cli's json-rpc receive output as exposed by
// the REST gateway. Only the fields we read are declared.
type envelope struct {
	Envelope struct {
		Source         string          `json:"source"`
		SourceNumber   string          `json:"sourceNumber"`
		SourceUUID     string          `json:"sourceUuid"`
		SourceName     string          `json:"sourceName"`
		Timestamp      int64           `json:"timestamp"`
		DataMessage    *dataMessage    `json:"dataMessage"`
		TypingMessage  json.RawMessage `json:"typingMessage"`
		ReceiptMessage json.RawMessage `json:"receiptMessage"`
	} `json:"envelope"`
	Account string `json:"account"`
}

type dataMessage struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
	GroupInfo *struct {
		GroupID   string `json:"groupId"`
		GroupName string `json:"groupName"`
	} `json:"groupInfo"`
	Mentions []struct {
		Name   string `json:"name"`
		Number string `json:"number"`
		UUID   string `json:"uuid"`
	} `json:"mentions"`
	Quote *struct {
		ID     int64  `json:"id"`
		Author string `json:"author"`
		Text   string `json:"text"`
	} `json:"quote"`
	Attachments []struct {
		ContentType string `json:"contentType"`
		Filename    string `json:"filename"`
		ID          string `json:"id"`
		Size        int64  `json:"size"`
	} `json:"attachments"`
	Reaction *struct {
		Emoji               string `json:"emoji"`
		TargetAuthor        string `json:"targetAuthor"`
		TargetSentTimestamp int64  `json:"targetSentTimestamp"`
		IsRemove            bool   `json:"isRemove"`
	} `json:"reaction"`
}

// decode maps one websocket frame to a bus message. Typing and receipt
// envelopes, removals, and senders outside the DM allow list are dropped
// here; the engine's artifact filter never sees them.
func (c *Channel) decode(ctx context.Context, data []byte) (bus.IncomingMessage, bool) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		slog.Debug("signal envelope unparseable", "error", err)
		return bus.IncomingMessage{}, false
	}
	env := e.Envelope
	dm := env.DataMessage
	if dm == nil {
		return bus.IncomingMessage{}, false
	}
	author := env.SourceNumber
	if author == "" {
		author = env.Source
	}
	if author == "" {
		author = env.SourceUUID
	}
	if author == "" || author == c.number {
		return bus.IncomingMessage{}, false
	}

	isGroup := dm.GroupInfo != nil
	if !isGroup && !channels.Allowed(c.allow, author, env.SourceUUID) {
		slog.Debug("signal sender not in allow list", "sender", author)
		return bus.IncomingMessage{}, false
	}

	ts := env.Timestamp
	if dm.Timestamp != 0 {
		ts = dm.Timestamp
	}

	msg := bus.IncomingMessage{
		ID:         bus.MessageID(fmt.Sprintf("%s:%d", author, ts)),
		Channel:    c.Name(),
		AuthorID:   bus.AuthorID(author),
		AuthorName: env.SourceName,
		Text:       dm.Message,
		IsGroup:    isGroup,
		IsOperator: c.isOperator(author, env.SourceUUID),
		Timestamp:  ts,
	}

	if isGroup {
		msg.ChatID = bus.MakeChatID(c.Name(), bus.PeerGroup, dm.GroupInfo.GroupID)
		msg.Mentioned = c.mentioned(dm)
		msg.GroupSize = c.groupSize(ctx, dm.GroupInfo.GroupID)
	} else {
		msg.ChatID = bus.MakeChatID(c.Name(), bus.PeerDM, author)
		msg.Mentioned = bus.TriYes
	}

	if dm.Reaction != nil {
		if dm.Reaction.IsRemove {
			return bus.IncomingMessage{}, false
		}
		msg.Text = dm.Reaction.Emoji
		msg.Raw = map[string]any{"reaction": dm.Reaction.Emoji}
	}
	if dm.Quote != nil && dm.Quote.Text != "" {
		if msg.Raw == nil {
			msg.Raw = map[string]any{}
		}
		msg.Raw["quoted"] = dm.Quote.Text
	}

	for _, a := range dm.Attachments {
		id := a.ID
		msg.Attachments = append(msg.Attachments, bus.Attachment{
			ID:        id,
			Kind:      attachmentKind(a.ContentType),
			Mime:      a.ContentType,
			SizeBytes: a.Size,
			Fetch: func(ctx context.Context) ([]byte, error) {
				return c.fetchAttachment(ctx, id)
			},
		})
	}
	return msg, true
}

// mentioned reports mention state for a group data message. Signal only
// carries mentions as markup, so the absence of one proves nothing; name
// drops in plain text are the ladder's problem.
func (c *Channel) mentioned(dm *dataMessage) bus.Tri {
	for _, m := range dm.Mentions {
		if m.Number == c.number || m.Name == c.number {
			return bus.TriYes
		}
	}
	if dm.Quote != nil && dm.Quote.Author == c.number {
		return bus.TriYes
	}
	return bus.TriUnknown
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

func attachmentKind(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	default:
		return "file"
	}
}

// Send posts text or a reaction back through the gateway. Group
// recipients use the "group." prefixed form of the envelope group id.
func (c *Channel) Send(ctx context.Context, act bus.OutgoingAction) error {
	_, peer, external, err := bus.ParseChatID(act.ChatID)
	if err != nil {
		return err
	}
	recipient := external
	if peer == bus.PeerGroup && !strings.HasPrefix(external, "group.") {
		recipient = "group." + external
	}

	switch act.Kind {
	case bus.ActionSend:
		payload := map[string]any{
			"number":     c.number,
			"recipients": []string{recipient},
			"message":    act.Text,
		}
		if atts := encodeMedia(act.Media); len(atts) > 0 {
			payload["base64_attachments"] = atts
		}
		return c.post(ctx, "/v2/send", payload)
	case bus.ActionReact:
		payload := map[string]any{
			"reaction":      act.ReactEmoji,
			"recipient":     recipient,
			"target_author": string(act.ReactTargetAuthor),
			"timestamp":     act.ReactTargetTimestamp,
		}
		return c.post(ctx, "/v1/reactions/"+url.PathEscape(c.number), payload)
	case bus.ActionSilence:
		return nil
	}
	return fmt.Errorf("signal: unsupported action %q", act.Kind)
}

func encodeMedia(paths []string) []string {
	var out []string
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			slog.Warn("signal media unreadable", "path", p, "error", err)
			continue
		}
		out = append(out, base64.StdEncoding.EncodeToString(b))
	}
	return out
}

func (c *Channel) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signal: marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("signal: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return fmt.Errorf("signal: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Channel) fetchAttachment(ctx context.Context, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/v1/attachments/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signal: fetch attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signal: fetch attachment: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, readLimit))
}

// groupSize returns the member count for an envelope group id, refreshing
// the whole group list at most once per TTL. Zero means unknown; the
// ladder treats that as "size unavailable", so a stale or failed fetch
// only costs precision.
func (c *Channel) groupSize(ctx context.Context, groupID string) int {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	if time.Since(c.groupsFetched) > groupCacheTTL {
		c.groupsFetched = time.Now()
		c.groupSizes = c.fetchGroupSizes(ctx)
	}
	return c.groupSizes[groupID]
}

func (c *Channel) fetchGroupSizes(ctx context.Context) map[string]int {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/v1/groups/"+url.PathEscape(c.number), nil)
	if err != nil {
		return nil
	}
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Debug("signal group list failed", "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Debug("signal group list failed", "status", resp.StatusCode)
		return nil
	}
	var groups []struct {
		InternalID string   `json:"internal_id"`
		Members    []string `json:"members"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&groups); err != nil {
		slog.Debug("signal group list unparseable", "error", err)
		return nil
	}
	sizes := make(map[string]int, len(groups))
	for _, g := range groups {
		sizes[g.InternalID] = len(g.Members)
	}
	return sizes
}
