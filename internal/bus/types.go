package bus

import (
	"context"
	"fmt"
	"strings"
)

// ID types are opaque. They are never compared across types and never parsed
// outside this package; channel adapters own the mapping to external IDs.
type (
	ChatID    string
	MessageID string
	AuthorID  string
)

// PeerKind values for the middle segment of a ChatID.
const (
	PeerDM    = "dm"
	PeerGroup = "group"
)

// Tri is a three-state mention flag. Adapters that cannot compute mentions
// (no entity metadata, bare text) report TriUnknown; only TriNo means
// "definitely not addressed".
type Tri int

const (
	TriUnknown Tri = iota
	TriYes
	TriNo
)

func (t Tri) String() string {
	switch t {
	case TriYes:
		return "yes"
	case TriNo:
		return "no"
	default:
		return "unknown"
	}
}

// Or merges mention flags across a batch: any Yes wins, else any No beats
// Unknown only if every flag agrees.
func (t Tri) Or(u Tri) Tri {
	if t == TriYes || u == TriYes {
		return TriYes
	}
	if t == TriUnknown || u == TriUnknown {
		return TriUnknown
	}
	return TriNo
}

// IncomingMessage is one message as delivered by a channel adapter.
type IncomingMessage struct {
	ID          MessageID      `json:"id"`
	ChatID      ChatID         `json:"chat_id"`
	Channel     string         `json:"channel"` // "signal", "telegram", "cli"
	AuthorID    AuthorID       `json:"author_id"`
	AuthorName  string         `json:"author_name,omitempty"`
	Text        string         `json:"text"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Mentioned   Tri            `json:"mentioned"`
	IsGroup     bool           `json:"is_group"`
	IsOperator  bool           `json:"is_operator"`
	GroupSize   int            `json:"group_size,omitempty"` // 0 when unknown or DM
	Timestamp   int64          `json:"timestamp"`            // unix ms, canonical ordering key
	Raw         map[string]any `json:"raw,omitempty"`        // adapter extras: quoted text, reaction emoji
}

// IsReaction reports whether the message is a reaction envelope rather than
// text. Adapters set Raw["reaction"] to the emoji.
func (m *IncomingMessage) IsReaction() bool {
	if m.Raw == nil {
		return false
	}
	_, ok := m.Raw["reaction"]
	return ok
}

// Attachment is a media item received with a message. Bytes are fetched
// lazily; adapters fill Fetch only when the payload is retrievable.
type Attachment struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"` // "image", "video", "audio", "file"
	Mime      string `json:"mime,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Path      string `json:"path,omitempty"` // local file when already downloaded

	Fetch func(ctx context.Context) ([]byte, error) `json:"-"`
}

// ActionKind for OutgoingAction.
type ActionKind string

const (
	ActionSend    ActionKind = "send"
	ActionReact   ActionKind = "react"
	ActionSilence ActionKind = "silence"
)

// OutgoingAction is what a turn resolved to. Silence is first-class and
// carries the gate reason that produced it.
type OutgoingAction struct {
	Kind   ActionKind `json:"kind"`
	ChatID ChatID     `json:"chat_id"`

	// send
	Text    string   `json:"text,omitempty"`
	Media   []string `json:"media,omitempty"` // local file paths
	TTSHint string   `json:"tts_hint,omitempty"`

	// react: channels address reactions by author + original timestamp
	ReactEmoji           string   `json:"react_emoji,omitempty"`
	ReactTargetAuthor    AuthorID `json:"react_target_author,omitempty"`
	ReactTargetTimestamp int64    `json:"react_target_timestamp,omitempty"`

	// silence
	Reason string `json:"reason,omitempty"`
}

// Silence builds a silence action with its reason.
func Silence(chat ChatID, reason string) OutgoingAction {
	return OutgoingAction{Kind: ActionSilence, ChatID: chat, Reason: reason}
}

// SendText builds a plain text send.
func SendText(chat ChatID, text string) OutgoingAction {
	return OutgoingAction{Kind: ActionSend, ChatID: chat, Text: text}
}

// React builds a reaction targeting the message identified by author and
// channel timestamp.
func React(chat ChatID, emoji string, author AuthorID, timestampMs int64) OutgoingAction {
	return OutgoingAction{
		Kind:                 ActionReact,
		ChatID:               chat,
		ReactEmoji:           emoji,
		ReactTargetAuthor:    author,
		ReactTargetTimestamp: timestampMs,
	}
}

// MakeChatID builds the canonical chat ID: {channel}:{dm|group}:{externalID}.
func MakeChatID(channel, peerKind, externalID string) ChatID {
	return ChatID(fmt.Sprintf("%s:%s:%s", channel, peerKind, externalID))
}

// ParseChatID splits a canonical chat ID. externalID may itself contain
// colons (Signal group IDs do), so only the first two segments are split off.
func ParseChatID(id ChatID) (channel, peerKind, externalID string, err error) {
	parts := strings.SplitN(string(id), ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed chat id %q", id)
	}
	if parts[1] != PeerDM && parts[1] != PeerGroup {
		return "", "", "", fmt.Errorf("malformed chat id %q: bad peer kind %q", id, parts[1])
	}
	return parts[0], parts[1], parts[2], nil
}

// IsOperatorChat reports whether the chat belongs to the operator CLI
// channel.
func IsOperatorChat(id ChatID) bool {
	return strings.HasPrefix(string(id), "cli:")
}
