// Package compose assembles the four message strata fed to the model:
// system block, data messages (memory context), session history, and the
// current batch of user messages. It owns token budgeting and the
// compact-and-retry path on context overflow; fetching the underlying data
// is the caller's job, passed in as plain values and callbacks.
package compose

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/kith/internal/providers"
	"github.com/nextlevelbuilder/kith/internal/quality"
)

const (
	// DefaultMaxContextTokens bounds the whole prompt when the caller does
	// not say otherwise.
	DefaultMaxContextTokens = 24000

	// DefaultDataMaxTokens bounds the data stratum.
	DefaultDataMaxTokens = 3000

	// maxInlineImageBytes is the largest attachment inlined into a user
	// message. Bigger files are described, not embedded.
	maxInlineImageBytes = 5 << 20

	// imageTokenEstimate is the flat per-image cost used for budgeting.
	imageTokenEstimate = 1500
)

// Section is one budgeted chunk of the data stratum, e.g. retrieved facts
// or the outbound ledger excerpt. Budget is in tokens; 0 means uncapped
// (the stratum total still applies).
type Section struct {
	Title  string
	Body   string
	Budget int
}

// HistoryMessage is one session-store row in the builder's shape.
type HistoryMessage struct {
	Role       string // "user" or "assistant"
	Content    string
	AuthorName string
	SourceID   string // inbound message ID this row was persisted from
}

// ImagePart is a raw attachment considered for inlining.
type ImagePart struct {
	Mime string
	Data []byte
}

// BatchMessage is one accumulated inbound message.
type BatchMessage struct {
	DisplayName string
	AuthorID    string
	Text        string
	Images      []ImagePart
	SourceID    string
}

// Input carries everything Build needs.
type Input struct {
	Identity      string // identity capsule
	Persona       string // one-line persona reminder
	BehaviorHint  string // e.g. "You are in a group chat; keep it to one line"
	ChannelPolicy string // max chars, operator presence
	ToolDocs      string

	Sections []Section
	Batch    []BatchMessage
	IsGroup  bool

	// FetchHistory returns recent session rows (oldest first) and the
	// running summary. Called again after compaction.
	FetchHistory func(ctx context.Context) ([]HistoryMessage, string, error)

	// Compact asks the session store to fold old history into the summary.
	// nil disables the overflow retry.
	Compact func(ctx context.Context) error

	MaxContextTokens int
	DataMaxTokens    int
}

// Built is the assembled prompt.
type Built struct {
	Messages        []providers.Message
	EstimatedTokens int
	Compacted       bool
	TrimmedHistory  int // rows dropped to fit after the compaction retry
}

// Build assembles the prompt. If the estimate exceeds MaxContextTokens it
// compacts the session once and reassembles; if still over, history rows
// are dropped oldest-first until the prompt fits.
func Build(ctx context.Context, in Input) (*Built, error) {
	if in.MaxContextTokens <= 0 {
		in.MaxContextTokens = DefaultMaxContextTokens
	}
	if in.DataMaxTokens <= 0 {
		in.DataMaxTokens = DefaultDataMaxTokens
	}

	p, err := assemble(ctx, in)
	if err != nil {
		return nil, err
	}
	built := &Built{}

	if p.estimate() > in.MaxContextTokens && in.Compact != nil {
		slog.Info("compose.context_overflow",
			"estimated", p.estimate(), "max", in.MaxContextTokens)
		if cerr := in.Compact(ctx); cerr != nil {
			slog.Warn("session compaction failed", "error", cerr)
		} else {
			built.Compacted = true
			if p, err = assemble(ctx, in); err != nil {
				return nil, err
			}
		}
	}

	for p.estimate() > in.MaxContextTokens && len(p.history) > 0 {
		p.history = p.history[1:]
		built.TrimmedHistory++
	}
	if built.TrimmedHistory > 0 {
		slog.Debug("trimmed history to fit context",
			"dropped", built.TrimmedHistory, "estimated", p.estimate())
	}

	built.Messages = p.flatten()
	built.EstimatedTokens = p.estimate()
	return built, nil
}

type parts struct {
	head    []providers.Message
	history []providers.Message
	users   []providers.Message
}

func (p *parts) flatten() []providers.Message {
	out := make([]providers.Message, 0, len(p.head)+len(p.history)+len(p.users))
	out = append(out, p.head...)
	out = append(out, p.history...)
	out = append(out, p.users...)
	return out
}

func (p *parts) estimate() int {
	n := 0
	for _, msgs := range [][]providers.Message{p.head, p.history, p.users} {
		n += EstimateTokens(msgs)
	}
	return n
}

func assemble(ctx context.Context, in Input) (*parts, error) {
	p := &parts{}
	p.head = append(p.head, providers.Message{Role: "system", Content: systemBlock(in)})

	var (
		rows    []HistoryMessage
		summary string
		err     error
	)
	if in.FetchHistory != nil {
		if rows, summary, err = in.FetchHistory(ctx); err != nil {
			return nil, fmt.Errorf("fetch history: %w", err)
		}
	}

	if summary != "" {
		p.head = append(p.head,
			providers.Message{Role: "user", Content: "[Earlier conversation, summarized]\n" + summary},
			providers.Message{Role: "assistant", Content: "Got it."},
		)
	}

	if data := dataBlock(in.Sections, in.DataMaxTokens); data != "" {
		p.head = append(p.head,
			providers.Message{Role: "user", Content: data},
			providers.Message{Role: "assistant", Content: "Noted."},
		)
	}

	batchIDs := make(map[string]struct{}, len(in.Batch))
	for _, b := range in.Batch {
		if b.SourceID != "" {
			batchIDs[b.SourceID] = struct{}{}
		}
	}
	for _, row := range rows {
		if row.SourceID != "" {
			if _, dup := batchIDs[row.SourceID]; dup {
				continue
			}
		}
		content := row.Content
		if in.IsGroup && row.Role == "user" && row.AuthorName != "" {
			content = "[" + row.AuthorName + "] " + content
		}
		p.history = append(p.history, providers.Message{Role: row.Role, Content: content})
	}

	for _, b := range in.Batch {
		p.users = append(p.users, batchMessage(b, in.IsGroup))
	}
	return p, nil
}

func systemBlock(in Input) string {
	parts := make([]string, 0, 5)
	for _, s := range []string{in.Identity, in.Persona, in.BehaviorHint, in.ChannelPolicy, in.ToolDocs} {
		if strings.TrimSpace(s) != "" {
			parts = append(parts, strings.TrimSpace(s))
		}
	}
	return strings.Join(parts, "\n\n")
}

// dataBlock joins the sections into one bracketed block, clipping each to
// its own budget and cutting the stratum off at maxTokens.
func dataBlock(sections []Section, maxTokens int) string {
	var b strings.Builder
	used := 0
	for _, s := range sections {
		body := strings.TrimSpace(s.Body)
		if body == "" {
			continue
		}
		if s.Budget > 0 {
			body = quality.EnforceMaxLength(body, s.Budget*4)
		}
		cost := estimateText(body) + estimateText(s.Title)
		if used+cost > maxTokens {
			remaining := maxTokens - used
			if remaining < 50 {
				slog.Debug("data section dropped over budget", "section", s.Title)
				continue
			}
			body = quality.EnforceMaxLength(body, remaining*4)
			cost = estimateText(body) + estimateText(s.Title)
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if s.Title != "" {
			b.WriteString("[" + s.Title + "]\n")
		}
		b.WriteString(body)
		used += cost
	}
	return b.String()
}

func batchMessage(b BatchMessage, isGroup bool) providers.Message {
	text := b.Text
	if isGroup {
		name := b.DisplayName
		if name == "" {
			name = b.AuthorID
		}
		text = "[" + name + "] " + text
	}
	msg := providers.Message{Role: "user", Content: text}
	for _, img := range b.Images {
		if len(img.Data) == 0 || len(img.Data) > maxInlineImageBytes {
			if len(img.Data) > maxInlineImageBytes {
				slog.Debug("image too large to inline", "bytes", len(img.Data))
			}
			continue
		}
		msg.Images = append(msg.Images, providers.ImageContent{
			MimeType: img.Mime,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		})
	}
	return msg
}

// EstimateTokens estimates prompt cost at ~4 chars per token plus a flat
// per-image charge.
func EstimateTokens(msgs []providers.Message) int {
	n := 0
	for _, m := range msgs {
		n += estimateText(m.Content)
		n += len(m.Images) * imageTokenEstimate
		for _, tc := range m.ToolCalls {
			n += estimateText(tc.Name) + 20
		}
	}
	return n
}

func estimateText(s string) int {
	return len(s) / 4
}

// SectionBudgets splits total tokens across n sections by weight. Weights
// that do not sum to 1 are normalized; zero or negative weights get nothing.
func SectionBudgets(total int, weights []float64) []int {
	out := make([]int, len(weights))
	var sum float64
	for _, w := range weights {
		if w > 0 {
			sum += w
		}
	}
	if sum <= 0 || total <= 0 {
		return out
	}
	for i, w := range weights {
		if w > 0 {
			out[i] = int(float64(total) * w / sum)
		}
	}
	return out
}
