package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/kith/internal/memory"
	"github.com/nextlevelbuilder/kith/internal/providers"
)

const maxFactsPerExchange = 4

// Extractor mines durable facts out of finished exchanges with the
// fast model and files them into the memory store. Best-effort all the
// way down; a dud extraction is logged and forgotten.
type Extractor struct {
	models ModelCaller
	mem    *memory.Store
}

func NewExtractor(models ModelCaller, mem *memory.Store) *Extractor {
	return &Extractor{models: models, mem: mem}
}

var extractSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"facts": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"subject": map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
					"category": map[string]any{
						"type": "string",
						"enum": []string{"preference", "personal", "plan", "professional", "relationship", "misc"},
					},
					"quote": map[string]any{"type": "string"},
				},
				"required": []string{"subject", "content"},
			},
		},
	},
	"required": []string{"facts"},
}

type extractedFact struct {
	Subject  string `json:"subject"`
	Content  string `json:"content"`
	Category string `json:"category"`
	Quote    string `json:"quote"`
}

// ExtractFromExchange pulls at most a handful of new facts from one
// exchange. Runs in the background after commit; nothing here can fail
// the turn.
func (x *Extractor) ExtractFromExchange(ctx context.Context, person *memory.Person, userText, replyText string) {
	if person == nil || strings.TrimSpace(userText) == "" {
		return
	}
	name := person.DisplayName
	if name == "" {
		name = "them"
	}
	prompt := fmt.Sprintf(
		"From this exchange, list durable facts about %s worth remembering long-term. Skip pleasantries, moods, and anything a stranger could guess. Empty list when there is nothing.\n\n%s: %s\nYou: %s",
		name, name, clipText(userText, 1200), clipText(replyText, 600))

	var out struct {
		Facts []extractedFact `json:"facts"`
	}
	_, err := x.models.CompleteObject(ctx, providers.RoleFast, providers.Request{
		Messages:  []providers.Message{{Role: "user", Content: prompt}},
		MaxTokens: 500,
	}, extractSchema, &out)
	if err != nil {
		slog.Debug("fact extraction failed", "person", person.ID, "error", err)
		return
	}

	stored := 0
	for _, f := range out.Facts {
		if stored >= maxFactsPerExchange {
			break
		}
		subject := strings.TrimSpace(f.Subject)
		content := strings.TrimSpace(f.Content)
		if subject == "" || content == "" {
			continue
		}
		cat := memory.FactCategory(f.Category)
		if !memory.ValidFactCategory(cat) {
			cat = memory.CategoryMisc
		}
		if err := x.mem.StoreFact(ctx, &memory.Fact{
			PersonID:      person.ID,
			Subject:       subject,
			Content:       content,
			Category:      cat,
			EvidenceQuote: strings.TrimSpace(f.Quote),
		}); err != nil {
			slog.Debug("fact store failed", "person", person.ID, "error", err)
			continue
		}
		stored++
	}
	if stored > 0 {
		slog.Debug("facts extracted", "person", person.ID, "count", stored)
	}
}
