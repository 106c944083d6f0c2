package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/kith/internal/memory"
)

// Recaller is the slice of the memory store this tool needs.
type Recaller interface {
	HybridSearch(ctx context.Context, query string, limit int) ([]memory.SearchResult, error)
}

// MemorySearchTool lets the model dig for facts and past episodes beyond
// what the context builder retrieved up front.
type MemorySearchTool struct {
	store Recaller
}

func NewMemorySearchTool(store Recaller) *MemorySearchTool {
	return &MemorySearchTool{store: store}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }

func (t *MemorySearchTool) Description() string {
	return "Search long-term memory (facts and past conversation episodes) for a topic, name, or event."
}

func (t *MemorySearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "What to look for.",
			},
			"limit": map[string]any{
				"type":        "number",
				"description": "Maximum results (1-20). Default: 8.",
				"minimum":     1.0,
				"maximum":     20.0,
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required")
	}
	limit := 8
	if l, ok := args["limit"].(float64); ok && int(l) >= 1 && int(l) <= 20 {
		limit = int(l)
	}

	results, err := t.store.HybridSearch(ctx, query, limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory search failed: %v", err)).WithError(err)
	}
	if len(results) == 0 {
		return NewResult(fmt.Sprintf("Nothing in memory for: %s", query))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Memory results for: %s\n\n", query)
	for i, r := range results {
		when := time.UnixMilli(r.CreatedAtMs).Format("Jan 2006")
		switch r.Kind {
		case "fact":
			fmt.Fprintf(&sb, "%d. [fact, %s] %s: %s\n", i+1, when, r.Subject, r.Content)
		default:
			fmt.Fprintf(&sb, "%d. [episode, %s] %s\n", i+1, when, r.Content)
		}
	}
	return NewResult(sb.String())
}
