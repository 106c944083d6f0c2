package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/kith/internal/memory"
)

type fakeRecaller struct {
	results   []memory.SearchResult
	err       error
	gotQuery  string
	gotLimit  int
	callCount int
}

func (f *fakeRecaller) HybridSearch(ctx context.Context, query string, limit int) ([]memory.SearchResult, error) {
	f.callCount++
	f.gotQuery = query
	f.gotLimit = limit
	return f.results, f.err
}

func TestMemorySearchFormatting(t *testing.T) {
	march := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC).UnixMilli()
	rec := &fakeRecaller{results: []memory.SearchResult{
		{Kind: "fact", Subject: "allergies", Content: "allergic to shellfish", CreatedAtMs: march},
		{Kind: "episode", Content: "we talked about the Lisbon trip", CreatedAtMs: march},
	}}
	tool := NewMemorySearchTool(rec)

	res := tool.Execute(context.Background(), map[string]any{"query": "allergies", "limit": float64(3)})
	if res.IsError {
		t.Fatalf("execute: %s", res.ForLLM)
	}
	if rec.gotQuery != "allergies" || rec.gotLimit != 3 {
		t.Errorf("query=%q limit=%d", rec.gotQuery, rec.gotLimit)
	}
	for _, want := range []string{
		"Memory results for: allergies",
		"1. [fact, Mar 2025] allergies: allergic to shellfish",
		"2. [episode, Mar 2025] we talked about the Lisbon trip",
	} {
		if !strings.Contains(res.ForLLM, want) {
			t.Errorf("missing %q in:\n%s", want, res.ForLLM)
		}
	}
}

func TestMemorySearchDefaults(t *testing.T) {
	rec := &fakeRecaller{}
	tool := NewMemorySearchTool(rec)

	res := tool.Execute(context.Background(), map[string]any{"query": "anything"})
	if res.IsError {
		t.Fatalf("execute: %s", res.ForLLM)
	}
	if rec.gotLimit != 8 {
		t.Errorf("default limit = %d, want 8", rec.gotLimit)
	}
	if !strings.Contains(res.ForLLM, "Nothing in memory for: anything") {
		t.Errorf("empty result = %q", res.ForLLM)
	}

	// Out-of-range limit falls back to the default.
	tool.Execute(context.Background(), map[string]any{"query": "x", "limit": float64(500)})
	if rec.gotLimit != 8 {
		t.Errorf("oversized limit = %d, want 8", rec.gotLimit)
	}

	if res := tool.Execute(context.Background(), map[string]any{}); !res.IsError {
		t.Errorf("missing query accepted: %+v", res)
	}
}

func TestMemorySearchError(t *testing.T) {
	rec := &fakeRecaller{err: fmt.Errorf("index corrupt")}
	tool := NewMemorySearchTool(rec)

	res := tool.Execute(context.Background(), map[string]any{"query": "x"})
	if !res.IsError || !strings.Contains(res.ForLLM, "index corrupt") {
		t.Errorf("result = %+v", res)
	}
	if res.Err == nil {
		t.Errorf("Err not set")
	}
}
