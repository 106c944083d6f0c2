package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPad(t *testing.T) {
	tests := []struct {
		name    string
		vec     []float32
		dims    int
		want    []float32
		wantErr bool
	}{
		{name: "exact", vec: []float32{1, 2, 3}, dims: 3, want: []float32{1, 2, 3}},
		{name: "short gets zeros", vec: []float32{1, 2}, dims: 4, want: []float32{1, 2, 0, 0}},
		{name: "empty", vec: nil, dims: 2, want: []float32{0, 0}},
		{name: "too long rejected", vec: []float32{1, 2, 3}, dims: 2, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Pad(tt.vec, tt.dims)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Pad: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEmbedBatchOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Input) != 2 {
			t.Fatalf("input len = %d", len(req.Input))
		}
		// Deliberately out of order.
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{4, 5, 6}},
				{"index": 0, "embedding": []float32{1, 2, 3}},
			},
		})
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder("test", "key", srv.URL, "m", 3)
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors", len(vecs))
	}
	if vecs[0][0] != 1 || vecs[1][0] != 4 {
		t.Errorf("vectors not ordered by index: %v", vecs)
	}
}

func TestEmbedPadsShortVectors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 0, "embedding": []float32{1, 2}},
			},
		})
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder("test", "key", srv.URL, "m", 5)
	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 5 {
		t.Fatalf("len = %d, want 5", len(vec))
	}
	for i := 2; i < 5; i++ {
		if vec[i] != 0 {
			t.Errorf("vec[%d] = %v, want 0", i, vec[i])
		}
	}
}

func TestEmbedRejectsOverlongVectors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 0, "embedding": []float32{1, 2, 3, 4}},
			},
		})
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder("test", "key", srv.URL, "m", 3)
	if _, err := e.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected dimension error")
	}
}

func TestEmbedBatchCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder("test", "key", srv.URL, "m", 3)
	if _, err := e.EmbedBatch(context.Background(), []string{"a"}); err == nil {
		t.Fatal("expected count mismatch error")
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	e := NewOpenAIEmbedder("test", "key", "http://unused.invalid", "m", 3)
	if _, err := e.EmbedBatch(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestEmbedAuthFailureNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder("test", "bad-key", srv.URL, "m", 3)
	if _, err := e.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (401 is not retryable)", calls)
	}
}
