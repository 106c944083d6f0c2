// Package embed turns text into fixed-dimension float32 vectors for the
// memory store's similarity search. The only real implementation speaks the
// OpenAI embeddings wire format, which most hosted and local providers
// (OpenAI, SiliconFlow, Ollama, vLLM) accept.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/kith/internal/providers"
)

// Embedder produces vectors of a fixed dimension. Implementations must
// return exactly Dimensions() floats per text: shorter provider output is
// zero-padded (padding preserves cosine similarity), longer output is an
// error, never silently truncated.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Pad extends vec with zeros up to dims. Vectors longer than dims are
// rejected: truncation changes the direction of the vector and would
// corrupt every similarity computed against it.
func Pad(vec []float32, dims int) ([]float32, error) {
	if len(vec) > dims {
		return nil, fmt.Errorf("embed: vector dimension %d exceeds configured %d", len(vec), dims)
	}
	if len(vec) == dims {
		return vec, nil
	}
	out := make([]float32, dims)
	copy(out, vec)
	return out, nil
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	name        string
	apiKey      string
	apiBase     string
	model       string
	dims        int
	client      *http.Client
	retryConfig providers.RetryConfig
}

// NewOpenAIEmbedder creates an embedder against an OpenAI-compatible API.
// name identifies the endpoint in errors. dims must match the model's
// output dimension (or exceed it; the gap is zero-padded).
func NewOpenAIEmbedder(name, apiKey, apiBase, model string, dims int) *OpenAIEmbedder {
	if name == "" {
		name = "openai-embed"
	}
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dims <= 0 {
		dims = 1536
	}
	return &OpenAIEmbedder{
		name:        name,
		apiKey:      apiKey,
		apiBase:     strings.TrimRight(apiBase, "/"),
		model:       model,
		dims:        dims,
		client:      &http.Client{Timeout: 30 * time.Second},
		retryConfig: providers.DefaultRetryConfig(),
	}
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("%s: empty embedding result", e.name)
	}
	return vecs[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("embed: no texts")
	}

	body := map[string]any{
		"model": e.model,
		"input": texts,
	}

	return providers.RetryDo(ctx, e.retryConfig, func() ([][]float32, error) {
		respBody, err := e.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp embeddingResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, providers.Fatal(fmt.Errorf("%s: decode response: %w", e.name, err))
		}
		return e.parseResponse(&resp, len(texts))
	})
}

func (e *OpenAIEmbedder) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", e.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.apiBase+"/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", e.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", e.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &providers.RequestError{
			Provider:   e.name,
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: providers.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func (e *OpenAIEmbedder) parseResponse(resp *embeddingResponse, want int) ([][]float32, error) {
	if len(resp.Data) != want {
		return nil, providers.Fatal(fmt.Errorf("%s: got %d embeddings for %d inputs", e.name, len(resp.Data), want))
	}

	// The API documents data as input-ordered, but index is authoritative.
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })

	vecs := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec, err := Pad(d.Embedding, e.dims)
		if err != nil {
			return nil, providers.Fatal(fmt.Errorf("%s: %w", e.name, err))
		}
		vecs[i] = vec
	}
	return vecs, nil
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}
