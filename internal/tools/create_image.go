package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CreateImageConfig points the tool at an OpenAI-compatible image
// generation endpoint.
type CreateImageConfig struct {
	APIKey  string
	APIBase string // default https://api.openai.com/v1
	Model   string // default gpt-image-1
	OutDir  string // where generated files land; empty falls back to the OS temp dir
}

// CreateImageTool generates an image and returns a local file path the
// send pipeline can attach.
type CreateImageTool struct {
	cfg    CreateImageConfig
	client *http.Client
}

func NewCreateImageTool(cfg CreateImageConfig) *CreateImageTool {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-image-1"
	}
	return &CreateImageTool{
		cfg:    cfg,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

/// Timeout: image generation regularly outruns the default tool budget.
func (t *CreateImageTool) Timeout() time.Duration { return 150 * time.Second }

func (t *CreateImageTool) Name() string { return "create_image" }

func (t *CreateImageTool) Description() string {
	return "Generate an image from a text description. The image is attached to your reply; do not describe it back in text."
}

func (t *CreateImageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{
				"type":        "string",
				"description": "What the image should show.",
			},
			"size": map[string]any{
				"type":        "string",
				"description": `Image size. Default: "1024x1024".`,
				"enum":        []string{"1024x1024", "1536x1024", "1024x1536"},
			},
		},
		"required": []string{"prompt"},
	}
}

func (t *CreateImageTool) Execute(ctx context.Context, args map[string]any) *Result {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		return ErrorResult("prompt is required")
	}
	if t.cfg.APIKey == "" {
		return ErrorResult("image generation is not configured")
	}
	size, _ := args["size"].(string)
	if size == "" {
		size = "1024x1024"
	}

	imageBytes, err := t.generate(ctx, prompt, size)
	if err != nil {
		return ErrorResult(fmt.Sprintf("image generation failed: %v", err)).WithError(err)
	}

	dir := t.cfg.OutDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("save image: %v", err)).WithError(err)
	}
	path := filepath.Join(dir, fmt.Sprintf("gen_%d.png", time.Now().UnixNano()))
	if err := os.WriteFile(path, imageBytes, 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("save image: %v", err)).WithError(err)
	}

	slog.Info("create_image saved", "path", path, "bytes", len(imageBytes))
	return MediaResult("Image generated and attached to your reply.", path)
}

func (t *CreateImageTool) generate(ctx context.Context, prompt, size string) ([]byte, error) {
	payload := map[string]any{
		"model":  t.cfg.Model,
		"prompt": prompt,
		"size":   size,
		"n":      1,
	}
	// gpt-image-1 always returns b64; dall-e models need to be asked.
	if strings.HasPrefix(t.cfg.Model, "dall-e") {
		payload["response_format"] = "b64_json"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(t.cfg.APIBase, "/") + "/images/generations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, truncateStr(string(respBody), 500))
	}

	var out struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
			URL     string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("no image in response")
	}
	if out.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("endpoint returned a URL instead of image bytes")
	}
	return base64.StdEncoding.DecodeString(out.Data[0].B64JSON)
}
