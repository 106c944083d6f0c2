package providers

import "context"

// Role selects which configured model tier handles a request. The default
// tier writes replies; the fast tier does judging, classification,
// summarization and extraction.
type Role string

const (
	RoleDefault Role = "default"
	RoleFast    Role = "fast"
)

// Backend is one LLM provider endpoint.
type Backend interface {
	// Complete sends a conversation and returns the model's single response.
	// An empty req.Model uses the backend default.
	Complete(ctx context.Context, req Request) (*Response, error)

	// DefaultModel returns the backend's default model name.
	DefaultModel() string

	// Name returns the backend identifier (e.g. "anthropic", "openai").
	Name() string
}

// Request contains the input for a Complete call.
type Request struct {
	Messages    []Message `json:"messages"`
	Tools       []ToolDef `json:"tools,omitempty"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	// ForceTool names a tool the model must call. Used for structured output.
	ForceTool string `json:"force_tool,omitempty"`
}

// Response is the result from an LLM call.
type Response struct {
	Text         string     `json:"text"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"` // "stop", "tool_calls", "length"
	Usage        Usage      `json:"usage"`
}

// Message represents a conversation message.
type Message struct {
	Role       string         `json:"role"` // "system", "user", "assistant", "tool"
	Content    string         `json:"content"`
	Images     []ImageContent `json:"images,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // for role="tool"
}

// ImageContent is a base64-encoded image for vision-capable models.
type ImageContent struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDef describes a tool available to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON schema
}

// Usage tracks token consumption across a call.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`

	// Gateway extras. Proxies that front the provider APIs tuck cost
	// and settlement receipts into the usage block under varying keys;
	// ScanUsageMeta digs them out.
	CostUSD float64 `json:"cost_usd,omitempty"`
	TxHash  string  `json:"tx_hash,omitempty"`
}

// Add accumulates u2 into u. The generation loop sums usage across tool
// rounds and regens.
func (u *Usage) Add(u2 Usage) {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.TotalTokens += u2.TotalTokens
	u.CacheCreationTokens += u2.CacheCreationTokens
	u.CacheReadTokens += u2.CacheReadTokens
	u.CostUSD += u2.CostUSD
	if u2.TxHash != "" {
		u.TxHash = u2.TxHash
	}
}
