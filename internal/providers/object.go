package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const objectToolName = "emit"

// CompleteObject asks the backend for a single JSON object matching schema
// and unmarshals it into out. The schema is presented as a forced tool call;
// backends that answer with plain JSON text instead are tolerated.
func CompleteObject(ctx context.Context, b Backend, req Request, schema map[string]any, out any) (Usage, error) {
	req.Tools = []ToolDef{{
		Name:        objectToolName,
		Description: "Emit the answer as a structured object.",
		Parameters:  schema,
	}}
	req.ForceTool = objectToolName

	resp, err := b.Complete(ctx, req)
	if err != nil {
		return Usage{}, err
	}

	for _, tc := range resp.ToolCalls {
		if tc.Name != objectToolName {
			continue
		}
		raw, err := json.Marshal(tc.Arguments)
		if err != nil {
			return resp.Usage, fmt.Errorf("object: remarshal arguments: %w", err)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.Usage, fmt.Errorf("object: decode arguments: %w", err)
		}
		return resp.Usage, nil
	}

	// Some compatible endpoints ignore tool_choice and answer inline.
	text := StripJSONFences(resp.Text)
	if text == "" {
		return resp.Usage, fmt.Errorf("object: no tool call and empty text")
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return resp.Usage, fmt.Errorf("object: decode inline json: %w", err)
	}
	return resp.Usage, nil
}

// StripJSONFences removes markdown code fences around a JSON payload.
func StripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
