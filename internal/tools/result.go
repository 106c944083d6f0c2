package tools

import "github.com/nextlevelbuilder/kith/internal/providers"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string   `json:"for_llm"`         // content fed back to the model
	Media   []string `json:"media,omitempty"` // local files produced by the tool
	IsError bool     `json:"is_error"`
	Err     error    `json:"-"` // classification for the loop (timeout vs plain failure)

	// Usage holds token spend from tools that make their own model calls.
	Usage *providers.Usage `json:"-"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

// MediaResult carries generated files alongside the text the model sees.
// The send pipeline attaches them; a quality-gate rewrite drops them.
func MediaResult(forLLM string, paths ...string) *Result {
	return &Result{ForLLM: forLLM, Media: paths}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.IsError = true
	r.Err = err
	return r
}
