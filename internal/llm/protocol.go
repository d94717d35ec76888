// Package llm runs chat completions inside an isolated worker goroutine. Callers talk
// to the worker only through Request and Response values sent over channels.
package llm

import (
	"fmt"

	"github.com/stellarlinkco/memtab/internal/memory"
)

// MessageCallOpenAI is the only request type the worker understands.
const MessageCallOpenAI = "callOpenAI"

type Request struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey"`
	Prompt string `json:"prompt"`
}

// NewRequest builds a completion request.
func NewRequest(apiKey, prompt string) Request {
	return Request{Type: MessageCallOpenAI, APIKey: apiKey, Prompt: prompt}
}

// Response is plain data. Every worker outcome, including failures, is one of these.
type Response struct {
	Success bool           `json:"success"`
	Content string         `json:"content,omitempty"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func failure(msg string) Response {
	return Response{Success: false, Error: msg}
}

// Err converts an unsuccessful response into an error from the memory taxonomy.
// Only a non-2xx reply from the provider counts as ErrUpstreamAPI; transport,
// decode and worker failures are ErrCompletionFailed.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == errEmptyContent {
		return memory.ErrEmptyContent
	}
	if status, ok := r.Details["status"]; ok {
		return fmt.Errorf("%w: status %v: %v", memory.ErrUpstreamAPI, status, r.Details["body"])
	}
	return fmt.Errorf("%w: %s", memory.ErrCompletionFailed, r.Error)
}
