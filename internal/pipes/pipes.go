// Package pipes abstracts the model backends that serve reasoning and
// self-improvement calls. A Runner executes one named pipe with a message
// list; Langbase is the production backend, Ollama serves local
// development, and Noop refuses every call so an unconfigured deployment
// degrades instead of fabricating model output.
package pipes

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotConfigured is returned by the Noop runner. Callers treat it as
// "model unavailable" and skip model-dependent work.
var ErrNotConfigured = errors.New("pipes: no model provider configured")

// defaultTimeout bounds a single pipe call when the constructor gets a
// non-positive timeout. Separate from any caller deadline so one slow call
// cannot eat an entire loop tick.
const defaultTimeout = 15 * time.Second

// Message is one chat turn sent to a pipe.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserMessage builds a single-turn message list, the common case.
func UserMessage(content string) []Message {
	return []Message{{Role: "user", Content: content}}
}

// Response is the pipe's completion plus call metadata.
type Response struct {
	Text      string
	Pipe      string
	LatencyMS int64
}

// Runner executes one named pipe call.
type Runner interface {
	Run(ctx context.Context, pipe string, messages []Message) (Response, error)
}

// Noop is the runner used when no provider is configured.
type Noop struct{}

func (Noop) Run(_ context.Context, pipe string, _ []Message) (Response, error) {
	return Response{}, fmt.Errorf("pipes: run %s: %w", pipe, ErrNotConfigured)
}
