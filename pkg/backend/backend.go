// Package backend adapts three chat backend families to one capability
// surface: create an instruction-bound agent, run it to completion, or run
// it as a lazy chunk stream. The families are a remote managed-agent API
// (provider keeps conversation state), a remote stateless chat-completions
// API, and a local inference server. Exactly one family is active per
// process, selected by configuration.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Tool describes an optional capability offered to the model for a single
// call. Families that cannot attach tools accept the list and ignore it;
// they never reject it.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any

	// Call executes a model-requested invocation. Adapters that dispatch
	// tool calls require it; a nil Call surfaces as a tool error result.
	Call func(ctx context.Context, args map[string]any) (string, error)
}

// AgentHandle binds a role name and its instruction prompt to a backend.
// Handles are local objects for stateless families and provisioned
// server-side for the managed-agent family.
type AgentHandle interface {
	// Name returns the role name the handle was created with.
	Name() string

	// Run executes the prompt to completion and returns the final text.
	// Tools bound at create time and tools passed here are both offered.
	Run(ctx context.Context, prompt string, tools ...Tool) (string, error)

	// RunStream executes the prompt and returns a lazy chunk sequence. The
	// channel closes when the stream ends; transport failures arrive as a
	// terminal ErrChunk, never as a panic across the stream boundary.
	RunStream(ctx context.Context, prompt string, tools ...Tool) (<-chan Chunk, error)
}

// Backend creates agent handles for one backend family.
type Backend interface {
	CreateAgent(ctx context.Context, name, instructions string, tools []Tool) (AgentHandle, error)
	Close() error
}

var (
	// ErrNoBackend reports a family the factory does not recognize.
	ErrNoBackend = errors.New("no backend for family")

	// ErrEmptyResponse reports a blocking call that produced no usable text.
	ErrEmptyResponse = errors.New("backend returned an empty response")
)

// streamBuffer sizes stream channels so producers rarely block on a
// healthy consumer.
const streamBuffer = 32

// maxToolRounds bounds the dispatch loop when a model keeps requesting
// tool calls instead of answering.
const maxToolRounds = 6

// send delivers a chunk unless the consumer's context is gone.
func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// invokeTool dispatches one model-requested call to the matching tool.
func invokeTool(ctx context.Context, tools []Tool, name string, args map[string]any) (string, error) {
	for _, t := range tools {
		if t.Name != name {
			continue
		}
		if t.Call == nil {
			return "", fmt.Errorf("tool %q has no invoker", name)
		}
		return t.Call(ctx, args)
	}
	return "", fmt.Errorf("unknown tool %q", name)
}

// mergeTools combines create-time and per-call tools, per-call last.
func mergeTools(bound, extra []Tool) []Tool {
	if len(extra) == 0 {
		return bound
	}
	if len(bound) == 0 {
		return extra
	}
	merged := make([]Tool, 0, len(bound)+len(extra))
	merged = append(merged, bound...)
	merged = append(merged, extra...)
	return merged
}
