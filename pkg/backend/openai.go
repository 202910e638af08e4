package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/atelierhq/atelier/pkg/config"
)

// openAIBackend implements the chat-completions family against the OpenAI
// API, an Azure deployment, or any OpenAI-compatible gateway reachable via
// base_url.
type openAIBackend struct {
	client *openai.Client
	model  string
}

func newOpenAIBackend(cfg config.BackendConfig) (*openAIBackend, error) {
	key := cfg.APIKey()
	if key == "" {
		return nil, fmt.Errorf("backend: environment variable %s is not set", cfg.APIKeyEnv)
	}
	var client *openai.Client
	switch {
	case cfg.Azure:
		client = openai.NewClientWithConfig(openai.DefaultAzureConfig(key, cfg.BaseURL))
	case cfg.BaseURL != "":
		c := openai.DefaultConfig(key)
		c.BaseURL = cfg.BaseURL
		client = openai.NewClientWithConfig(c)
	default:
		client = openai.NewClient(key)
	}
	return &openAIBackend{client: client, model: cfg.Model}, nil
}

// CreateAgent binds name, instructions and tools locally. The family is
// stateless: instructions travel as the system message of every call, so no
// network round trip happens here.
func (b *openAIBackend) CreateAgent(_ context.Context, name, instructions string, tools []Tool) (AgentHandle, error) {
	return &openAIAgent{backend: b, name: name, instructions: instructions, tools: tools}, nil
}

func (b *openAIBackend) Close() error { return nil }

type openAIAgent struct {
	backend      *openAIBackend
	name         string
	instructions string
	tools        []Tool
}

func (a *openAIAgent) Name() string { return a.name }

func (a *openAIAgent) request(prompt string, tools []Tool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: a.backend.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: a.instructions},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Tools: encodeOpenAITools(tools),
	}
}

// Run drives a bounded dispatch loop: while the model answers with tool
// calls, execute them and feed the results back; return the first text
// answer.
func (a *openAIAgent) Run(ctx context.Context, prompt string, tools ...Tool) (string, error) {
	all := mergeTools(a.tools, tools)
	req := a.request(prompt, all)
	for round := 0; round <= maxToolRounds; round++ {
		resp, err := a.backend.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return "", fmt.Errorf("openai chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", ErrEmptyResponse
		}
		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			if strings.TrimSpace(msg.Content) == "" {
				return "", ErrEmptyResponse
			}
			return msg.Content, nil
		}
		req.Messages = append(req.Messages, msg)
		for _, call := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				args = map[string]any{}
			}
			content, callErr := invokeTool(ctx, all, call.Function.Name, args)
			if callErr != nil {
				content = fmt.Sprintf("tool %s failed: %s", call.Function.Name, callErr)
			}
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				ToolCallID: call.ID,
			})
		}
	}
	return "", fmt.Errorf("tool dispatch exceeded %d rounds", maxToolRounds)
}

// RunStream surfaces text deltas only. Tool definitions are forwarded so
// the model can see them, but streamed tool calls are not dispatched; a
// stream that produces no text falls back to the blocking path upstream.
func (a *openAIAgent) RunStream(ctx context.Context, prompt string, tools ...Tool) (<-chan Chunk, error) {
	stream, err := a.backend.client.CreateChatCompletionStream(ctx, a.request(prompt, mergeTools(a.tools, tools)))
	if err != nil {
		return nil, fmt.Errorf("openai chat stream: %w", err)
	}
	out := make(chan Chunk, streamBuffer)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				send(ctx, out, &ErrChunk{Err: err})
				return
			}
			for _, choice := range resp.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !send(ctx, out, &TextChunk{Text: choice.Delta.Content}) {
					return
				}
			}
		}
	}()
	return out, nil
}

func encodeOpenAITools(tools []Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}
