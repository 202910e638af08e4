package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/atelierhq/atelier/pkg/config"
)

// anthropicMaxTokens caps completions; the Messages API requires an explicit
// value.
const anthropicMaxTokens = 8192

// anthropicBackend implements the chat-completions family against the
// Anthropic Messages API.
type anthropicBackend struct {
	messages *sdk.MessageService
	model    string
}

func newAnthropicBackend(cfg config.BackendConfig) (*anthropicBackend, error) {
	key := cfg.APIKey()
	if key == "" {
		return nil, fmt.Errorf("backend: environment variable %s is not set", cfg.APIKeyEnv)
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := sdk.NewClient(opts...)
	return &anthropicBackend{messages: &client.Messages, model: cfg.Model}, nil
}

func (b *anthropicBackend) CreateAgent(_ context.Context, name, instructions string, tools []Tool) (AgentHandle, error) {
	return &anthropicAgent{backend: b, name: name, instructions: instructions, tools: tools}, nil
}

func (b *anthropicBackend) Close() error { return nil }

type anthropicAgent struct {
	backend      *anthropicBackend
	name         string
	instructions string
	tools        []Tool
}

func (a *anthropicAgent) Name() string { return a.name }

func (a *anthropicAgent) params(prompt string, tools []Tool) sdk.MessageNewParams {
	return sdk.MessageNewParams{
		Model:     sdk.Model(a.backend.model),
		MaxTokens: anthropicMaxTokens,
		System:    []sdk.TextBlockParam{{Text: a.instructions}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
		Tools:     encodeAnthropicTools(tools),
	}
}

// Run drives a bounded dispatch loop over tool_use stops, then returns the
// first text answer.
func (a *anthropicAgent) Run(ctx context.Context, prompt string, tools ...Tool) (string, error) {
	all := mergeTools(a.tools, tools)
	params := a.params(prompt, all)
	for round := 0; round <= maxToolRounds; round++ {
		msg, err := a.backend.messages.New(ctx, params)
		if err != nil {
			return "", fmt.Errorf("anthropic message: %w", err)
		}
		if msg.StopReason != sdk.StopReasonToolUse {
			text := anthropicText(msg)
			if strings.TrimSpace(text) == "" {
				return "", ErrEmptyResponse
			}
			return text, nil
		}
		params.Messages = append(params.Messages, msg.ToParam())
		var results []sdk.ContentBlockParamUnion
		for _, block := range msg.Content {
			if block.Type != "tool_use" {
				continue
			}
			var args map[string]any
			if err := json.Unmarshal(block.Input, &args); err != nil {
				args = map[string]any{}
			}
			content, callErr := invokeTool(ctx, all, block.Name, args)
			if callErr != nil {
				content = callErr.Error()
			}
			results = append(results, sdk.NewToolResultBlock(block.ID, content, callErr != nil))
		}
		params.Messages = append(params.Messages, sdk.NewUserMessage(results...))
	}
	return "", fmt.Errorf("tool dispatch exceeded %d rounds", maxToolRounds)
}

func (a *anthropicAgent) RunStream(ctx context.Context, prompt string, tools ...Tool) (<-chan Chunk, error) {
	stream := a.backend.messages.NewStreaming(ctx, a.params(prompt, mergeTools(a.tools, tools)))
	out := make(chan Chunk, streamBuffer)
	go func() {
		defer close(out)
		defer stream.Close()
		for stream.Next() {
			event, ok := stream.Current().AsAny().(sdk.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			// Thinking deltas stay private; only text reaches subscribers.
			if d, ok := event.Delta.AsAny().(sdk.TextDelta); ok && d.Text != "" {
				if !send(ctx, out, &TextChunk{Text: d.Text}) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, out, &ErrChunk{Err: err})
		}
	}()
	return out, nil
}

func anthropicText(msg *sdk.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

func encodeAnthropicTools(tools []Tool) []sdk.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: t.InputSchema}, t.Name)
		if u.OfTool != nil && t.Description != "" {
			u.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, u)
	}
	return out
}
