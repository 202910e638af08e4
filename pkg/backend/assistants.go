package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/atelierhq/atelier/pkg/config"
)

const (
	// assistantPollInterval paces run-status polling.
	assistantPollInterval = 800 * time.Millisecond
	// assistantCleanupTimeout bounds best-effort deletion at shutdown.
	assistantCleanupTimeout = 10 * time.Second
)

// assistantBackend implements the managed-agent family on the OpenAI
// Assistants API. CreateAgent provisions a server-side assistant; each run
// posts the prompt to a fresh thread and polls the run to a terminal state.
type assistantBackend struct {
	client *openai.Client
	model  string

	mu          sync.Mutex
	provisioned []string
}

func newAssistantBackend(cfg config.BackendConfig) (*assistantBackend, error) {
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
	return &assistantBackend{client: client, model: cfg.Model}, nil
}

func (b *assistantBackend) CreateAgent(ctx context.Context, name, instructions string, _ []Tool) (AgentHandle, error) {
	assistant, err := b.client.CreateAssistant(ctx, openai.AssistantRequest{
		Model:        b.model,
		Name:         &name,
		Instructions: &instructions,
	})
	if err != nil {
		return nil, fmt.Errorf("provision assistant %q: %w", name, err)
	}
	b.mu.Lock()
	b.provisioned = append(b.provisioned, assistant.ID)
	b.mu.Unlock()
	return &assistantAgent{backend: b, name: name, assistantID: assistant.ID}, nil
}

// Close deletes the assistants this process provisioned so they do not
// accumulate server-side. Best effort.
func (b *assistantBackend) Close() error {
	b.mu.Lock()
	ids := b.provisioned
	b.provisioned = nil
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), assistantCleanupTimeout)
	defer cancel()
	var firstErr error
	for _, id := range ids {
		if _, err := b.client.DeleteAssistant(ctx, id); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("delete assistant %s: %w", id, err)
		}
	}
	return firstErr
}

type assistantAgent struct {
	backend     *assistantBackend
	name        string
	assistantID string
}

func (a *assistantAgent) Name() string { return a.name }

// Run posts the prompt to a fresh thread and polls the run to completion.
// Per-call tools are accepted and ignored; this family would need them
// registered server-side at provisioning time.
func (a *assistantAgent) Run(ctx context.Context, prompt string, _ ...Tool) (string, error) {
	client := a.backend.client
	thread, err := client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	if _, err := client.CreateMessage(ctx, thread.ID, openai.MessageRequest{
		Role:    "user",
		Content: prompt,
	}); err != nil {
		return "", fmt.Errorf("post prompt: %w", err)
	}
	run, err := client.CreateRun(ctx, thread.ID, openai.RunRequest{AssistantID: a.assistantID})
	if err != nil {
		return "", fmt.Errorf("start assistant run: %w", err)
	}
	if run, err = a.waitForRun(ctx, thread.ID, run); err != nil {
		return "", err
	}
	return a.replyText(ctx, thread.ID, run.ID)
}

// RunStream adapts the polling protocol to the stream surface. The provider
// keeps conversation state, so text arrives coarse: one ResponseChunk
// carrying the whole reply.
func (a *assistantAgent) RunStream(ctx context.Context, prompt string, _ ...Tool) (<-chan Chunk, error) {
	out := make(chan Chunk, 1)
	go func() {
		defer close(out)
		text, err := a.Run(ctx, prompt)
		if err != nil {
			send(ctx, out, &ErrChunk{Err: err})
			return
		}
		send(ctx, out, &ResponseChunk{Result: text})
	}()
	return out, nil
}

func (a *assistantAgent) waitForRun(ctx context.Context, threadID string, run openai.Run) (openai.Run, error) {
	for {
		switch run.Status {
		case openai.RunStatusCompleted:
			return run, nil
		case openai.RunStatusFailed, openai.RunStatusCancelled, openai.RunStatusExpired, openai.RunStatusIncomplete:
			msg := string(run.Status)
			if run.LastError != nil {
				msg = fmt.Sprintf("%s: %s", run.Status, run.LastError.Message)
			}
			return run, fmt.Errorf("assistant run %s", msg)
		case openai.RunStatusRequiresAction:
			// No tool dispatch on this surface.
			return run, fmt.Errorf("assistant run requires unsupported action")
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-time.After(assistantPollInterval):
		}
		var err error
		if run, err = a.backend.client.RetrieveRun(ctx, threadID, run.ID); err != nil {
			return run, fmt.Errorf("poll assistant run: %w", err)
		}
	}
}

func (a *assistantAgent) replyText(ctx context.Context, threadID, runID string) (string, error) {
	limit := 10
	order := "desc"
	list, err := a.backend.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, &runID)
	if err != nil {
		return "", fmt.Errorf("list thread messages: %w", err)
	}
	for _, msg := range list.Messages {
		if msg.Role != "assistant" {
			continue
		}
		var parts []string
		for _, content := range msg.Content {
			if content.Text != nil && content.Text.Value != "" {
				parts = append(parts, content.Text.Value)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n"), nil
		}
	}
	return "", ErrEmptyResponse
}
