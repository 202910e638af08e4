package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/atelierhq/atelier/pkg/config"
)

// maxGenerateLine bounds a single NDJSON line from the inference server.
const maxGenerateLine = 1 << 20

// ollamaBackend implements the local-inference family against an Ollama
// server's /api/generate endpoint. Tools are ignored; instructions are
// prepended to the prompt because generate has no system channel.
type ollamaBackend struct {
	url   string
	model string
	// run is bounded for blocking calls; stream has no client timeout
	// because generations can run long (context still cancels).
	run    *http.Client
	stream *http.Client
}

func newOllamaBackend(cfg config.BackendConfig, requestTimeout time.Duration) *ollamaBackend {
	return &ollamaBackend{
		url:    strings.TrimRight(cfg.OllamaURL, "/"),
		model:  cfg.Model,
		run:    &http.Client{Timeout: requestTimeout},
		stream: &http.Client{},
	}
}

func (b *ollamaBackend) CreateAgent(_ context.Context, name, instructions string, _ []Tool) (AgentHandle, error) {
	return &ollamaAgent{backend: b, name: name, instructions: instructions}, nil
}

func (b *ollamaBackend) Close() error {
	b.stream.CloseIdleConnections()
	b.run.CloseIdleConnections()
	return nil
}

type ollamaAgent struct {
	backend      *ollamaBackend
	name         string
	instructions string
}

func (a *ollamaAgent) Name() string { return a.name }

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateLine struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func (a *ollamaAgent) post(ctx context.Context, client *http.Client, stream bool, prompt string) (*http.Response, error) {
	body, err := json.Marshal(generateRequest{
		Model:  a.backend.model,
		Prompt: fmt.Sprintf("%s\n\nUser: %s", a.instructions, prompt),
		Stream: stream,
	})
	if err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.backend.url+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama generate: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("ollama generate: unexpected status %s", resp.Status)
	}
	return resp, nil
}

// Run ignores tools: generate has no tool channel.
func (a *ollamaAgent) Run(ctx context.Context, prompt string, _ ...Tool) (string, error) {
	resp, err := a.post(ctx, a.backend.run, false, prompt)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var line generateLine
	if err := json.NewDecoder(resp.Body).Decode(&line); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if line.Error != "" {
		return "", fmt.Errorf("ollama generate: %s", line.Error)
	}
	if strings.TrimSpace(line.Response) == "" {
		return "", ErrEmptyResponse
	}
	return line.Response, nil
}

func (a *ollamaAgent) RunStream(ctx context.Context, prompt string, _ ...Tool) (<-chan Chunk, error) {
	resp, err := a.post(ctx, a.backend.stream, true, prompt)
	if err != nil {
		return nil, err
	}
	out := make(chan Chunk, streamBuffer)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxGenerateLine)
		for scanner.Scan() {
			raw := bytes.TrimSpace(scanner.Bytes())
			if len(raw) == 0 {
				continue
			}
			var line generateLine
			if err := json.Unmarshal(raw, &line); err != nil {
				continue
			}
			if line.Error != "" {
				send(ctx, out, &ErrChunk{Err: errors.New(line.Error)})
				return
			}
			if line.Response != "" && !send(ctx, out, &TextChunk{Text: line.Response}) {
				return
			}
			if line.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			send(ctx, out, &ErrChunk{Err: err})
		}
	}()
	return out, nil
}
