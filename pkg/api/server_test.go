package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/pkg/backend"
	"github.com/atelierhq/atelier/pkg/config"
	"github.com/atelierhq/atelier/pkg/runs"
	"github.com/atelierhq/atelier/pkg/team"
	"github.com/atelierhq/atelier/pkg/trace"
)

// stubAgent answers every run with a fixed line. stall opens a stream that
// never yields, so the step ends only through the caller's context. gate
// holds the stream's single chunk back until the channel closes.
type stubAgent struct {
	name  string
	reply string
	stall bool
	gate  chan struct{}
}

func (a *stubAgent) Name() string { return a.name }

func (a *stubAgent) Run(ctx context.Context, prompt string, tools ...backend.Tool) (string, error) {
	return a.reply, nil
}

func (a *stubAgent) RunStream(ctx context.Context, prompt string, tools ...backend.Tool) (<-chan backend.Chunk, error) {
	if a.stall {
		return make(chan backend.Chunk), nil
	}
	if a.gate != nil {
		ch := make(chan backend.Chunk, 1)
		go func() {
			defer close(ch)
			select {
			case <-a.gate:
				ch <- &backend.TextChunk{Text: a.reply}
			case <-ctx.Done():
			}
		}()
		return ch, nil
	}
	ch := make(chan backend.Chunk, 1)
	ch <- &backend.TextChunk{Text: a.reply}
	close(ch)
	return ch, nil
}

// stubBackend hands out echo agents, with per-name overrides for the
// misbehaving ones.
type stubBackend struct {
	overrides map[string]*stubAgent
}

func (b *stubBackend) CreateAgent(ctx context.Context, name, instructions string, tools []backend.Tool) (backend.AgentHandle, error) {
	if ag, ok := b.overrides[name]; ok {
		return ag, nil
	}
	return &stubAgent{name: name, reply: name + " output"}, nil
}

func (b *stubBackend) Close() error { return nil }

type nilResolver struct{}

func (nilResolver) ToolDefinitions(ctx context.Context, kind config.MCPKind) []backend.Tool {
	return nil
}

// newTestServer builds a server over a stub backend, with journals in a
// temp dir. A nil cfg gets a minimal chat-completions config.
func newTestServer(t *testing.T, be backend.Backend, cfg *config.Config) (*Server, *runs.Manager, *trace.Bus) {
	t.Helper()
	bus, err := trace.NewBus(t.TempDir())
	require.NoError(t, err)
	mgr := runs.NewManager(be, bus, nilResolver{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		_ = bus.Close()
	})
	if cfg == nil {
		cfg = &config.Config{Backend: config.BackendConfig{Family: config.FamilyChatCompletions}}
	}
	return NewServer(cfg, mgr, bus), mgr, bus
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestHealthHandler(t *testing.T) {
	s, _, _ := newTestServer(t, &stubBackend{}, nil)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["active_runs"])
	assert.Equal(t, "chat-completions", body["backend_family"])
	assert.NotEmpty(t, body["version"])
}

func TestStartRunAndFetchArtifact(t *testing.T) {
	s, _, _ := newTestServer(t, &stubBackend{}, nil)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/runs",
		map[string]any{"prompt": "Design a landing zone.", "topology": "sequential"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	runID, _ := decodeBody(t, rec)["run_id"].(string)
	require.True(t, strings.HasPrefix(runID, "lz-"), "run id %q", runID)

	require.Eventually(t, func() bool {
		return doJSON(t, s.Handler(), http.MethodGet, "/api/runs/"+runID+"/artifact", nil).Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/runs/"+runID+"/artifact", nil)
	body := decodeBody(t, rec)
	assert.Equal(t, runID, body["run_id"])
	assert.Equal(t, team.RoleFinalEditor+" output", body["final_text"])

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/runs/lz-nope/artifact", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartRunValidation(t *testing.T) {
	s, _, _ := newTestServer(t, &stubBackend{}, nil)

	t.Run("empty prompt", func(t *testing.T) {
		rec := doJSON(t, s.Handler(), http.MethodPost, "/api/runs", map[string]any{"prompt": ""})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "prompt is required")
	})

	t.Run("unknown topology", func(t *testing.T) {
		rec := doJSON(t, s.Handler(), http.MethodPost, "/api/runs",
			map[string]any{"prompt": "x", "topology": "ring"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "unknown topology")
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader("{"))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestArtifactConflictWhileRunning(t *testing.T) {
	be := &stubBackend{overrides: map[string]*stubAgent{
		team.RoleArchitect: {name: team.RoleArchitect, stall: true},
	}}
	s, _, _ := newTestServer(t, be, nil)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/runs",
		map[string]any{"prompt": "Design a landing zone."})
	require.Equal(t, http.StatusAccepted, rec.Code)
	runID := decodeBody(t, rec)["run_id"].(string)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/runs/"+runID+"/artifact", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/runs/"+runID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelling", decodeBody(t, rec)["status"])

	require.Eventually(t, func() bool {
		return doJSON(t, s.Handler(), http.MethodGet, "/api/runs/"+runID+"/artifact", nil).Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	// The run settled, so a second cancel finds nothing.
	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/runs/"+runID+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelUnknownRun(t *testing.T) {
	s, _, _ := newTestServer(t, &stubBackend{}, nil)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/runs/lz-nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartRunWhileDraining(t *testing.T) {
	s, mgr, _ := newTestServer(t, &stubBackend{}, nil)
	require.NoError(t, mgr.Shutdown(context.Background()))

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/runs",
		map[string]any{"prompt": "Design a landing zone."})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
