// Package runs owns the lifecycle of design runs: it provisions a crew per
// request, executes it in the background, and keeps finished artifacts
// available for retrieval until retention prunes them.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atelierhq/atelier/pkg/artifact"
	"github.com/atelierhq/atelier/pkg/backend"
	"github.com/atelierhq/atelier/pkg/models"
	"github.com/atelierhq/atelier/pkg/team"
	"github.com/atelierhq/atelier/pkg/trace"
)

// ErrDraining rejects new runs once Shutdown has begun.
var ErrDraining = errors.New("run manager is shutting down")

// Result is the terminal state of a finished run. Artifact is never nil:
// runs that fail before producing anything still settle with a minimal
// artifact so callers always have something to return.
type Result struct {
	Artifact   *team.RunArtifact
	Err        error
	FinishedAt time.Time
}

// Manager tracks in-flight and finished runs. Each run gets its own crew
// and cancel function; the trace bus carries its events independently.
type Manager struct {
	backend backend.Backend
	bus     *trace.Bus
	tools   artifact.ToolResolver
	logger  *slog.Logger

	mu       sync.RWMutex
	active   map[string]context.CancelFunc
	finished map[string]*Result
	draining bool

	wg sync.WaitGroup
}

// NewManager wires a manager over the shared backend, trace bus and MCP
// tool resolver.
func NewManager(b backend.Backend, bus *trace.Bus, tools artifact.ToolResolver) *Manager {
	return &Manager{
		backend:  b,
		bus:      bus,
		tools:    tools,
		logger:   slog.Default().With("component", "runs"),
		active:   make(map[string]context.CancelFunc),
		finished: make(map[string]*Result),
	}
}

// Start validates the request, registers a fresh run on the bus and spawns
// the crew in the background. It returns the run ID as soon as the run is
// registered, so callers can attach to the event stream before the first
// step emits.
func (m *Manager) Start(req models.RunRequest) (string, error) {
	runID, _, err := m.start(req, false)
	return runID, err
}

// StartAttached is Start with a trace queue attached before the crew can
// emit, so stream bridges observe the run from its first event. The caller
// owns the queue and must detach it when done.
func (m *Manager) StartAttached(req models.RunRequest) (string, *trace.Queue, error) {
	return m.start(req, true)
}

func (m *Manager) start(req models.RunRequest, attach bool) (string, *trace.Queue, error) {
	if err := req.Validate(); err != nil {
		return "", nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		cancel()
		return "", nil, ErrDraining
	}
	runID := m.bus.NewRun()
	m.bus.EnsureRun(runID)
	var q *trace.Queue
	if attach {
		q = m.bus.Attach(runID)
	}
	m.active[runID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("Run accepted",
		"run_id", runID, "topology", string(req.EffectiveTopology()))

	go m.execute(ctx, cancel, runID, req)
	return runID, q, nil
}

// execute drives one run to completion. The result is stored before the bus
// finishes the run, so a watcher woken by the end-of-stream sentinel can
// fetch the artifact immediately.
func (m *Manager) execute(ctx context.Context, cancel context.CancelFunc, runID string, req models.RunRequest) {
	defer m.wg.Done()
	defer m.bus.Finish(runID)
	defer cancel()

	art, err := m.run(ctx, runID, req)
	if art == nil {
		art = &team.RunArtifact{RunID: runID, FinalText: "No output."}
	}

	m.mu.Lock()
	delete(m.active, runID)
	m.finished[runID] = &Result{Artifact: art, Err: err, FinishedAt: time.Now()}
	m.mu.Unlock()

	switch {
	case err == nil:
		m.logger.Info("Run completed", "run_id", runID)
	case errors.Is(err, context.Canceled):
		m.logger.Info("Run cancelled", "run_id", runID)
	default:
		m.logger.Error("Run failed", "run_id", runID, "error", err)
	}
}

// run provisions the per-run generator and crew, then dispatches on topology.
// Provisioning failures surface as an error event so attached watchers see
// why the stream ended without steps.
func (m *Manager) run(ctx context.Context, runID string, req models.RunRequest) (*team.RunArtifact, error) {
	gen, err := artifact.NewGenerator(ctx, m.backend, m.tools, req.Settings().MCP)
	if err != nil {
		return nil, m.provisioningFailed(runID, err)
	}
	crew, err := team.New(ctx, m.backend, m.bus, gen, req.Selection())
	if err != nil {
		return nil, m.provisioningFailed(runID, err)
	}

	if req.EffectiveTopology() == models.TopologyParallel {
		return crew.RunParallel(ctx, runID, req.Prompt)
	}
	return crew.RunSequential(ctx, runID, req.Prompt)
}

func (m *Manager) provisioningFailed(runID string, err error) error {
	wrapped := fmt.Errorf("provision run: %w", err)
	m.bus.Emit(trace.Event{
		RunID: runID,
		Agent: "system",
		Phase: trace.PhaseError,
		TS:    trace.Now(),
		Error: wrapped.Error(),
	})
	return wrapped
}

// Cancel aborts an in-flight run. It reports whether a run was active under
// that ID; cancelling a finished or unknown run is a no-op.
func (m *Manager) Cancel(runID string) bool {
	m.mu.RLock()
	cancel, ok := m.active[runID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	m.logger.Info("Cancelling run", "run_id", runID)
	cancel()
	return true
}

// Lookup returns the stored result of a finished run.
func (m *Manager) Lookup(runID string) (Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.finished[runID]
	if !ok {
		return Result{}, false
	}
	return *res, true
}

// Artifact returns the artifact of a finished run.
func (m *Manager) Artifact(runID string) (*team.RunArtifact, bool) {
	res, ok := m.Lookup(runID)
	if !ok {
		return nil, false
	}
	return res.Artifact, true
}

// IsRunning reports whether the run is still in flight.
func (m *Manager) IsRunning(runID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.active[runID]
	return ok
}

// ActiveCount returns the number of in-flight runs.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Shutdown stops accepting runs, cancels everything in flight and waits for
// the run goroutines to settle, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	cancels := make([]context.CancelFunc, 0, len(m.active))
	for _, cancel := range m.active {
		cancels = append(cancels, cancel)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Run manager drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining runs: %w", ctx.Err())
	}
}

// PruneFinished drops finished-run results older than ttl and reports how
// many were removed. Journals on disk are pruned separately by the bus.
func (m *Manager) PruneFinished(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, res := range m.finished {
		if res.FinishedAt.Before(cutoff) {
			delete(m.finished, id)
			pruned++
		}
	}
	return pruned
}
