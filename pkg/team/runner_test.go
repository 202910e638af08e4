package team

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/pkg/artifact"
	"github.com/atelierhq/atelier/pkg/backend"
	"github.com/atelierhq/atelier/pkg/config"
	"github.com/atelierhq/atelier/pkg/models"
	"github.com/atelierhq/atelier/pkg/trace"
)

// scriptedAgent streams a fixed chunk sequence and answers blocking runs
// from replyFn (or runText when replyFn is nil).
type scriptedAgent struct {
	name      string
	chunks    []backend.Chunk
	streamErr error
	runText   string
	runErr    error
	replyFn   func(prompt string) (string, error)
	gap       time.Duration // pause before each chunk
	hang      bool          // stream never yields nor closes

	mu       sync.Mutex
	inputs   []string // prompts seen by RunStream
	runCalls []string // prompts seen by Run
}

func (a *scriptedAgent) Name() string { return a.name }

func (a *scriptedAgent) Run(ctx context.Context, prompt string, tools ...backend.Tool) (string, error) {
	a.mu.Lock()
	a.runCalls = append(a.runCalls, prompt)
	a.mu.Unlock()
	if a.replyFn != nil {
		return a.replyFn(prompt)
	}
	return a.runText, a.runErr
}

func (a *scriptedAgent) RunStream(ctx context.Context, prompt string, tools ...backend.Tool) (<-chan backend.Chunk, error) {
	a.mu.Lock()
	a.inputs = append(a.inputs, prompt)
	a.mu.Unlock()
	if a.streamErr != nil {
		return nil, a.streamErr
	}
	if a.hang {
		return make(chan backend.Chunk), nil
	}
	ch := make(chan backend.Chunk, len(a.chunks))
	if a.gap == 0 {
		for _, c := range a.chunks {
			ch <- c
		}
		close(ch)
		return ch, nil
	}
	go func() {
		defer close(ch)
		for _, c := range a.chunks {
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.gap):
			}
			ch <- c
		}
	}()
	return ch, nil
}

func (a *scriptedAgent) streamInputs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.inputs...)
}

func (a *scriptedAgent) blockingCalls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.runCalls...)
}

// echoAgent streams a single "<name> output" delta, the default shape
// for pipeline wiring tests.
func echoAgent(name string) *scriptedAgent {
	return &scriptedAgent{name: name, chunks: []backend.Chunk{&backend.TextChunk{Text: name + " output"}}}
}

// scriptedBackend hands out pre-registered agents by name and fills the
// gaps with echo agents.
type scriptedBackend struct {
	mu      sync.Mutex
	agents  map[string]*scriptedAgent
	created []string
}

func newScriptedBackend(agents ...*scriptedAgent) *scriptedBackend {
	m := make(map[string]*scriptedAgent, len(agents))
	for _, a := range agents {
		m[a.name] = a
	}
	return &scriptedBackend{agents: m}
}

func (b *scriptedBackend) CreateAgent(ctx context.Context, name, instructions string, tools []backend.Tool) (backend.AgentHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, name)
	if ag, ok := b.agents[name]; ok {
		return ag, nil
	}
	ag := echoAgent(name)
	b.agents[name] = ag
	return ag, nil
}

func (b *scriptedBackend) Close() error { return nil }

func (b *scriptedBackend) agent(name string) *scriptedAgent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.agents[name]
}

type nilResolver struct{}

func (nilResolver) ToolDefinitions(ctx context.Context, kind config.MCPKind) []backend.Tool {
	return nil
}

// newTestTeam assembles a team over scripted agents with a queue already
// attached to capture the run's events.
func newTestTeam(t *testing.T, sel models.AgentSelection, be *scriptedBackend) (*Team, *trace.Bus) {
	t.Helper()
	bus, err := trace.NewBus("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	gen, err := artifact.NewGenerator(context.Background(), be, nilResolver{}, models.MCPSettings{})
	require.NoError(t, err)

	tm, err := New(context.Background(), be, bus, gen, sel)
	require.NoError(t, err)
	return tm, bus
}

func attachRun(t *testing.T, bus *trace.Bus) (string, *trace.Queue) {
	t.Helper()
	runID := bus.NewRun()
	bus.EnsureRun(runID)
	q := bus.Attach(runID)
	t.Cleanup(func() { bus.Detach(runID, q) })
	return runID, q
}

func drainEvents(t *testing.T, q *trace.Queue) []trace.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var events []trace.Event
	for q.Len() > 0 {
		payload, err := q.Next(ctx)
		require.NoError(t, err)
		if payload == nil {
			break
		}
		var ev trace.Event
		require.NoError(t, json.Unmarshal(payload, &ev))
		events = append(events, ev)
	}
	return events
}

func phasesOf(events []trace.Event) []trace.Phase {
	phases := make([]trace.Phase, len(events))
	for i, ev := range events {
		phases[i] = ev.Phase
	}
	return phases
}

func TestRunStepEmitsLifecycle(t *testing.T) {
	ag := &scriptedAgent{name: "Probe", chunks: []backend.Chunk{
		&backend.TextChunk{Text: "Hello "},
		&backend.TextChunk{Text: "brave new world"},
	}}
	tm, bus := newTestTeam(t, models.AgentSelection{}, newScriptedBackend(ag))
	runID, q := attachRun(t, bus)

	out, err := tm.runStep(context.Background(), runID, 2, 5, ag, "prompt", map[string]any{"waf_pillar": "Security"})
	require.NoError(t, err)
	assert.Equal(t, "Hello brave new world", out)

	events := drainEvents(t, q)
	require.Equal(t, []trace.Phase{trace.PhaseStart, trace.PhaseDelta, trace.PhaseDelta, trace.PhaseEnd}, phasesOf(events))

	for _, ev := range events {
		assert.Equal(t, runID, ev.RunID)
		assert.Equal(t, 2, ev.StepID)
		assert.Equal(t, "Probe", ev.Agent)
		assert.Equal(t, 2, ev.Progress.Current)
		assert.Equal(t, 5, ev.Progress.Total)
		assert.Equal(t, "Security", ev.Meta["waf_pillar"])
		assert.Zero(t, ev.Telemetry.TokensIn)
	}

	assert.Equal(t, "Hello ", events[1].MessageDelta)
	assert.Equal(t, 1, events[1].Telemetry.TokensOut)
	assert.Equal(t, "brave new world", events[2].MessageDelta)
	assert.Equal(t, 4, events[2].Telemetry.TokensOut)
	assert.Equal(t, "Probe completed", events[3].Summary)
	assert.Equal(t, 4, events[3].Telemetry.TokensOut)
}

func TestRunStepShortensLongDeltas(t *testing.T) {
	long := strings.Repeat("x", 3000)
	ag := &scriptedAgent{name: "Probe", chunks: []backend.Chunk{&backend.TextChunk{Text: long}}}
	tm, bus := newTestTeam(t, models.AgentSelection{}, newScriptedBackend(ag))
	runID, q := attachRun(t, bus)

	out, err := tm.runStep(context.Background(), runID, 1, 1, ag, "p", nil)
	require.NoError(t, err)
	// The pipeline text stays whole; only the event copy shrinks.
	assert.Equal(t, long, out)

	events := drainEvents(t, q)
	require.Len(t, events, 3)
	delta := events[1].MessageDelta
	assert.Equal(t, 1200+len("...[TRUNCATED]"), len(delta))
	assert.True(t, strings.HasSuffix(delta, "...[TRUNCATED]"))
}

func TestRunStepHeartbeatDuringSilence(t *testing.T) {
	ag := &scriptedAgent{
		name:   "Thinker",
		chunks: []backend.Chunk{&backend.TextChunk{Text: "done"}},
		gap:    120 * time.Millisecond,
	}
	tm, bus := newTestTeam(t, models.AgentSelection{}, newScriptedBackend(ag))
	tm.heartbeat = 30 * time.Millisecond
	runID, q := attachRun(t, bus)

	out, err := tm.runStep(context.Background(), runID, 1, 1, ag, "p", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	events := drainEvents(t, q)
	var thinking []trace.Event
	for _, ev := range events {
		if ev.Phase == trace.PhaseThinking {
			thinking = append(thinking, ev)
		}
	}
	require.NotEmpty(t, thinking)
	assert.Equal(t, "[Thinker is analyzing and reasoning...]", thinking[0].MessageDelta)
	assert.Zero(t, thinking[0].Telemetry.TokensOut)
	assert.Greater(t, thinking[0].Telemetry.LatencyMS, int64(0))
}

func TestRunStepStreamErrorEmitsErrorEvent(t *testing.T) {
	ag := &scriptedAgent{name: "Flaky", chunks: []backend.Chunk{
		&backend.TextChunk{Text: "partial"},
		&backend.ErrChunk{Err: errors.New("upstream reset")},
	}}
	tm, bus := newTestTeam(t, models.AgentSelection{}, newScriptedBackend(ag))
	runID, q := attachRun(t, bus)

	_, err := tm.runStep(context.Background(), runID, 1, 1, ag, "p", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream reset")

	events := drainEvents(t, q)
	require.Equal(t, []trace.Phase{trace.PhaseStart, trace.PhaseDelta, trace.PhaseError}, phasesOf(events))
	assert.Equal(t, "upstream reset", events[2].Error)
}

func TestRunStepStreamOpenFailure(t *testing.T) {
	ag := &scriptedAgent{name: "Dead", streamErr: errors.New("connect refused")}
	tm, bus := newTestTeam(t, models.AgentSelection{}, newScriptedBackend(ag))
	runID, q := attachRun(t, bus)

	_, err := tm.runStep(context.Background(), runID, 1, 1, ag, "p", nil)
	require.Error(t, err)

	events := drainEvents(t, q)
	require.Equal(t, []trace.Phase{trace.PhaseStart, trace.PhaseError}, phasesOf(events))
	assert.Equal(t, "connect refused", events[1].Error)
}

func TestRunStepBlockingFallback(t *testing.T) {
	ag := &scriptedAgent{name: "Mute", runText: "recovered via blocking call"}
	tm, bus := newTestTeam(t, models.AgentSelection{}, newScriptedBackend(ag))
	runID, q := attachRun(t, bus)

	out, err := tm.runStep(context.Background(), runID, 1, 1, ag, "p", nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered via blocking call", out)
	assert.Equal(t, []string{"p"}, ag.blockingCalls())

	events := drainEvents(t, q)
	require.Equal(t, []trace.Phase{trace.PhaseStart, trace.PhaseDelta, trace.PhaseEnd}, phasesOf(events))
	assert.Equal(t, "recovered via blocking call", events[1].MessageDelta)
	assert.Equal(t, 4, events[1].Telemetry.TokensOut)
}

func TestRunStepResponsePayloadFallback(t *testing.T) {
	ag := &scriptedAgent{name: "Batch", chunks: []backend.Chunk{
		&backend.ResponseChunk{Result: "full response text"},
	}}
	tm, bus := newTestTeam(t, models.AgentSelection{}, newScriptedBackend(ag))
	runID, q := attachRun(t, bus)

	out, err := tm.runStep(context.Background(), runID, 1, 1, ag, "p", nil)
	require.NoError(t, err)
	assert.Equal(t, "full response text", out)
	assert.Empty(t, ag.blockingCalls())

	events := drainEvents(t, q)
	require.Equal(t, []trace.Phase{trace.PhaseStart, trace.PhaseDelta, trace.PhaseEnd}, phasesOf(events))
	assert.Equal(t, "full response text", events[1].MessageDelta)
}

func TestRunStepSwallowsFallbackFailure(t *testing.T) {
	ag := &scriptedAgent{name: "Hollow", runErr: errors.New("also down")}
	tm, bus := newTestTeam(t, models.AgentSelection{}, newScriptedBackend(ag))
	runID, q := attachRun(t, bus)

	out, err := tm.runStep(context.Background(), runID, 1, 1, ag, "p", nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	events := drainEvents(t, q)
	require.Equal(t, []trace.Phase{trace.PhaseStart, trace.PhaseEnd}, phasesOf(events))
}

func TestRunStepCancelled(t *testing.T) {
	ag := &scriptedAgent{name: "Slow", hang: true}
	tm, bus := newTestTeam(t, models.AgentSelection{}, newScriptedBackend(ag))
	runID, q := attachRun(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := tm.runStep(ctx, runID, 1, 1, ag, "p", nil)
	require.ErrorIs(t, err, context.Canceled)

	events := drainEvents(t, q)
	last := events[len(events)-1]
	assert.Equal(t, trace.PhaseError, last.Phase)
	assert.Equal(t, "cancelled", last.Error)
}

func TestRunStepRedactsReturnedText(t *testing.T) {
	leaked := "Design notes.\n\n" + artifact.StructuredDiagramGuidance + "\n\nMore notes."
	ag := &scriptedAgent{name: "Leaky", chunks: []backend.Chunk{&backend.TextChunk{Text: leaked}}}
	tm, bus := newTestTeam(t, models.AgentSelection{}, newScriptedBackend(ag))
	runID, _ := attachRun(t, bus)

	out, err := tm.runStep(context.Background(), runID, 1, 1, ag, "p", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "[REDACTED STRUCTURED_DIAGRAM_GUIDANCE]")
	assert.NotContains(t, out, artifact.StructuredDiagramGuidance)
	assert.Contains(t, out, "More notes.")
}
