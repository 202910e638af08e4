package team

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atelierhq/atelier/pkg/backend"
	"github.com/atelierhq/atelier/pkg/trace"
)

// heartbeatInterval is how often a silent step emits a thinking event so
// clients can tell a long reasoning pause from a stall. Any real delta
// resets the clock.
const heartbeatInterval = 5 * time.Second

// runStep drives one pipeline step end to end: stream the agent against
// input, publish start/delta/thinking events while it works, close with
// exactly one end or error event, and return the step's redacted output.
// meta rides on every event of the step.
//
// Trace deltas are shortened, never redacted; redaction applies only to
// the returned result, which is what the next step consumes.
func (t *Team) runStep(ctx context.Context, runID string, stepIdx, total int, agent backend.AgentHandle, input string, meta map[string]any) (string, error) {
	start := time.Now()
	name := agent.Name()
	if meta == nil {
		meta = map[string]any{}
	}

	emit := func(phase trace.Phase, tokensOut int, delta, summary, errMsg string) {
		t.bus.Emit(trace.Event{
			RunID:        runID,
			StepID:       stepIdx,
			Agent:        name,
			Phase:        phase,
			TS:           trace.Now(),
			Meta:         meta,
			Progress:     trace.Progress{Current: stepIdx, Total: total},
			Telemetry:    trace.Telemetry{TokensOut: tokensOut, LatencyMS: time.Since(start).Milliseconds()},
			MessageDelta: delta,
			Summary:      summary,
			Error:        errMsg,
		})
	}

	t.logger.Info("Starting step", "run_id", runID, "agent", name, "step", stepIdx, "total", total)
	emit(trace.PhaseStart, 0, "", "", "")

	stream, err := agent.RunStream(ctx, input)
	if err != nil {
		emit(trace.PhaseError, 0, "", "", err.Error())
		return "", fmt.Errorf("%s step %d/%d: %w", name, stepIdx, total, err)
	}

	var (
		parts     []string
		extractor backend.Extractor
		tokensOut int
	)

	heartbeat := time.NewTimer(t.heartbeat)
	defer heartbeat.Stop()

	for stream != nil {
		select {
		case <-ctx.Done():
			emit(trace.PhaseError, tokensOut, "", "", "cancelled")
			return "", fmt.Errorf("%s step %d/%d: %w", name, stepIdx, total, ctx.Err())

		case <-heartbeat.C:
			emit(trace.PhaseThinking, 0, fmt.Sprintf("[%s is analyzing and reasoning...]", name), "", "")
			heartbeat.Reset(t.heartbeat)

		case chunk, ok := <-stream:
			if !ok {
				stream = nil
				continue
			}
			if ec, isErr := chunk.(*backend.ErrChunk); isErr {
				emit(trace.PhaseError, tokensOut, "", "", ec.Err.Error())
				return "", fmt.Errorf("%s step %d/%d: %w", name, stepIdx, total, ec.Err)
			}
			deltas := extractor.Deltas(chunk)
			if len(deltas) == 0 {
				continue
			}
			heartbeat.Reset(t.heartbeat)
			for _, text := range deltas {
				parts = append(parts, text)
				tokensOut += len(strings.Fields(text))
				emit(trace.PhaseDelta, tokensOut, shortenForTrace(text), "", "")
			}
		}
	}

	// Deltas win; a streamed full-response payload is the fallback; a
	// blocking retry is the last resort for streams that yielded nothing.
	final := strings.Join(parts, "")
	if final == "" {
		final = extractor.LastResponse()
	}
	if final == "" {
		text, runErr := agent.Run(ctx, input)
		if runErr != nil {
			t.logger.Debug("Blocking fallback failed", "run_id", runID, "agent", name, "error", runErr)
		} else {
			final = text
		}
	}

	// A result recovered without live deltas still gets one delta event,
	// so replaying clients see the text and the token count stays honest.
	if len(parts) == 0 && strings.TrimSpace(final) != "" {
		tokensOut += len(strings.Fields(final))
		emit(trace.PhaseDelta, tokensOut, shortenForTrace(final), "", "")
	}

	emit(trace.PhaseEnd, tokensOut, "", name+" completed", "")
	t.logger.Info("Completed step", "run_id", runID, "agent", name, "step", stepIdx, "total", total)
	return RedactGuidance(final), nil
}
