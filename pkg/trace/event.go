// Package trace implements the per-run trace bus: fan-out of agent progress
// events to live subscribers with a durable JSONL journal per run.
package trace

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Phase is the lifecycle position of an event within a step.
type Phase string

const (
	PhaseStart    Phase = "start"
	PhaseDelta    Phase = "delta"
	PhaseThinking Phase = "thinking"
	PhaseEnd      Phase = "end"
	PhaseError    Phase = "error"
)

// Progress reports step position within a run. Total is fixed at run start.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Telemetry carries approximate usage counters for a step.
type Telemetry struct {
	TokensIn  int   `json:"tokens_in"`
	TokensOut int   `json:"tokens_out"`
	LatencyMS int64 `json:"latency_ms"`
}

// Event is the immutable unit of published progress information.
// For each (run_id, step_id) the sequence is one start, zero or more
// delta/thinking, then exactly one end or error.
type Event struct {
	RunID        string         `json:"run_id"`
	StepID       int            `json:"step_id"`
	Agent        string         `json:"agent"`
	Phase        Phase          `json:"phase"`
	TS           float64        `json:"ts"` // wall-clock seconds, non-decreasing per step
	Meta         map[string]any `json:"meta,omitempty"`
	Progress     Progress       `json:"progress"`
	Telemetry    Telemetry      `json:"telemetry"`
	MessageDelta string         `json:"message_delta,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Now returns the current wall clock as float seconds for Event.TS.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NewRunID returns a fresh run identifier: a UTC timestamp plus a short
// random suffix, e.g. "lz-2026-08-25-143502Z-9f3a". Sorting ids roughly
// orders runs by start time.
func NewRunID() string {
	stamp := time.Now().UTC().Format("2006-01-02-150405Z")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	return "lz-" + stamp + "-" + suffix
}
