package models

// Frame types exchanged over the /ws socket. Client-to-server frames
// carry a type plus the fields their handler reads; server-to-client
// frames are built by the api package.
const (
	FrameTeamStreamChat    = "team_stream_chat"
	FrameSubscribeRun      = "subscribe_run"
	FrameRunStarted        = "run_started"
	FrameTraceEvent        = "trace_event"
	FrameTeamFinal         = "team_final"
	FrameRunCompleted      = "run_completed"
	FrameSubscribedRun     = "subscribed_run"
	FrameTraceBacklogEmpty = "trace_event_backlog_empty"
	FrameError             = "error"
)

// Subscription modes reported by subscribed_run.
const (
	SubscribeModeLive   = "live"
	SubscribeModeReplay = "replay"
)

// ClientFrame is the union of fields a client may send. Type selects the
// handler; handlers ignore fields that do not belong to their frame.
type ClientFrame struct {
	Type                string               `json:"type"`
	Prompt              string               `json:"prompt"`
	AgentConfig         map[string]bool      `json:"agent_config"`
	IntegrationSettings *IntegrationSettings `json:"integration_settings"`
	// Parallel defaults to true when absent.
	Parallel *bool  `json:"parallel"`
	RunID    string `json:"run_id"`
}

// UseParallel resolves the team_stream_chat topology flag.
func (f *ClientFrame) UseParallel() bool {
	return f.Parallel == nil || *f.Parallel
}

// RunRequest converts a team_stream_chat frame into the run envelope.
func (f *ClientFrame) RunRequest() RunRequest {
	topology := TopologySequential
	if f.UseParallel() {
		topology = TopologyParallel
	}
	return RunRequest{
		Topology:            topology,
		Prompt:              f.Prompt,
		AgentConfig:         f.AgentConfig,
		IntegrationSettings: f.IntegrationSettings,
	}
}

// RunStartedFrame acknowledges a team_stream_chat frame with the new run id.
type RunStartedFrame struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
}

// SubscribedRunFrame acknowledges a subscribe_run frame.
type SubscribedRunFrame struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
	Mode  string `json:"mode"`
}

// RunCompletedFrame closes a run's frame sequence. Replayed marks
// completions synthesized from the journal.
type RunCompletedFrame struct {
	Type     string `json:"type"`
	RunID    string `json:"run_id"`
	Replayed bool   `json:"replayed,omitempty"`
}

// BacklogEmptyFrame tells a replay subscriber there is nothing to replay.
type BacklogEmptyFrame struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
}

// ErrorFrame reports a handler failure to the client.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RunStartResponse is the POST /api/runs body.
type RunStartResponse struct {
	RunID string `json:"run_id"`
}

// HealthResponse is the GET /api/health body.
type HealthResponse struct {
	Status        string `json:"status"`
	ActiveRuns    int    `json:"active_runs"`
	BackendFamily string `json:"backend_family"`
	Version       string `json:"version"`
}
