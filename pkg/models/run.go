// Package models contains request/response models shared by the HTTP and
// WebSocket surfaces.
package models

import "fmt"

// Topology selects how the team composes its steps.
type Topology string

const (
	// TopologySequential reviews the draft role by role, each step editing
	// the previous step's output.
	TopologySequential Topology = "sequential"
	// TopologyParallel fans the draft out to all enabled reviewers at once
	// and merges their outputs in a final aggregation step.
	TopologyParallel Topology = "parallel"
)

// RunRequest is the run-start envelope accepted by POST /api/runs and
// carried inside the team_stream_chat frame. AgentConfig arrives as a raw
// key set; Normalize maps it onto the known roles.
type RunRequest struct {
	Topology            Topology             `json:"topology"`
	Prompt              string               `json:"prompt"`
	AgentConfig         map[string]bool      `json:"agent_config"`
	IntegrationSettings *IntegrationSettings `json:"integration_settings"`
}

// Validate rejects envelopes the team cannot run. An empty topology means
// sequential.
func (r *RunRequest) Validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	switch r.Topology {
	case "", TopologySequential, TopologyParallel:
		return nil
	default:
		return fmt.Errorf("unknown topology %q", r.Topology)
	}
}

// EffectiveTopology resolves the empty default.
func (r *RunRequest) EffectiveTopology() Topology {
	if r.Topology == "" {
		return TopologySequential
	}
	return r.Topology
}

// Settings resolves the envelope's integration preferences; an omitted
// block reads as everything off.
func (r *RunRequest) Settings() IntegrationSettings {
	if r.IntegrationSettings == nil {
		return IntegrationSettings{}
	}
	return *r.IntegrationSettings
}

// ApplyDefaults fills in envelope sections the client left unset.
// Explicit envelope keys always win: agent defaults only supply keys the
// payload never mentioned, and mcp defaults apply only when the whole
// integration_settings block was omitted.
func (r *RunRequest) ApplyDefaults(agents, mcp map[string]bool) {
	if len(agents) > 0 {
		if r.AgentConfig == nil {
			r.AgentConfig = make(map[string]bool, len(agents))
		}
		for key, enabled := range agents {
			if _, ok := r.AgentConfig[key]; !ok {
				r.AgentConfig[key] = enabled
			}
		}
	}
	if r.IntegrationSettings == nil && len(mcp) > 0 {
		r.IntegrationSettings = &IntegrationSettings{MCP: MCPSettings{
			Bicep:     mcp["bicep"],
			Terraform: mcp["terraform"],
			Docs:      mcp["docs"],
		}}
	}
}

// IntegrationSettings carries per-run integration preferences.
type IntegrationSettings struct {
	MCP MCPSettings `json:"mcp"`
}

// MCPSettings enables individual tool endpoints for one run. Every flag
// defaults to off; unknown keys in the payload are dropped by the JSON
// decoder.
type MCPSettings struct {
	Bicep     bool `json:"bicep"`
	Terraform bool `json:"terraform"`
	Docs      bool `json:"docs"`
}

// AgentSelection is the normalized set of role toggles for one run.
type AgentSelection struct {
	Architect     bool `json:"architect"`
	Security      bool `json:"security"`
	Identity      bool `json:"identity"`
	Naming        bool `json:"naming"`
	Reliability   bool `json:"reliability"`
	Cost          bool `json:"cost"`
	Compliance    bool `json:"compliance"`
	Networking    bool `json:"networking"`
	Observability bool `json:"observability"`
	DataStorage   bool `json:"dataStorage"`
}

// NormalizeAgentConfig maps raw envelope keys onto the known roles.
// Unknown keys are dropped, missing keys stay false, and the architect is
// always on regardless of what the payload says.
func NormalizeAgentConfig(raw map[string]bool) AgentSelection {
	return AgentSelection{
		Architect:     true,
		Security:      raw["security"],
		Identity:      raw["identity"],
		Naming:        raw["naming"],
		Reliability:   raw["reliability"],
		Cost:          raw["cost"],
		Compliance:    raw["compliance"],
		Networking:    raw["networking"],
		Observability: raw["observability"],
		DataStorage:   raw["dataStorage"],
	}
}

// AllAgents returns the selection with every role enabled.
func AllAgents() AgentSelection {
	return AgentSelection{
		Architect:     true,
		Security:      true,
		Identity:      true,
		Naming:        true,
		Reliability:   true,
		Cost:          true,
		Compliance:    true,
		Networking:    true,
		Observability: true,
		DataStorage:   true,
	}
}

// Selection resolves the envelope's agent set. A missing agent_config
// reads as all keys omitted, so only the architect participates.
func (r *RunRequest) Selection() AgentSelection {
	return NormalizeAgentConfig(r.AgentConfig)
}
