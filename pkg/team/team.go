package team

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/atelierhq/atelier/pkg/artifact"
	"github.com/atelierhq/atelier/pkg/backend"
	"github.com/atelierhq/atelier/pkg/models"
	"github.com/atelierhq/atelier/pkg/trace"
)

// Team is one run's design crew. Disabled roles stay nil and the
// pipelines skip over them; the architect and final editor always exist.
type Team struct {
	bus    *trace.Bus
	gen    *artifact.Generator
	logger *slog.Logger

	// heartbeat is the silent-step thinking cadence; tests shorten it.
	heartbeat time.Duration

	writer        backend.AgentHandle
	security      backend.AgentHandle
	identity      backend.AgentHandle
	naming        backend.AgentHandle
	reliability   backend.AgentHandle
	networking    backend.AgentHandle
	costPerf      backend.AgentHandle
	compliance    backend.AgentHandle
	observability backend.AgentHandle
	dataStorage   backend.AgentHandle
	final         backend.AgentHandle
}

// RunArtifact is everything a finished run hands back to its caller.
// FinalText is always present, redacted and capped; the diagram and IaC
// fields are best effort.
type RunArtifact struct {
	RunID      string             `json:"run_id"`
	FinalText  string             `json:"final_text"`
	Diagram    map[string]any     `json:"diagram,omitempty"`
	DiagramRaw string             `json:"diagram_raw_json,omitempty"`
	IaC        artifact.IaCBundle `json:"iac"`
}

// New provisions the crew's agents on b per the selection.
func New(ctx context.Context, b backend.Backend, bus *trace.Bus, gen *artifact.Generator, sel models.AgentSelection) (*Team, error) {
	t := &Team{
		bus:       bus,
		gen:       gen,
		logger:    slog.Default().With("component", "team"),
		heartbeat: heartbeatInterval,
	}

	roles := []struct {
		enabled      bool
		name         string
		instructions string
		dst          *backend.AgentHandle
	}{
		{true, RoleArchitect, architectInstructions, &t.writer},
		{sel.Security, RoleSecurity, securityInstructions, &t.security},
		{sel.Identity, RoleIdentity, identityInstructions, &t.identity},
		{sel.Naming, RoleNaming, namingInstructions, &t.naming},
		{sel.Reliability, RoleReliability, reliabilityInstructions, &t.reliability},
		{sel.Networking, RoleNetworking, networkingInstructions, &t.networking},
		{sel.Cost, RoleCostPerf, costPerfInstructions, &t.costPerf},
		{sel.Compliance, RoleCompliance, complianceInstructions, &t.compliance},
		{sel.Observability, RoleObservability, observabilityInstructions, &t.observability},
		{sel.DataStorage, RoleDataStorage, dataStorageInstructions, &t.dataStorage},
		{true, RoleFinalEditor, finalEditorInstructions, &t.final},
	}
	for _, r := range roles {
		if !r.enabled {
			continue
		}
		handle, err := b.CreateAgent(ctx, r.name, r.instructions, nil)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", r.name, err)
		}
		*r.dst = handle
	}

	t.logger.Info("Design team assembled", "agents", strings.Join(t.Roster(), ", "))
	return t, nil
}

// Roster lists the enabled role names in pipeline order.
func (t *Team) Roster() []string {
	all := []backend.AgentHandle{
		t.writer, t.security, t.identity, t.naming, t.reliability,
		t.networking, t.costPerf, t.compliance, t.observability, t.dataStorage, t.final,
	}
	var names []string
	for _, ag := range all {
		if ag != nil {
			names = append(names, ag.Name())
		}
	}
	return names
}

// sequentialStep pairs a pipeline role with the Well-Architected pillar
// its step is labeled with. Roles outside the framework read as "-".
type sequentialStep struct {
	agent  backend.AgentHandle
	pillar string
}

// RunSequential drives the refinement chain: each enabled step rewrites
// the previous step's full output. A step failure aborts the chain; the
// returned artifact still carries the last good output alongside the
// error.
func (t *Team) RunSequential(ctx context.Context, runID, prompt string) (*RunArtifact, error) {
	candidates := []sequentialStep{
		{t.writer, "-"},
		{t.security, "Security"},
		{t.identity, "Identity & Governance"},
		{t.naming, "Operational Excellence"},
		{t.reliability, "Reliability"},
		{t.costPerf, "Cost Optimization"},
		{t.compliance, "Compliance"},
		{t.final, "-"},
	}
	var pipeline []sequentialStep
	for _, step := range candidates {
		if step.agent != nil {
			pipeline = append(pipeline, step)
		}
	}

	input := prompt
	var outputs []string
	var runErr error
	for i, step := range pipeline {
		out, err := t.runStep(ctx, runID, i+1, len(pipeline), step.agent, input,
			map[string]any{"waf_pillar": step.pillar})
		if err != nil {
			runErr = err
			break
		}
		input = out
		outputs = append(outputs, out)
	}

	finalText := "No output."
	if len(outputs) > 0 {
		finalText = outputs[len(outputs)-1]
	}
	if runErr != nil {
		return &RunArtifact{RunID: runID, FinalText: RedactGuidance(finalText)}, runErr
	}
	return t.assemble(ctx, runID, finalText), nil
}

// RunParallel drives the review pass: the architect drafts, the enabled
// parallel reviewers critique the draft concurrently, and the final
// editor merges. A failed reviewer is dropped from the merge without
// touching its siblings; architect or editor failure aborts the run.
func (t *Team) RunParallel(ctx context.Context, runID, prompt string) (*RunArtifact, error) {
	candidates := []backend.AgentHandle{
		t.reliability, t.costPerf, t.networking, t.observability, t.dataStorage,
	}
	var reviewers []backend.AgentHandle
	for _, ag := range candidates {
		if ag != nil {
			reviewers = append(reviewers, ag)
		}
	}
	total := 1 + len(reviewers) + 1

	draft, err := t.runStep(ctx, runID, 1, total, t.writer, prompt, map[string]any{"waf_pillar": "-"})
	if err != nil {
		return &RunArtifact{RunID: runID, FinalText: "No output."}, err
	}

	results := make([]string, len(reviewers))
	errs := make([]error, len(reviewers))
	var wg sync.WaitGroup
	for i, ag := range reviewers {
		wg.Add(1)
		go func(idx int, ag backend.AgentHandle) {
			defer wg.Done()
			meta := map[string]any{"parallel_group": "fanout-1", "waf_pillar": "parallel"}
			results[idx], errs[idx] = t.runStep(ctx, runID, idx+2, total, ag, draft, meta)
		}(i, ag)
	}
	wg.Wait()

	var reviews []string
	for i, ag := range reviewers {
		if errs[i] != nil {
			t.logger.Warn("Reviewer failed, dropped from merge",
				"run_id", runID, "agent", ag.Name(), "error", errs[i])
			continue
		}
		reviews = append(reviews, results[i])
	}

	merged := draft
	if len(reviews) > 0 {
		merged = strings.Join(reviews, "\n\n---\n\n")
	}

	final, err := t.runStep(ctx, runID, total, total, t.final, merged, map[string]any{"aggregator": RoleFinalEditor})
	if err != nil {
		return &RunArtifact{RunID: runID, FinalText: RedactGuidance(merged)}, err
	}
	return t.assemble(ctx, runID, final), nil
}

// assemble post-processes the final transcript into the run artifact:
// extract the diagram, generate the IaC bundle, re-derive the diagram
// when the transcript had none, and redact before shipping. Generation
// failures degrade to error markers, never to a missing artifact.
func (t *Team) assemble(ctx context.Context, runID, finalText string) *RunArtifact {
	diagram, rawJSON := artifact.ExtractDiagram(finalText)
	bundle := t.gen.Bundle(ctx, diagram, finalText)

	if diagram == nil {
		if derived, derivedRaw := t.gen.DeriveDiagram(ctx, bundle); derived != nil {
			diagram = derived
			rawJSON = derivedRaw
			finalText = artifact.InjectDiagramSection(finalText, derivedRaw)
		}
	}

	return &RunArtifact{
		RunID:      runID,
		FinalText:  RedactGuidance(finalText),
		Diagram:    diagram,
		DiagramRaw: rawJSON,
		IaC:        bundle,
	}
}
