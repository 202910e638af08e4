package team

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/pkg/backend"
	"github.com/atelierhq/atelier/pkg/models"
	"github.com/atelierhq/atelier/pkg/trace"
)

func eventsForAgent(events []trace.Event, agent string) []trace.Event {
	var out []trace.Event
	for _, ev := range events {
		if ev.Agent == agent {
			out = append(out, ev)
		}
	}
	return out
}

func TestNewCreatesOnlyEnabledRoles(t *testing.T) {
	be := newScriptedBackend()
	tm, _ := newTestTeam(t, models.AgentSelection{
		Architect: true,
		Security:  true,
		Cost:      true,
	}, be)

	assert.Equal(t, []string{
		RoleArchitect, RoleSecurity, RoleCostPerf, RoleFinalEditor,
	}, tm.Roster())
	assert.Nil(t, tm.naming)
	assert.Nil(t, tm.networking)
}

func TestRunSequentialFullCrew(t *testing.T) {
	be := newScriptedBackend()
	tm, bus := newTestTeam(t, models.AllAgents(), be)
	runID, q := attachRun(t, bus)

	art, err := tm.RunSequential(context.Background(), runID, "Design a payments platform")
	require.NoError(t, err)

	wantOrder := []string{
		RoleArchitect, RoleSecurity, RoleIdentity, RoleNaming,
		RoleReliability, RoleCostPerf, RoleCompliance, RoleFinalEditor,
	}
	wantPillars := []string{
		"-", "Security", "Identity & Governance", "Operational Excellence",
		"Reliability", "Cost Optimization", "Compliance", "-",
	}

	events := drainEvents(t, q)
	require.Len(t, events, len(wantOrder)*3)
	for i, name := range wantOrder {
		start := events[i*3]
		assert.Equal(t, name, start.Agent)
		assert.Equal(t, trace.PhaseStart, start.Phase)
		assert.Equal(t, i+1, start.StepID)
		assert.Equal(t, len(wantOrder), start.Progress.Total)
		assert.Equal(t, wantPillars[i], start.Meta["waf_pillar"])
		assert.Equal(t, trace.PhaseDelta, events[i*3+1].Phase)
		assert.Equal(t, trace.PhaseEnd, events[i*3+2].Phase)
	}

	// Each step consumes the previous step's full output.
	assert.Equal(t, []string{"Design a payments platform"}, be.agent(RoleArchitect).streamInputs())
	assert.Equal(t, []string{"Architect output"}, be.agent(RoleSecurity).streamInputs())
	assert.Equal(t, []string{"SecurityReviewer output"}, be.agent(RoleIdentity).streamInputs())
	assert.Equal(t, []string{"ComplianceReviewer output"}, be.agent(RoleFinalEditor).streamInputs())

	assert.Equal(t, runID, art.RunID)
	assert.Equal(t, "FinalEditor output", art.FinalText)
	assert.Nil(t, art.Diagram)
	assert.Empty(t, art.DiagramRaw)
	// No diagram section anywhere: both producers degrade to markers.
	require.NotNil(t, art.IaC.Bicep)
	assert.Contains(t, art.IaC.Bicep.Parameters["error"], "no usable bicep_code")
	require.NotNil(t, art.IaC.Terraform)
	assert.Equal(t, "azurerm", art.IaC.Terraform.Parameters["provider"])
}

// Pillar labels stick to their roles: disabling part of the crew never
// shifts a label onto a neighbor.
func TestRunSequentialSubsetKeepsPillarLabels(t *testing.T) {
	be := newScriptedBackend()
	tm, bus := newTestTeam(t, models.AgentSelection{
		Architect: true,
		Security:  true,
		Naming:    true,
		Cost:      true,
	}, be)
	runID, q := attachRun(t, bus)

	_, err := tm.RunSequential(context.Background(), runID, "prompt")
	require.NoError(t, err)

	events := drainEvents(t, q)
	require.Len(t, events, 5*3)

	byAgent := map[string]string{}
	for _, ev := range events {
		if ev.Phase == trace.PhaseStart {
			byAgent[ev.Agent] = ev.Meta["waf_pillar"].(string)
			assert.Equal(t, 5, ev.Progress.Total)
		}
	}
	assert.Equal(t, map[string]string{
		RoleArchitect:   "-",
		RoleSecurity:    "Security",
		RoleNaming:      "Operational Excellence",
		RoleCostPerf:    "Cost Optimization",
		RoleFinalEditor: "-",
	}, byAgent)
}

func TestRunSequentialStepFailureAborts(t *testing.T) {
	security := &scriptedAgent{name: RoleSecurity, chunks: []backend.Chunk{
		&backend.ErrChunk{Err: errors.New("rate limited")},
	}}
	be := newScriptedBackend(security)
	tm, bus := newTestTeam(t, models.AgentSelection{
		Architect: true,
		Security:  true,
		Naming:    true,
	}, be)
	runID, q := attachRun(t, bus)

	art, err := tm.RunSequential(context.Background(), runID, "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")

	// Best-effort artifact: the last good output, nothing generated.
	assert.Equal(t, "Architect output", art.FinalText)
	assert.Nil(t, art.Diagram)
	assert.Nil(t, art.IaC.Bicep)
	assert.Nil(t, art.IaC.Terraform)

	// Downstream steps never ran.
	assert.Empty(t, be.agent(RoleNaming).streamInputs())
	assert.Empty(t, be.agent(RoleFinalEditor).streamInputs())

	events := drainEvents(t, q)
	last := events[len(events)-1]
	assert.Equal(t, trace.PhaseError, last.Phase)
	assert.Equal(t, RoleSecurity, last.Agent)
}

func TestRunParallelFanout(t *testing.T) {
	be := newScriptedBackend()
	tm, bus := newTestTeam(t, models.AllAgents(), be)
	runID, q := attachRun(t, bus)

	art, err := tm.RunParallel(context.Background(), runID, "Design a trading platform")
	require.NoError(t, err)
	assert.Equal(t, "FinalEditor output", art.FinalText)

	events := drainEvents(t, q)
	require.Len(t, events, (1+5+1)*3)

	// Draft step.
	draftEvents := eventsForAgent(events, RoleArchitect)
	require.Len(t, draftEvents, 3)
	assert.Equal(t, 1, draftEvents[0].StepID)
	assert.Equal(t, 7, draftEvents[0].Progress.Total)
	assert.Equal(t, "-", draftEvents[0].Meta["waf_pillar"])

	// Reviewer steps: fixed ids, fan-out annotations, draft as input.
	wantSteps := map[string]int{
		RoleReliability:   2,
		RoleCostPerf:      3,
		RoleNetworking:    4,
		RoleObservability: 5,
		RoleDataStorage:   6,
	}
	for name, step := range wantSteps {
		revEvents := eventsForAgent(events, name)
		require.Len(t, revEvents, 3, name)
		for _, ev := range revEvents {
			assert.Equal(t, step, ev.StepID)
			assert.Equal(t, "fanout-1", ev.Meta["parallel_group"])
			assert.Equal(t, "parallel", ev.Meta["waf_pillar"])
		}
		assert.Equal(t, []string{"Architect output"}, be.agent(name).streamInputs())
	}

	// Final editor merges the reviews in reviewer order.
	finalEvents := eventsForAgent(events, RoleFinalEditor)
	require.Len(t, finalEvents, 3)
	assert.Equal(t, 7, finalEvents[0].StepID)
	assert.Equal(t, RoleFinalEditor, finalEvents[0].Meta["aggregator"])
	_, hasPillar := finalEvents[0].Meta["waf_pillar"]
	assert.False(t, hasPillar)

	wantMerged := strings.Join([]string{
		"ReliabilityReviewer output",
		"CostPerfOptimizer output",
		"NetworkingReviewer output",
		"ObservabilityReviewer output",
		"DataStorageReviewer output",
	}, "\n\n---\n\n")
	assert.Equal(t, []string{wantMerged}, be.agent(RoleFinalEditor).streamInputs())
}

func TestRunParallelSubsetNumbersStepsContiguously(t *testing.T) {
	be := newScriptedBackend()
	tm, bus := newTestTeam(t, models.AgentSelection{
		Architect:   true,
		Reliability: true,
		DataStorage: true,
	}, be)
	runID, q := attachRun(t, bus)

	_, err := tm.RunParallel(context.Background(), runID, "prompt")
	require.NoError(t, err)

	events := drainEvents(t, q)
	require.Len(t, events, 4*3)

	steps := map[string]int{}
	var lastReviewerEnd float64
	for _, ev := range events {
		if ev.Phase == trace.PhaseStart {
			steps[ev.Agent] = ev.StepID
			assert.Equal(t, 4, ev.Progress.Total)
		}
		if ev.Phase == trace.PhaseEnd && ev.Agent != RoleFinalEditor && ev.Agent != RoleArchitect {
			if ev.TS > lastReviewerEnd {
				lastReviewerEnd = ev.TS
			}
		}
	}
	assert.Equal(t, map[string]int{
		RoleArchitect:   1,
		RoleReliability: 2,
		RoleDataStorage: 3,
		RoleFinalEditor: 4,
	}, steps)

	// The merge begins only after every reviewer has finished.
	finalStart := eventsForAgent(events, RoleFinalEditor)[0]
	assert.GreaterOrEqual(t, finalStart.TS, lastReviewerEnd)
}

func TestRunParallelReviewerFailureIsIsolated(t *testing.T) {
	networking := &scriptedAgent{name: RoleNetworking, chunks: []backend.Chunk{
		&backend.ErrChunk{Err: errors.New("quota burst")},
	}}
	be := newScriptedBackend(networking)
	tm, bus := newTestTeam(t, models.AllAgents(), be)
	runID, q := attachRun(t, bus)

	art, err := tm.RunParallel(context.Background(), runID, "prompt")
	require.NoError(t, err)
	assert.Equal(t, "FinalEditor output", art.FinalText)

	// Siblings all completed; the failed reviewer is dropped from the merge.
	wantMerged := strings.Join([]string{
		"ReliabilityReviewer output",
		"CostPerfOptimizer output",
		"ObservabilityReviewer output",
		"DataStorageReviewer output",
	}, "\n\n---\n\n")
	assert.Equal(t, []string{wantMerged}, be.agent(RoleFinalEditor).streamInputs())

	events := drainEvents(t, q)
	netEvents := eventsForAgent(events, RoleNetworking)
	require.Len(t, netEvents, 2)
	assert.Equal(t, trace.PhaseError, netEvents[1].Phase)
	assert.Equal(t, "quota burst", netEvents[1].Error)
}

func TestRunParallelNoReviewers(t *testing.T) {
	be := newScriptedBackend()
	tm, bus := newTestTeam(t, models.AgentSelection{Architect: true}, be)
	runID, q := attachRun(t, bus)

	art, err := tm.RunParallel(context.Background(), runID, "prompt")
	require.NoError(t, err)
	assert.Equal(t, "FinalEditor output", art.FinalText)

	// Architect hands straight to the final editor.
	assert.Equal(t, []string{"Architect output"}, be.agent(RoleFinalEditor).streamInputs())

	events := drainEvents(t, q)
	require.Len(t, events, 2*3)
	assert.Equal(t, 2, events[3].Progress.Total)
	assert.Equal(t, 2, events[3].StepID)
}

func TestRunParallelDraftFailureAborts(t *testing.T) {
	writer := &scriptedAgent{name: RoleArchitect, streamErr: errors.New("backend down")}
	be := newScriptedBackend(writer)
	tm, bus := newTestTeam(t, models.AllAgents(), be)
	runID, _ := attachRun(t, bus)

	art, err := tm.RunParallel(context.Background(), runID, "prompt")
	require.Error(t, err)
	assert.Equal(t, "No output.", art.FinalText)
	assert.Empty(t, be.agent(RoleReliability).streamInputs())
	assert.Empty(t, be.agent(RoleFinalEditor).streamInputs())
}

func TestRunParallelDerivesAndInjectsDiagram(t *testing.T) {
	generator := &scriptedAgent{name: "AzureArchitect", replyFn: func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "cartographer"):
			return `{"nodes": [{"id": "kv", "tier": "data"}], "edges": []}`, nil
		case strings.Contains(prompt, "bicep_code"):
			return `{"bicep_code": "targetScope = 'subscription'", "parameters": {}}`, nil
		case strings.Contains(prompt, "terraform_code"):
			return `{"terraform_code": "locals {}", "parameters": {"provider": "azurerm"}}`, nil
		}
		return "", errors.New("unexpected prompt")
	}}
	be := newScriptedBackend(generator)
	tm, bus := newTestTeam(t, models.AgentSelection{Architect: true}, be)
	runID, _ := attachRun(t, bus)

	art, err := tm.RunParallel(context.Background(), runID, "prompt")
	require.NoError(t, err)

	require.NotNil(t, art.Diagram)
	nodes := art.Diagram["nodes"].([]any)
	require.Len(t, nodes, 1)
	assert.Contains(t, art.DiagramRaw, `"nodes"`)

	// The transcript gained the canonical section carrying the derived
	// diagram, appended after the editor's prose.
	assert.True(t, strings.HasPrefix(art.FinalText, "FinalEditor output"))
	assert.Contains(t, art.FinalText, "Diagram JSON\n```json\n"+art.DiagramRaw+"\n```")

	require.NotNil(t, art.IaC.Bicep)
	assert.Equal(t, "targetScope = 'subscription'", art.IaC.Bicep.Code)
}

func TestRunParallelKeepsTranscriptDiagram(t *testing.T) {
	report := "Merged design.\n\nDiagram JSON\n```json\n{\"nodes\": [{\"id\": \"app\"}], \"edges\": []}\n```\n"
	final := &scriptedAgent{name: RoleFinalEditor, chunks: []backend.Chunk{
		&backend.TextChunk{Text: report},
	}}
	generator := &scriptedAgent{name: "AzureArchitect", replyFn: func(prompt string) (string, error) {
		return `{"bicep_code": "param x string", "terraform_code": "locals {}", "parameters": {}}`, nil
	}}
	be := newScriptedBackend(final, generator)
	tm, bus := newTestTeam(t, models.AgentSelection{Architect: true}, be)
	runID, _ := attachRun(t, bus)

	art, err := tm.RunParallel(context.Background(), runID, "prompt")
	require.NoError(t, err)

	require.NotNil(t, art.Diagram)
	assert.Equal(t, `{"nodes": [{"id": "app"}], "edges": []}`, art.DiagramRaw)
	assert.Contains(t, art.FinalText, `"id": "app"`)

	// A parseable transcript diagram is never re-derived.
	for _, prompt := range generator.blockingCalls() {
		assert.NotContains(t, prompt, "cartographer")
	}
}
