package api

import (
	"github.com/atelierhq/atelier/pkg/artifact"
	"github.com/atelierhq/atelier/pkg/models"
	"github.com/atelierhq/atelier/pkg/team"
)

// TeamFinalFrame carries a finished run's artifact to stream clients.
// The raw diagram text travels as diagram_raw on the wire, a shorter key
// than the artifact's REST rendering uses.
type TeamFinalFrame struct {
	Type       string             `json:"type"`
	RunID      string             `json:"run_id"`
	FinalText  string             `json:"final_text"`
	Diagram    map[string]any     `json:"diagram,omitempty"`
	DiagramRaw string             `json:"diagram_raw,omitempty"`
	IaC        artifact.IaCBundle `json:"iac"`
}

func newTeamFinalFrame(art *team.RunArtifact) TeamFinalFrame {
	return TeamFinalFrame{
		Type:       models.FrameTeamFinal,
		RunID:      art.RunID,
		FinalText:  art.FinalText,
		Diagram:    art.Diagram,
		DiagramRaw: art.DiagramRaw,
		IaC:        art.IaC,
	}
}
