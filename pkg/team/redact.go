package team

import (
	"strings"

	"github.com/atelierhq/atelier/pkg/artifact"
)

// guidanceRedactions lists embedded prompt blocks that must never reach
// clients verbatim, paired with the placeholder that stands in for them.
// Models occasionally echo their instructions into the transcript.
var guidanceRedactions = []struct {
	literal     string
	placeholder string
}{
	{artifact.StructuredDiagramGuidance, "[REDACTED STRUCTURED_DIAGRAM_GUIDANCE]"},
}

// maxClientText caps any single text payload returned to clients.
const maxClientText = 25000

// truncationMarker closes a payload that hit maxClientText.
const truncationMarker = "\n\n[... output truncated ...]"

// RedactGuidance strips embedded guidance blocks out of text bound for
// clients and truncates runaway outputs. Trace deltas are not redacted,
// only step results and final transcripts.
func RedactGuidance(text string) string {
	for _, r := range guidanceRedactions {
		if r.literal != "" && strings.Contains(text, r.literal) {
			text = strings.ReplaceAll(text, r.literal, r.placeholder)
		}
	}
	if len(text) > maxClientText {
		return text[:maxClientText] + truncationMarker
	}
	return text
}

// traceDeltaMax caps delta payloads carried on trace events. The full
// text still flows through the pipeline; only the event copy shrinks.
const traceDeltaMax = 1200

func shortenForTrace(text string) string {
	if len(text) <= traceDeltaMax {
		return text
	}
	return text[:traceDeltaMax] + "...[TRUNCATED]"
}
