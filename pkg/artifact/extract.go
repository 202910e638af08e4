package artifact

import (
	"regexp"
	"strings"
	"unicode"
)

// diagramSectionRe matches the canonical transcript section carrying the
// machine-readable diagram.
var diagramSectionRe = regexp.MustCompile("(?is)Diagram JSON\\s*```json\\s*(\\{.*?\\})\\s*```")

// ExtractDiagram pulls the Diagram JSON block out of the final
// transcript. The raw block comes back even when it does not decode, so
// callers can surface what the model actually wrote.
func ExtractDiagram(finalText string) (map[string]any, string) {
	m := diagramSectionRe.FindStringSubmatch(finalText)
	if m == nil {
		return nil, ""
	}
	raw := strings.TrimSpace(m[1])
	return ParseTolerant(raw), raw
}

// InjectDiagramSection splices rawJSON into the transcript's first
// Diagram JSON section, or appends a new section when the transcript has
// none.
func InjectDiagramSection(report, rawJSON string) string {
	payload := "Diagram JSON\n```json\n" + rawJSON + "\n```"
	if loc := diagramSectionRe.FindStringIndex(report); loc != nil {
		return report[:loc[0]] + payload + report[loc[1]:]
	}
	return strings.TrimRightFunc(report, unicode.IsSpace) + "\n\n" + payload
}
