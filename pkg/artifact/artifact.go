// Package artifact turns a finished team transcript into the run's
// deliverables: the embedded architecture diagram and the Bicep and
// Terraform templates, generated by single-shot model calls that prefer
// schema-grounded MCP tools when the run enables them.
package artifact

// IaCResult is one producer's output. Code is empty when generation
// failed; Parameters then carries an "error" entry describing why.
// Templates are never synthesized locally.
type IaCResult struct {
	Code       string         `json:"code"`
	Parameters map[string]any `json:"parameters"`
}

// IaCBundle pairs the two producers' outputs. Either side may be nil
// when its producer could not run at all.
type IaCBundle struct {
	Bicep     *IaCResult `json:"bicep"`
	Terraform *IaCResult `json:"terraform"`
}
