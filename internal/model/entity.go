package model

import "time"

// ProvenanceEntry records which candidate record supplied an accepted field
// value, and the source-priority rank used to select it.
type ProvenanceEntry struct {
	Field      string          `json:"field"`
	Value      any             `json:"value"`
	RecordID   string          `json:"record_id"`
	StrategyID string          `json:"strategy_id"`
	SourceType SourceType      `json:"source_type"`
	Confidence ConfidenceLevel `json:"confidence"`
	Rank       int             `json:"rank"`
	AcceptedAt time.Time       `json:"accepted_at"`
}

// MergedEntity is the reconciled record for one identity group. It is created
// on the first matching candidate and updated on every subsequent one.
type MergedEntity struct {
	NormalizedKey string            `json:"normalized_key"`
	Attributes    map[string]any    `json:"attributes"`
	Identifiers   map[string]string `json:"identifiers,omitempty"`
	Completeness  int               `json:"completeness"`
	Confidence    float64           `json:"confidence"`
	SourceCount   int               `json:"source_count"`
	RecordIDs     []string          `json:"record_ids"`
	Provenance    []ProvenanceEntry `json:"provenance"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// SourceTypes returns the distinct source types that contributed provenance,
// in first-seen order.
func (e *MergedEntity) SourceTypes() []SourceType {
	seen := make(map[SourceType]bool)
	var out []SourceType
	for _, p := range e.Provenance {
		if !seen[p.SourceType] {
			seen[p.SourceType] = true
			out = append(out, p.SourceType)
		}
	}
	return out
}

// Field returns the merged value for a field, if present.
func (e *MergedEntity) Field(name string) (any, bool) {
	v, ok := e.Attributes[name]
	return v, ok
}
