// Package synth merges grouped candidate records into one canonical entity
// record with provenance and confidence scoring.
package synth

import "github.com/sells-group/research-engine/internal/model"

// Priority is a fixed total order over source types, rank 0 being the most
// reliable. Source types outside the configured order rank after all of it.
type Priority struct {
	rank map[model.SourceType]int
	size int
}

// DefaultOrder ranks source types by reliability.
var DefaultOrder = []model.SourceType{
	model.SourceRegulatoryFiling,
	model.SourceOfficialPrimary,
	model.SourceStructuredRegistry,
	model.SourceFirstParty,
	model.SourcePressNews,
	model.SourceInferred,
}

// NewPriority builds a priority order. An empty order falls back to DefaultOrder.
func NewPriority(order []model.SourceType) *Priority {
	if len(order) == 0 {
		order = DefaultOrder
	}
	p := &Priority{rank: make(map[model.SourceType]int, len(order)), size: len(order)}
	for i, st := range order {
		p.rank[st] = i
	}
	return p
}

// Rank returns the priority rank of a source type; lower is more reliable.
func (p *Priority) Rank(st model.SourceType) int {
	if r, ok := p.rank[st]; ok {
		return r
	}
	return p.size
}

// TopTier reports whether st is the most reliable configured source type.
func (p *Priority) TopTier(st model.SourceType) bool {
	return p.Rank(st) == 0
}
