package synth

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/model"
)

// DefaultRequiredFields are the fields the completeness score expects.
var DefaultRequiredFields = []string{
	"name", "website", "description", "aum", "entity_type", "location",
}

// confidenceRank orders strategy self-assessed confidence for equal-priority
// tie-breaks.
var confidenceRank = map[model.ConfidenceLevel]int{
	model.ConfidenceHigh:   0,
	model.ConfidenceMedium: 1,
	model.ConfidenceLow:    2,
}

// Synthesizer merges candidate records into entities by source priority.
// Merge outcomes depend only on the set of records merged, not on the order
// strategies finished in.
type Synthesizer struct {
	priority *Priority
	required []string
	now      func() time.Time
}

// New creates a synthesizer. Nil priority or empty required fall back to defaults.
func New(priority *Priority, required []string) *Synthesizer {
	if priority == nil {
		priority = NewPriority(nil)
	}
	if len(required) == 0 {
		required = DefaultRequiredFields
	}
	return &Synthesizer{priority: priority, required: required, now: time.Now}
}

// WithNow sets a fixed clock for testing.
func (s *Synthesizer) WithNow(now func() time.Time) *Synthesizer {
	s.now = now
	return s
}

// Merge folds one candidate record into an entity. A nil existing entity
// starts a new one keyed by the candidate's normalized key. Per field, a
// value accepted from a higher-ranked source is never overwritten by a
// lower-ranked one; equal ranks tie-break on the record's own confidence
// level, then strategy id, so the result is arrival-order independent.
func (s *Synthesizer) Merge(existing *model.MergedEntity, cand model.CandidateRecord) *model.MergedEntity {
	now := s.now().UTC()

	e := existing
	if e == nil {
		e = &model.MergedEntity{
			NormalizedKey: cand.NormalizedKey,
			Attributes:    make(map[string]any),
			Identifiers:   make(map[string]string),
			CreatedAt:     now,
		}
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	if e.Identifiers == nil {
		e.Identifiers = make(map[string]string)
	}

	rank := s.priority.Rank(cand.SourceType)

	for _, field := range sortedFields(cand) {
		value := fieldValue(cand, field)
		if value == nil {
			continue
		}
		if !s.accepts(e, field, rank, cand) {
			continue
		}
		e.Attributes[field] = value
		e.Provenance = append(e.Provenance, model.ProvenanceEntry{
			Field:      field,
			Value:      value,
			RecordID:   cand.ID,
			StrategyID: cand.StrategyID,
			SourceType: cand.SourceType,
			Confidence: cand.Confidence,
			Rank:       rank,
			AcceptedAt: now,
		})
	}

	// Identifiers are unioned; a conflicting value never displaces one
	// already linked (the matcher flags those conflicts upstream).
	for name, v := range cand.Identifiers {
		if v == "" {
			continue
		}
		if have, ok := e.Identifiers[name]; ok && have != v {
			zap.L().Debug("synth: identifier conflict retained existing",
				zap.String("key", e.NormalizedKey),
				zap.String("identifier", name),
			)
			continue
		}
		e.Identifiers[name] = v
	}

	if !containsStr(e.RecordIDs, cand.ID) {
		e.RecordIDs = append(e.RecordIDs, cand.ID)
	}

	e.SourceCount = len(e.SourceTypes())
	e.Completeness = s.completeness(e)
	e.Confidence = s.confidence(e)
	e.UpdatedAt = now

	return e
}

// accepts decides whether cand may set field given what already holds it.
func (s *Synthesizer) accepts(e *model.MergedEntity, field string, rank int, cand model.CandidateRecord) bool {
	cur := currentProvenance(e, field)
	if cur == nil {
		return true
	}
	if rank != cur.Rank {
		return rank < cur.Rank
	}

	// Equal source rank: deterministic tie-break independent of arrival order.
	if confidenceRank[cand.Confidence] != confidenceRank[cur.Confidence] {
		return confidenceRank[cand.Confidence] < confidenceRank[cur.Confidence]
	}
	return cand.StrategyID < cur.StrategyID
}

// currentProvenance returns the latest provenance entry for field, if any.
func currentProvenance(e *model.MergedEntity, field string) *model.ProvenanceEntry {
	for i := len(e.Provenance) - 1; i >= 0; i-- {
		if e.Provenance[i].Field == field {
			return &e.Provenance[i]
		}
	}
	return nil
}

// completeness is populated required fields over total required, 0-100.
func (s *Synthesizer) completeness(e *model.MergedEntity) int {
	if len(s.required) == 0 {
		return 0
	}
	var populated int
	for _, f := range s.required {
		if v, ok := e.Attributes[f]; ok && v != nil && v != "" {
			populated++
		}
	}
	return int(math.Round(100 * float64(populated) / float64(len(s.required))))
}

// confidence is a fixed-weight combination of distinct-source diversity
// (capped at 3), presence of a top-tier source, and field completeness.
func (s *Synthesizer) confidence(e *model.MergedEntity) float64 {
	types := e.SourceTypes()
	diversity := float64(len(types))
	if diversity > 3 {
		diversity = 3
	}

	var topTier float64
	for _, st := range types {
		if s.priority.TopTier(st) {
			topTier = 1
			break
		}
	}

	var populated int
	for _, f := range s.required {
		if v, ok := e.Attributes[f]; ok && v != nil && v != "" {
			populated++
		}
	}
	completeness := float64(populated) / float64(len(s.required))

	score := 0.4*diversity/3 + 0.3*topTier + 0.3*completeness
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// sortedFields returns the candidate's attribute names in stable order,
// including an implicit "name" from the raw name when absent.
func sortedFields(cand model.CandidateRecord) []string {
	fields := make([]string, 0, len(cand.Attributes)+1)
	for f := range cand.Attributes {
		fields = append(fields, f)
	}
	if _, ok := cand.Attributes["name"]; !ok && cand.RawName != "" {
		fields = append(fields, "name")
	}
	sort.Strings(fields)
	return fields
}

func fieldValue(cand model.CandidateRecord, field string) any {
	if v, ok := cand.Attributes[field]; ok {
		if v == "" {
			return nil
		}
		return v
	}
	if field == "name" {
		return cand.RawName
	}
	return nil
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
