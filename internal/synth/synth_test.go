package synth

import (
	"reflect"
	"testing"
	"time"

	"github.com/sells-group/research-engine/internal/model"
)

func fixedSynth() *Synthesizer {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return New(nil, nil).WithNow(func() time.Time { return now })
}

func record(id, strategy string, st model.SourceType, attrs map[string]any) model.CandidateRecord {
	return model.CandidateRecord{
		ID:            id,
		StrategyID:    strategy,
		NormalizedKey: "acme capital",
		RawName:       "Acme Capital",
		Attributes:    attrs,
		SourceType:    st,
		Confidence:    model.ConfidenceHigh,
	}
}

func TestMerge_NewEntity(t *testing.T) {
	s := fixedSynth()
	e := s.Merge(nil, record("r1", "edgar", model.SourceRegulatoryFiling, map[string]any{"aum": 500000000}))

	if e.NormalizedKey != "acme capital" {
		t.Errorf("unexpected key %q", e.NormalizedKey)
	}
	if e.Attributes["aum"] != 500000000 {
		t.Errorf("expected aum set, got %v", e.Attributes["aum"])
	}
	if e.Attributes["name"] != "Acme Capital" {
		t.Errorf("expected raw name promoted to name attribute, got %v", e.Attributes["name"])
	}
	if e.SourceCount != 1 {
		t.Errorf("expected source count 1, got %d", e.SourceCount)
	}
}

func TestMerge_HigherPriorityNeverOverwritten(t *testing.T) {
	s := fixedSynth()

	high := record("r1", "edgar", model.SourceRegulatoryFiling, map[string]any{"aum": 500000000})
	low := record("r2", "news", model.SourcePressNews, map[string]any{"aum": 999})

	e := s.Merge(nil, high)
	before := e.Attributes["aum"]
	e = s.Merge(e, low)

	if e.Attributes["aum"] != before {
		t.Errorf("lower-priority source overwrote aum: %v", e.Attributes["aum"])
	}
}

func TestMerge_LowerPriorityFillsGap(t *testing.T) {
	s := fixedSynth()

	high := record("r1", "edgar", model.SourceRegulatoryFiling, map[string]any{"aum": 500000000})
	low := record("r2", "site", model.SourceFirstParty, map[string]any{"website": "acmecap.com"})

	e := s.Merge(s.Merge(nil, high), low)

	if e.Attributes["website"] != "acmecap.com" {
		t.Errorf("expected gap filled by lower-priority source, got %v", e.Attributes["website"])
	}
	if e.SourceCount != 2 {
		t.Errorf("expected 2 distinct sources, got %d", e.SourceCount)
	}
}

func TestMerge_HigherPriorityReplaces(t *testing.T) {
	s := fixedSynth()

	low := record("r1", "news", model.SourcePressNews, map[string]any{"aum": 999})
	high := record("r2", "edgar", model.SourceRegulatoryFiling, map[string]any{"aum": 500000000})

	e := s.Merge(s.Merge(nil, low), high)
	if e.Attributes["aum"] != 500000000 {
		t.Errorf("expected higher-priority value to replace, got %v", e.Attributes["aum"])
	}
}

func TestMerge_OrderIndependent(t *testing.T) {
	s := fixedSynth()

	a := record("r1", "edgar", model.SourceRegulatoryFiling, map[string]any{"aum": 500000000, "name": "Acme Capital, LLC"})
	b := record("r2", "site", model.SourceFirstParty, map[string]any{"website": "acmecap.com", "name": "Acme Capital"})

	ab := s.Merge(s.Merge(nil, a), b)
	ba := s.Merge(s.Merge(nil, b), a)

	if !reflect.DeepEqual(ab.Attributes, ba.Attributes) {
		t.Errorf("merge not order independent:\n ab=%v\n ba=%v", ab.Attributes, ba.Attributes)
	}
	if ab.Completeness != ba.Completeness || ab.Confidence != ba.Confidence {
		t.Errorf("scores differ by order: %d/%f vs %d/%f",
			ab.Completeness, ab.Confidence, ba.Completeness, ba.Confidence)
	}
}

func TestMerge_MonotonicIdempotence(t *testing.T) {
	s := fixedSynth()

	high := record("r1", "edgar", model.SourceRegulatoryFiling, map[string]any{"aum": 500000000})
	low := record("r2", "news", model.SourcePressNews, map[string]any{"aum": 999})

	once := s.Merge(nil, high)
	attrsOnce := map[string]any{}
	for k, v := range once.Attributes {
		attrsOnce[k] = v
	}

	again := s.Merge(once, low)
	if !reflect.DeepEqual(again.Attributes, attrsOnce) {
		t.Errorf("merge(merge(E, high), low) changed attributes: %v vs %v", again.Attributes, attrsOnce)
	}
}

func TestMerge_ProvenancePerAcceptedValue(t *testing.T) {
	s := fixedSynth()
	e := s.Merge(nil, record("r1", "edgar", model.SourceRegulatoryFiling, map[string]any{"aum": 500000000}))

	// aum + implicit name.
	if len(e.Provenance) != 2 {
		t.Fatalf("expected 2 provenance entries, got %d", len(e.Provenance))
	}
	for _, p := range e.Provenance {
		if p.RecordID != "r1" || p.SourceType != model.SourceRegulatoryFiling || p.Rank != 0 {
			t.Errorf("unexpected provenance %+v", p)
		}
	}
}

func TestScores_Bounded(t *testing.T) {
	s := fixedSynth()

	var e *model.MergedEntity
	records := []model.CandidateRecord{
		record("r1", "edgar", model.SourceRegulatoryFiling, map[string]any{"aum": 1, "name": "Acme", "website": "a.com", "description": "d", "entity_type": "adviser", "location": "NY"}),
		record("r2", "site", model.SourceFirstParty, map[string]any{"website": "b.com"}),
		record("r3", "news", model.SourcePressNews, map[string]any{"description": "x"}),
		record("r4", "reg", model.SourceStructuredRegistry, map[string]any{"location": "CA"}),
	}
	for _, r := range records {
		e = s.Merge(e, r)
		if e.Completeness < 0 || e.Completeness > 100 {
			t.Errorf("completeness out of range: %d", e.Completeness)
		}
		if e.Confidence < 0 || e.Confidence > 1 {
			t.Errorf("confidence out of range: %f", e.Confidence)
		}
	}

	// Every required field populated from a top-tier source plus 3+ sources.
	if e.Completeness != 100 {
		t.Errorf("expected completeness 100, got %d", e.Completeness)
	}
	if e.Confidence != 1 {
		t.Errorf("expected confidence 1.0, got %f", e.Confidence)
	}
}

func TestCompleteness_PartialFields(t *testing.T) {
	s := fixedSynth()
	// name (implicit) + aum = 2 of 6 required.
	e := s.Merge(nil, record("r1", "edgar", model.SourceRegulatoryFiling, map[string]any{"aum": 1}))
	if e.Completeness != 33 {
		t.Errorf("expected completeness 33, got %d", e.Completeness)
	}
}

func TestMerge_EqualRankDeterministicTieBreak(t *testing.T) {
	s := fixedSynth()

	a := record("r1", "alpha", model.SourcePressNews, map[string]any{"description": "from alpha"})
	b := record("r2", "beta", model.SourcePressNews, map[string]any{"description": "from beta"})

	ab := s.Merge(s.Merge(nil, a), b)
	ba := s.Merge(s.Merge(nil, b), a)

	if ab.Attributes["description"] != ba.Attributes["description"] {
		t.Errorf("equal-rank tie-break depends on order: %v vs %v",
			ab.Attributes["description"], ba.Attributes["description"])
	}
	if ab.Attributes["description"] != "from alpha" {
		t.Errorf("expected lexicographically smaller strategy to win, got %v", ab.Attributes["description"])
	}
}

func TestPriority_UnknownRanksLast(t *testing.T) {
	p := NewPriority(nil)
	if p.Rank(model.SourceRegulatoryFiling) != 0 {
		t.Error("expected regulatory filings at rank 0")
	}
	if p.Rank(model.SourceType("made-up")) <= p.Rank(model.SourceInferred) {
		t.Error("expected unknown source type to rank after all configured types")
	}
	if !p.TopTier(model.SourceRegulatoryFiling) || p.TopTier(model.SourcePressNews) {
		t.Error("top tier detection wrong")
	}
}
