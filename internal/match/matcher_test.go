package match

import (
	"testing"

	"github.com/sells-group/research-engine/internal/model"
)

func TestSimilarity(t *testing.T) {
	cases := []struct {
		a, b string
		min  float64
		max  float64
	}{
		{"acme capital", "acme capital", 1, 1},
		{"acme capital", "capital acme", 0.99, 1},          // token set ignores order
		{"acme capital", "acme capitol", 0.85, 1},          // one-letter variant
		{"acme capital", "zenith holdings", 0, 0.4},        // unrelated
		{"", "acme", 0, 0},
	}
	for _, tc := range cases {
		got := Similarity(tc.a, tc.b)
		if got < tc.min || got > tc.max {
			t.Errorf("Similarity(%q, %q) = %.3f, want in [%.2f, %.2f]", tc.a, tc.b, got, tc.min, tc.max)
		}
	}
}

func TestMatch_GroupsSameNormalizedName(t *testing.T) {
	m := New(0.85)
	existing := []Existing{{Key: "acme capital", RecordCount: 1}}

	res := m.Match(model.CandidateRecord{RawName: "Acme Capital, LLC"}, existing)
	if res.New {
		t.Fatal("expected match against existing group")
	}
	if res.Key != "acme capital" {
		t.Errorf("unexpected key %q", res.Key)
	}
}

func TestMatch_NewGroupBelowThreshold(t *testing.T) {
	m := New(0.85)
	existing := []Existing{{Key: "zenith holdings", RecordCount: 3}}

	res := m.Match(model.CandidateRecord{RawName: "Acme Capital LLC"}, existing)
	if !res.New {
		t.Fatal("expected a new group")
	}
	if res.Key != "acme capital" {
		t.Errorf("unexpected key %q", res.Key)
	}
}

func TestMatch_IdentifierForcesMerge(t *testing.T) {
	m := New(0.85)
	existing := []Existing{{
		Key:         "zenith holdings",
		Identifiers: map[string]string{"crd": "110735"},
	}}

	// Name nowhere near the threshold, but the registration number matches.
	res := m.Match(model.CandidateRecord{
		RawName:     "Completely Different Name",
		Identifiers: map[string]string{"crd": "110735"},
	}, existing)
	if res.New {
		t.Fatal("expected identifier to force a merge")
	}
	if res.ForcedBy != "crd" {
		t.Errorf("expected forced_by=crd, got %q", res.ForcedBy)
	}
	if res.Key != "zenith holdings" {
		t.Errorf("unexpected key %q", res.Key)
	}
}

func TestMatch_IdentifierConflictVetoesMerge(t *testing.T) {
	m := New(0.85)
	existing := []Existing{{
		Key:         "acme capital",
		Identifiers: map[string]string{"crd": "222"},
	}}

	// Identical names, disagreeing registration numbers: two entities.
	res := m.Match(model.CandidateRecord{
		RawName:     "Acme Capital LLC",
		Identifiers: map[string]string{"crd": "111"},
	}, existing)
	if !res.New {
		t.Fatalf("conflicting identifiers must veto the merge, got %+v", res)
	}
	if res.ForcedBy != "" {
		t.Errorf("conflicting identifiers must not force, got forced_by=%q", res.ForcedBy)
	}
	if !res.Ambiguous {
		t.Error("expected identifier conflict flagged as ambiguous")
	}
	if res.Reason != "identifier conflict vetoes name match" {
		t.Errorf("unexpected reason %q", res.Reason)
	}
}

func TestMatch_ConflictVetoesEvenWithOneEqualIdentifier(t *testing.T) {
	m := New(0.85)
	existing := []Existing{{
		Key:         "acme capital",
		Identifiers: map[string]string{"crd": "110735", "cik": "0000123"},
	}}

	// One identifier equal, another conflicting: still two entities.
	res := m.Match(model.CandidateRecord{
		RawName:     "Acme Capital LLC",
		Identifiers: map[string]string{"crd": "110735", "cik": "0000999"},
	}, existing)
	if res.ForcedBy != "" {
		t.Errorf("conflicting identifiers must not force, got forced_by=%q", res.ForcedBy)
	}
	if !res.New {
		t.Error("expected conflicting group excluded from the fuzzy pass")
	}
	if !res.Ambiguous {
		t.Error("expected identifier conflict flagged as ambiguous")
	}
}

func TestMatch_ForcedMatchOrderIndependence(t *testing.T) {
	m := New(0.85)
	// Both groups carry the candidate's registry number; the group with more
	// prior records must win regardless of slice order.
	a := Existing{Key: "acme capital", RecordCount: 1, Identifiers: map[string]string{"crd": "110735"}}
	b := Existing{Key: "acme capital group", RecordCount: 4, Identifiers: map[string]string{"crd": "110735"}}
	cand := model.CandidateRecord{
		RawName:     "Acme Capital",
		Identifiers: map[string]string{"crd": "110735"},
	}

	forward := m.Match(cand, []Existing{a, b})
	reversed := m.Match(cand, []Existing{b, a})
	if forward.Key != "acme capital group" || reversed.Key != forward.Key {
		t.Errorf("forced match not order-independent: %q vs %q", forward.Key, reversed.Key)
	}
	if forward.ForcedBy != "crd" {
		t.Errorf("expected crd to force, got %q", forward.ForcedBy)
	}
}

func TestMatch_TiePrefersMoreRecords(t *testing.T) {
	m := New(0.85)
	// Both groups share the candidate's token set, so both score 1.0.
	existing := []Existing{
		{Key: "capital acme", RecordCount: 4},
		{Key: "acme capital", RecordCount: 1},
	}

	res := m.Match(model.CandidateRecord{RawName: "Acme Capital"}, existing)
	if res.New {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Key != "capital acme" {
		t.Errorf("expected tie to prefer group with more records, got %q", res.Key)
	}
	if !res.Ambiguous {
		t.Error("expected tie to be flagged ambiguous")
	}
}

func TestMatch_OrderIndependence(t *testing.T) {
	m := New(0.85)
	names := []string{"Acme Capital, LLC", "Acme Capital", "acme capital llc"}

	build := func(order []string) map[string]int {
		groups := make(map[string]int)
		var existing []Existing
		for _, n := range order {
			res := m.Match(model.CandidateRecord{RawName: n}, existing)
			groups[res.Key]++
			if res.New {
				existing = append(existing, Existing{Key: res.Key, RecordCount: 1})
			} else {
				for i := range existing {
					if existing[i].Key == res.Key {
						existing[i].RecordCount++
					}
				}
			}
		}
		return groups
	}

	forward := build(names)
	reversed := build([]string{names[2], names[1], names[0]})

	if len(forward) != 1 || len(reversed) != 1 {
		t.Fatalf("expected a single group both ways, got %v and %v", forward, reversed)
	}
	for k := range forward {
		if _, ok := reversed[k]; !ok {
			t.Errorf("group keys differ by arrival order: %v vs %v", forward, reversed)
		}
	}
}
