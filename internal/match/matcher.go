package match

import (
	"fmt"

	"github.com/agext/levenshtein"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/model"
)

// DefaultThreshold is the similarity ratio at or above which two normalized
// names are declared the same entity.
const DefaultThreshold = 0.85

// Similarity scores two normalized names in [0,1]. It takes the better of a
// token-set overlap ratio (robust to word order) and an edit-distance ratio
// (robust to small spelling variants).
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	ts := tokenSetRatio(a, b)
	ed := levenshtein.Similarity(a, b, nil)
	if ts > ed {
		return ts
	}
	return ed
}

// tokenSetRatio is the Dice coefficient over unique token sets.
func tokenSetRatio(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	var common int
	for tok := range ta {
		if tb[tok] {
			common++
		}
	}
	return 2 * float64(common) / float64(len(ta)+len(tb))
}

// Existing describes one identity group already present in the job scope.
type Existing struct {
	Key         string
	RecordCount int
	Identifiers map[string]string
}

// Result explains a match decision for the reasoning log.
type Result struct {
	Key       string  `json:"key"`
	New       bool    `json:"new"`
	Score     float64 `json:"score"`
	ForcedBy  string  `json:"forced_by,omitempty"` // identifier name, when an identifier match forced the merge
	Ambiguous bool    `json:"ambiguous"`           // tie among groups, or identifier conflict observed
	Reason    string  `json:"reason"`
}

// Matcher assigns candidate records to identity groups.
type Matcher struct {
	threshold float64
}

// New creates a matcher. threshold <= 0 uses DefaultThreshold.
func New(threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{threshold: threshold}
}

// Match decides which existing identity group the candidate belongs to, or
// that it starts a new group. An equal structured identifier present on both
// sides forces the match regardless of name similarity. A conflicting value
// for a shared identifier disqualifies the group entirely: two registration
// numbers that disagree are two entities no matter how similar the names
// read. Ties among equally similar groups prefer the group with more prior
// records, then the lexicographically smaller key, so grouping is
// order-independent.
func (m *Matcher) Match(cand model.CandidateRecord, existing []Existing) Result {
	key := cand.NormalizedKey
	if key == "" {
		key = NormalizeName(cand.RawName)
	}

	// Pass 1: structured identifiers. Conflicting groups are vetoed from the
	// fuzzy pass; among forced matches the same tie-break as pass 2 applies.
	var conflict bool
	vetoed := make([]bool, len(existing))
	var forcedGroup *Existing
	var forcedBy string
	for i := range existing {
		e := &existing[i]
		forced, conflicted := identifierMatch(cand.Identifiers, e.Identifiers)
		if conflicted {
			conflict = true
			vetoed[i] = true
			continue
		}
		if forced == "" {
			continue
		}
		if forcedGroup == nil ||
			e.RecordCount > forcedGroup.RecordCount ||
			(e.RecordCount == forcedGroup.RecordCount && e.Key < forcedGroup.Key) {
			forcedGroup, forcedBy = e, forced
		}
	}
	if forcedGroup != nil {
		return Result{
			Key:       forcedGroup.Key,
			Score:     1,
			ForcedBy:  forcedBy,
			Ambiguous: conflict,
			Reason:    fmt.Sprintf("identifier %s equal on both sides", forcedBy),
		}
	}

	// Pass 2: fuzzy name similarity over non-vetoed groups.
	var best *Existing
	var bestScore float64
	var tied, vetoedAbove bool
	for i := range existing {
		e := &existing[i]
		score := Similarity(key, e.Key)
		if score < m.threshold {
			continue
		}
		if vetoed[i] {
			vetoedAbove = true
			continue
		}
		switch {
		case best == nil || score > bestScore:
			best, bestScore, tied = e, score, false
		case score == bestScore:
			tied = true
			// Tie-break: more prior contributing records, then smaller key.
			if e.RecordCount > best.RecordCount ||
				(e.RecordCount == best.RecordCount && e.Key < best.Key) {
				best = e
			}
		}
	}

	if best != nil {
		if tied {
			zap.L().Debug("match: ambiguous tie resolved by record count",
				zap.String("candidate", key),
				zap.String("chosen", best.Key),
				zap.Float64("score", bestScore),
			)
		}
		return Result{
			Key:       best.Key,
			Score:     bestScore,
			Ambiguous: tied || conflict,
			Reason:    fmt.Sprintf("name similarity %.2f >= %.2f", bestScore, m.threshold),
		}
	}

	reason := "no existing group above threshold"
	if vetoedAbove {
		reason = "identifier conflict vetoes name match"
	}
	return Result{
		Key:       key,
		New:       true,
		Ambiguous: conflict,
		Reason:    reason,
	}
}

// identifierMatch returns the first identifier name present on both sides
// with equal values, and whether any shared identifier held conflicting
// values. A conflict disqualifies the group even when another identifier
// agrees; which side is right is not arbitrated here, only observed.
func identifierMatch(a, b map[string]string) (forced string, conflict bool) {
	for name, av := range a {
		bv, ok := b[name]
		if !ok || av == "" || bv == "" {
			continue
		}
		if av == bv {
			if forced == "" {
				forced = name
			}
		} else {
			conflict = true
		}
	}
	if conflict {
		return "", true
	}
	return forced, false
}
