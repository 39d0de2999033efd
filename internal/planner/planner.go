// Package planner proposes an ordered, prioritized list of strategies for an
// entity. Planning is pure: it never executes anything, so plans can be
// tested and replayed independently of execution.
package planner

import (
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/strategy"
)

// PlannedStrategy is one proposal in a plan.
type PlannedStrategy struct {
	StrategyID         string  `json:"strategy_id"`
	Priority           int     `json:"priority"`            // 0-10
	ExpectedConfidence float64 `json:"expected_confidence"` // 0-1
	Rationale          string  `json:"rationale"`
}

// Rule inspects an entity profile and conditionally proposes a strategy.
// Rules are independent and composable; a nil return proposes nothing.
type Rule func(model.EntityProfile) *PlannedStrategy

// Planner turns a profile into an ordered strategy plan, restricted to
// strategies actually present in the registry.
type Planner struct {
	registry *strategy.Registry
	rules    []Rule
}

// New creates a planner. No rules means DefaultRules.
func New(registry *strategy.Registry, rules ...Rule) *Planner {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Planner{registry: registry, rules: rules}
}

// Plan applies every rule to the profile and returns proposals sorted by
// priority desc, expected confidence desc, then strategy id for a
// deterministic tie-break. Duplicate proposals keep the strongest one.
func (p *Planner) Plan(profile model.EntityProfile) []PlannedStrategy {
	byID := make(map[string]PlannedStrategy)
	for _, rule := range p.rules {
		ps := rule(profile)
		if ps == nil {
			continue
		}
		if ps.Priority < 0 {
			ps.Priority = 0
		}
		if ps.Priority > 10 {
			ps.Priority = 10
		}

		if p.registry != nil && p.registry.Get(ps.StrategyID) == nil {
			zap.L().Debug("planner: proposed strategy not registered",
				zap.String("strategy", ps.StrategyID),
			)
			continue
		}

		if prev, ok := byID[ps.StrategyID]; ok {
			if prev.Priority > ps.Priority ||
				(prev.Priority == ps.Priority && prev.ExpectedConfidence >= ps.ExpectedConfidence) {
				continue
			}
		}
		byID[ps.StrategyID] = *ps
	}

	out := make([]PlannedStrategy, 0, len(byID))
	for _, ps := range byID {
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if out[i].ExpectedConfidence != out[j].ExpectedConfidence {
			return out[i].ExpectedConfidence > out[j].ExpectedConfidence
		}
		return out[i].StrategyID < out[j].StrategyID
	})
	return out
}

// PlanOverride bypasses the rules and plans exactly the given strategy ids in
// the given order, skipping unregistered ids. Priorities descend from 10 so
// the orchestrator dispatches them in the caller's order.
func (p *Planner) PlanOverride(ids []string) []PlannedStrategy {
	out := make([]PlannedStrategy, 0, len(ids))
	prio := 10
	for _, id := range ids {
		if p.registry != nil && p.registry.Get(id) == nil {
			zap.L().Warn("planner: override strategy not registered", zap.String("strategy", id))
			continue
		}
		out = append(out, PlannedStrategy{
			StrategyID:         id,
			Priority:           prio,
			ExpectedConfidence: 0.5,
			Rationale:          "caller override",
		})
		if prio > 0 {
			prio--
		}
	}
	return out
}

// DefaultRules is the built-in rule set. Rules key off which profile
// attributes are available, mirroring how an analyst would pick sources.
func DefaultRules() []Rule {
	return []Rule{
		RuleRegulatoryFilings,
		RuleRegistryLookup,
		RuleFirstPartySite,
		RuleInvestorDirectory,
		RuleNewsSearch,
		RuleWebInference,
	}
}

// RuleRegulatoryFilings always proposes the regulatory filings strategy;
// filings are the most reliable source available for either target type.
func RuleRegulatoryFilings(model.EntityProfile) *PlannedStrategy {
	return &PlannedStrategy{
		StrategyID:         "regulatory-filings",
		Priority:           10,
		ExpectedConfidence: 0.9,
		Rationale:          "regulatory filings rank highest in source reliability",
	}
}

// RuleRegistryLookup proposes a structured registry lookup when the profile
// already carries a registration identifier to key on.
func RuleRegistryLookup(profile model.EntityProfile) *PlannedStrategy {
	for _, id := range []string{"crd", "cik", "lei", "ein"} {
		if profile.Identifiers[id] != "" {
			return &PlannedStrategy{
				StrategyID:         "registry-lookup",
				Priority:           9,
				ExpectedConfidence: 0.85,
				Rationale:          "profile has identifier " + id + " for direct registry lookup",
			}
		}
	}
	return nil
}

// RuleFirstPartySite proposes crawling the entity's own site when a website
// is known.
func RuleFirstPartySite(profile model.EntityProfile) *PlannedStrategy {
	if profile.Website == "" {
		return nil
	}
	return &PlannedStrategy{
		StrategyID:         "first-party-site",
		Priority:           7,
		ExpectedConfidence: 0.7,
		Rationale:          "profile has a website to crawl",
	}
}

// RuleInvestorDirectory proposes the investor directory for investor targets.
func RuleInvestorDirectory(profile model.EntityProfile) *PlannedStrategy {
	if profile.Type != model.TargetTypeInvestor {
		return nil
	}
	return &PlannedStrategy{
		StrategyID:         "investor-directory",
		Priority:           6,
		ExpectedConfidence: 0.6,
		Rationale:          "target is an institutional investor",
	}
}

// RuleNewsSearch always proposes a news search as a coverage backstop.
func RuleNewsSearch(model.EntityProfile) *PlannedStrategy {
	return &PlannedStrategy{
		StrategyID:         "news-search",
		Priority:           4,
		ExpectedConfidence: 0.5,
		Rationale:          "press coverage fills fields primary sources omit",
	}
}

// RuleWebInference proposes inference from general web search only when no
// website is known; it is the weakest source and used as a last resort.
func RuleWebInference(profile model.EntityProfile) *PlannedStrategy {
	if profile.Name == "" || profile.Website != "" {
		return nil
	}
	return &PlannedStrategy{
		StrategyID:         "web-inference",
		Priority:           2,
		ExpectedConfidence: 0.3,
		Rationale:          "no website known, fall back to web inference",
	}
}
