// Package strategy defines the contract every pluggable collection method
// satisfies, and the registry the planner resolves strategies from.
package strategy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/ratelimit"
	"github.com/sells-group/research-engine/internal/rescache"
	"github.com/sells-group/research-engine/internal/resilience"
)

// Status is a strategy's own classification of its run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Deps carries the shared throttling, retry, and caching services a strategy
// must route its network calls through. Services are injected explicitly;
// strategies never construct their own.
type Deps struct {
	Limiter *ratelimit.Keyed
	Retry   resilience.RetryConfig
	Cache   *rescache.Cache
	// CacheTTL is how long a strategy's fetched responses stay valid in
	// Cache. Zero means responses are not reused.
	CacheTTL time.Duration
}

// Result is the complete output of one strategy execution.
type Result struct {
	Status       Status                  `json:"status"`
	Records      []model.CandidateRecord `json:"records"`
	RequestsMade int                     `json:"requests_made"`
	Err          string                  `json:"error,omitempty"`
}

// Strategy is one pluggable method of collecting facts about an entity from
// a particular external source.
type Strategy interface {
	// ID returns the strategy identifier (matches planner rule output).
	ID() string
	// SourceType classifies the reliability tier of this strategy's source.
	SourceType() model.SourceType
	// TargetKey is the rate-limit scope of the external system this strategy
	// calls (e.g. a host or API group).
	TargetKey() string
	// Execute collects candidate records for the profile. Failures the
	// strategy absorbed go in Result.Err; a returned error means the attempt
	// itself failed.
	Execute(ctx context.Context, profile model.EntityProfile, deps Deps) (*Result, error)
}

// Registry manages available strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.ID()] = s
}

// Get returns a strategy by id, or nil if not found.
func (r *Registry) Get(id string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategies[id]
}

// List returns all registered strategy ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.strategies))
	for id := range r.strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
