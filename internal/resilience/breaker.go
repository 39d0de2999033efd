package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrTargetOpen is returned when a target's breaker is rejecting dispatches.
var ErrTargetOpen = eris.New("target breaker is open")

// BreakerConfig controls the per-target circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures against one
	// target before dispatches to it are rejected. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long a target stays rejected before a probe
	// dispatch is allowed through. Default: 30s.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig returns sensible breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// TargetBreaker tracks consecutive failures per target key and rejects
// dispatches to targets that keep failing, until a reset window passes.
// The orchestrator consults it before dispatching a strategy so a dead
// external system does not burn the job's strategy budget on retries.
type TargetBreaker struct {
	cfg BreakerConfig

	mu     sync.Mutex
	states map[string]*breakerState

	nowFunc func() time.Time // injectable for testing
}

type breakerState struct {
	consecutiveFailures int
	openedAt            time.Time
	probing             bool
}

// NewTargetBreaker creates a breaker with the given config.
func NewTargetBreaker(cfg BreakerConfig) *TargetBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &TargetBreaker{
		cfg:     cfg,
		states:  make(map[string]*breakerState),
		nowFunc: time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (b *TargetBreaker) WithNow(now func() time.Time) *TargetBreaker {
	b.nowFunc = now
	return b
}

// Allow reports whether a dispatch against target may proceed. After the
// reset timeout a single probe is let through; its outcome decides whether
// the target reopens or recovers.
func (b *TargetBreaker) Allow(target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[target]
	if !ok || st.consecutiveFailures < b.cfg.FailureThreshold {
		return nil
	}

	if b.nowFunc().Sub(st.openedAt) < b.cfg.ResetTimeout {
		return ErrTargetOpen
	}

	// Reset window elapsed: admit one probe at a time.
	if st.probing {
		return ErrTargetOpen
	}
	st.probing = true
	return nil
}

// Record reports the outcome of a dispatch against target.
func (b *TargetBreaker) Record(target string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[target]
	if !ok {
		st = &breakerState{}
		b.states[target] = st
	}
	st.probing = false

	if err == nil {
		st.consecutiveFailures = 0
		return
	}

	st.consecutiveFailures++
	if st.consecutiveFailures == b.cfg.FailureThreshold {
		st.openedAt = b.nowFunc()
		zap.L().Warn("target breaker opened",
			zap.String("target", target),
			zap.Int("consecutive_failures", st.consecutiveFailures),
		)
	}
}
