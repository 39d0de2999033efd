// Package ratelimit provides per-target throttling shared by all strategies.
// Every request to an external system funnels through one Keyed limiter, so
// strategies hitting the same target are paced irrespective of how many jobs
// or goroutines dispatched them.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Config controls per-key limits.
type Config struct {
	// MaxConcurrent is the maximum number of outstanding permits per key.
	// Default: 3.
	MaxConcurrent int

	// RequestsPerSecond paces grants per key: consecutive grants for the
	// same key are spaced at least 1/RequestsPerSecond apart. Default: 2.
	RequestsPerSecond float64
}

// DefaultConfig returns conservative per-target limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     3,
		RequestsPerSecond: 2,
	}
}

// Keyed throttles callers per target key. Per-key state is created lazily on
// first acquire. Acquire never fails on its own; it only delays, so callers
// apply their own timeout through ctx.
type Keyed struct {
	mu     sync.Mutex
	cfg    Config
	states map[string]*keyState
}

type keyState struct {
	slots chan struct{}
	pacer *rate.Limiter
}

// NewKeyed creates a keyed limiter.
func NewKeyed(cfg Config) *Keyed {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	return &Keyed{
		cfg:    cfg,
		states: make(map[string]*keyState),
	}
}

func (k *Keyed) state(key string) *keyState {
	k.mu.Lock()
	defer k.mu.Unlock()
	st, ok := k.states[key]
	if !ok {
		st = &keyState{
			slots: make(chan struct{}, k.cfg.MaxConcurrent),
			pacer: rate.NewLimiter(rate.Limit(k.cfg.RequestsPerSecond), 1),
		}
		k.states[key] = st
	}
	return st
}

// Permit is a scoped grant for one request against one target key.
// Release is idempotent and safe to defer on every exit path.
type Permit struct {
	once    sync.Once
	release func()
}

// Release returns the concurrency slot. Calling it more than once is a no-op.
func (p *Permit) Release() {
	p.once.Do(p.release)
}

// Acquire blocks until a concurrency slot is free for key and the per-key
// request rate allows another grant. The returned permit must be released.
func (k *Keyed) Acquire(ctx context.Context, key string) (*Permit, error) {
	st := k.state(key)

	select {
	case st.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := st.pacer.Wait(ctx); err != nil {
		<-st.slots
		return nil, err
	}

	return &Permit{release: func() { <-st.slots }}, nil
}

// Outstanding returns the number of currently held permits for key.
func (k *Keyed) Outstanding(key string) int {
	k.mu.Lock()
	st, ok := k.states[key]
	k.mu.Unlock()
	if !ok {
		return 0
	}
	return len(st.slots)
}
