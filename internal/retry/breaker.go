package retry

import (
	"sync"
	"time"

	"github.com/bryanveloso/landale-bridge/internal/rterr"
)

// BreakerState is one of the three circuit-breaker states.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a named-target circuit breaker.
type BreakerConfig struct {
	// Threshold is the failure count within Window that trips the
	// breaker to Open.
	Threshold int
	Window    time.Duration
	// Cooldown is how long Open lasts before a single probe (HalfOpen)
	// is allowed through.
	Cooldown time.Duration
}

// DefaultBreakerConfig trips after 5 failures in 30s, cools down for 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Window: 30 * time.Second, Cooldown: 30 * time.Second}
}

// Breaker is a single named-target circuit breaker.
type Breaker struct {
	mu            sync.Mutex
	cfg           BreakerConfig
	state         BreakerState
	fails         []time.Time
	openAt        time.Time
	probeInFlight bool
	now           func() time.Time
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: Closed, now: time.Now}
}

// Allow reports whether a call should proceed, and if so whether this
// call is the single half-open probe. When the breaker is Open and the
// cooldown has not elapsed, Allow returns a circuit_open error.
func (b *Breaker) Allow() (proceed bool, isProbe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case Closed:
		return true, false, nil
	case Open:
		if now.Sub(b.openAt) < b.cfg.Cooldown {
			return false, false, rterr.New(rterr.KindCircuitOpen, "circuit open")
		}
		b.state = HalfOpen
		b.probeInFlight = true
		return true, true, nil
	case HalfOpen:
		if b.probeInFlight {
			return false, false, rterr.New(rterr.KindCircuitOpen, "probe already in flight")
		}
		b.probeInFlight = true
		return true, true, nil
	}
	return true, false, nil
}

// RecordSuccess reports a successful call, closing the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.fails = nil
	b.probeInFlight = false
}

// RecordFailure reports a failed call. Within Closed, Threshold failures
// inside Window trips to Open. Within HalfOpen, the failed probe trips
// back to Open immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false

	now := b.now()
	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openAt = now
		return
	case Open:
		return
	}

	b.fails = append(b.fails, now)
	cutoff := now.Add(-b.cfg.Window)
	kept := b.fails[:0]
	for _, t := range b.fails {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.fails = kept
	if len(b.fails) >= b.cfg.Threshold {
		b.state = Open
		b.openAt = now
		b.fails = nil
	}
}

// State returns the current breaker state, for status reporting.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry holds one Breaker per named target (e.g. "twitch.helix",
// "rainwave.info"), created lazily on first use.
type Registry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry using cfg for every new target.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the Breaker for target, creating it on first use.
func (r *Registry) For(target string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[target]
	if !ok {
		b = NewBreaker(r.cfg)
		r.breakers[target] = b
	}
	return b
}
