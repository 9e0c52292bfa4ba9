// Package host implements the generic supervised service host: one
// owning goroutine per connector, lifecycle management, status
// reporting, and idempotent teardown across every exit path.
package host

import (
	"context"
	"sync"
	"time"

	"github.com/bryanveloso/landale-bridge/internal/bus"
	"github.com/bryanveloso/landale-bridge/internal/cache"
	"github.com/bryanveloso/landale-bridge/internal/clock"
)

// State is the connection state of a connector. It changes through
// SetState, and Stop resets it to disconnected. The session id carried
// alongside it is set with SetSessionID and cleared by SetState on
// entering disconnected, connecting or reconnecting.
type State string

const (
	StateDisconnected      State = "disconnected"
	StateConnecting        State = "connecting"
	StateUpgrading         State = "upgrading"
	StateConnected         State = "connected"
	StateReady             State = "ready"
	StateReconnecting      State = "reconnecting"
	StateKeepaliveTimeout  State = "keepalive-timeout"
	StateError             State = "error"
)

// HealthStatus is the coarse health classification of a connector.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// DegradedThreshold and DownThreshold are the default consecutive-error
// thresholds: degraded at the first consecutive error, down at five.
const (
	DegradedThreshold = 1
	DownThreshold     = 5
)

// Health is one connector's health record.
type Health struct {
	Status            HealthStatus
	TotalErrors       int
	ConsecutiveErrors int
	LastSuccess       time.Time
	LastAttempt       time.Time
}

// StatusSnapshot is the fixed, typed status structure published on the
// dashboard topic and returned by Host.Status.
type StatusSnapshot struct {
	Connector string
	State     State
	Health    Health
	SessionID string
	LastError string
}

// RunFunc is a connector's main loop. It runs on the Host's owning
// goroutine until ctx is cancelled; all state mutation during its
// execution must go through the Host it was given, so the connector's
// state is only ever mutated from its own goroutine.
type RunFunc func(ctx context.Context, h *Host)

// TerminateFunc performs connector-specific cleanup (transports, pending
// requests) on every exit path. It must be idempotent.
type TerminateFunc func(reason error)

// Host is the generic supervised session for one connector.
type Host struct {
	name   string
	bus    *bus.Bus
	cache  *cache.Cache
	timers *clock.Timers

	run       RunFunc
	terminate TerminateFunc

	downThreshold     int
	degradedThreshold int

	mu        sync.Mutex
	state     State
	health    Health
	sessionID string
	lastErr   error

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	doneCh    chan struct{}
}

// Options configures a Host.
type Options struct {
	DegradedThreshold int
	DownThreshold     int
	Terminate         TerminateFunc
}

// New creates a Host for connector name. run is invoked once Start is
// called and should loop until its context is cancelled.
func New(name string, b *bus.Bus, c *cache.Cache, run RunFunc, opts Options) *Host {
	if opts.DegradedThreshold <= 0 {
		opts.DegradedThreshold = DegradedThreshold
	}
	if opts.DownThreshold <= 0 {
		opts.DownThreshold = DownThreshold
	}
	return &Host{
		name:              name,
		bus:               b,
		cache:             c,
		timers:            clock.NewTimers(),
		run:               run,
		terminate:         opts.Terminate,
		degradedThreshold: opts.DegradedThreshold,
		downThreshold:     opts.DownThreshold,
		state:             StateDisconnected,
		health:            Health{Status: HealthOK},
	}
}

// Timers returns the per-owner timer table the connector should use for
// every scheduled callback, so Stop can guarantee deterministic teardown.
func (h *Host) Timers() *clock.Timers { return h.timers }

// Bus returns the shared topic bus.
func (h *Host) Bus() *bus.Bus { return h.bus }

// Cache returns the shared status cache.
func (h *Host) Cache() *cache.Cache { return h.cache }

// Name returns the connector's name, used as the cache namespace and the
// event-topic provider prefix.
func (h *Host) Name() string { return h.name }

// Start begins the connector's run loop on its own goroutine. Idempotent.
func (h *Host) Start(parent context.Context) {
	h.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(parent)
		h.cancel = cancel
		h.doneCh = make(chan struct{})
		go func() {
			defer close(h.doneCh)
			h.run(ctx, h)
		}()
	})
}

// Stop cancels the run loop, waits for it to exit (bounded by ctx), and
// guarantees idempotent cleanup of timers and connector-owned resources
// on every exit path.
func (h *Host) Stop(ctx context.Context) {
	h.stopOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		if h.doneCh != nil {
			select {
			case <-h.doneCh:
			case <-ctx.Done():
			}
		}
		h.timers.Close()
		if h.terminate != nil {
			h.terminate(nil)
		}
		h.mu.Lock()
		h.state = StateDisconnected
		h.sessionID = ""
		h.mu.Unlock()
		h.publishStatus()
	})
}

// SetState performs the only allowed state transition. An established
// session implies a non-empty session id: callers transitioning into
// StateReady must call SetSessionID first.
func (h *Host) SetState(s State) {
	h.mu.Lock()
	h.state = s
	if s == StateDisconnected || s == StateConnecting || s == StateReconnecting {
		h.sessionID = ""
	}
	h.mu.Unlock()
	h.publishStatus()
}

// SetSessionID records the remote-issued session id for the current
// transport lifetime.
func (h *Host) SetSessionID(id string) {
	h.mu.Lock()
	h.sessionID = id
	h.mu.Unlock()
	h.publishStatus()
}

// SessionID returns the current session id, or "" if disconnected.
func (h *Host) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

// State returns the current connection state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// RecordSuccess resets consecutive errors to zero and raises status to
// ok.
func (h *Host) RecordSuccess() {
	h.mu.Lock()
	h.health.LastSuccess = time.Now().UTC()
	h.health.LastAttempt = h.health.LastSuccess
	h.health.ConsecutiveErrors = 0
	h.health.Status = HealthOK
	h.lastErr = nil
	h.mu.Unlock()
	h.publishStatus()
}

// RecordError increments total and consecutive error counts and
// recomputes status per the configured thresholds.
func (h *Host) RecordError(err error) {
	h.mu.Lock()
	h.health.LastAttempt = time.Now().UTC()
	h.health.TotalErrors++
	h.health.ConsecutiveErrors++
	switch {
	case h.health.ConsecutiveErrors >= h.downThreshold:
		h.health.Status = HealthDown
	case h.health.ConsecutiveErrors >= h.degradedThreshold:
		h.health.Status = HealthDegraded
	}
	h.lastErr = err
	h.mu.Unlock()
	h.publishStatus()
}

// Health returns a snapshot of the health record.
func (h *Host) Health() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health
}

// Status returns the full status snapshot.
func (h *Host) Status() StatusSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	lastErr := ""
	if h.lastErr != nil {
		lastErr = h.lastErr.Error()
	}
	return StatusSnapshot{
		Connector: h.name,
		State:     h.state,
		Health:    h.health,
		SessionID: h.sessionID,
		LastError: lastErr,
	}
}

// publishStatus invalidates the cached status and republishes it on the
// dashboard topic. Invalidate-on-change is primary; the short TTL on
// the write-through only guards against a missed invalidation.
func (h *Host) publishStatus() {
	snapshot := h.Status()
	h.cache.Invalidate(h.name, "status")
	h.cache.Set(h.name, "status", snapshot, 2*time.Second)
	h.bus.Publish("dashboard", snapshot)
}
