// Package circuitbreaker provides a circuit breaker with
// closed → open → half-open state transitions.
//
// Subsync has exactly one upstream, the entitlement provider, so the
// breaker guards a single named circuit rather than keying per target.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "subsync",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by circuit name, from-state, and to-state.",
}, []string{"name", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

// Breaker trips open after threshold consecutive failures and stays open
// for openDuration before allowing a single probe request.
type Breaker struct {
	mu           sync.Mutex
	name         string
	state        State
	failures     int
	lastFailure  time.Time
	threshold    int
	openDuration time.Duration
}

// New creates a named circuit breaker.
func New(name string, threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		name:         name,
		threshold:    threshold,
		openDuration: openDuration,
	}
}

// Allow reports whether a request should be let through. When the
// circuit is open and openDuration has elapsed, it moves to half-open
// and admits one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastFailure) >= b.openDuration {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		// Already probing; reject until the probe completes.
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
	b.failures = 0
}

// RecordFailure counts a failure, tripping the circuit open at the
// threshold. A failed probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	if b.state == StateHalfOpen {
		b.transition(StateOpen)
		return
	}
	if b.state == StateClosed && b.failures >= b.threshold {
		b.transition(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition changes state. Caller must hold b.mu.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	stateTransitions.WithLabelValues(b.name, b.state.String(), to.String()).Inc()
	b.state = to
}
