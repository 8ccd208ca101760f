// Package circuitbreaker guards the chain RPC send path. Each named
// operation gets its own circuit: repeated broadcast failures trip it
// open, rejecting further sends until a cooldown elapses, after which a
// single trial send decides whether the circuit closes again.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the position of a circuit.
type State int

const (
	StateClosed   State = iota // sends flow through
	StateOpen                  // sends rejected until cooldown
	StateHalfOpen              // one trial send in flight
)

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

var breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stakehouse",
	Subsystem: "rpc",
	Name:      "breaker_transitions_total",
	Help:      "RPC circuit transitions by operation, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(breakerTransitions)
}

// circuit is the breaker's view of one operation.
type circuit struct {
	state    State
	failures int
	failedAt time.Time // most recent failure, starts the cooldown clock
}

// Breaker holds one circuit per operation key. A circuit trips open
// after tripAfter consecutive failures and stays open for the cooldown
// before admitting a trial send.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	tripAfter    int
	cooldown     time.Duration
	onTransition func(key string, from, to State)
}

// New creates a breaker that trips after tripAfter consecutive failures
// and cools down for the given duration. Non-positive arguments fall
// back to 5 failures and 30 seconds.
func New(tripAfter int, cooldown time.Duration) *Breaker {
	if tripAfter <= 0 {
		tripAfter = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		tripAfter: tripAfter,
		cooldown:  cooldown,
	}
}

// OnTransition registers a callback fired on every state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a send for key may proceed. An open circuit
// whose cooldown has elapsed moves to half-open and admits exactly one
// trial send; further sends are rejected until that trial is recorded.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true // never failed, nothing tracked
	}

	switch c.state {
	case StateOpen:
		if time.Since(c.failedAt) >= b.cooldown {
			b.shift(c, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess clears the failure streak. A half-open circuit closes.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.shift(c, key, StateClosed)
	}
	c.failures = 0
}

// RecordFailure extends the failure streak. A closed circuit at the
// trip threshold opens; a failed trial send reopens a half-open one.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}

	c.failures++
	c.failedAt = time.Now()

	switch {
	case c.state == StateHalfOpen:
		b.shift(c, key, StateOpen)
	case c.state == StateClosed && c.failures >= b.tripAfter:
		b.shift(c, key, StateOpen)
	}
}

// State returns the circuit position for key; untracked keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// shift moves a circuit to a new state. Caller holds b.mu; the callback
// runs on its own goroutine so it cannot deadlock against the breaker.
func (b *Breaker) shift(c *circuit, key string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	breakerTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(key, from, to)
	}
}
