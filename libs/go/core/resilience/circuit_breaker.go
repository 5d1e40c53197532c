package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker opens after a run of consecutive failures, rejects calls for
// a cool-down period, then lets a limited number of trials through. Any trial
// failure reopens it; enough trial successes close it.
type CircuitBreaker struct {
	mu sync.Mutex

	name          string
	maxFailures   int
	halfOpenAfter time.Duration
	maxTrials     int

	state    breakerState
	failures int
	openedAt time.Time
	trials   int
	passed   int

	now         func() time.Time
	transitions metric.Int64Counter
}

// NewCircuitBreaker opens after maxFailures consecutive failures.
func NewCircuitBreaker(name string, maxFailures int, halfOpenAfter time.Duration, maxTrials int) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	if maxTrials < 1 {
		maxTrials = 1
	}
	tr, _ := otel.GetMeterProvider().Meter("swarm-go").Int64Counter("swarm_resilience_circuit_transitions_total")
	return &CircuitBreaker{
		name:          name,
		maxFailures:   maxFailures,
		halfOpenAfter: halfOpenAfter,
		maxTrials:     maxTrials,
		now:           time.Now,
		transitions:   tr,
	}
}

// Allow returns whether a call is permitted.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if c.now().Sub(c.openedAt) < c.halfOpenAfter {
			return false
		}
		c.transition(stateHalfOpen)
		c.trials, c.passed = 0, 0
		fallthrough
	case stateHalfOpen:
		if c.trials >= c.maxTrials {
			return false
		}
		c.trials++
	}
	return true
}

// RecordResult records the outcome of a permitted call.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateClosed:
		if success {
			c.failures = 0
			return
		}
		c.failures++
		if c.failures >= c.maxFailures {
			c.open()
		}
	case stateHalfOpen:
		if !success {
			c.open()
			return
		}
		c.passed++
		if c.passed >= c.maxTrials {
			c.failures = 0
			c.transition(stateClosed)
		}
	}
}

// State names the current state: closed, open or half-open.
func (c *CircuitBreaker) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

func (c *CircuitBreaker) open() {
	c.openedAt = c.now()
	c.transition(stateOpen)
}

func (c *CircuitBreaker) transition(to breakerState) {
	c.state = to
	c.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("breaker", c.name),
		attribute.String("state", to.String()),
	))
}
