// Package resilience provides the circuit breaker and backend failover
// primitives the workers put in front of remote dependencies (memory
// backends, model providers). All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by Breaker.Do while the breaker is open and the reset
// timeout has not elapsed.
var ErrOpen = errors.New("resilience: breaker open")

// BreakerState is the breaker's operating mode.
type BreakerState int

const (
	// Closed forwards every call.
	Closed BreakerState = iota
	// Open rejects calls immediately until the reset timeout elapses.
	Open
	// HalfOpen lets a bounded number of probe calls through. Probes all
	// succeeding closes the breaker; any probe failure re-opens it.
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
	}
	return "unknown"
}

// BreakerConfig tunes a Breaker. Zero fields take the defaults: 5 failures
// to open, 30s reset timeout, 3 half-open probes.
type BreakerConfig struct {
	Name         string
	MaxFailures  int
	ResetTimeout time.Duration
	HalfOpenMax  int
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	log          *slog.Logger

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probes      int
	probeFails  int
}

// NewBreaker builds a breaker from cfg.
func NewBreaker(cfg BreakerConfig, log *slog.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		log:          log,
	}
}

// Do runs fn unless the breaker rejects the call. The returned error is
// ErrOpen for a rejected call, otherwise whatever fn returned.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if time.Since(b.lastFailure) < b.resetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.probes = 0
		b.probeFails = 0
		b.log.Info("breaker half-open", "name", b.name)
	case HalfOpen:
		if b.probes >= b.halfOpenMax {
			b.mu.Unlock()
			return ErrOpen
		}
	}
	probing := b.state == HalfOpen
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

func (b *Breaker) onFailure(probing bool) {
	b.lastFailure = time.Now()
	if probing {
		b.probeFails++
		b.state = Open
		b.failures = b.maxFailures
		b.log.Warn("breaker re-opened", "name", b.name)
		return
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.state = Open
		b.log.Warn("breaker opened", "name", b.name, "failures", b.failures)
	}
}

func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probes-b.probeFails >= b.halfOpenMax {
			b.state = Closed
			b.failures = 0
			b.probes = 0
			b.probeFails = 0
			b.log.Info("breaker closed", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// State reports the effective state. An open breaker past its reset timeout
// reports HalfOpen; the transition itself happens on the next Do.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.lastFailure) >= b.resetTimeout {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probes = 0
	b.probeFails = 0
}
