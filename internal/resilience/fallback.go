package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a FallbackGroup failed or
// had an open breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackGroup orders a primary backend and its fallbacks, each behind its
// own circuit breaker. Calls try the entries in registration order and stop
// at the first success.
type FallbackGroup[T any] struct {
	entries []groupEntry[T]
	breaker BreakerConfig
	log     *slog.Logger
}

type groupEntry[T any] struct {
	name    string
	backend T
	breaker *Breaker
}

// NewFallbackGroup builds a group with primary as its first entry.
func NewFallbackGroup[T any](primaryName string, primary T, breaker BreakerConfig, log *slog.Logger) *FallbackGroup[T] {
	if log == nil {
		log = slog.Default()
	}
	g := &FallbackGroup[T]{breaker: breaker, log: log}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback backend, tried after all earlier entries.
func (g *FallbackGroup[T]) Add(name string, backend T) {
	cfg := g.breaker
	cfg.Name = name
	g.entries = append(g.entries, groupEntry[T]{
		name:    name,
		backend: backend,
		breaker: NewBreaker(cfg, g.log),
	})
}

// Names returns the backend names in try order.
func (g *FallbackGroup[T]) Names() []string {
	names := make([]string, len(g.entries))
	for i, e := range g.entries {
		names[i] = e.name
	}
	return names
}

// Do runs fn against each backend in order until one succeeds. Entries with
// an open breaker are skipped.
func (g *FallbackGroup[T]) Do(fn func(T) error) error {
	var lastErr error
	for i := range g.entries {
		entry := &g.entries[i]
		err := entry.breaker.Do(func() error { return fn(entry.backend) })
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			g.log.Debug("skipping backend, breaker open", "backend", entry.name)
		} else {
			g.log.Warn("backend failed, trying next", "backend", entry.name, "err", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// DoWithResult is the result-returning form of FallbackGroup.Do. It is a
// package function because methods cannot carry their own type parameters.
func DoWithResult[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range g.entries {
		entry := &g.entries[i]
		var result R
		err := entry.breaker.Do(func() error {
			var callErr error
			result, callErr = fn(entry.backend)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			g.log.Debug("skipping backend, breaker open", "backend", entry.name)
		} else {
			g.log.Warn("backend failed, trying next", "backend", entry.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
