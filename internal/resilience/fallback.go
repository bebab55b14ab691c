package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [Chain] failed or was
// skipped because its breaker is open.
var ErrAllFailed = errors.New("resilience: all backends failed")

type link[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain holds a primary value and its fallbacks, each guarded by its own
// [Breaker]. Entries are tried in the order they were added.
//
// A Chain is immutable after construction and safe for concurrent use.
type Chain[T any] struct {
	links []link[T]
}

// Entry names one member of a [Chain].
type Entry[T any] struct {
	Name  string
	Value T
}

// NewChain builds a chain over entries. The first entry is the primary.
// cfg is copied into every breaker with Name set to the entry's name.
func NewChain[T any](cfg BreakerConfig, entries ...Entry[T]) *Chain[T] {
	c := &Chain[T]{links: make([]link[T], 0, len(entries))}
	for _, e := range entries {
		bc := cfg
		bc.Name = e.Name
		c.links = append(c.links, link[T]{name: e.Name, value: e.Value, breaker: NewBreaker(bc)})
	}
	return c
}

// Len returns the number of entries.
func (c *Chain[T]) Len() int { return len(c.links) }

// Names returns the entry names in order.
func (c *Chain[T]) Names() []string {
	names := make([]string, len(c.links))
	for i, l := range c.links {
		names[i] = l.name
	}
	return names
}

// Primary returns the first entry.
func (c *Chain[T]) Primary() Entry[T] {
	if len(c.links) == 0 {
		return Entry[T]{}
	}
	return Entry[T]{Name: c.links[0].name, Value: c.links[0].value}
}

// Breaker returns the breaker guarding the named entry, or nil.
func (c *Chain[T]) Breaker(name string) *Breaker {
	for i := range c.links {
		if c.links[i].name == name {
			return c.links[i].breaker
		}
	}
	return nil
}

// Try calls fn for each entry until one succeeds and returns that entry's
// result and name. Entries with an open breaker are skipped. An error
// matching [context.Canceled] stops the walk and is returned unwrapped.
// When every entry fails the last error is wrapped in [ErrAllFailed].
//
// Try is a function rather than a method because methods cannot declare
// their own type parameters.
func Try[T, R any](c *Chain[T], fn func(T) (R, error)) (R, string, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range c.links {
		l := &c.links[i]
		var res R
		err := l.breaker.Do(func() error {
			var err error
			res, err = fn(l.value)
			return err
		})
		switch {
		case err == nil:
			return res, l.name, nil
		case errors.Is(err, context.Canceled):
			return zero, l.name, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("resilience: skipping backend, circuit open", "backend", l.name)
		default:
			slog.Warn("resilience: backend failed, trying next", "backend", l.name, "err", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no backends configured")
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
