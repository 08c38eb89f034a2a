package synth

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"
)

// Guarded wraps a Synthesizer with a minimum text length, a process-wide
// cap on concurrent synthesis calls and a per-call deadline. A call that holds
// a slot never outlives the deadline, however long its caller lives.
type Guarded struct {
	next     Synthesizer
	minChars int
	timeout  time.Duration
	sem      *semaphore.Weighted
}

// NewGuarded builds the guard. A timeout <= 0 leaves calls bounded only by the
// caller's context.
func NewGuarded(next Synthesizer, minChars, maxConcurrent int, timeout time.Duration) *Guarded {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Guarded{
		next:     next,
		minChars: minChars,
		timeout:  timeout,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Synthesize returns ErrTextTooShort without calling the provider when the
// trimmed text has fewer than minChars runes.
func (g *Guarded) Synthesize(ctx context.Context, text string) (Audio, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Audio{}, ErrEmptyText
	}
	if utf8.RuneCountInString(trimmed) < g.minChars {
		return Audio{}, ErrTextTooShort
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return Audio{}, err
	}
	defer g.sem.Release(1)
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return g.next.Synthesize(ctx, trimmed)
}
