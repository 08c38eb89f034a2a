package synth

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// Failover prefers the primary synthesizer and switches to the fallback when
// the primary fails. Once on the fallback it stays there until the fallback
// fails, then the primary is tried again.
type Failover struct {
	primary        Synthesizer
	fallback       Synthesizer
	fallbackActive atomic.Bool
}

func NewFailover(primary, fallback Synthesizer) *Failover {
	return &Failover{primary: primary, fallback: fallback}
}

func (f *Failover) FallbackActive() bool {
	return f.fallbackActive.Load()
}

func (f *Failover) Synthesize(ctx context.Context, text string) (Audio, error) {
	first, second := f.primary, f.fallback
	if f.fallbackActive.Load() {
		first, second = f.fallback, f.primary
	}

	audio, firstErr := first.Synthesize(ctx, text)
	if firstErr == nil {
		return audio, nil
	}
	if permanent(firstErr) || ctx.Err() != nil {
		return Audio{}, firstErr
	}

	audio, secondErr := second.Synthesize(ctx, text)
	if secondErr != nil {
		return Audio{}, fmt.Errorf("synthesis failed: %v; then: %w", firstErr, secondErr)
	}
	f.fallbackActive.Store(second == f.fallback)
	return audio, nil
}

// permanent errors are about the input, not the provider.
func permanent(err error) bool {
	return errors.Is(err, ErrEmptyText) || errors.Is(err, ErrTextTooShort) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
