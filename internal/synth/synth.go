// Package synth turns short speech units into raw PCM audio.
package synth

import (
	"context"
	"errors"
)

var (
	ErrEmptyText    = errors.New("synth: empty text")
	ErrTextTooShort = errors.New("synth: text below minimum length")
)

// Audio is mono 16-bit little-endian PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
}

// Synthesizer converts one speech unit to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}
