package synth

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
)

// MockSynthesizer renders a soft tone whose length follows the text, so the
// rest of the pipeline can run without a speech provider.
type MockSynthesizer struct {
	sampleRate int
}

func NewMockSynthesizer(sampleRate int) *MockSynthesizer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &MockSynthesizer{sampleRate: sampleRate}
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, text string) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Audio{}, ErrEmptyText
	}

	// ~60ms per character, capped at 6 seconds.
	samples := len(text) * m.sampleRate * 60 / 1000
	if limit := 6 * m.sampleRate; samples > limit {
		samples = limit
	}
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(1200 * math.Sin(2*math.Pi*220*float64(i)/float64(m.sampleRate)))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return Audio{PCM: pcm, SampleRate: m.sampleRate}, nil
}
