package generation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGenerator struct {
	deltas []string
	err    error
	calls  int
}

func (s *stubGenerator) StreamResponse(_ context.Context, _ Request, onDelta DeltaHandler) (Response, error) {
	s.calls++
	var b strings.Builder
	for _, d := range s.deltas {
		b.WriteString(d)
		if onDelta != nil {
			if err := onDelta(d); err != nil {
				return Response{}, err
			}
		}
	}
	if s.err != nil {
		return Response{}, s.err
	}
	return Response{Text: b.String()}, nil
}

func TestNewGeneratorModes(t *testing.T) {
	g, err := NewGenerator(Config{Mode: "auto"})
	require.NoError(t, err)
	assert.IsType(t, &MockGenerator{}, g)

	g, err = NewGenerator(Config{Mode: "auto", HTTPURL: "http://gen.local"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPGenerator{}, g)

	g, err = NewGenerator(Config{Mode: "http", HTTPURL: "http://gen.local", FallbackMock: true})
	require.NoError(t, err)
	fb, ok := g.(*FallbackGenerator)
	require.True(t, ok)
	assert.IsType(t, &HTTPGenerator{}, fb.Primary())
	assert.IsType(t, &MockGenerator{}, fb.Secondary())

	_, err = NewGenerator(Config{Mode: "http"})
	assert.Error(t, err)

	_, err = NewGenerator(Config{Mode: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestMockGeneratorStreamsConcatenatableDeltas(t *testing.T) {
	var deltas []string
	resp, err := NewMockGenerator().StreamResponse(context.Background(), Request{
		Query:        "footing depth?",
		ContextScope: "doc-1",
		PriorTurns:   []Turn{{Role: "user", Content: "slab thickness"}, {Role: "assistant", Content: "Four inches."}},
	}, collect(&deltas))
	require.NoError(t, err)
	assert.Greater(t, len(deltas), 1)
	assert.Equal(t, resp.Text, strings.Join(deltas, ""))
	assert.Contains(t, resp.Text, "footing depth")
	assert.Contains(t, resp.Text, "doc-1")
	assert.Contains(t, resp.Text, "Earlier you asked about slab thickness.")
}

func TestMockGeneratorHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMockGenerator().StreamResponse(ctx, Request{Query: "x"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChunkWords(t *testing.T) {
	assert.Equal(t, []string{"a b ", "c d ", "e"}, chunkWords("a b c d e", 2))
	assert.Equal(t, []string{"solo"}, chunkWords("solo", 3))
}

func TestFallbackGeneratorUsesSecondaryBeforeFirstDelta(t *testing.T) {
	primary := &stubGenerator{err: errors.New("down")}
	secondary := &stubGenerator{deltas: []string{"backup."}}

	var deltas []string
	resp, err := NewFallbackGenerator(primary, secondary).StreamResponse(context.Background(), Request{}, collect(&deltas))
	require.NoError(t, err)
	assert.Equal(t, "backup.", resp.Text)
	assert.Equal(t, []string{"backup."}, deltas)
}

func TestFallbackGeneratorKeepsPartialPrimaryError(t *testing.T) {
	primary := &stubGenerator{deltas: []string{"half "}, err: errors.New("connection reset")}
	secondary := &stubGenerator{deltas: []string{"backup."}}

	_, err := NewFallbackGenerator(primary, secondary).StreamResponse(context.Background(), Request{}, nil)
	assert.Error(t, err)
	assert.Equal(t, 0, secondary.calls)
}

func TestFallbackGeneratorDoesNotMaskCancellation(t *testing.T) {
	primary := &stubGenerator{err: context.Canceled}
	secondary := &stubGenerator{deltas: []string{"backup."}}

	_, err := NewFallbackGenerator(primary, secondary).StreamResponse(context.Background(), Request{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, secondary.calls)
}
