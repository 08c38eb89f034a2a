package generation

import (
	"context"
	"errors"
	"fmt"
)

// FallbackGenerator tries the primary generator and switches to the fallback
// only when the primary failed before delivering any delta.
type FallbackGenerator struct {
	primary  Generator
	fallback Generator
}

func NewFallbackGenerator(primary, fallback Generator) *FallbackGenerator {
	return &FallbackGenerator{primary: primary, fallback: fallback}
}

func (g *FallbackGenerator) Primary() Generator   { return g.primary }
func (g *FallbackGenerator) Secondary() Generator { return g.fallback }

func (g *FallbackGenerator) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if g.primary == nil {
		if g.fallback == nil {
			return Response{}, errors.New("fallback generator misconfigured")
		}
		return g.fallback.StreamResponse(ctx, req, onDelta)
	}

	emitted := false
	resp, err := g.primary.StreamResponse(ctx, req, func(delta string) error {
		emitted = true
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil {
		return resp, nil
	}
	if emitted || g.fallback == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resp, err
	}

	fbResp, fbErr := g.fallback.StreamResponse(ctx, req, onDelta)
	if fbErr != nil {
		return Response{}, fmt.Errorf("primary generator error: %w; fallback generator error: %v", err, fbErr)
	}
	return fbResp, nil
}
