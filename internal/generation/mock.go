package generation

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockGenerator streams a deterministic local reply, a few words per delta.
type MockGenerator struct {
	chunkWords int
	delay      time.Duration
}

func NewMockGenerator() *MockGenerator {
	return &MockGenerator{chunkWords: 3}
}

// WithDelay makes the mock pause between deltas.
func (g *MockGenerator) WithDelay(d time.Duration) *MockGenerator {
	g.delay = d
	return g
}

func (g *MockGenerator) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	text := buildMockReply(req)
	for _, delta := range chunkWords(text, g.chunkWords) {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Response{}, err
			}
		}
		if g.delay > 0 {
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(g.delay):
			}
		}
	}
	return Response{Text: text}, nil
}

func buildMockReply(req Request) string {
	q := strings.TrimSpace(req.Query)
	if q == "" {
		q = "nothing"
	}
	scope := req.ContextScope
	if scope == "" {
		scope = "all"
	}
	reply := fmt.Sprintf("You asked about %s. This is a local answer for the %s documents.", strings.TrimRight(q, ".?!"), scope)
	for i := len(req.PriorTurns) - 1; i >= 0; i-- {
		if req.PriorTurns[i].Role == "user" && strings.TrimSpace(req.PriorTurns[i].Content) != "" {
			reply += fmt.Sprintf(" Earlier you asked about %s.", strings.TrimRight(strings.TrimSpace(req.PriorTurns[i].Content), ".?!"))
			break
		}
	}
	return reply
}

// chunkWords splits text into pieces of n words, keeping the separating
// spaces so the pieces concatenate back to text.
func chunkWords(text string, n int) []string {
	if n <= 0 {
		return []string{text}
	}
	var (
		out   []string
		start int
		words int
	)
	for i := 0; i < len(text); i++ {
		if text[i] != ' ' {
			continue
		}
		words++
		if words == n {
			out = append(out, text[start:i+1])
			start = i + 1
			words = 0
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
