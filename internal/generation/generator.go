// Package generation streams answer text from the language model service.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Turn is one prior exchange passed as conversational context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized request sent to a generator.
type Request struct {
	TenantID     string `json:"tenant_id"`
	SessionID    string `json:"session_id"`
	QueryID      string `json:"query_id"`
	ContextScope string `json:"context_scope"`
	Query        string `json:"query"`
	PriorTurns   []Turn `json:"prior_turns,omitempty"`
}

// Response is the final text after all deltas were delivered.
type Response struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments in order. Returning an error
// stops the stream and the error is returned from StreamResponse.
type DeltaHandler func(delta string) error

// Generator produces an ordered, cancellable stream of text fragments.
type Generator interface {
	StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// Config controls generator construction.
type Config struct {
	Mode         string
	HTTPURL      string
	HTTPStrict   bool
	FallbackMock bool
}

func NewGenerator(cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	httpURL := strings.TrimSpace(cfg.HTTPURL)

	switch mode {
	case "auto":
		if httpURL == "" {
			return NewMockGenerator(), nil
		}
		return withMockFallback(NewHTTPGenerator(httpURL, cfg.HTTPStrict), cfg.FallbackMock), nil
	case "http":
		if httpURL == "" {
			return nil, errors.New("generation HTTP url is required for http mode")
		}
		return withMockFallback(NewHTTPGenerator(httpURL, cfg.HTTPStrict), cfg.FallbackMock), nil
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported generation mode %q", cfg.Mode)
	}
}

func withMockFallback(primary Generator, enabled bool) Generator {
	if !enabled {
		return primary
	}
	return NewFallbackGenerator(primary, NewMockGenerator())
}
