package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voicegw/internal/reliability"
)

const (
	httpMaxAttempts  = 3
	httpBackoffBase  = 200 * time.Millisecond
	httpBackoffLimit = 2 * time.Second
)

// HTTPGenerator posts the request to a streaming text endpoint. The endpoint
// may answer with text/event-stream, application/x-ndjson or a single JSON
// object.
type HTTPGenerator struct {
	url    string
	client *http.Client
	strict bool
}

func NewHTTPGenerator(url string, strict bool) *HTTPGenerator {
	return &HTTPGenerator{
		url: strings.TrimSpace(url),
		// No client timeout: the stream lives as long as the query context.
		client: &http.Client{},
		strict: strict,
	}
}

// StreamResponse retries retryable failures, but only until the first delta
// has been delivered.
func (g *HTTPGenerator) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	emitted := false
	track := func(delta string) error {
		emitted = true
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	}

	for attempt := 0; ; attempt++ {
		resp, err := g.streamOnce(ctx, payload, track)
		if err == nil || emitted || attempt+1 >= httpMaxAttempts || !reliability.IsRetryable(err) {
			return resp, err
		}
		t := time.NewTimer(reliability.ExponentialBackoff(attempt, httpBackoffBase, httpBackoffLimit))
		select {
		case <-ctx.Done():
			t.Stop()
			return Response{}, ctx.Err()
		case <-t.C:
		}
	}
}

func (g *HTTPGenerator) streamOnce(ctx context.Context, payload []byte, onDelta DeltaHandler) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")

	res, err := g.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Response{}, &reliability.StatusError{Service: "generation", Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return g.consumeSSE(res.Body, onDelta)
	case strings.Contains(ct, "application/x-ndjson"):
		return g.consumeNDJSON(res.Body, onDelta)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	text := strings.TrimSpace(string(body))
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		if msg := extractError(obj); msg != "" {
			return Response{}, fmt.Errorf("generation error: %s", msg)
		}
		text = extractText(obj)
	}
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

var errStreamDone = errors.New("stream done")

func (g *HTTPGenerator) consumeSSE(body io.Reader, onDelta DeltaHandler) (Response, error) {
	var out strings.Builder
	err := scanLines(body, func(line string) error {
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			return nil
		}
		data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		return g.handlePayload(data, &out, onDelta)
	})
	if err != nil && !errors.Is(err, errStreamDone) {
		return Response{}, err
	}
	return Response{Text: out.String()}, nil
}

func (g *HTTPGenerator) consumeNDJSON(body io.Reader, onDelta DeltaHandler) (Response, error) {
	var out strings.Builder
	err := scanLines(body, func(line string) error {
		if strings.TrimSpace(line) == "" {
			return nil
		}
		return g.handlePayload(line, &out, onDelta)
	})
	if err != nil && !errors.Is(err, errStreamDone) {
		return Response{}, err
	}
	return Response{Text: out.String()}, nil
}

// handlePayload turns one stream record into a delta. JSON records carry the
// text in a known field; other records are raw text unless strict is set.
func (g *HTTPGenerator) handlePayload(data string, out *strings.Builder, onDelta DeltaHandler) error {
	trimmed := strings.TrimSpace(data)
	if trimmed == "[DONE]" {
		return errStreamDone
	}

	delta := data
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		if msg := extractError(obj); msg != "" {
			return fmt.Errorf("generation error: %s", msg)
		}
		if done, _ := obj["done"].(bool); done {
			return errStreamDone
		}
		delta = extractText(obj)
	} else if g.strict {
		return fmt.Errorf("invalid stream record %q: %w", truncate(trimmed, 64), err)
	}

	if delta == "" {
		return nil
	}
	out.WriteString(delta)
	if onDelta != nil {
		return onDelta(delta)
	}
	return nil
}

func scanLines(body io.Reader, fn func(line string) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := fn(strings.TrimRight(scanner.Text(), "\r")); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"delta", "text", "output", "message"} {
		if s, ok := obj[k].(string); ok {
			return s
		}
	}
	return ""
}

func extractError(obj map[string]any) string {
	switch v := obj["error"].(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["message"].(string); ok {
			return s
		}
		return "unknown error"
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
