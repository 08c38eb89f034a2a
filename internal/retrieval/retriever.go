// Package retrieval fetches grounding text for a query within a tenant's
// context scope.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ent0n29/voicegw/internal/reliability"
)

// Retriever returns context text for query. An empty string means nothing
// relevant was found and is not an error.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID, scope, query string) (string, error)
}

// HTTPRetriever posts {tenant_id, context_scope, query} and expects
// {"context": "..."} back.
type HTTPRetriever struct {
	url    string
	client *http.Client
}

func NewHTTPRetriever(url string, client *http.Client) *HTTPRetriever {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRetriever{url: url, client: client}
}

func (r *HTTPRetriever) Retrieve(ctx context.Context, tenantID, scope, query string) (string, error) {
	var out string
	err := reliability.Retry(ctx, 3, 150*time.Millisecond, 2*time.Second, func(int) error {
		var err error
		out, err = r.retrieveOnce(ctx, tenantID, scope, query)
		return err
	})
	return out, err
}

func (r *HTTPRetriever) retrieveOnce(ctx context.Context, tenantID, scope, query string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"tenant_id":     tenantID,
		"context_scope": scope,
		"query":         query,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build retrieval request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("retrieval request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &reliability.StatusError{Service: "retrieval", Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var payload struct {
		Context string   `json:"context"`
		Chunks  []string `json:"chunks"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode retrieval response: %w", err)
	}
	if strings.TrimSpace(payload.Context) != "" {
		return strings.TrimSpace(payload.Context), nil
	}
	return strings.TrimSpace(strings.Join(payload.Chunks, "\n\n")), nil
}

// StaticRetriever answers from an in-process passage list. Passages are
// ranked by how many query words they contain; the top three are joined.
type StaticRetriever struct {
	passages map[string][]string
}

// NewStaticRetriever takes passages keyed by context scope. Passages under
// the "all" key are visible from every scope.
func NewStaticRetriever(passages map[string][]string) *StaticRetriever {
	return &StaticRetriever{passages: passages}
}

func (s *StaticRetriever) Retrieve(ctx context.Context, _ string, scope, query string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return "", nil
	}

	candidates := append([]string(nil), s.passages[scope]...)
	if scope != "all" {
		candidates = append(candidates, s.passages["all"]...)
	}

	type scored struct {
		text  string
		score int
	}
	var hits []scored
	for _, p := range candidates {
		lower := strings.ToLower(p)
		score := 0
		for _, w := range words {
			w = strings.Trim(w, "?.,!;:\"'")
			if len(w) > 2 && strings.Contains(lower, w) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{text: p, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > 3 {
		hits = hits[:3]
	}
	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		parts = append(parts, h.text)
	}
	return strings.Join(parts, "\n\n"), nil
}
