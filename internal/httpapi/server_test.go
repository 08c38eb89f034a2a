package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicegw/internal/auth"
	"github.com/ent0n29/voicegw/internal/config"
	"github.com/ent0n29/voicegw/internal/protocol"
	"github.com/ent0n29/voicegw/internal/session"
)

// echoOrchestrator accepts one credential and answers set_context with
// document_set until the transport goes away.
type echoOrchestrator struct {
	mu          sync.Mutex
	credentials []string
}

func (o *echoOrchestrator) RunConnection(ctx context.Context, credential string, inbound <-chan any, outbound chan<- any) error {
	o.mu.Lock()
	o.credentials = append(o.credentials, credential)
	o.mu.Unlock()

	if credential != "tok-acme" {
		outbound <- protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: protocol.CodeAuthInvalid, Message: "invalid credential", Fatal: true}
		return fmt.Errorf("authenticate: %w", auth.ErrInvalidCredential)
	}
	outbound <- protocol.Authenticated{Type: protocol.TypeAuthenticated, SessionID: "s1", TenantID: "acme"}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			switch m := msg.(type) {
			case protocol.SetContext:
				outbound <- protocol.DocumentSet{Type: protocol.TypeDocumentSet, ContextScope: m.ContextScope}
			case protocol.StopLive:
				return nil
			}
		}
	}
}

func (o *echoOrchestrator) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.credentials...)
}

func newTestServer(t *testing.T, cfg config.Config, orch Orchestrator) (*httptest.Server, *session.Registry) {
	t.Helper()
	registry := session.NewRegistry(session.RegistryConfig{MaxSessionsPerTenant: 3})
	srv := New(cfg, registry, orch, nil, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, registry
}

func dialWS(t *testing.T, ts *httptest.Server, query string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHealthAndReady(t *testing.T) {
	ts, registry := newTestServer(t, config.Config{}, &echoOrchestrator{})
	_, err := registry.Create("acme")
	require.NoError(t, err)

	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var payload map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	assert.Equal(t, "ready", payload["status"])
	assert.Equal(t, float64(1), payload["active_sessions"])
}

func TestReadyWithoutOrchestrator(t *testing.T) {
	srv := New(config.Config{}, nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/voice/ws", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestPerfLatencyWithoutMetrics(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{}, &echoOrchestrator{})
	res, err := http.Get(ts.URL + "/v1/perf/latency")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	assert.Contains(t, payload, "stages")
}

func TestStatusReportsDegradedCollaborators(t *testing.T) {
	cfg := config.Config{
		AuthMode:         "static",
		AuthStaticTokens: "tok=acme",
		SynthProvider:    "elevenlabs",
		LiveAPIKey:       "live-secret",
		RedisURL:         "redis://localhost:6379/0",
		ElevenLabsAPIKey: "",
	}
	ts, _ := newTestServer(t, cfg, &echoOrchestrator{})
	res, err := http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	defer res.Body.Close()

	var payload statusResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	assert.Equal(t, "redis", payload.MemoryBackend)
	assert.True(t, payload.LiveEnabled)
	assert.Equal(t, "auto", payload.GenerationMode)

	byID := map[string]statusCheck{}
	for _, c := range payload.Checks {
		byID[c.ID] = c
	}
	assert.Equal(t, "ok", byID["auth"].Status)
	assert.Equal(t, "error", byID["synth"].Status)
	assert.Equal(t, "warn", byID["generation"].Status)
	assert.Equal(t, "warn", byID["retrieval"].Status)
	assert.Equal(t, "ok", byID["memory"].Status)
	assert.NotContains(t, fmt.Sprint(payload), "live-secret")
}

func TestCredentialFrom(t *testing.T) {
	cases := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{name: "query", target: "/v1/voice/ws?token=abc", want: "abc"},
		{name: "bearer", target: "/v1/voice/ws", header: "Bearer xyz", want: "xyz"},
		{name: "bearer case", target: "/v1/voice/ws", header: "bearer  xyz ", want: "xyz"},
		{name: "query wins", target: "/v1/voice/ws?token=abc", header: "Bearer xyz", want: "abc"},
		{name: "basic ignored", target: "/v1/voice/ws", header: "Basic Zm9v", want: ""},
		{name: "none", target: "/v1/voice/ws", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			assert.Equal(t, tc.want, credentialFrom(r))
		})
	}
}

func TestCloseCodeFor(t *testing.T) {
	code, _ := closeCodeFor(nil)
	assert.Equal(t, websocket.CloseNormalClosure, code)
	code, text := closeCodeFor(auth.ErrMissingCredential)
	assert.Equal(t, websocket.ClosePolicyViolation, code)
	assert.Equal(t, protocol.CodeAuthRequired, text)
	code, _ = closeCodeFor(fmt.Errorf("authenticate: %w", auth.ErrInvalidCredential))
	assert.Equal(t, websocket.ClosePolicyViolation, code)
	code, _ = closeCodeFor(session.ErrTenantSessionLimit)
	assert.Equal(t, websocket.CloseTryAgainLater, code)
	code, _ = closeCodeFor(errors.New("boom"))
	assert.Equal(t, websocket.CloseInternalServerErr, code)
}

func TestVoiceWSRoundTrip(t *testing.T) {
	orch := &echoOrchestrator{}
	ts, _ := newTestServer(t, config.Config{}, orch)
	conn := dialWS(t, ts, "", http.Header{"Authorization": []string{"Bearer tok-acme"}})

	assert.Equal(t, string(protocol.TypeAuthenticated), readEvent(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "set_context", "context_scope": " doc-9 "}))
	msg := readEvent(t, conn)
	assert.Equal(t, string(protocol.TypeDocumentSet), msg["type"])
	assert.Equal(t, "doc-9", msg["context_scope"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "teleport"}))
	msg = readEvent(t, conn)
	assert.Equal(t, string(protocol.TypeErrorEvent), msg["type"])
	assert.Equal(t, protocol.CodeInvalidClientMessage, msg["code"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "stop_live"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, []string{"tok-acme"}, orch.seen())
}

func TestVoiceWSRejectedCredentialClosesWithPolicyViolation(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{}, &echoOrchestrator{})
	conn := dialWS(t, ts, "?token=forged", nil)

	msg := readEvent(t, conn)
	assert.Equal(t, protocol.CodeAuthInvalid, msg["code"])
	assert.Equal(t, true, msg["fatal"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestVoiceWSInboundFloodIsThrottled(t *testing.T) {
	cfg := config.Config{WSInboundRate: 0.01, WSInboundBurst: 1}
	ts, _ := newTestServer(t, cfg, &echoOrchestrator{})
	conn := dialWS(t, ts, "?token=tok-acme", nil)
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "set_context", "context_scope": "a"}))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "set_context", "context_scope": "b"}))

	first := readEvent(t, conn)
	second := readEvent(t, conn)
	got := map[string]any{fmt.Sprint(first["type"]): first, fmt.Sprint(second["type"]): second}
	require.Contains(t, got, string(protocol.TypeDocumentSet))
	require.Contains(t, got, string(protocol.TypeErrorEvent))
	assert.Equal(t, "a", got[string(protocol.TypeDocumentSet)].(map[string]any)["context_scope"])
	assert.Equal(t, protocol.CodeTransportRateLimited, got[string(protocol.TypeErrorEvent)].(map[string]any)["code"])
}
