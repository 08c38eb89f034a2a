package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ent0n29/voicegw/internal/auth"
	"github.com/ent0n29/voicegw/internal/config"
	"github.com/ent0n29/voicegw/internal/observability"
	"github.com/ent0n29/voicegw/internal/protocol"
	"github.com/ent0n29/voicegw/internal/session"
)

const (
	wsBufferSize   = 256
	wsReadLimit    = 2 << 20
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsCloseGrace   = time.Second
)

type Orchestrator interface {
	RunConnection(ctx context.Context, credential string, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg          config.Config
	registry     *session.Registry
	orchestrator Orchestrator
	metrics      *observability.Metrics
	logger       *zap.Logger
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, registry *session.Registry, orchestrator Orchestrator, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:          cfg,
		registry:     registry,
		orchestrator: orchestrator,
		metrics:      metrics,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the serving origin unless
				// explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/voice/ws", s.handleVoiceWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.orchestrator == nil || s.registry == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "voice orchestrator not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.registry.ActiveCount(),
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotQueryLatency())
}

// handleVoiceWS upgrades the request and bridges websocket frames to one
// RunConnection call. The websocket is written only by the writer goroutine.
func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	credential := credentialFrom(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.metrics.SessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, wsBufferSize)
	outbound := make(chan any, wsBufferSize)
	notices := make(chan any, 8)
	runDone := make(chan struct{})
	var runErr error

	go func() {
		defer close(runDone)
		runErr = s.orchestrator.RunConnection(ctx, credential, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, conn, outbound, notices, runDone, &runErr)
	}()

	s.readLoop(ctx, conn, inbound, notices)

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	if runErr != nil {
		s.logger.Info("voice connection rejected", zap.String("remote", r.RemoteAddr), zap.Error(runErr))
	}
	s.metrics.SessionEvent("ws_disconnected")
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, inbound chan<- any, notices chan<- any) {
	limiter := newInboundLimiter(s.cfg.WSInboundRate, s.cfg.WSInboundBurst)

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		if limiter != nil && !limiter.Allow() {
			s.notify(notices, protocol.ErrorEvent{
				Type:    protocol.TypeErrorEvent,
				Code:    protocol.CodeTransportRateLimited,
				Message: "too many messages, slow down",
			})
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.notify(notices, protocol.ErrorEvent{
				Type:    protocol.TypeErrorEvent,
				Code:    protocol.CodeInvalidClientMessage,
				Message: err.Error(),
			})
			continue
		}
		select {
		case <-ctx.Done():
			return
		case inbound <- parsed:
		}
	}
}

// notify queues a transport notice, dropping it when the queue is full.
func (s *Server) notify(notices chan<- any, msg protocol.ErrorEvent) {
	select {
	case notices <- msg:
	default:
		s.metrics.SessionEvent("notice_drop")
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbound <-chan any, notices <-chan any, runDone <-chan struct{}, runErr *error) {
	write := func(msg any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			s.metrics.SessionEvent("ws_write_error")
			cancel()
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-outbound:
			if !write(msg) {
				return
			}
		case msg := <-notices:
			if !write(msg) {
				return
			}
		case <-runDone:
			// RunConnection has returned; flush what it left behind and close
			// the transport with a code matching the outcome.
		drain:
			for {
				select {
				case msg := <-outbound:
					if !write(msg) {
						return
					}
				default:
					break drain
				}
			}
			code, text := closeCodeFor(*runErr)
			deadline := time.Now().Add(wsWriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
			_ = conn.SetReadDeadline(time.Now().Add(wsCloseGrace))
			cancel()
			return
		}
	}
}

// closeCodeFor maps the result of RunConnection to a websocket close code.
func closeCodeFor(err error) (int, string) {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure, "session closed"
	case errors.Is(err, auth.ErrMissingCredential):
		return websocket.ClosePolicyViolation, protocol.CodeAuthRequired
	case errors.Is(err, auth.ErrInvalidCredential):
		return websocket.ClosePolicyViolation, protocol.CodeAuthInvalid
	case errors.Is(err, session.ErrTenantSessionLimit):
		return websocket.CloseTryAgainLater, protocol.CodeTenantSessionLimit
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}

// credentialFrom reads the token from the token query parameter or a bearer
// Authorization header.
func credentialFrom(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func newInboundLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
