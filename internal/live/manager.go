package live

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/voicegw/internal/observability"
	"github.com/ent0n29/voicegw/internal/retrieval"
)

var (
	ErrNoBridge     = errors.New("no live bridge for session")
	ErrNotAvailable = errors.New("live service not configured")
	ErrInvalidAudio = errors.New("invalid live audio payload")
)

// OpenRequest identifies the session a bridge serves.
type OpenRequest struct {
	SessionID string
	TenantID  string
	// Scope returns the session's current context scope at call time.
	Scope func() string
	Emit  func(any)
}

// Manager tracks at most one bridge per session.
type Manager struct {
	cfg       Config
	retriever retrieval.Retriever
	logger    *zap.Logger
	metrics   *observability.Metrics

	mu      sync.Mutex
	bridges map[string]*Bridge
}

func NewManager(cfg Config, retriever retrieval.Retriever, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		retriever: retriever,
		logger:    logger,
		metrics:   metrics,
		bridges:   make(map[string]*Bridge),
	}
}

// Available reports whether an upstream endpoint is configured.
func (m *Manager) Available() bool {
	return m != nil && m.cfg.URL != "" && m.retriever != nil
}

// Open dials the live service and starts a bridge for req.SessionID,
// closing any bridge the session already had.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Bridge, error) {
	if !m.Available() {
		return nil, ErrNotAvailable
	}
	m.Close(req.SessionID)

	scope := req.Scope
	if scope == nil {
		scope = func() string { return "all" }
	}
	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := &Bridge{
		cfg:       m.cfg,
		sessionID: req.SessionID,
		tenantID:  req.TenantID,
		scope:     scope,
		retriever: m.retriever,
		emit:      req.Emit,
		logger:    m.logger.With(zap.String("component", "live")),
		metrics:   m.metrics,
		onClose:   m.forget,
		ctx:       bctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if err := b.dial(ctx); err != nil {
		cancel()
		m.metrics.ProviderError("live", "dial")
		return nil, err
	}

	m.mu.Lock()
	m.bridges[req.SessionID] = b
	m.mu.Unlock()

	go b.readLoop()
	m.logger.Info("live bridge opened", zap.String("session_id", req.SessionID), zap.String("tenant_id", req.TenantID))
	return b, nil
}

func (m *Manager) SendAudio(sessionID, pcm16Base64 string) error {
	if m == nil {
		return ErrNoBridge
	}
	m.mu.Lock()
	b := m.bridges[sessionID]
	m.mu.Unlock()
	if b == nil {
		return ErrNoBridge
	}
	if n, err := decodedLen(pcm16Base64); err != nil || n == 0 || n%2 != 0 {
		return ErrInvalidAudio
	}
	if err := b.SendAudio(pcm16Base64); err != nil {
		return fmt.Errorf("forward live audio: %w", err)
	}
	return nil
}

// Close closes the session's bridge if one exists and reports whether it did.
func (m *Manager) Close(sessionID string) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	b := m.bridges[sessionID]
	m.mu.Unlock()
	if b == nil {
		return false
	}
	_ = b.Close()
	return true
}

func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bridges)
}

func (m *Manager) forget(b *Bridge) {
	m.mu.Lock()
	if m.bridges[b.sessionID] == b {
		delete(m.bridges, b.sessionID)
	}
	m.mu.Unlock()
	m.logger.Info("live bridge closed", zap.String("session_id", b.sessionID))
}
