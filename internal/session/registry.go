package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("session not found")
	ErrTenantSessionLimit = errors.New("tenant session limit reached")
)

const DefaultSweepInterval = 5 * time.Minute

// RegistryConfig bounds the sessions a Registry will hold.
type RegistryConfig struct {
	MaxSessionsPerTenant int
	MaxSessionDuration   time.Duration
	IdleTimeout          time.Duration
}

type RegistryOption func(*Registry)

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry owns every live session and the per-tenant session counters.
type Registry struct {
	mu        sync.RWMutex
	cfg       RegistryConfig
	now       func() time.Time
	sessions  map[string]*Session
	perTenant map[string]int
	onRemove  func(*Session, RemoveReason)
}

func NewRegistry(cfg RegistryConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:       cfg,
		now:       time.Now,
		sessions:  make(map[string]*Session),
		perTenant: make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetRemoveHook registers a callback run after every effective removal.
func (r *Registry) SetRemoveHook(hook func(*Session, RemoveReason)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = hook
}

// Create allocates a session for tenantID, or fails with
// ErrTenantSessionLimit when the tenant already holds the maximum.
func (r *Registry) Create(tenantID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit := r.cfg.MaxSessionsPerTenant; limit > 0 && r.perTenant[tenantID] >= limit {
		return nil, ErrTenantSessionLimit
	}
	s := newSession(uuid.NewString(), tenantID, r.now)
	r.sessions[s.ID] = s
	r.perTenant[tenantID]++
	return s, nil
}

func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove tears a session down and releases its tenant slot. It is idempotent:
// only the first call for an ID decrements the tenant counter, and it reports
// whether this call did the removal.
func (r *Registry) Remove(sessionID string, reason RemoveReason) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, sessionID)
	if n := r.perTenant[s.TenantID] - 1; n > 0 {
		r.perTenant[s.TenantID] = n
	} else {
		delete(r.perTenant, s.TenantID)
	}
	hook := r.onRemove
	r.mu.Unlock()

	s.shutdown(reason)
	if hook != nil {
		hook(s, reason)
	}
	return true
}

// Sweep force-removes sessions that outlived the maximum duration or have been
// idle for more than twice the idle timeout. It returns the removed IDs.
func (r *Registry) Sweep() []string {
	now := r.now()

	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if r.cfg.MaxSessionDuration > 0 && now.Sub(s.ConnectedAt) > r.cfg.MaxSessionDuration {
			stale = append(stale, id)
			continue
		}
		if r.cfg.IdleTimeout > 0 && now.Sub(s.LastActivityAt()) > 2*r.cfg.IdleTimeout {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	removed := stale[:0]
	for _, id := range stale {
		if r.Remove(id, RemoveSweep) {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done. afterSweep, if
// set, is called after each pass with the removed IDs.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration, afterSweep func([]string)) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := r.Sweep()
				if afterSweep != nil {
					afterSweep(removed)
				}
			}
		}
	}()
}

// CloseAll removes every session, used on server shutdown.
func (r *Registry) CloseAll(reason RemoveReason) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if r.Remove(id, reason) {
			n++
		}
	}
	return n
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) TenantCount(tenantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.perTenant[tenantID]
}
