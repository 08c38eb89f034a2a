package session

import (
	"errors"
	"sync"
	"time"
)

const DefaultContextScope = "all"

var ErrClosed = errors.New("session closed")

// TimerRole names one of the four timers a session owns.
type TimerRole int

const (
	TimerIdle TimerRole = iota
	TimerMaxDuration
	TimerHeartbeat
	TimerQuery
	timerRoleCount
)

func (r TimerRole) String() string {
	switch r {
	case TimerIdle:
		return "idle"
	case TimerMaxDuration:
		return "max_duration"
	case TimerHeartbeat:
		return "heartbeat"
	case TimerQuery:
		return "query"
	default:
		return "unknown"
	}
}

// RemoveReason records why a session left the registry.
type RemoveReason string

const (
	RemoveDisconnect  RemoveReason = "disconnect"
	RemoveIdle        RemoveReason = "idle"
	RemoveMaxDuration RemoveReason = "max_duration"
	RemoveAuthFailed  RemoveReason = "auth_failed"
	RemoveSweep       RemoveReason = "sweep"
	RemoveShutdown    RemoveReason = "shutdown"
)

// LiveHandle is the attached full-duplex bridge, if any.
type LiveHandle interface {
	Close() error
}

type timerSlot struct {
	timer *time.Timer
	gen   uint64
}

// Session is one authenticated transport connection. Sessions are created by
// a Registry and are safe for concurrent use.
type Session struct {
	ID          string
	TenantID    string
	ConnectedAt time.Time

	now func() time.Time

	mu             sync.Mutex
	contextScope   string
	lastActivityAt time.Time
	activeQueryID  string
	queryCount     int
	cancelledCount int
	timers         [timerRoleCount]timerSlot
	live           LiveHandle
	closed         bool
	removeReason   RemoveReason
	done           chan struct{}
}

func newSession(id, tenantID string, now func() time.Time) *Session {
	t := now()
	return &Session{
		ID:             id,
		TenantID:       tenantID,
		ConnectedAt:    t,
		now:            now,
		contextScope:   DefaultContextScope,
		lastActivityAt: t,
		done:           make(chan struct{}),
	}
}

// Done is closed once the session has been removed from its registry.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// RemoveReason is empty while the session is live.
func (s *Session) RemoveReason() RemoveReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeReason
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivityAt = s.now()
	s.mu.Unlock()
}

func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

func (s *Session) ContextScope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextScope
}

// SetContextScope switches the retrieval scope. An empty scope resets to the
// default.
func (s *Session) SetContextScope(scope string) string {
	if scope == "" {
		scope = DefaultContextScope
	}
	s.mu.Lock()
	s.contextScope = scope
	s.mu.Unlock()
	return scope
}

// StartQuery marks queryID as the running query and returns the query that it
// replaced, if any.
func (s *Session) StartQuery(queryID string) (previous string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = s.activeQueryID
	if previous != "" {
		s.cancelledCount++
	}
	s.activeQueryID = queryID
	s.queryCount++
	s.lastActivityAt = s.now()
	return previous
}

// EndQuery clears the running query if it is still queryID.
func (s *Session) EndQuery(queryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeQueryID != queryID {
		return false
	}
	s.activeQueryID = ""
	return true
}

func (s *Session) ActiveQueryID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeQueryID
}

// Active reports whether a query pipeline is running.
func (s *Session) Active() bool {
	return s.ActiveQueryID() != ""
}

func (s *Session) QueryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryCount
}

func (s *Session) CancelledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelledCount
}

// ArmTimer (re)starts the timer for role. fire runs on its own goroutine and
// is skipped when the timer was cleared or re-armed in the meantime, or when
// the session is closed.
func (s *Session) ArmTimer(role TimerRole, d time.Duration, fire func()) {
	if role < 0 || role >= timerRoleCount || fire == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	slot := &s.timers[role]
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.gen++
	gen := slot.gen
	slot.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		cur := &s.timers[role]
		if s.closed || cur.gen != gen {
			s.mu.Unlock()
			return
		}
		cur.timer = nil
		s.mu.Unlock()
		fire()
	})
}

// ClearTimer stops the timer for role. Clearing an unarmed timer is a no-op.
func (s *Session) ClearTimer(role TimerRole) {
	if role < 0 || role >= timerRoleCount {
		return
	}
	s.mu.Lock()
	s.clearTimerLocked(role)
	s.mu.Unlock()
}

func (s *Session) clearTimerLocked(role TimerRole) {
	slot := &s.timers[role]
	if slot.timer != nil {
		slot.timer.Stop()
		slot.timer = nil
	}
	slot.gen++
}

// ArmedTimers lists the roles that currently hold a pending timer.
func (s *Session) ArmedTimers() []TimerRole {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TimerRole
	for role := TimerRole(0); role < timerRoleCount; role++ {
		if s.timers[role].timer != nil {
			out = append(out, role)
		}
	}
	return out
}

// AttachLive stores the bridge handle. If the session is already closed the
// handle is closed and ErrClosed is returned.
func (s *Session) AttachLive(h LiveHandle) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = h.Close()
		return ErrClosed
	}
	s.live = h
	s.mu.Unlock()
	return nil
}

// DetachLive removes and returns the bridge handle without closing it.
func (s *Session) DetachLive() LiveHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.live
	s.live = nil
	return h
}

func (s *Session) HasLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live != nil
}

// shutdown closes the live bridge first, then clears every timer and closes
// Done. Only the first call has any effect.
func (s *Session) shutdown(reason RemoveReason) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.removeReason = reason
	live := s.live
	s.live = nil
	s.mu.Unlock()

	if live != nil {
		_ = live.Close()
	}

	s.mu.Lock()
	for role := TimerRole(0); role < timerRoleCount; role++ {
		s.clearTimerLocked(role)
	}
	s.activeQueryID = ""
	s.mu.Unlock()
	close(s.done)
	return true
}
