package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(cfg RegistryConfig) (*Registry, *testClock) {
	clock := &testClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	return NewRegistry(cfg, WithClock(clock.Now)), clock
}

type fakeLive struct {
	closed     atomic.Int32
	doneAtShut bool
	sess       *Session
}

func (f *fakeLive) Close() error {
	f.closed.Add(1)
	if f.sess != nil {
		select {
		case <-f.sess.Done():
			f.doneAtShut = true
		default:
		}
	}
	return nil
}

func TestRegistryTenantLimit(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{MaxSessionsPerTenant: 2})

	s1, err := r.Create("acme")
	require.NoError(t, err)
	_, err = r.Create("acme")
	require.NoError(t, err)

	_, err = r.Create("acme")
	assert.True(t, errors.Is(err, ErrTenantSessionLimit))

	_, err = r.Create("globex")
	assert.NoError(t, err, "other tenants are not affected")

	require.True(t, r.Remove(s1.ID, RemoveDisconnect))
	_, err = r.Create("acme")
	assert.NoError(t, err)
	assert.Equal(t, 2, r.TenantCount("acme"))
	assert.Equal(t, 3, r.ActiveCount())
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{MaxSessionsPerTenant: 3})

	s1, _ := r.Create("acme")
	_, _ = r.Create("acme")

	var hooks atomic.Int32
	r.SetRemoveHook(func(*Session, RemoveReason) { hooks.Add(1) })

	assert.True(t, r.Remove(s1.ID, RemoveDisconnect))
	assert.False(t, r.Remove(s1.ID, RemoveIdle))
	assert.Equal(t, 1, r.TenantCount("acme"))
	assert.Equal(t, int32(1), hooks.Load())
	assert.Equal(t, RemoveDisconnect, s1.RemoveReason())

	_, err := r.Get(s1.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRegistryRemoveClearsTimersAndClosesLiveFirst(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})
	s, err := r.Create("acme")
	require.NoError(t, err)

	var fired atomic.Int32
	for _, role := range []TimerRole{TimerIdle, TimerMaxDuration, TimerHeartbeat, TimerQuery} {
		s.ArmTimer(role, 20*time.Millisecond, func() { fired.Add(1) })
	}
	require.Len(t, s.ArmedTimers(), 4)

	live := &fakeLive{sess: s}
	require.NoError(t, s.AttachLive(live))

	r.Remove(s.ID, RemoveDisconnect)

	assert.Empty(t, s.ArmedTimers())
	assert.Equal(t, int32(1), live.closed.Load())
	assert.False(t, live.doneAtShut, "live bridge must be closed before the session is marked done")
	select {
	case <-s.Done():
	default:
		t.Fatal("Done() not closed after Remove")
	}

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	s.ArmTimer(TimerIdle, time.Millisecond, func() { fired.Add(1) })
	assert.Empty(t, s.ArmedTimers(), "closed sessions cannot arm timers")
}

func TestAttachLiveAfterCloseClosesHandle(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})
	s, _ := r.Create("acme")
	r.Remove(s.ID, RemoveDisconnect)

	live := &fakeLive{}
	err := s.AttachLive(live)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Equal(t, int32(1), live.closed.Load())
}

// attachOnClose attaches another handle while it is being closed, the way a
// startLive racing a sweep would.
type attachOnClose struct {
	sess   *Session
	next   *fakeLive
	err    error
	closed atomic.Int32
}

func (a *attachOnClose) Close() error {
	a.closed.Add(1)
	a.err = a.sess.AttachLive(a.next)
	return nil
}

func TestAttachLiveDuringShutdownIsRefused(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})
	s, err := r.Create("acme")
	require.NoError(t, err)

	first := &attachOnClose{sess: s, next: &fakeLive{}}
	require.NoError(t, s.AttachLive(first))

	require.True(t, r.Remove(s.ID, RemoveSweep))
	assert.Equal(t, int32(1), first.closed.Load())
	assert.True(t, errors.Is(first.err, ErrClosed))
	assert.Equal(t, int32(1), first.next.closed.Load(), "late handle must be closed, not stored")
	assert.False(t, s.HasLive())
}

func TestArmTimerRearmSupersedesPendingFire(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})
	s, _ := r.Create("acme")

	var first, second atomic.Int32
	s.ArmTimer(TimerIdle, 30*time.Millisecond, func() { first.Add(1) })
	s.ArmTimer(TimerIdle, 10*time.Millisecond, func() { second.Add(1) })

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
	assert.Empty(t, s.ArmedTimers())
}

func TestClearTimer(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})
	s, _ := r.Create("acme")

	var fired atomic.Int32
	s.ArmTimer(TimerQuery, 10*time.Millisecond, func() { fired.Add(1) })
	s.ClearTimer(TimerQuery)
	s.ClearTimer(TimerQuery)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestSessionQueryTracking(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})
	s, _ := r.Create("acme")

	assert.Equal(t, "", s.StartQuery("q1"))
	assert.True(t, s.Active())
	assert.Equal(t, "q1", s.StartQuery("q2"))
	assert.False(t, s.EndQuery("q1"), "stale query cannot end the running one")
	assert.True(t, s.EndQuery("q2"))
	assert.False(t, s.Active())
	assert.Equal(t, 2, s.QueryCount())
	assert.Equal(t, 1, s.CancelledCount())
}

func TestSessionContextScope(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})
	s, _ := r.Create("acme")

	assert.Equal(t, DefaultContextScope, s.ContextScope())
	assert.Equal(t, "doc-42", s.SetContextScope("doc-42"))
	assert.Equal(t, DefaultContextScope, s.SetContextScope(""))
}

func TestSweepRemovesExpiredAndIdleSessions(t *testing.T) {
	r, clock := newTestRegistry(RegistryConfig{
		MaxSessionsPerTenant: 10,
		MaxSessionDuration:   30 * time.Minute,
		IdleTimeout:          5 * time.Minute,
	})

	old, _ := r.Create("acme")
	clock.Advance(20 * time.Minute)
	idle, _ := r.Create("acme")
	busy, _ := r.Create("acme")

	clock.Advance(11 * time.Minute)
	busy.Touch()

	removed := r.Sweep()
	want := []string{old.ID, idle.ID}
	assert.ElementsMatch(t, want, removed)
	assert.Equal(t, 1, r.TenantCount("acme"))
	assert.Equal(t, RemoveSweep, old.RemoveReason())

	_, err := r.Get(busy.ID)
	assert.NoError(t, err)
}

func TestSweepKeepsSessionsIdleUnderTwiceTheTimeout(t *testing.T) {
	r, clock := newTestRegistry(RegistryConfig{IdleTimeout: 5 * time.Minute})
	s, _ := r.Create("acme")

	clock.Advance(9 * time.Minute)
	assert.Empty(t, r.Sweep())
	assert.False(t, s.Closed())
}

func TestStartSweeper(t *testing.T) {
	r, clock := newTestRegistry(RegistryConfig{MaxSessionDuration: time.Minute})
	s, _ := r.Create("acme")
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	swept := make(chan []string, 4)
	r.StartSweeper(ctx, 10*time.Millisecond, func(ids []string) {
		if len(ids) > 0 {
			swept <- ids
		}
	})

	select {
	case ids := <-swept:
		assert.Equal(t, []string{s.ID}, ids)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not remove the expired session")
	}
	assert.Equal(t, 0, r.ActiveCount())
}

func TestCloseAll(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})
	a, _ := r.Create("acme")
	b, _ := r.Create("globex")

	assert.Equal(t, 2, r.CloseAll(RemoveShutdown))
	assert.Equal(t, 0, r.ActiveCount())
	assert.True(t, a.Closed())
	assert.Equal(t, RemoveShutdown, b.RemoveReason())
}

func TestConcurrentCreateRespectsLimit(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{MaxSessionsPerTenant: 3})

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Create("acme"); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3), ok.Load())
	assert.Equal(t, 3, r.TenantCount("acme"))
}
