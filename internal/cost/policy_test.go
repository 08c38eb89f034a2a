package cost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestPolicy(limits Limits) (*Policy, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	return New(limits, WithClock(clock.Now)), clock
}

func defaultLimits() Limits {
	return Limits{
		MaxQueriesPerMinute: 10,
		MaxQueriesPerHour:   100,
		QueryCooldown:       2 * time.Second,
		TTSCallsPerHour:     100,
	}
}

func TestCheckQueryMinuteWindow(t *testing.T) {
	p, clock := newTestPolicy(defaultLimits())

	for i := 0; i < 10; i++ {
		d := p.CheckQuery("acme")
		require.True(t, d.Allowed, "query %d", i)
		p.RecordQuery("acme")
		clock.Advance(3 * time.Second)
	}

	d := p.CheckQuery("acme")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	clock.Advance(time.Minute)
	d = p.CheckQuery("acme")
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonNone, d.Reason)
}

func TestCheckQueryCooldown(t *testing.T) {
	p, clock := newTestPolicy(defaultLimits())

	require.True(t, p.CheckQuery("acme").Allowed)
	p.RecordQuery("acme")

	clock.Advance(500 * time.Millisecond)
	d := p.CheckQuery("acme")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonCooldown, d.Reason)
	assert.Equal(t, 1500*time.Millisecond, d.RetryAfter)

	clock.Advance(2 * time.Second)
	assert.True(t, p.CheckQuery("acme").Allowed)
}

func TestCheckQueryHourlyTakesPrecedence(t *testing.T) {
	limits := defaultLimits()
	limits.MaxQueriesPerHour = 3
	limits.MaxQueriesPerMinute = 3
	p, _ := newTestPolicy(limits)

	for i := 0; i < 3; i++ {
		p.RecordQuery("acme")
	}

	// Minute cap and cooldown are also hit; the hourly reason wins.
	d := p.CheckQuery("acme")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonHourlyLimit, d.Reason)
	assert.Contains(t, d.Message, "3")
}

func TestCheckQueryHourlyWindowResets(t *testing.T) {
	limits := defaultLimits()
	limits.MaxQueriesPerHour = 2
	p, clock := newTestPolicy(limits)

	p.RecordQuery("acme")
	clock.Advance(5 * time.Second)
	p.RecordQuery("acme")
	clock.Advance(5 * time.Second)
	assert.Equal(t, ReasonHourlyLimit, p.CheckQuery("acme").Reason)

	clock.Advance(time.Hour)
	assert.True(t, p.CheckQuery("acme").Allowed)
}

func TestRejectedQueriesAreNotCounted(t *testing.T) {
	p, clock := newTestPolicy(defaultLimits())

	p.RecordQuery("acme")
	for i := 0; i < 5; i++ {
		clock.Advance(100 * time.Millisecond)
		require.Equal(t, ReasonCooldown, p.CheckQuery("acme").Reason)
	}

	usage := p.Usage("acme")
	assert.Equal(t, 1, usage.QueriesThisMinute)
	assert.Equal(t, 1, usage.QueriesThisHour)
}

func TestTenantsAreIndependent(t *testing.T) {
	p, _ := newTestPolicy(defaultLimits())

	p.RecordQuery("acme")
	assert.Equal(t, ReasonCooldown, p.CheckQuery("acme").Reason)
	assert.True(t, p.CheckQuery("globex").Allowed)
}

func TestReserveTTS(t *testing.T) {
	limits := defaultLimits()
	limits.TTSCallsPerHour = 3
	p, clock := newTestPolicy(limits)

	for i := 0; i < 3; i++ {
		assert.True(t, p.ReserveTTS("acme"), "call %d", i)
	}
	assert.False(t, p.ReserveTTS("acme"))
	assert.Equal(t, 3, p.Usage("acme").TTSCallsThisHour)

	clock.Advance(time.Hour + time.Second)
	assert.True(t, p.ReserveTTS("acme"))
	assert.Equal(t, 1, p.Usage("acme").TTSCallsThisHour)
}

func TestDisabledLimits(t *testing.T) {
	p, _ := newTestPolicy(Limits{})

	for i := 0; i < 500; i++ {
		require.True(t, p.CheckQuery("acme").Allowed)
		p.RecordQuery("acme")
		require.True(t, p.ReserveTTS("acme"))
	}
}

func TestUsageForUnknownTenant(t *testing.T) {
	p, _ := newTestPolicy(defaultLimits())
	assert.Equal(t, Usage{}, p.Usage("nobody"))
}

func TestPrune(t *testing.T) {
	p, clock := newTestPolicy(defaultLimits())

	p.RecordQuery("stale")
	assert.True(t, p.ReserveTTS("stale"))
	clock.Advance(30 * time.Minute)
	p.RecordQuery("fresh")

	assert.Equal(t, 0, p.Prune())

	clock.Advance(45 * time.Minute)
	assert.Equal(t, 1, p.Prune())
	assert.Equal(t, 1, p.Usage("fresh").QueriesThisHour)

	p.mu.Lock()
	_, stillThere := p.tenants["stale"]
	p.mu.Unlock()
	assert.False(t, stillThere)
}
