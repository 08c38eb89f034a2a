// Package cost enforces per-tenant query and speech synthesis budgets.
//
// Every counter lives in a rolling window that is reset lazily: the window is
// checked on access and restarted once it is observed to be stale. There is no
// background ticker.
package cost

import (
	"fmt"
	"sync"
	"time"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// Reason explains why a query was rejected.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonRateLimited Reason = "rate_limited"
	ReasonCooldown    Reason = "cooldown"
	ReasonHourlyLimit Reason = "hourly_limit_exceeded"
)

// Limits configures the budgets. Zero or negative caps disable that check.
type Limits struct {
	MaxQueriesPerMinute int
	MaxQueriesPerHour   int
	QueryCooldown       time.Duration
	TTSCallsPerHour     int
}

// Decision is the result of a query admission check.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Message    string
	RetryAfter time.Duration
}

// Usage is a point-in-time copy of a tenant's counters.
type Usage struct {
	QueriesThisMinute int
	QueriesThisHour   int
	TTSCallsThisHour  int
	LastQueryAt       time.Time
}

type window struct {
	count   int
	startAt time.Time
}

// roll restarts the window when it is stale at now.
func (w *window) roll(now time.Time, length time.Duration) {
	if w.startAt.IsZero() || now.Sub(w.startAt) > length {
		w.count = 0
		w.startAt = now
	}
}

func (w *window) remaining(now time.Time, length time.Duration) time.Duration {
	d := length - now.Sub(w.startAt)
	if d < 0 {
		return 0
	}
	return d
}

type tenantUsage struct {
	minute      window
	hour        window
	tts         window
	lastQueryAt time.Time
}

// Policy tracks usage for every tenant. It is safe for concurrent use.
type Policy struct {
	mu      sync.Mutex
	limits  Limits
	now     func() time.Time
	tenants map[string]*tenantUsage
}

type Option func(*Policy)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		if now != nil {
			p.now = now
		}
	}
}

func New(limits Limits, opts ...Option) *Policy {
	p := &Policy{
		limits:  limits,
		now:     time.Now,
		tenants: make(map[string]*tenantUsage),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Limits returns the configured budgets.
func (p *Policy) Limits() Limits {
	return p.limits
}

// usage must be called with p.mu held.
func (p *Policy) usage(tenantID string) *tenantUsage {
	u, ok := p.tenants[tenantID]
	if !ok {
		u = &tenantUsage{}
		p.tenants[tenantID] = u
	}
	return u
}

// CheckQuery reports whether tenantID may start a query now. It does not count
// the query; call RecordQuery once the query is accepted.
func (p *Policy) CheckQuery(tenantID string) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	u := p.usage(tenantID)
	u.minute.roll(now, minuteWindow)
	u.hour.roll(now, hourWindow)

	if limit := p.limits.MaxQueriesPerHour; limit > 0 && u.hour.count >= limit {
		return Decision{
			Reason:     ReasonHourlyLimit,
			Message:    fmt.Sprintf("hourly query limit of %d reached", limit),
			RetryAfter: u.hour.remaining(now, hourWindow),
		}
	}
	if limit := p.limits.MaxQueriesPerMinute; limit > 0 && u.minute.count >= limit {
		return Decision{
			Reason:     ReasonRateLimited,
			Message:    fmt.Sprintf("limit of %d queries per minute reached", limit),
			RetryAfter: u.minute.remaining(now, minuteWindow),
		}
	}
	if cd := p.limits.QueryCooldown; cd > 0 && !u.lastQueryAt.IsZero() {
		if since := now.Sub(u.lastQueryAt); since < cd {
			return Decision{
				Reason:     ReasonCooldown,
				Message:    fmt.Sprintf("please wait %s between queries", cd),
				RetryAfter: cd - since,
			}
		}
	}
	return Decision{Allowed: true}
}

// RecordQuery counts an accepted query against the tenant's windows.
func (p *Policy) RecordQuery(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	u := p.usage(tenantID)
	u.minute.roll(now, minuteWindow)
	u.hour.roll(now, hourWindow)
	u.minute.count++
	u.hour.count++
	u.lastQueryAt = now
}

// ReserveTTS takes one synthesis call from the tenant's hourly budget. It
// returns false, without counting, once the budget is spent.
func (p *Policy) ReserveTTS(tenantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	u := p.usage(tenantID)
	u.tts.roll(now, hourWindow)
	if limit := p.limits.TTSCallsPerHour; limit > 0 && u.tts.count >= limit {
		return false
	}
	u.tts.count++
	return true
}

// Usage returns the tenant's counters as seen at the current time.
func (p *Policy) Usage(tenantID string) Usage {
	p.mu.Lock()
	defer p.mu.Unlock()

	u, ok := p.tenants[tenantID]
	if !ok {
		return Usage{}
	}
	now := p.now()
	u.minute.roll(now, minuteWindow)
	u.hour.roll(now, hourWindow)
	u.tts.roll(now, hourWindow)
	return Usage{
		QueriesThisMinute: u.minute.count,
		QueriesThisHour:   u.hour.count,
		TTSCallsThisHour:  u.tts.count,
		LastQueryAt:       u.lastQueryAt,
	}
}

// Prune forgets tenants with no query or synthesis activity for longer than an
// hour, so their windows would reset on next access anyway.
func (p *Policy) Prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	removed := 0
	for id, u := range p.tenants {
		if now.Sub(u.hour.startAt) <= hourWindow || now.Sub(u.tts.startAt) <= hourWindow {
			continue
		}
		if !u.lastQueryAt.IsZero() && now.Sub(u.lastQueryAt) <= hourWindow {
			continue
		}
		delete(p.tenants, id)
		removed++
	}
	return removed
}
