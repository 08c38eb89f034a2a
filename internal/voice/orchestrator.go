package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/voicegw/internal/auth"
	"github.com/ent0n29/voicegw/internal/cost"
	"github.com/ent0n29/voicegw/internal/generation"
	"github.com/ent0n29/voicegw/internal/live"
	"github.com/ent0n29/voicegw/internal/memory"
	"github.com/ent0n29/voicegw/internal/observability"
	"github.com/ent0n29/voicegw/internal/protocol"
	"github.com/ent0n29/voicegw/internal/session"
	"github.com/ent0n29/voicegw/internal/synth"
)

const (
	defaultSendTimeout  = 2 * time.Second
	memoryLoadTimeout   = 300 * time.Millisecond
	memorySaveTimeout   = 2 * time.Second
	timerEventBacklog   = 8
	cancelReasonClient  = "client_cancel"
	cancelReasonReplace = "superseded"
	cancelReasonClosed  = "session_closed"
	cancelReasonLive    = "live_started"
)

// Settings are the per-session budgets the orchestrator enforces itself.
// Query rate budgets live in the cost policy.
type Settings struct {
	IdleTimeout        time.Duration
	MaxSessionDuration time.Duration
	HeartbeatInterval  time.Duration
	QueryTimeout       time.Duration
	MaxResponseChars   int
	MinSynthChars      int
	HistoryTurns       int
	SendTimeout        time.Duration
}

// Dependencies are the collaborators shared by every connection. Memory and
// Live may be nil.
type Dependencies struct {
	Registry  *session.Registry
	Policy    *cost.Policy
	Verifier  auth.Verifier
	Generator generation.Generator
	Synth     synth.Synthesizer
	Live      *live.Manager
	Memory    memory.Store
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

// Orchestrator runs the voice session state machine for each connection.
type Orchestrator struct {
	settings  Settings
	registry  *session.Registry
	policy    *cost.Policy
	verifier  auth.Verifier
	generator generation.Generator
	synth     synth.Synthesizer
	live      *live.Manager
	memory    memory.Store
	metrics   *observability.Metrics
	logger    *zap.Logger
}

func NewOrchestrator(settings Settings, deps Dependencies) *Orchestrator {
	if settings.SendTimeout <= 0 {
		settings.SendTimeout = defaultSendTimeout
	}
	if settings.MaxResponseChars <= 0 {
		settings.MaxResponseChars = 2000
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	deps.Registry.SetRemoveHook(func(s *session.Session, reason session.RemoveReason) {
		metrics.SessionClosed(string(reason))
	})
	return &Orchestrator{
		settings:  settings,
		registry:  deps.Registry,
		policy:    deps.Policy,
		verifier:  deps.Verifier,
		generator: deps.Generator,
		synth:     deps.Synth,
		live:      deps.Live,
		memory:    deps.Memory,
		metrics:   deps.Metrics,
		logger:    logger,
	}
}

type timerFired struct {
	role    session.TimerRole
	queryID string
}

// connection is the state owned by one RunConnection call. Fields without a
// comment are only touched by the event loop goroutine.
type connection struct {
	o        *Orchestrator
	ctx      context.Context
	sess     *session.Session
	log      *zap.Logger
	outbound chan<- any
	timers   chan timerFired
	loopDone chan struct{}

	current   *queryRun
	nextIndex atomic.Int64 // audio sequence index, shared by all queries
}

// RunConnection authenticates credential, registers a session and serves it
// until the peer disconnects, a session timer expires or the session is
// removed from the registry. Authentication and tenant limit failures are
// reported to the peer and returned.
func (o *Orchestrator) RunConnection(ctx context.Context, credential string, inbound <-chan any, outbound chan<- any) error {
	identity, err := o.authenticate(ctx, credential, outbound)
	if err != nil {
		return err
	}

	sess, err := o.registry.Create(identity.TenantID)
	if err != nil {
		o.metrics.SessionEvent("tenant_limit_rejected")
		o.sendDirect(ctx, outbound, protocol.ErrorEvent{
			Type:    protocol.TypeErrorEvent,
			Code:    protocol.CodeTenantSessionLimit,
			Message: "too many concurrent voice sessions for this account",
			Fatal:   true,
		})
		return err
	}
	o.metrics.SessionOpened()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &connection{
		o:        o,
		ctx:      connCtx,
		sess:     sess,
		log:      o.logger.With(zap.String("session_id", sess.ID), zap.String("tenant_id", sess.TenantID)),
		outbound: outbound,
		timers:   make(chan timerFired, timerEventBacklog),
		loopDone: make(chan struct{}),
	}
	c.log.Info("voice session opened")

	reason := c.loop(inbound)

	close(c.loopDone)
	if c.current != nil {
		c.finish(c.current, queryResult{cancelReason: cancelReasonClosed})
	}
	o.registry.Remove(sess.ID, reason)
	c.log.Info("voice session closed",
		zap.String("reason", string(sess.RemoveReason())),
		zap.Int("queries", sess.QueryCount()),
		zap.Int("cancelled", sess.CancelledCount()),
	)
	return nil
}

func (o *Orchestrator) authenticate(ctx context.Context, credential string, outbound chan<- any) (auth.Identity, error) {
	if strings.TrimSpace(credential) == "" {
		o.metrics.SessionEvent("auth_required")
		o.sendDirect(ctx, outbound, protocol.ErrorEvent{
			Type:    protocol.TypeErrorEvent,
			Code:    protocol.CodeAuthRequired,
			Message: "authentication required",
			Fatal:   true,
		})
		return auth.Identity{}, auth.ErrMissingCredential
	}
	identity, err := o.verifier.Verify(ctx, credential)
	if err != nil {
		o.metrics.SessionEvent("auth_invalid")
		if !errors.Is(err, auth.ErrInvalidCredential) {
			o.metrics.ProviderError("auth", "verify")
			o.logger.Warn("credential verification failed", zap.Error(err))
		}
		o.sendDirect(ctx, outbound, protocol.ErrorEvent{
			Type:    protocol.TypeErrorEvent,
			Code:    protocol.CodeAuthInvalid,
			Message: "invalid credential",
			Fatal:   true,
		})
		return auth.Identity{}, fmt.Errorf("authenticate: %w", err)
	}
	return identity, nil
}

func (c *connection) loop(inbound <-chan any) session.RemoveReason {
	o := c.o
	c.send(protocol.Authenticated{
		Type:      protocol.TypeAuthenticated,
		SessionID: c.sess.ID,
		TenantID:  c.sess.TenantID,
		Limits:    o.limitsMessage(),
	})

	c.armIdle()
	c.sess.ArmTimer(session.TimerMaxDuration, o.settings.MaxSessionDuration, c.postTimer(session.TimerMaxDuration, ""))
	c.armHeartbeat()

	for {
		select {
		case <-c.ctx.Done():
			return session.RemoveDisconnect
		case <-c.sess.Done():
			return c.removedExternally()
		case msg, ok := <-inbound:
			if !ok {
				return session.RemoveDisconnect
			}
			c.handleMessage(msg)
		case ev := <-c.timers:
			if reason, stop := c.handleTimer(ev); stop {
				return reason
			}
		}
	}
}

// removedExternally tells the peer why the registry dropped its session.
func (c *connection) removedExternally() session.RemoveReason {
	reason := c.sess.RemoveReason()
	if reason == session.RemoveShutdown {
		c.send(protocol.ErrorEvent{
			Type:    protocol.TypeErrorEvent,
			Code:    protocol.CodeServerShutdown,
			Message: "server is shutting down",
			Fatal:   true,
		})
	} else {
		c.send(protocol.SessionTimeout{Type: protocol.TypeSessionTimeout, Reason: string(reason)})
	}
	return reason
}

func (c *connection) handleMessage(msg any) {
	c.o.metrics.ObserveMessage("in", string(clientMessageType(msg)))
	switch m := msg.(type) {
	case protocol.SetContext:
		c.activity()
		scope := c.sess.SetContextScope(m.ContextScope)
		c.send(protocol.DocumentSet{Type: protocol.TypeDocumentSet, ContextScope: scope})
	case protocol.Query:
		c.activity()
		c.startQuery(m)
	case protocol.Cancel:
		if c.current != nil && !c.current.isEnded() {
			c.finish(c.current, queryResult{cancelReason: cancelReasonClient})
		}
	case protocol.HeartbeatAck:
		// Acks prove liveness of the transport only; they do not count as
		// user activity.
	case protocol.StartLive:
		c.activity()
		c.startLive()
	case protocol.LiveAudioIn:
		c.activity()
		c.forwardLiveAudio(m)
	case protocol.StopLive:
		c.activity()
		if h := c.sess.DetachLive(); h != nil {
			_ = h.Close()
		}
	default:
		c.log.Debug("ignoring unexpected inbound value", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (c *connection) handleTimer(ev timerFired) (session.RemoveReason, bool) {
	switch ev.role {
	case session.TimerIdle:
		c.o.metrics.SessionEvent("idle_timeout")
		c.send(protocol.SessionTimeout{Type: protocol.TypeSessionTimeout, Reason: protocol.TimeoutIdle})
		return session.RemoveIdle, true
	case session.TimerMaxDuration:
		c.o.metrics.SessionEvent("max_duration_timeout")
		c.send(protocol.SessionTimeout{Type: protocol.TypeSessionTimeout, Reason: protocol.TimeoutMaxDuration})
		return session.RemoveMaxDuration, true
	case session.TimerHeartbeat:
		c.send(protocol.Heartbeat{Type: protocol.TypeHeartbeat, Timestamp: time.Now().UnixMilli()})
		c.armHeartbeat()
	case session.TimerQuery:
		run := c.current
		if run == nil || run.id != ev.queryID || run.isEnded() {
			return "", false
		}
		c.log.Info("query timed out", zap.String("query_id", run.id))
		c.finish(run, queryResult{
			errCode:    protocol.CodeQueryTimeout,
			errMessage: "the answer took too long and was stopped",
		})
	}
	return "", false
}

func (c *connection) startQuery(q protocol.Query) {
	o := c.o
	text := strings.TrimSpace(q.Text)
	if text == "" {
		c.send(protocol.VoiceError{
			Type:    protocol.TypeVoiceError,
			QueryID: q.QueryID,
			Code:    protocol.CodeEmptyQuery,
			Message: "query text is empty",
		})
		return
	}

	decision := o.policy.CheckQuery(c.sess.TenantID)
	if !decision.Allowed {
		o.metrics.RateLimited(string(decision.Reason))
		c.send(protocol.RateLimited{
			Type:         protocol.TypeRateLimited,
			Reason:       string(decision.Reason),
			Message:      decision.Message,
			RetryAfterMS: decision.RetryAfter.Milliseconds(),
		})
		return
	}
	o.policy.RecordQuery(c.sess.TenantID)

	// Live and turn-based answers never share the transport. The newest
	// request wins, as it does for start_live.
	if h := c.sess.DetachLive(); h != nil {
		o.metrics.SessionEvent("live_replaced_by_query")
		_ = h.Close()
	}

	queryID := strings.TrimSpace(q.QueryID)
	if queryID == "" {
		queryID = uuid.NewString()
	}

	previous := c.current
	c.sess.StartQuery(queryID)
	if previous != nil && !previous.isEnded() {
		c.finish(previous, queryResult{cancelReason: cancelReasonReplace})
	}

	turnCtx, cancel := context.WithCancel(c.ctx)
	run := &queryRun{
		id:        queryID,
		text:      text,
		scope:     c.sess.ContextScope(),
		ctx:       turnCtx,
		cancel:    cancel,
		startedAt: time.Now(),
	}
	c.current = run
	c.sess.ArmTimer(session.TimerQuery, o.settings.QueryTimeout, c.postTimer(session.TimerQuery, queryID))

	c.send(protocol.VoiceStart{Type: protocol.TypeVoiceStart, QueryID: queryID, Query: text})
	go c.runQuery(run)
}

func (c *connection) startLive() {
	o := c.o
	if !o.live.Available() {
		c.send(protocol.LiveError{Type: protocol.TypeLiveError, Message: "live sessions are not available"})
		return
	}
	if c.current != nil && !c.current.isEnded() {
		c.finish(c.current, queryResult{cancelReason: cancelReasonLive})
	}
	bridge, err := o.live.Open(c.ctx, live.OpenRequest{
		SessionID: c.sess.ID,
		TenantID:  c.sess.TenantID,
		Scope:     c.sess.ContextScope,
		Emit:      c.emitLive,
	})
	if err != nil {
		c.log.Warn("live bridge open failed", zap.Error(err))
		c.send(protocol.LiveError{Type: protocol.TypeLiveError, Message: "could not start live session"})
		return
	}
	if err := c.sess.AttachLive(bridge); err != nil {
		c.log.Debug("session closed before live bridge attached")
	}
}

func (c *connection) forwardLiveAudio(m protocol.LiveAudioIn) {
	err := c.o.live.SendAudio(c.sess.ID, m.PCM16Base64)
	switch {
	case err == nil:
	case errors.Is(err, live.ErrInvalidAudio):
		c.send(protocol.ErrorEvent{
			Type:    protocol.TypeErrorEvent,
			Code:    protocol.CodeInvalidClientMessage,
			Message: "live_audio must carry base64 PCM16 samples",
		})
	case errors.Is(err, live.ErrNoBridge):
		c.send(protocol.LiveError{Type: protocol.TypeLiveError, Message: "no live session is running"})
	default:
		c.log.Warn("live audio forward failed", zap.Error(err))
		c.send(protocol.LiveError{Type: protocol.TypeLiveError, Message: "live audio could not be delivered"})
	}
}

func (c *connection) emitLive(msg any) {
	c.send(msg)
}

// activity counts as user activity: it refreshes the session and restarts
// the idle timer.
func (c *connection) activity() {
	c.sess.Touch()
	c.armIdle()
}

func (c *connection) armIdle() {
	c.sess.ArmTimer(session.TimerIdle, c.o.settings.IdleTimeout, c.postTimer(session.TimerIdle, ""))
}

func (c *connection) armHeartbeat() {
	if c.o.settings.HeartbeatInterval <= 0 {
		return
	}
	c.sess.ArmTimer(session.TimerHeartbeat, c.o.settings.HeartbeatInterval, c.postTimer(session.TimerHeartbeat, ""))
}

// postTimer returns a timer callback that hands the event to the loop.
func (c *connection) postTimer(role session.TimerRole, queryID string) func() {
	return func() {
		select {
		case c.timers <- timerFired{role: role, queryID: queryID}:
		case <-c.loopDone:
		}
	}
}

func (o *Orchestrator) limitsMessage() protocol.Limits {
	l := o.policy.Limits()
	return protocol.Limits{
		MaxQueriesPerMinute:  l.MaxQueriesPerMinute,
		MaxQueriesPerHour:    l.MaxQueriesPerHour,
		QueryCooldownMS:      l.QueryCooldown.Milliseconds(),
		QueryTimeoutMS:       o.settings.QueryTimeout.Milliseconds(),
		MaxResponseChars:     o.settings.MaxResponseChars,
		TTSCallsPerHour:      l.TTSCallsPerHour,
		IdleTimeoutMS:        o.settings.IdleTimeout.Milliseconds(),
		MaxSessionDurationMS: o.settings.MaxSessionDuration.Milliseconds(),
		HeartbeatIntervalMS:  o.settings.HeartbeatInterval.Milliseconds(),
	}
}

// send delivers msg unless the transport is gone. Bulk live audio and
// heartbeats are dropped when the outbound buffer is full; everything else
// waits up to SendTimeout.
func (c *connection) send(msg any) bool {
	if c.ctx.Err() != nil {
		return false
	}
	msgType := string(protocol.TypeOf(msg))
	if !critical(msg) {
		select {
		case c.outbound <- msg:
			c.o.metrics.ObserveMessage("out", msgType)
			return true
		default:
			c.o.metrics.SessionEvent("outbound_drop")
			return false
		}
	}

	timer := time.NewTimer(c.o.settings.SendTimeout)
	defer timer.Stop()
	select {
	case c.outbound <- msg:
		c.o.metrics.ObserveMessage("out", msgType)
		return true
	case <-timer.C:
		c.o.metrics.SessionEvent("outbound_timeout")
		c.log.Warn("outbound message dropped", zap.String("type", msgType))
		return false
	case <-c.ctx.Done():
		return false
	}
}

// sendDirect is used before a session exists.
func (o *Orchestrator) sendDirect(ctx context.Context, outbound chan<- any, msg any) {
	timer := time.NewTimer(o.settings.SendTimeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
		o.metrics.ObserveMessage("out", string(protocol.TypeOf(msg)))
	case <-timer.C:
	case <-ctx.Done():
	}
}

func critical(msg any) bool {
	switch msg.(type) {
	case protocol.LiveAudio, protocol.Heartbeat:
		return false
	default:
		return true
	}
}

func clientMessageType(msg any) protocol.MessageType {
	switch msg.(type) {
	case protocol.SetContext:
		return protocol.TypeSetContext
	case protocol.Query:
		return protocol.TypeQuery
	case protocol.Cancel:
		return protocol.TypeCancel
	case protocol.HeartbeatAck:
		return protocol.TypeHeartbeatAck
	case protocol.StartLive:
		return protocol.TypeStartLive
	case protocol.LiveAudioIn:
		return protocol.TypeLiveAudioIn
	case protocol.StopLive:
		return protocol.TypeStopLive
	default:
		return "unknown"
	}
}

// saveTurnBestEffort persists a turn in the background; failures are only
// counted and logged.
func (o *Orchestrator) saveTurnBestEffort(log *zap.Logger, record memory.TurnRecord) {
	if o.memory == nil {
		return
	}
	go func(r memory.TurnRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), memorySaveTimeout)
		defer cancel()
		if err := o.memory.SaveTurn(ctx, r); err != nil {
			o.metrics.SessionEvent("memory_save_failed")
			log.Warn("memory save failed", zap.Error(err))
		}
	}(record)
}

// queryRun is one query pipeline. mu serializes emits with finish so that
// nothing for the query reaches the peer after its voice_end.
type queryRun struct {
	id        string
	text      string
	scope     string
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time

	mu          sync.Mutex
	ended       bool
	full        strings.Builder
	chars       int
	truncated   bool
	audioChunks int
	firstAudio  bool
	firstText   bool
}

func (r *queryRun) isEnded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}
