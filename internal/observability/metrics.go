package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Query stages recorded in the latency window.
const (
	StageFirstText  = "query_to_first_text"
	StageFirstAudio = "query_to_first_audio"
	StageSynthesis  = "synthesis_call"
	StageTotal      = "query_total"
)

// Metrics groups all Prometheus instruments used by the gateway. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	FirstAudioLatency  prometheus.Histogram
	SynthesisLatency   prometheus.Histogram
	QueryOutcomes      *prometheus.CounterVec
	RateLimitRejects   *prometheus.CounterVec
	BrowserTTSFallback *prometheus.CounterVec
	LiveFunctionCalls  *prometheus.CounterVec

	latency *queryLatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live voice sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Collaborator errors by provider and code.",
		}, []string{"provider", "code"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from query acceptance to the first audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		SynthesisLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_latency_ms",
			Help:      "Duration of successful speech synthesis calls in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 800, 1200, 2000, 5000},
		}),
		QueryOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_outcomes_total",
			Help:      "Completed queries by outcome.",
		}, []string{"outcome"}),
		RateLimitRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Queries rejected by the cost policy, by reason.",
		}, []string{"reason"}),
		BrowserTTSFallback: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browser_tts_fallbacks_total",
			Help:      "Speech units handed to client-side speech, by reason.",
		}, []string{"reason"}),
		LiveFunctionCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_function_calls_total",
			Help:      "Function calls answered by the live bridge, by result.",
		}, []string{"result"}),
		latency: newQueryLatencyWindow(15*time.Minute, 256, nil),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("opened").Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues("closed_" + reason).Inc()
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.latency.observe(StageFirstAudio, d)
}

// ObserveSynthesis records one successful synthesis call; the unit counts as
// delivered audio.
func (m *Metrics) ObserveSynthesis(d time.Duration) {
	if m == nil {
		return
	}
	m.SynthesisLatency.Observe(float64(d.Milliseconds()))
	m.latency.observe(StageSynthesis, d)
	m.latency.audioUnit()
}

// ObserveStage records a latency sample for the /v1/perf/latency window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.observe(stage, d)
}

func (m *Metrics) QueryOutcome(outcome string) {
	if m == nil {
		return
	}
	m.QueryOutcomes.WithLabelValues(outcome).Inc()
	m.latency.outcome(outcome)
}

func (m *Metrics) RateLimited(reason string) {
	if m == nil {
		return
	}
	m.RateLimitRejects.WithLabelValues(reason).Inc()
}

func (m *Metrics) BrowserTTS(reason string) {
	if m == nil {
		return
	}
	m.BrowserTTSFallback.WithLabelValues(reason).Inc()
	m.latency.browserUnit(reason)
}

func (m *Metrics) LiveFunctionCall(result string) {
	if m == nil {
		return
	}
	m.LiveFunctionCalls.WithLabelValues(result).Inc()
}

// SnapshotQueryLatency reports the recent latency window, query outcomes and
// how spoken units were delivered.
func (m *Metrics) SnapshotQueryLatency() QueryLatencySnapshot {
	if m == nil {
		return QueryLatencySnapshot{
			GeneratedAt: time.Now().UTC(),
			Stages:      []StageLatency{},
			Outcomes:    []OutcomeShare{},
			Speech:      SpeechDelivery{BrowserUnits: map[string]int{}},
		}
	}
	return m.latency.snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
