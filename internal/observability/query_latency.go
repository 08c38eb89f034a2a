package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stage targets for p95 latency, in milliseconds. Stages without a target
// are reported but never marked slow.
var stageTargets = map[string]float64{
	StageFirstText:  800,
	StageFirstAudio: 1500,
	StageSynthesis:  1200,
	StageTotal:      8000,
}

type StageLatency struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target,omitempty"`
	Slow        bool    `json:"slow"`
}

type OutcomeShare struct {
	Outcome string  `json:"outcome"`
	Count   int     `json:"count"`
	Share   float64 `json:"share"`
}

// SpeechDelivery splits spoken units between server audio and client-side
// speech.
type SpeechDelivery struct {
	AudioUnits   int            `json:"audio_units"`
	BrowserUnits map[string]int `json:"browser_units"`
	BrowserShare float64        `json:"browser_share"`
}

type QueryLatencySnapshot struct {
	GeneratedAt   time.Time      `json:"generated_at"`
	WindowSeconds int            `json:"window_seconds"`
	MaxSamples    int            `json:"max_samples"`
	Stages        []StageLatency `json:"stages"`
	Outcomes      []OutcomeShare `json:"outcomes"`
	Speech        SpeechDelivery `json:"speech"`
}

type latencySample struct {
	at time.Time
	ms float64
}

// queryLatencyWindow keeps recent per-stage latencies bounded by both age and
// count, plus running query outcome and speech delivery counters.
type queryLatencyWindow struct {
	mu         sync.Mutex
	now        func() time.Time
	maxAge     time.Duration
	maxSamples int
	stages     map[string][]latencySample
	outcomes   map[string]int
	audioUnits int
	browser    map[string]int
}

func newQueryLatencyWindow(maxAge time.Duration, maxSamples int, now func() time.Time) *queryLatencyWindow {
	if maxAge <= 0 {
		maxAge = 15 * time.Minute
	}
	if maxSamples <= 0 {
		maxSamples = 256
	}
	if now == nil {
		now = time.Now
	}
	return &queryLatencyWindow{
		now:        now,
		maxAge:     maxAge,
		maxSamples: maxSamples,
		stages:     make(map[string][]latencySample),
		outcomes:   make(map[string]int),
		browser:    make(map[string]int),
	}
}

func (w *queryLatencyWindow) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	samples := append(w.stages[stage], latencySample{at: w.now(), ms: float64(d.Microseconds()) / 1000})
	if len(samples) > w.maxSamples {
		samples = samples[len(samples)-w.maxSamples:]
	}
	w.stages[stage] = samples
}

func (w *queryLatencyWindow) outcome(name string) {
	if name == "" {
		return
	}
	w.mu.Lock()
	w.outcomes[name]++
	w.mu.Unlock()
}

func (w *queryLatencyWindow) audioUnit() {
	w.mu.Lock()
	w.audioUnits++
	w.mu.Unlock()
}

func (w *queryLatencyWindow) browserUnit(reason string) {
	w.mu.Lock()
	w.browser[reason]++
	w.mu.Unlock()
}

func (w *queryLatencyWindow) snapshot() QueryLatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.maxAge)
	snap := QueryLatencySnapshot{
		GeneratedAt:   now.UTC(),
		WindowSeconds: int(w.maxAge / time.Second),
		MaxSamples:    w.maxSamples,
		Stages:        []StageLatency{},
		Outcomes:      []OutcomeShare{},
		Speech:        SpeechDelivery{AudioUnits: w.audioUnits, BrowserUnits: map[string]int{}},
	}

	names := make([]string, 0, len(w.stages))
	for stage, samples := range w.stages {
		// Expired samples are dropped here so idle stages stop reporting.
		keep := sort.Search(len(samples), func(i int) bool { return !samples[i].at.Before(cutoff) })
		samples = samples[keep:]
		if len(samples) == 0 {
			delete(w.stages, stage)
			continue
		}
		w.stages[stage] = samples
		names = append(names, stage)
	}
	sort.Strings(names)

	for _, stage := range names {
		samples := w.stages[stage]
		values := make([]float64, len(samples))
		for i, s := range samples {
			values[i] = s.ms
		}
		sort.Float64s(values)
		st := StageLatency{
			Stage:   stage,
			Samples: len(values),
			P50MS:   round2(quantile(values, 0.50)),
			P95MS:   round2(quantile(values, 0.95)),
			MaxMS:   round2(values[len(values)-1]),
		}
		if target, ok := stageTargets[stage]; ok {
			st.TargetP95MS = target
			st.OverTarget = len(values) - sort.Search(len(values), func(i int) bool { return values[i] > target })
			st.Slow = st.P95MS > target
		}
		snap.Stages = append(snap.Stages, st)
	}

	total := 0
	for _, n := range w.outcomes {
		total += n
	}
	for name, n := range w.outcomes {
		snap.Outcomes = append(snap.Outcomes, OutcomeShare{Outcome: name, Count: n, Share: round2(float64(n) / float64(total))})
	}
	sort.Slice(snap.Outcomes, func(i, j int) bool { return snap.Outcomes[i].Outcome < snap.Outcomes[j].Outcome })

	browser := 0
	for reason, n := range w.browser {
		snap.Speech.BrowserUnits[reason] = n
		browser += n
	}
	if units := browser + w.audioUnits; units > 0 {
		snap.Speech.BrowserShare = round2(float64(browser) / float64(units))
	}
	return snap
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
