package observability

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestWindow(maxAge time.Duration, maxSamples int) (*queryLatencyWindow, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return newQueryLatencyWindow(maxAge, maxSamples, clock.Now), clock
}

func TestQueryLatencyStagesAgainstTargets(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 16)
	for _, ms := range []int{900, 1100, 1300, 1700, 2100} {
		w.observe(StageFirstAudio, time.Duration(ms)*time.Millisecond)
	}
	w.observe(StageFirstText, 300*time.Millisecond)
	w.observe("", time.Second)
	w.observe(StageTotal, -time.Second)

	snap := w.snapshot()
	require.Len(t, snap.Stages, 2)

	audio := snap.Stages[0]
	assert.Equal(t, StageFirstAudio, audio.Stage)
	assert.Equal(t, 5, audio.Samples)
	assert.Equal(t, 1300.0, audio.P50MS)
	assert.Equal(t, 2100.0, audio.MaxMS)
	assert.Equal(t, 1500.0, audio.TargetP95MS)
	assert.Equal(t, 2, audio.OverTarget)
	assert.True(t, audio.Slow)

	text := snap.Stages[1]
	assert.Equal(t, StageFirstText, text.Stage)
	assert.Zero(t, text.OverTarget)
	assert.False(t, text.Slow)
}

func TestQueryLatencyDropsExpiredSamples(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 16)
	w.observe(StageTotal, 9*time.Second)
	clock.Advance(45 * time.Second)
	w.observe(StageTotal, 2*time.Second)
	w.observe(StageSynthesis, 400*time.Millisecond)

	clock.Advance(30 * time.Second)
	snap := w.snapshot()
	require.Len(t, snap.Stages, 2)
	assert.Equal(t, StageSynthesis, snap.Stages[1].Stage)
	total := snap.Stages[0]
	assert.Equal(t, 1, total.Samples, "the 75s old sample is outside the window")
	assert.Equal(t, 2000.0, total.MaxMS)
	assert.Equal(t, 60, snap.WindowSeconds)

	clock.Advance(time.Minute)
	assert.Empty(t, w.snapshot().Stages)
}

func TestQueryLatencyCapsSampleCount(t *testing.T) {
	w, _ := newTestWindow(time.Hour, 3)
	for _, ms := range []int{5000, 5000, 5000, 10, 20, 30} {
		w.observe(StageTotal, time.Duration(ms)*time.Millisecond)
	}
	s := w.snapshot().Stages[0]
	assert.Equal(t, 3, s.Samples)
	assert.Equal(t, 30.0, s.MaxMS)
	assert.Equal(t, 20.0, s.P50MS)
}

func TestQueryLatencyOutcomesAndSpeech(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 8)
	for _, o := range []string{"completed", "completed", "completed", "cancelled", ""} {
		w.outcome(o)
	}
	w.audioUnit()
	w.audioUnit()
	w.audioUnit()
	w.browserUnit("budget_exhausted")

	snap := w.snapshot()
	assert.Equal(t, []OutcomeShare{
		{Outcome: "cancelled", Count: 1, Share: 0.25},
		{Outcome: "completed", Count: 3, Share: 0.75},
	}, snap.Outcomes)
	assert.Equal(t, 3, snap.Speech.AudioUnits)
	assert.Equal(t, map[string]int{"budget_exhausted": 1}, snap.Speech.BrowserUnits)
	assert.Equal(t, 0.25, snap.Speech.BrowserShare)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.SessionClosed("idle")
	m.ObserveMessage("out", "voice_end")
	m.ObserveFirstAudioLatency(time.Second)
	m.ObserveSynthesis(time.Second)
	m.BrowserTTS("synthesis_failed")
	m.QueryOutcome("completed")
	snap := m.SnapshotQueryLatency()
	assert.Empty(t, snap.Stages)
	assert.NotNil(t, snap.Speech.BrowserUnits)
}

func TestMetricsFeedLatencyWindow(t *testing.T) {
	m := NewMetrics(fmt.Sprintf("voicegw_test_%d", time.Now().UnixNano()))
	m.SessionOpened()
	m.ObserveFirstAudioLatency(420 * time.Millisecond)
	m.ObserveSynthesis(250 * time.Millisecond)
	m.ObserveStage(StageTotal, 2*time.Second)
	m.BrowserTTS("text_too_short")
	m.QueryOutcome("completed")

	snap := m.SnapshotQueryLatency()
	require.Len(t, snap.Stages, 3)
	assert.Equal(t, StageFirstAudio, snap.Stages[0].Stage)
	assert.Equal(t, 420.0, snap.Stages[0].MaxMS)
	assert.Equal(t, StageTotal, snap.Stages[1].Stage)
	assert.Equal(t, StageSynthesis, snap.Stages[2].Stage)
	assert.Equal(t, []OutcomeShare{{Outcome: "completed", Count: 1, Share: 1}}, snap.Outcomes)
	assert.Equal(t, 1, snap.Speech.AudioUnits)
	assert.Equal(t, 0.5, snap.Speech.BrowserShare)
}
