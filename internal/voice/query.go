package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ent0n29/voicegw/internal/audio"
	"github.com/ent0n29/voicegw/internal/generation"
	"github.com/ent0n29/voicegw/internal/memory"
	"github.com/ent0n29/voicegw/internal/observability"
	"github.com/ent0n29/voicegw/internal/policy"
	"github.com/ent0n29/voicegw/internal/protocol"
	"github.com/ent0n29/voicegw/internal/session"
	"github.com/ent0n29/voicegw/internal/synth"
)

// GenerationFallbackText is spoken in place of an answer when the generator
// fails before producing anything usable.
const GenerationFallbackText = "Sorry, I couldn't put an answer together just now. Please try asking again."

var (
	errResponseCapped = errors.New("response character cap reached")
	errQueryEnded     = errors.New("query no longer active")
)

// queryResult describes how a query ended. A zero value is a normal
// completion.
type queryResult struct {
	cancelReason string
	errCode      string
	errMessage   string
	fallback     string
}

func (r queryResult) outcome(truncated bool) string {
	switch {
	case r.cancelReason != "":
		return "cancelled"
	case r.errCode != "":
		return r.errCode
	case truncated:
		return "truncated"
	default:
		return "completed"
	}
}

// runQuery streams one answer: text deltas go to the peer as voice_chunk,
// completed sentences are synthesized in order, and the remainder is flushed
// as the final unit once generation ends.
func (c *connection) runQuery(run *queryRun) {
	o := c.o
	log := c.log.With(zap.String("query_id", run.id))

	prior := c.priorTurns(run)
	redacted, changed := policy.RedactPII(run.text)
	o.saveTurnBestEffort(log, memory.TurnRecord{
		TenantID:     c.sess.TenantID,
		SessionID:    c.sess.ID,
		ContextScope: run.scope,
		QueryID:      run.id,
		Role:         memory.RoleUser,
		Content:      redacted,
		PIIRedacted:  changed,
	})

	var pending string
	_, err := o.generator.StreamResponse(run.ctx, generation.Request{
		TenantID:     c.sess.TenantID,
		SessionID:    c.sess.ID,
		QueryID:      run.id,
		ContextScope: run.scope,
		Query:        run.text,
		PriorTurns:   prior,
	}, func(delta string) error {
		accepted, capped, ok := c.emitText(run, delta)
		if !ok {
			return errQueryEnded
		}
		pending += accepted
		units, rest := SplitSentences(pending)
		pending = rest
		for _, u := range units {
			c.speak(run, SpeechUnit{Text: u})
		}
		if capped {
			return errResponseCapped
		}
		return nil
	})

	if run.isEnded() {
		return
	}
	if err != nil && !errors.Is(err, errResponseCapped) {
		if run.ctx.Err() != nil {
			return
		}
		log.Warn("generation failed", zap.Error(err))
		o.metrics.ProviderError("generation", "stream")
		c.finish(run, queryResult{
			errCode:    protocol.CodeGenerationFailed,
			errMessage: "the answer could not be generated",
			fallback:   GenerationFallbackText,
		})
		return
	}

	if strings.TrimSpace(pending) != "" {
		c.speak(run, SpeechUnit{Text: pending, IsFinal: true})
	}
	if c.finish(run, queryResult{}) {
		answer := run.answerText()
		if strings.TrimSpace(answer) == "" {
			return
		}
		redacted, changed := policy.RedactPII(answer)
		o.saveTurnBestEffort(log, memory.TurnRecord{
			TenantID:     c.sess.TenantID,
			SessionID:    c.sess.ID,
			ContextScope: run.scope,
			QueryID:      run.id,
			Role:         memory.RoleAssistant,
			Content:      redacted,
			PIIRedacted:  changed,
		})
	}
}

func (c *connection) priorTurns(run *queryRun) []generation.Turn {
	o := c.o
	if o.memory == nil || o.settings.HistoryTurns <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(run.ctx, memoryLoadTimeout)
	defer cancel()
	records, err := o.memory.RecentTurns(ctx, c.sess.TenantID, run.scope, o.settings.HistoryTurns)
	if err != nil {
		o.metrics.SessionEvent("memory_load_failed")
		c.log.Debug("memory load failed", zap.Error(err))
		return nil
	}
	turns := make([]generation.Turn, 0, len(records))
	for _, r := range records {
		turns = append(turns, generation.Turn{Role: r.Role, Content: r.Content})
	}
	return turns
}

// emitText forwards a generation delta, cutting it at the response cap.
// It returns the accepted text, whether the cap was hit, and false when the
// query already ended.
func (c *connection) emitText(run *queryRun, delta string) (string, bool, bool) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.ended {
		return "", false, false
	}

	limit := c.o.settings.MaxResponseChars
	remaining := limit - run.chars
	capped := false
	if n := utf8.RuneCountInString(delta); n > remaining {
		capped = true
		delta = truncateRunes(delta, remaining)
	}
	if delta == "" && !capped {
		return "", false, true
	}

	run.chars += utf8.RuneCountInString(delta)
	run.full.WriteString(delta)
	if capped {
		run.truncated = true
	}
	if !run.firstText && delta != "" {
		run.firstText = true
		c.o.metrics.ObserveStage(observability.StageFirstText, time.Since(run.startedAt))
	}
	c.send(protocol.VoiceChunk{
		Type:      protocol.TypeVoiceChunk,
		QueryID:   run.id,
		Text:      delta,
		Truncated: capped,
	})
	return delta, capped, true
}

// speak turns one unit into a voice_audio_chunk, or a voice_browser_tts hand
// off when the unit is too short, the tenant's synthesis budget is spent or
// synthesis fails. Units that clean up to nothing are skipped.
func (c *connection) speak(run *queryRun, unit SpeechUnit) {
	o := c.o
	text := speakableText(unit.Text)
	if text == "" || run.isEnded() {
		return
	}
	if utf8.RuneCountInString(text) < o.settings.MinSynthChars {
		c.browserSpeech(run, text, unit.IsFinal, protocol.FallbackTextTooShort)
		return
	}
	if !o.policy.ReserveTTS(c.sess.TenantID) {
		c.browserSpeech(run, text, unit.IsFinal, protocol.FallbackBudgetExhausted)
		return
	}

	// Synthesis is bound to the connection, not the query, so a timed out
	// query does not abort a call already in flight.
	synthStart := time.Now()
	a, err := o.synth.Synthesize(c.ctx, text)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		reason := protocol.FallbackSynthesisFailed
		if errors.Is(err, synth.ErrTextTooShort) {
			reason = protocol.FallbackTextTooShort
		} else {
			o.metrics.ProviderError("synth", "synthesize")
			c.log.Warn("synthesis failed", zap.String("query_id", run.id), zap.Error(err))
		}
		c.browserSpeech(run, text, unit.IsFinal, reason)
		return
	}
	o.metrics.ObserveSynthesis(time.Since(synthStart))
	wav, err := audio.EncodeWAVPCM16LE(a.PCM, a.SampleRate)
	if err != nil {
		c.log.Warn("audio framing failed", zap.String("query_id", run.id), zap.Error(err))
		c.browserSpeech(run, text, unit.IsFinal, protocol.FallbackSynthesisFailed)
		return
	}
	encoded := base64.StdEncoding.EncodeToString(wav)

	run.mu.Lock()
	defer run.mu.Unlock()
	if run.ended {
		return
	}
	c.send(protocol.VoiceAudioChunk{
		Type:    protocol.TypeVoiceAudioChunk,
		QueryID: run.id,
		Audio:   encoded,
		Format:  protocol.FormatWAV,
		Index:   c.takeIndex(),
		Text:    text,
		IsFinal: unit.IsFinal,
	})
	run.audioChunks++
	if !run.firstAudio {
		run.firstAudio = true
		o.metrics.ObserveFirstAudioLatency(time.Since(run.startedAt))
	}
}

func (c *connection) browserSpeech(run *queryRun, text string, isFinal bool, reason string) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.ended {
		return
	}
	c.o.metrics.BrowserTTS(reason)
	c.send(protocol.VoiceBrowserTTS{
		Type:    protocol.TypeVoiceBrowserTTS,
		QueryID: run.id,
		Text:    text,
		Index:   c.takeIndex(),
		Reason:  reason,
		IsFinal: isFinal,
	})
}

func (c *connection) takeIndex() int {
	return int(c.nextIndex.Add(1) - 1)
}

// finish ends run exactly once and reports whether this call did it. It
// cancels generation, releases the session's active query and query timer,
// and sends the terminal messages for the query.
func (c *connection) finish(run *queryRun, res queryResult) bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.ended {
		return false
	}
	run.ended = true
	run.cancel()
	if c.sess.EndQuery(run.id) {
		c.sess.ClearTimer(session.TimerQuery)
	}

	end := protocol.VoiceEnd{
		Type:        protocol.TypeVoiceEnd,
		QueryID:     run.id,
		AudioChunks: run.audioChunks,
		Truncated:   run.truncated,
	}
	switch {
	case res.cancelReason != "":
		end.Cancelled = true
		c.send(protocol.VoiceCancelled{Type: protocol.TypeVoiceCancelled, QueryID: run.id, Reason: res.cancelReason})
	case res.errCode != "":
		end.Error = res.errCode
		c.send(protocol.VoiceError{Type: protocol.TypeVoiceError, QueryID: run.id, Code: res.errCode, Message: res.errMessage})
		if res.fallback != "" {
			run.full.WriteString(res.fallback)
			c.send(protocol.VoiceChunk{Type: protocol.TypeVoiceChunk, QueryID: run.id, Text: res.fallback})
		}
	}
	end.FullText = run.full.String()
	c.send(end)

	c.o.metrics.QueryOutcome(res.outcome(run.truncated))
	c.o.metrics.ObserveStage(observability.StageTotal, time.Since(run.startedAt))
	return true
}

func (r *queryRun) answerText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.full.String()
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
