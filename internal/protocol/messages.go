package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Client -> server.
const (
	TypeSetContext   MessageType = "set_context"
	TypeQuery        MessageType = "query"
	TypeCancel       MessageType = "cancel"
	TypeHeartbeatAck MessageType = "heartbeat_ack"
	TypeStartLive    MessageType = "start_live"
	TypeLiveAudioIn  MessageType = "live_audio"
	TypeStopLive     MessageType = "stop_live"
)

// Server -> client.
const (
	TypeAuthenticated    MessageType = "authenticated"
	TypeDocumentSet      MessageType = "document_set"
	TypeHeartbeat        MessageType = "heartbeat"
	TypeVoiceStart       MessageType = "voice_start"
	TypeVoiceChunk       MessageType = "voice_chunk"
	TypeVoiceAudioChunk  MessageType = "voice_audio_chunk"
	TypeVoiceBrowserTTS  MessageType = "voice_browser_tts"
	TypeVoiceEnd         MessageType = "voice_end"
	TypeVoiceCancelled   MessageType = "voice_cancelled"
	TypeVoiceError       MessageType = "voice_error"
	TypeRateLimited      MessageType = "rate_limited"
	TypeSessionTimeout   MessageType = "session_timeout"
	TypeLiveSessionReady MessageType = "live_session_ready"
	TypeLiveAudio        MessageType = "live_audio"
	TypeLiveError        MessageType = "live_error"
	TypeLiveDisconnected MessageType = "live_disconnected"
	TypeErrorEvent       MessageType = "error_event"
)

// Error codes carried by ErrorEvent and VoiceError.
const (
	CodeAuthRequired         = "auth_required"
	CodeAuthInvalid          = "auth_invalid"
	CodeTenantSessionLimit   = "tenant_session_limit"
	CodeRateLimited          = "rate_limited"
	CodeCooldown             = "cooldown"
	CodeHourlyLimitExceeded  = "hourly_limit_exceeded"
	CodeEmptyQuery           = "empty_query"
	CodeGenerationFailed     = "generation_failed"
	CodeSynthesisFailed      = "synthesis_failed"
	CodeQueryTimeout         = "query_timeout"
	CodeLiveError            = "live_error"
	CodeInvalidClientMessage = "invalid_client_message"
	CodeTransportRateLimited = "transport_rate_limited"
	CodeServerShutdown       = "server_shutdown"
)

// Browser TTS fallback reasons.
const (
	FallbackBudgetExhausted = "tts_budget_exhausted"
	FallbackTextTooShort    = "text_too_short"
	FallbackSynthesisFailed = "synthesis_failed"
)

const (
	FormatWAV          = "audio/wav"
	FormatPCM16        = "audio/pcm"
	TimeoutIdle        = "idle"
	TimeoutMaxDuration = "max_duration"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type SetContext struct {
	Type         MessageType `json:"type"`
	ContextScope string      `json:"context_scope"`
}

type Query struct {
	Type    MessageType `json:"type"`
	Text    string      `json:"text"`
	QueryID string      `json:"query_id,omitempty"`
}

type Cancel struct {
	Type MessageType `json:"type"`
}

type HeartbeatAck struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

type StartLive struct {
	Type MessageType `json:"type"`
}

type LiveAudioIn struct {
	Type        MessageType `json:"type"`
	PCM16Base64 string      `json:"pcm16_base64"`
}

type StopLive struct {
	Type MessageType `json:"type"`
}

// Limits mirrors the active budget so clients can throttle themselves.
type Limits struct {
	MaxQueriesPerMinute  int   `json:"max_queries_per_minute"`
	MaxQueriesPerHour    int   `json:"max_queries_per_hour"`
	QueryCooldownMS      int64 `json:"query_cooldown_ms"`
	QueryTimeoutMS       int64 `json:"query_timeout_ms"`
	MaxResponseChars     int   `json:"max_response_chars"`
	TTSCallsPerHour      int   `json:"tts_calls_per_hour"`
	IdleTimeoutMS        int64 `json:"idle_timeout_ms"`
	MaxSessionDurationMS int64 `json:"max_session_duration_ms"`
	HeartbeatIntervalMS  int64 `json:"heartbeat_interval_ms"`
}

type Authenticated struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TenantID  string      `json:"tenant_id"`
	Limits    Limits      `json:"limits"`
}

type DocumentSet struct {
	Type         MessageType `json:"type"`
	ContextScope string      `json:"context_scope"`
}

type Heartbeat struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

type VoiceStart struct {
	Type    MessageType `json:"type"`
	QueryID string      `json:"query_id"`
	Query   string      `json:"query"`
}

type VoiceChunk struct {
	Type      MessageType `json:"type"`
	QueryID   string      `json:"query_id"`
	Text      string      `json:"text"`
	Truncated bool        `json:"truncated,omitempty"`
}

type VoiceAudioChunk struct {
	Type    MessageType `json:"type"`
	QueryID string      `json:"query_id"`
	Audio   string      `json:"audio"`
	Format  string      `json:"format"`
	Index   int         `json:"index"`
	Text    string      `json:"text"`
	IsFinal bool        `json:"is_final,omitempty"`
}

type VoiceBrowserTTS struct {
	Type    MessageType `json:"type"`
	QueryID string      `json:"query_id"`
	Text    string      `json:"text"`
	Index   int         `json:"index"`
	Reason  string      `json:"reason"`
	IsFinal bool        `json:"is_final,omitempty"`
}

type VoiceEnd struct {
	Type        MessageType `json:"type"`
	QueryID     string      `json:"query_id"`
	FullText    string      `json:"full_text"`
	AudioChunks int         `json:"audio_chunks"`
	Truncated   bool        `json:"truncated"`
	Cancelled   bool        `json:"cancelled,omitempty"`
	Error       string      `json:"error,omitempty"`
}

type VoiceCancelled struct {
	Type    MessageType `json:"type"`
	QueryID string      `json:"query_id"`
	Reason  string      `json:"reason"`
}

type VoiceError struct {
	Type    MessageType `json:"type"`
	QueryID string      `json:"query_id,omitempty"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

type RateLimited struct {
	Type         MessageType `json:"type"`
	Reason       string      `json:"reason"`
	Message      string      `json:"message"`
	RetryAfterMS int64       `json:"retry_after_ms"`
}

type SessionTimeout struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason"`
}

type LiveSessionReady struct {
	Type MessageType `json:"type"`
}

type LiveAudio struct {
	Type       MessageType `json:"type"`
	Audio      string      `json:"audio"`
	Format     string      `json:"format"`
	SampleRate int         `json:"sample_rate"`
}

type LiveError struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type LiveDisconnected struct {
	Type MessageType `json:"type"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Fatal   bool        `json:"fatal"`
}

// ParseClientMessage decodes one inbound websocket frame into its typed
// message value.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSetContext:
		var msg SetContext
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.ContextScope = strings.TrimSpace(msg.ContextScope)
		return msg, nil
	case TypeQuery:
		var msg Query
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeCancel:
		return Cancel{Type: TypeCancel}, nil
	case TypeHeartbeatAck:
		var msg HeartbeatAck
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeStartLive:
		return StartLive{Type: TypeStartLive}, nil
	case TypeLiveAudioIn:
		var msg LiveAudioIn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PCM16Base64 == "" {
			return nil, errors.New("invalid live_audio: missing pcm16_base64")
		}
		return msg, nil
	case TypeStopLive:
		return StopLive{Type: TypeStopLive}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf returns the type discriminator of an outbound message value.
func TypeOf(msg any) MessageType {
	switch m := msg.(type) {
	case Authenticated:
		return m.Type
	case DocumentSet:
		return m.Type
	case Heartbeat:
		return m.Type
	case VoiceStart:
		return m.Type
	case VoiceChunk:
		return m.Type
	case VoiceAudioChunk:
		return m.Type
	case VoiceBrowserTTS:
		return m.Type
	case VoiceEnd:
		return m.Type
	case VoiceCancelled:
		return m.Type
	case VoiceError:
		return m.Type
	case RateLimited:
		return m.Type
	case SessionTimeout:
		return m.Type
	case LiveSessionReady:
		return m.Type
	case LiveAudio:
		return m.Type
	case LiveError:
		return m.Type
	case LiveDisconnected:
		return m.Type
	case ErrorEvent:
		return m.Type
	default:
		return "unknown"
	}
}
