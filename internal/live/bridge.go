// Package live bridges a client connection to a full-duplex generative audio
// session and answers the session's retrieval function calls.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicegw/internal/observability"
	"github.com/ent0n29/voicegw/internal/protocol"
	"github.com/ent0n29/voicegw/internal/retrieval"
)

const (
	SearchFunctionName = "search_documents"
	NoResultsText      = "No relevant information found."
)

var ErrBridgeClosed = errors.New("live bridge closed")

type Config struct {
	URL               string
	APIKey            string
	Model             string
	Voice             string
	SystemInstruction string
	InputSampleRate   int
	OutputSampleRate  int
	HandshakeTimeout  time.Duration
	RetrievalTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Voice == "" {
		c.Voice = "Puck"
	}
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = 16000
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = 24000
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.RetrievalTimeout <= 0 {
		c.RetrievalTimeout = 8 * time.Second
	}
	return c
}

// Bridge owns one upstream live connection. Outbound events for the peer are
// delivered through the emit callback given at open time; exactly one
// terminal event (live_error or live_disconnected) is emitted per bridge.
type Bridge struct {
	cfg       Config
	sessionID string
	tenantID  string
	scope     func() string
	retriever retrieval.Retriever
	emit      func(any)
	logger    *zap.Logger
	metrics   *observability.Metrics
	onClose   func(*Bridge)

	conn    *websocket.Conn
	writeMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
	terminal sync.Once
	done     chan struct{}
}

func (b *Bridge) SessionID() string { return b.sessionID }

// Done is closed once the read loop has exited.
func (b *Bridge) Done() <-chan struct{} { return b.done }

func (b *Bridge) dial(ctx context.Context) error {
	endpoint, err := url.Parse(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse live url: %w", err)
	}
	if b.cfg.APIKey != "" {
		q := endpoint.Query()
		q.Set("key", b.cfg.APIKey)
		endpoint.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: b.cfg.HandshakeTimeout}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	conn, _, err := dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		return fmt.Errorf("dial live service: %w", err)
	}
	b.conn = conn

	if err := b.writeJSON(b.setupMessage()); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send live setup: %w", err)
	}
	return nil
}

func (b *Bridge) setupMessage() map[string]any {
	setup := map[string]any{
		"generation_config": map[string]any{
			"response_modalities": []string{"AUDIO"},
			"speech_config": map[string]any{
				"voice_config": map[string]any{
					"prebuilt_voice_config": map[string]any{"voice_name": b.cfg.Voice},
				},
			},
		},
		"system_instruction": map[string]any{
			"parts": []map[string]any{{"text": b.cfg.SystemInstruction}},
		},
		"tools": []map[string]any{{
			"function_declarations": []map[string]any{{
				"name":        SearchFunctionName,
				"description": "Search the user's uploaded documents for information relevant to the question.",
				"parameters": map[string]any{
					"type": "OBJECT",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "STRING",
							"description": "What to look up in the documents.",
						},
					},
					"required": []string{"query"},
				},
			}},
		}},
	}
	if b.cfg.Model != "" {
		setup["model"] = b.cfg.Model
	}
	return map[string]any{"setup": setup}
}

// SendAudio forwards one base64 PCM16 microphone chunk upstream.
func (b *Bridge) SendAudio(pcm16Base64 string) error {
	if b.closed.Load() {
		return ErrBridgeClosed
	}
	return b.writeJSON(map[string]any{
		"realtime_input": map[string]any{
			"media_chunks": []map[string]any{{
				"mime_type": "audio/pcm;rate=" + strconv.Itoa(b.cfg.InputSampleRate),
				"data":      pcm16Base64,
			}},
		},
	})
}

// Close is idempotent. The first call emits live_disconnected unless a
// terminal event was already sent.
func (b *Bridge) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.finish(protocol.LiveDisconnected{Type: protocol.TypeLiveDisconnected})
	b.cancel()

	b.writeMu.Lock()
	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	b.writeMu.Unlock()
	err := b.conn.Close()

	if b.onClose != nil {
		b.onClose(b)
	}
	return err
}

func (b *Bridge) finish(event any) {
	b.terminal.Do(func() {
		b.emit(event)
	})
}

func (b *Bridge) writeJSON(v any) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return b.conn.WriteJSON(v)
}

func (b *Bridge) readLoop() {
	defer close(b.done)
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if b.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Info("live service closed session", zap.String("session_id", b.sessionID))
				b.finish(protocol.LiveDisconnected{Type: protocol.TypeLiveDisconnected})
			} else {
				b.logger.Warn("live session failed", zap.String("session_id", b.sessionID), zap.Error(err))
				b.metrics.ProviderError("live", "read")
				b.finish(protocol.LiveError{Type: protocol.TypeLiveError, Message: liveErrorMessage(err)})
			}
			_ = b.Close()
			return
		}
		b.handle(data)
	}
}

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete"`
	ServerContent *struct {
		ModelTurn *struct {
			Parts []struct {
				InlineData *struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"modelTurn"`
	} `json:"serverContent"`
	ToolCall *struct {
		FunctionCalls []functionCall `json:"functionCalls"`
	} `json:"toolCall"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

func (b *Bridge) handle(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		b.logger.Debug("ignoring undecodable live message", zap.Error(err))
		return
	}

	if msg.SetupComplete != nil {
		b.emit(protocol.LiveSessionReady{Type: protocol.TypeLiveSessionReady})
	}
	if msg.ServerContent != nil && msg.ServerContent.ModelTurn != nil {
		for _, part := range msg.ServerContent.ModelTurn.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			if !strings.HasPrefix(part.InlineData.MimeType, "audio/") {
				continue
			}
			b.emit(protocol.LiveAudio{
				Type:       protocol.TypeLiveAudio,
				Audio:      part.InlineData.Data,
				Format:     protocol.FormatPCM16,
				SampleRate: b.cfg.OutputSampleRate,
			})
		}
	}
	if msg.ToolCall != nil {
		for _, call := range msg.ToolCall.FunctionCalls {
			go b.answer(call)
		}
	}
}

// answer replies to one function call. Every call gets a response since the
// live service holds its turn until one arrives.
func (b *Bridge) answer(call functionCall) {
	response := map[string]any{}
	switch call.Name {
	case SearchFunctionName:
		query, _ := call.Args["query"].(string)
		ctx, cancel := context.WithTimeout(b.ctx, b.cfg.RetrievalTimeout)
		text, err := b.retriever.Retrieve(ctx, b.tenantID, b.scope(), strings.TrimSpace(query))
		cancel()
		switch {
		case err != nil:
			b.logger.Warn("live retrieval failed", zap.String("session_id", b.sessionID), zap.Error(err))
			b.metrics.ProviderError("retrieval", "live_search")
			b.metrics.LiveFunctionCall("error")
			response["result"] = NoResultsText
		case strings.TrimSpace(text) == "":
			b.metrics.LiveFunctionCall("empty")
			response["result"] = NoResultsText
		default:
			b.metrics.LiveFunctionCall("ok")
			response["result"] = text
		}
	default:
		b.metrics.LiveFunctionCall("unknown")
		response["error"] = "unknown function " + call.Name
	}

	if b.closed.Load() {
		return
	}
	err := b.writeJSON(map[string]any{
		"tool_response": map[string]any{
			"function_responses": []map[string]any{{
				"id":       call.ID,
				"name":     call.Name,
				"response": response,
			}},
		},
	})
	if err != nil && !b.closed.Load() {
		b.logger.Warn("live function response failed", zap.String("session_id", b.sessionID), zap.Error(err))
	}
}

func liveErrorMessage(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Text != "" {
		return ce.Text
	}
	return "live connection lost"
}

// decodedLen validates a base64 payload and reports its byte length.
func decodedLen(payload string) (int, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}
