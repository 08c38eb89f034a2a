package synth

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

	"github.com/gorilla/websocket"
)

type ElevenLabsConfig struct {
	APIKey     string
	WSBaseURL  string
	VoiceID    string
	ModelID    string
	SampleRate int
	Stability  float64
	Similarity float64
}

// ElevenLabsSynthesizer opens one stream-input websocket per speech unit and
// collects the PCM it returns.
type ElevenLabsSynthesizer struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabsSynthesizer(cfg ElevenLabsConfig) (*ElevenLabsSynthesizer, error) {
	if strings.TrimSpace(cfg.VoiceID) == "" {
		return nil, errors.New("elevenlabs voice_id is required")
	}
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_flash_v2_5"
	}
	switch cfg.SampleRate {
	case 16000, 22050, 24000, 44100:
	default:
		cfg.SampleRate = 16000
	}
	if cfg.Stability <= 0 || cfg.Stability > 1 {
		cfg.Stability = 0.42
	}
	if cfg.Similarity <= 0 || cfg.Similarity > 1 {
		cfg.Similarity = 0.85
	}
	return &ElevenLabsSynthesizer{cfg: cfg, dialer: websocket.DefaultDialer}, nil
}

func (s *ElevenLabsSynthesizer) streamURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(s.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model_id", s.cfg.ModelID)
	q.Set("output_format", "pcm_"+strconv.Itoa(s.cfg.SampleRate))
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string) (Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Audio{}, ErrEmptyText
	}
	endpoint, err := s.streamURL()
	if err != nil {
		return Audio{}, err
	}

	headers := http.Header{}
	headers.Set("xi-api-key", s.cfg.APIKey)
	conn, _, err := s.dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		return Audio{}, fmt.Errorf("dial tts websocket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	messages := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        s.cfg.Stability,
				"similarity_boost": s.cfg.Similarity,
			},
		},
		{"text": text + " ", "try_trigger_generation": true},
		{"text": ""},
	}
	for _, m := range messages {
		if err := conn.WriteJSON(m); err != nil {
			return Audio{}, s.ctxErr(ctx, fmt.Errorf("write tts message: %w", err))
		}
	}

	var pcm []byte
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && len(pcm) > 0 {
				break
			}
			return Audio{}, s.ctxErr(ctx, fmt.Errorf("read tts message: %w", err))
		}
		var msg struct {
			Audio     string `json:"audio"`
			IsFinal   bool   `json:"isFinal"`
			Error     string `json:"error"`
			Message   string `json:"message"`
			ErrorType string `json:"message_type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return Audio{}, fmt.Errorf("elevenlabs %s: %s", msg.ErrorType, msg.Error)
		}
		if msg.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return Audio{}, fmt.Errorf("decode tts audio: %w", err)
			}
			pcm = append(pcm, chunk...)
		}
		if msg.IsFinal {
			break
		}
	}
	if len(pcm) == 0 {
		return Audio{}, errors.New("elevenlabs returned no audio")
	}
	return Audio{PCM: pcm, SampleRate: s.cfg.SampleRate}, nil
}

func (s *ElevenLabsSynthesizer) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
