package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits holds the per-session and per-tenant budgets.
type Limits struct {
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	MaxSessionDuration   time.Duration `yaml:"max_session_duration"`
	MaxSessionsPerTenant int           `yaml:"max_sessions_per_tenant"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	MaxQueriesPerMinute  int           `yaml:"max_queries_per_minute"`
	MaxQueriesPerHour    int           `yaml:"max_queries_per_hour"`
	QueryCooldown        time.Duration `yaml:"query_cooldown"`
	QueryTimeout         time.Duration `yaml:"query_timeout"`
	MaxResponseChars     int           `yaml:"max_response_chars"`
	TTSCallsPerHour      int           `yaml:"tts_calls_per_hour"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
}

// Config contains all runtime settings for the voice gateway.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Limits Limits `yaml:"limits"`

	WSInboundRate  float64 `yaml:"ws_inbound_rate"`
	WSInboundBurst int     `yaml:"ws_inbound_burst"`

	AuthMode         string `yaml:"auth_mode"`
	AuthStaticTokens string `yaml:"auth_static_tokens"`
	AuthHTTPURL      string `yaml:"auth_http_url"`

	GenerationMode         string `yaml:"generation_mode"`
	GenerationHTTPURL      string `yaml:"generation_http_url"`
	GenerationFallbackMock bool   `yaml:"generation_fallback_mock"`

	SynthProvider       string `yaml:"synth_provider"`
	ElevenLabsAPIKey    string `yaml:"-"`
	ElevenLabsWSBaseURL string `yaml:"elevenlabs_ws_base_url"`
	ElevenLabsTTSVoice  string `yaml:"elevenlabs_tts_voice_id"`
	ElevenLabsTTSModel  string `yaml:"elevenlabs_tts_model_id"`
	SynthSampleRate     int    `yaml:"synth_sample_rate"`
	SynthMinChars       int    `yaml:"synth_min_chars"`
	SynthMaxConcurrent  int    `yaml:"synth_max_concurrent"`

	// Voice and model of a second ElevenLabs stream used while the primary
	// fails. Both empty disables failover.
	ElevenLabsFallbackVoice string        `yaml:"elevenlabs_fallback_tts_voice_id"`
	ElevenLabsFallbackModel string        `yaml:"elevenlabs_fallback_tts_model_id"`
	SynthTimeout            time.Duration `yaml:"synth_timeout"`

	RetrievalHTTPURL string `yaml:"retrieval_http_url"`

	LiveAPIKey            string `yaml:"-"`
	LiveWSURL             string `yaml:"live_ws_url"`
	LiveModel             string `yaml:"live_model"`
	LiveVoice             string `yaml:"live_voice"`
	LiveSystemInstruction string `yaml:"live_system_instruction"`
	LiveOutputSampleRate  int    `yaml:"live_output_sample_rate"`
	LiveInputSampleRate   int    `yaml:"live_input_sample_rate"`

	DatabaseURL        string `yaml:"-"`
	RedisURL           string `yaml:"-"`
	MemoryHistoryTurns int    `yaml:"memory_history_turns"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		BindAddr:         ":8080",
		ShutdownTimeout:  15 * time.Second,
		MetricsNamespace: "voicegw",
		LogLevel:         "info",
		LogFormat:        "json",
		Limits: Limits{
			IdleTimeout:          5 * time.Minute,
			MaxSessionDuration:   30 * time.Minute,
			MaxSessionsPerTenant: 3,
			HeartbeatInterval:    30 * time.Second,
			MaxQueriesPerMinute:  10,
			MaxQueriesPerHour:    100,
			QueryCooldown:        2 * time.Second,
			QueryTimeout:         30 * time.Second,
			MaxResponseChars:     2000,
			TTSCallsPerHour:      100,
			SweepInterval:        5 * time.Minute,
		},
		WSInboundRate:       20,
		WSInboundBurst:      40,
		AuthMode:            "static",
		GenerationMode:      "auto",
		SynthProvider:       "auto",
		ElevenLabsWSBaseURL: "wss://api.elevenlabs.io",
		ElevenLabsTTSVoice:  "cgSgspJ2msm6clMCkdW9",
		ElevenLabsTTSModel:  "eleven_flash_v2_5",
		SynthSampleRate:     16000,
		SynthMinChars:       2,
		SynthMaxConcurrent:  8,
		SynthTimeout:        10 * time.Second,
		LiveWSURL:           "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent",
		LiveModel:           "models/gemini-2.0-flash-live-001",
		LiveVoice:           "Puck",
		LiveSystemInstruction: "You are a helpful voice assistant. When the user asks about their documents, " +
			"call search_documents and answer from the returned context. Keep answers short and conversational.",
		LiveOutputSampleRate: 24000,
		LiveInputSampleRate:  16000,
		MemoryHistoryTurns:   6,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// VOICEGW_CONFIG_FILE (if any), then environment variables.
func Load() (Config, error) {
	cfg := Defaults()
	if path := stringsTrimSpace("VOICEGW_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = strings.ToLower(envOrDefault("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(envOrDefault("LOG_FORMAT", cfg.LogFormat))

	cfg.AuthMode = strings.ToLower(envOrDefault("AUTH_MODE", cfg.AuthMode))
	cfg.AuthStaticTokens = envOrDefault("AUTH_STATIC_TOKENS", cfg.AuthStaticTokens)
	cfg.AuthHTTPURL = envOrDefault("AUTH_HTTP_URL", cfg.AuthHTTPURL)

	cfg.GenerationMode = strings.ToLower(envOrDefault("GENERATION_MODE", cfg.GenerationMode))
	cfg.GenerationHTTPURL = envOrDefault("GENERATION_HTTP_URL", cfg.GenerationHTTPURL)

	cfg.SynthProvider = strings.ToLower(envOrDefault("SYNTH_PROVIDER", cfg.SynthProvider))
	cfg.ElevenLabsAPIKey = envOrDefault("ELEVENLABS_API_KEY", cfg.ElevenLabsAPIKey)
	cfg.ElevenLabsWSBaseURL = envOrDefault("ELEVENLABS_WS_BASE_URL", cfg.ElevenLabsWSBaseURL)
	cfg.ElevenLabsTTSVoice = envOrDefault("ELEVENLABS_TTS_VOICE_ID", cfg.ElevenLabsTTSVoice)
	cfg.ElevenLabsTTSModel = envOrDefault("ELEVENLABS_TTS_MODEL_ID", cfg.ElevenLabsTTSModel)
	cfg.ElevenLabsFallbackVoice = envOrDefault("ELEVENLABS_FALLBACK_TTS_VOICE_ID", cfg.ElevenLabsFallbackVoice)
	cfg.ElevenLabsFallbackModel = envOrDefault("ELEVENLABS_FALLBACK_TTS_MODEL_ID", cfg.ElevenLabsFallbackModel)

	cfg.RetrievalHTTPURL = envOrDefault("RETRIEVAL_HTTP_URL", cfg.RetrievalHTTPURL)

	cfg.LiveAPIKey = envOrDefault("LIVE_API_KEY", cfg.LiveAPIKey)
	cfg.LiveWSURL = envOrDefault("LIVE_WS_URL", cfg.LiveWSURL)
	cfg.LiveModel = envOrDefault("LIVE_MODEL", cfg.LiveModel)
	cfg.LiveVoice = envOrDefault("LIVE_VOICE", cfg.LiveVoice)
	cfg.LiveSystemInstruction = envOrDefault("LIVE_SYSTEM_INSTRUCTION", cfg.LiveSystemInstruction)

	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"VOICE_IDLE_TIMEOUT", &cfg.Limits.IdleTimeout},
		{"VOICE_MAX_SESSION_DURATION", &cfg.Limits.MaxSessionDuration},
		{"VOICE_HEARTBEAT_INTERVAL", &cfg.Limits.HeartbeatInterval},
		{"VOICE_QUERY_COOLDOWN", &cfg.Limits.QueryCooldown},
		{"VOICE_QUERY_TIMEOUT", &cfg.Limits.QueryTimeout},
		{"VOICE_SWEEP_INTERVAL", &cfg.Limits.SweepInterval},
		{"SYNTH_TIMEOUT", &cfg.SynthTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"VOICE_MAX_SESSIONS_PER_TENANT", &cfg.Limits.MaxSessionsPerTenant},
		{"VOICE_MAX_QUERIES_PER_MINUTE", &cfg.Limits.MaxQueriesPerMinute},
		{"VOICE_MAX_QUERIES_PER_HOUR", &cfg.Limits.MaxQueriesPerHour},
		{"VOICE_MAX_RESPONSE_CHARS", &cfg.Limits.MaxResponseChars},
		{"VOICE_TTS_CALLS_PER_HOUR", &cfg.Limits.TTSCallsPerHour},
		{"WS_INBOUND_BURST", &cfg.WSInboundBurst},
		{"SYNTH_SAMPLE_RATE", &cfg.SynthSampleRate},
		{"SYNTH_MIN_CHARS", &cfg.SynthMinChars},
		{"SYNTH_MAX_CONCURRENT", &cfg.SynthMaxConcurrent},
		{"LIVE_OUTPUT_SAMPLE_RATE", &cfg.LiveOutputSampleRate},
		{"LIVE_INPUT_SAMPLE_RATE", &cfg.LiveInputSampleRate},
		{"MEMORY_HISTORY_TURNS", &cfg.MemoryHistoryTurns},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return err
		}
	}

	if cfg.WSInboundRate, err = floatFromEnv("WS_INBOUND_RATE", cfg.WSInboundRate); err != nil {
		return err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return err
	}
	if cfg.GenerationFallbackMock, err = boolFromEnv("GENERATION_FALLBACK_MOCK", cfg.GenerationFallbackMock); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings the gateway cannot run with.
func (c Config) Validate() error {
	l := c.Limits
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"VOICE_IDLE_TIMEOUT", l.IdleTimeout},
		{"VOICE_MAX_SESSION_DURATION", l.MaxSessionDuration},
		{"VOICE_HEARTBEAT_INTERVAL", l.HeartbeatInterval},
		{"VOICE_QUERY_TIMEOUT", l.QueryTimeout},
		{"VOICE_SWEEP_INTERVAL", l.SweepInterval},
	} {
		if d.v < time.Second {
			return fmt.Errorf("%s must be at least 1s", d.name)
		}
	}
	if l.QueryCooldown < 0 {
		return fmt.Errorf("VOICE_QUERY_COOLDOWN must be >= 0")
	}
	for _, n := range []struct {
		name string
		v    int
	}{
		{"VOICE_MAX_SESSIONS_PER_TENANT", l.MaxSessionsPerTenant},
		{"VOICE_MAX_QUERIES_PER_MINUTE", l.MaxQueriesPerMinute},
		{"VOICE_MAX_QUERIES_PER_HOUR", l.MaxQueriesPerHour},
		{"VOICE_MAX_RESPONSE_CHARS", l.MaxResponseChars},
		{"VOICE_TTS_CALLS_PER_HOUR", l.TTSCallsPerHour},
		{"SYNTH_SAMPLE_RATE", c.SynthSampleRate},
		{"SYNTH_MAX_CONCURRENT", c.SynthMaxConcurrent},
		{"LIVE_OUTPUT_SAMPLE_RATE", c.LiveOutputSampleRate},
		{"LIVE_INPUT_SAMPLE_RATE", c.LiveInputSampleRate},
	} {
		if n.v <= 0 {
			return fmt.Errorf("%s must be positive", n.name)
		}
	}
	if c.SynthTimeout < 100*time.Millisecond {
		return fmt.Errorf("SYNTH_TIMEOUT must be at least 100ms")
	}
	if c.SynthMinChars < 0 {
		return fmt.Errorf("SYNTH_MIN_CHARS must be >= 0")
	}
	if c.MemoryHistoryTurns < 0 {
		return fmt.Errorf("MEMORY_HISTORY_TURNS must be >= 0")
	}
	if c.WSInboundRate <= 0 || c.WSInboundBurst <= 0 {
		return fmt.Errorf("WS_INBOUND_RATE and WS_INBOUND_BURST must be positive")
	}
	switch c.AuthMode {
	case "static", "http":
	default:
		return fmt.Errorf("AUTH_MODE must be static or http, got %q", c.AuthMode)
	}
	if c.AuthMode == "http" && c.AuthHTTPURL == "" {
		return fmt.Errorf("AUTH_HTTP_URL is required when AUTH_MODE=http")
	}
	switch c.GenerationMode {
	case "auto", "http", "mock":
	default:
		return fmt.Errorf("GENERATION_MODE must be auto, http or mock, got %q", c.GenerationMode)
	}
	switch c.SynthProvider {
	case "auto", "elevenlabs", "mock":
	default:
		return fmt.Errorf("SYNTH_PROVIDER must be auto, elevenlabs or mock, got %q", c.SynthProvider)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// StaticTokens parses AUTH_STATIC_TOKENS ("token=tenant,token2=tenant2").
func (c Config) StaticTokens() (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(c.AuthStaticTokens, ",") {
		pair = trimSpace(pair)
		if pair == "" {
			continue
		}
		token, tenant, ok := strings.Cut(pair, "=")
		token, tenant = trimSpace(token), trimSpace(tenant)
		if !ok || token == "" || tenant == "" {
			return nil, fmt.Errorf("AUTH_STATIC_TOKENS entry %q must be token=tenant", pair)
		}
		out[token] = tenant
	}
	return out, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
