package httpapi

import (
	"net/http"
	"strings"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	AuthMode       string        `json:"auth_mode"`
	GenerationMode string        `json:"generation_mode"`
	SynthProvider  string        `json:"synth_provider"`
	LiveEnabled    bool          `json:"live_enabled"`
	MemoryBackend  string        `json:"memory_backend"`
	ActiveSessions int           `json:"active_sessions"`
	Checks         []statusCheck `json:"checks"`
}

// handleStatus reports which collaborators are configured, with a fix hint
// for anything running degraded. Secrets are only reported as present or
// missing.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg
	resp := statusResponse{
		AuthMode:       lowerOr(cfg.AuthMode, "static"),
		GenerationMode: lowerOr(cfg.GenerationMode, "auto"),
		SynthProvider:  lowerOr(cfg.SynthProvider, "auto"),
		LiveEnabled:    strings.TrimSpace(cfg.LiveAPIKey) != "",
		MemoryBackend:  memoryBackend(cfg.DatabaseURL, cfg.RedisURL),
	}
	if s.registry != nil {
		resp.ActiveSessions = s.registry.ActiveCount()
	}

	checks := make([]statusCheck, 0, 6)
	switch resp.AuthMode {
	case "http":
		checks = append(checks, statusCheck{ID: "auth", Status: "ok", Label: "Token verifier", Detail: "http introspection"})
	default:
		if strings.TrimSpace(cfg.AuthStaticTokens) == "" {
			checks = append(checks, statusCheck{
				ID:     "auth",
				Status: "error",
				Label:  "Token verifier",
				Detail: "no static tokens configured",
				Fix:    "Set AUTH_STATIC_TOKENS=token=tenant or AUTH_MODE=http with AUTH_HTTP_URL.",
			})
		} else {
			checks = append(checks, statusCheck{ID: "auth", Status: "ok", Label: "Token verifier", Detail: "static table"})
		}
	}

	if resp.GenerationMode == "mock" || (resp.GenerationMode == "auto" && strings.TrimSpace(cfg.GenerationHTTPURL) == "") {
		checks = append(checks, statusCheck{
			ID:     "generation",
			Status: "warn",
			Label:  "Answer generation",
			Detail: "mock generator",
			Fix:    "Set GENERATION_HTTP_URL to a streaming generation endpoint.",
		})
	} else {
		checks = append(checks, statusCheck{ID: "generation", Status: "ok", Label: "Answer generation", Detail: "http stream"})
	}

	switch {
	case resp.SynthProvider == "mock":
		checks = append(checks, statusCheck{
			ID:     "synth",
			Status: "warn",
			Label:  "Speech synthesis",
			Detail: "mock tones only",
		})
	case strings.TrimSpace(cfg.ElevenLabsAPIKey) == "":
		status := "warn"
		if resp.SynthProvider == "elevenlabs" {
			status = "error"
		}
		checks = append(checks, statusCheck{
			ID:     "synth",
			Status: status,
			Label:  "ElevenLabs API key",
			Detail: "ELEVENLABS_API_KEY is not set",
			Fix:    "Set ELEVENLABS_API_KEY or SYNTH_PROVIDER=mock.",
		})
	default:
		checks = append(checks, statusCheck{ID: "synth", Status: "ok", Label: "ElevenLabs API key", Detail: "present"})
	}

	if resp.LiveEnabled && strings.TrimSpace(cfg.RetrievalHTTPURL) == "" {
		checks = append(checks, statusCheck{
			ID:     "retrieval",
			Status: "warn",
			Label:  "Retrieval",
			Detail: "live function calls answer from the built-in static corpus",
			Fix:    "Set RETRIEVAL_HTTP_URL.",
		})
	}

	if resp.MemoryBackend == "in-memory" {
		checks = append(checks, statusCheck{
			ID:     "memory",
			Status: "warn",
			Label:  "Conversation memory",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL or REDIS_URL to keep prior turns across restarts.",
		})
	} else {
		checks = append(checks, statusCheck{ID: "memory", Status: "ok", Label: "Conversation memory", Detail: resp.MemoryBackend})
	}

	resp.Checks = checks
	respondJSON(w, http.StatusOK, resp)
}

func memoryBackend(dbURL, redisURL string) string {
	switch {
	case strings.TrimSpace(dbURL) != "":
		return "postgres"
	case strings.TrimSpace(redisURL) != "":
		return "redis"
	default:
		return "in-memory"
	}
}

func lowerOr(v, fallback string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return fallback
	}
	return v
}
