package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicegw/internal/auth"
	"github.com/ent0n29/voicegw/internal/config"
	"github.com/ent0n29/voicegw/internal/cost"
	"github.com/ent0n29/voicegw/internal/generation"
	"github.com/ent0n29/voicegw/internal/httpapi"
	"github.com/ent0n29/voicegw/internal/live"
	"github.com/ent0n29/voicegw/internal/logging"
	"github.com/ent0n29/voicegw/internal/memory"
	"github.com/ent0n29/voicegw/internal/observability"
	"github.com/ent0n29/voicegw/internal/retrieval"
	"github.com/ent0n29/voicegw/internal/session"
	"github.com/ent0n29/voicegw/internal/synth"
	"github.com/ent0n29/voicegw/internal/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("voicegw stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("memory store init: %w", err)
	}
	defer memoryStore.Close()

	verifier, err := newVerifier(cfg)
	if err != nil {
		return err
	}

	generator, err := generation.NewGenerator(generation.Config{
		Mode:         cfg.GenerationMode,
		HTTPURL:      cfg.GenerationHTTPURL,
		FallbackMock: cfg.GenerationFallbackMock,
	})
	if err != nil {
		return fmt.Errorf("generation init: %w", err)
	}

	synthesizer, err := newSynthesizer(cfg, logger)
	if err != nil {
		return err
	}

	var retriever retrieval.Retriever = retrieval.NewStaticRetriever(nil)
	if url := strings.TrimSpace(cfg.RetrievalHTTPURL); url != "" {
		retriever = retrieval.NewHTTPRetriever(url, nil)
	}

	var liveManager *live.Manager
	if strings.TrimSpace(cfg.LiveAPIKey) != "" {
		liveManager = live.NewManager(live.Config{
			URL:               cfg.LiveWSURL,
			APIKey:            cfg.LiveAPIKey,
			Model:             cfg.LiveModel,
			Voice:             cfg.LiveVoice,
			SystemInstruction: cfg.LiveSystemInstruction,
			InputSampleRate:   cfg.LiveInputSampleRate,
			OutputSampleRate:  cfg.LiveOutputSampleRate,
		}, retriever, logger, metrics)
		logger.Info("live sessions enabled", zap.String("model", cfg.LiveModel))
	}

	limits := cfg.Limits
	registry := session.NewRegistry(session.RegistryConfig{
		MaxSessionsPerTenant: limits.MaxSessionsPerTenant,
		MaxSessionDuration:   limits.MaxSessionDuration,
		IdleTimeout:          limits.IdleTimeout,
	})
	policy := cost.New(cost.Limits{
		MaxQueriesPerMinute: limits.MaxQueriesPerMinute,
		MaxQueriesPerHour:   limits.MaxQueriesPerHour,
		QueryCooldown:       limits.QueryCooldown,
		TTSCallsPerHour:     limits.TTSCallsPerHour,
	})

	orchestrator := voice.NewOrchestrator(voice.Settings{
		IdleTimeout:        limits.IdleTimeout,
		MaxSessionDuration: limits.MaxSessionDuration,
		HeartbeatInterval:  limits.HeartbeatInterval,
		QueryTimeout:       limits.QueryTimeout,
		MaxResponseChars:   limits.MaxResponseChars,
		MinSynthChars:      cfg.SynthMinChars,
		HistoryTurns:       cfg.MemoryHistoryTurns,
	}, voice.Dependencies{
		Registry:  registry,
		Policy:    policy,
		Verifier:  verifier,
		Generator: generator,
		Synth:     synthesizer,
		Live:      liveManager,
		Memory:    memoryStore,
		Metrics:   metrics,
		Logger:    logger,
	})

	api := httpapi.New(cfg, registry, orchestrator, metrics, logger)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartSweeper(runCtx, limits.SweepInterval, func(removed []string) {
		pruned := policy.Prune()
		if len(removed) > 0 || pruned > 0 {
			logger.Info("session sweep", zap.Int("removed", len(removed)), zap.Int("tenants_pruned", pruned))
		}
	})

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		return fmt.Errorf("listen: %w", err)
	}

	runCancel()
	closed := registry.CloseAll(session.RemoveShutdown)
	logger.Info("sessions closed for shutdown", zap.Int("sessions", closed))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
	return nil
}

func newVerifier(cfg config.Config) (auth.Verifier, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.AuthMode)) {
	case "http":
		return auth.NewHTTPVerifier(cfg.AuthHTTPURL, nil), nil
	default:
		tokens, err := cfg.StaticTokens()
		if err != nil {
			return nil, fmt.Errorf("auth tokens: %w", err)
		}
		return auth.NewStaticVerifier(tokens), nil
	}
}

// newSynthesizer resolves SYNTH_PROVIDER. A failing provider call surfaces as
// an error so the unit is handed to browser speech; the only failover is to a
// second ElevenLabs voice or model when one is configured.
func newSynthesizer(cfg config.Config, logger *zap.Logger) (synth.Synthesizer, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.SynthProvider))
	hasKey := strings.TrimSpace(cfg.ElevenLabsAPIKey) != ""

	var base synth.Synthesizer
	switch {
	case provider == "mock", provider == "auto" && !hasKey:
		base = synth.NewMockSynthesizer(cfg.SynthSampleRate)
		logger.Info("synth provider: mock")
	case !hasKey:
		return nil, errors.New("SYNTH_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
	default:
		p, err := newElevenLabs(cfg, "", "")
		if err != nil {
			return nil, err
		}
		base = p
		voice := strings.TrimSpace(cfg.ElevenLabsFallbackVoice)
		model := strings.TrimSpace(cfg.ElevenLabsFallbackModel)
		if voice != "" || model != "" {
			fallback, err := newElevenLabs(cfg, voice, model)
			if err != nil {
				return nil, err
			}
			base = synth.NewFailover(p, fallback)
		}
		logger.Info("synth provider: elevenlabs", zap.Bool("failover", voice != "" || model != ""))
	}
	return synth.NewGuarded(base, cfg.SynthMinChars, cfg.SynthMaxConcurrent, cfg.SynthTimeout), nil
}

// newElevenLabs builds an ElevenLabs synthesizer, overriding the configured
// voice and model when the arguments are set.
func newElevenLabs(cfg config.Config, voice, model string) (*synth.ElevenLabsSynthesizer, error) {
	c := synth.ElevenLabsConfig{
		APIKey:     cfg.ElevenLabsAPIKey,
		WSBaseURL:  cfg.ElevenLabsWSBaseURL,
		VoiceID:    cfg.ElevenLabsTTSVoice,
		ModelID:    cfg.ElevenLabsTTSModel,
		SampleRate: cfg.SynthSampleRate,
	}
	if voice != "" {
		c.VoiceID = voice
	}
	if model != "" {
		c.ModelID = model
	}
	s, err := synth.NewElevenLabsSynthesizer(c)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs init: %w", err)
	}
	return s, nil
}
