package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/YinLenRed/xiaozhiplus-sub000/internal/audit"
	"github.com/YinLenRed/xiaozhiplus-sub000/internal/bus"
	"github.com/YinLenRed/xiaozhiplus-sub000/internal/correlate"
	"github.com/YinLenRed/xiaozhiplus-sub000/internal/dispatch"
	"github.com/YinLenRed/xiaozhiplus-sub000/internal/domain"
	"github.com/YinLenRed/xiaozhiplus-sub000/internal/queue"
	redisstore "github.com/YinLenRed/xiaozhiplus-sub000/internal/redis"
	"github.com/YinLenRed/xiaozhiplus-sub000/internal/speech"
	"github.com/YinLenRed/xiaozhiplus-sub000/internal/version"
	"github.com/YinLenRed/xiaozhiplus-sub000/pkg/telemetry"
	"github.com/YinLenRed/xiaozhiplus-sub000/services/delivery/config"
	"github.com/YinLenRed/xiaozhiplus-sub000/services/delivery/handler"
	"github.com/YinLenRed/xiaozhiplus-sub000/services/delivery/middleware"
)

const auditRetention = 10 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the delivery pipeline",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP API server port")
	serveCmd.Flags().String("metrics-addr", ":9091", "Prometheus metrics server address")
	serveCmd.Flags().String("broker-url", "tcp://localhost:1883", "MQTT broker URL")
	serveCmd.Flags().String("broker-username", "", "MQTT username")
	serveCmd.Flags().String("broker-password", "", "MQTT password")
	serveCmd.Flags().String("redis-addr", "", "Redis address (host:port); empty keeps audit in memory and disables rate limiting")
	serveCmd.Flags().String("tts-endpoint", "", "speech synthesis endpoint; empty runs voiceless")
	serveCmd.Flags().String("tts-key", "", "speech synthesis API key")
	serveCmd.Flags().String("tts-voice", speech.DefaultVoice, "synthesis voice")
	serveCmd.Flags().String("audio-gateway-url", "", "audio gateway base URL; empty runs voiceless")
	serveCmd.Flags().Int("queue-capacity", 50, "per-device queue capacity")
	serveCmd.Flags().Duration("playback-timeout", 60*time.Second, "how long to wait for playback resolution")
	serveCmd.Flags().Duration("ack-grace", 5*time.Second, "how long to wait for a device ack before proceeding")
	serveCmd.Flags().Int("rate-limit", 30, "max submissions per device per window (requires redis-addr)")
	serveCmd.Flags().Duration("rate-window", time.Minute, "rate limit window")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("broker_url", serveCmd.Flags(), "broker-url")
	bindFlag("broker_username", serveCmd.Flags(), "broker-username")
	bindFlag("broker_password", serveCmd.Flags(), "broker-password")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("tts_endpoint", serveCmd.Flags(), "tts-endpoint")
	bindFlag("tts_key", serveCmd.Flags(), "tts-key")
	bindFlag("tts_voice", serveCmd.Flags(), "tts-voice")
	bindFlag("audio_gateway_url", serveCmd.Flags(), "audio-gateway-url")
	bindFlag("queue_capacity", serveCmd.Flags(), "queue-capacity")
	bindFlag("playback_timeout", serveCmd.Flags(), "playback-timeout")
	bindFlag("ack_grace", serveCmd.Flags(), "ack-grace")
	bindFlag("rate_limit", serveCmd.Flags(), "rate-limit")
	bindFlag("rate_window", serveCmd.Flags(), "rate-window")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = viper.BindEnv("tts_key", "TTS_API_KEY")
	_ = viper.BindEnv("broker_password", "BROKER_PASSWORD")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "delivery")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "delivery", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	// ── optional Redis: audit store + rate limiter ────────────────────────────
	auditStore := audit.NewMemoryStore()
	var limiter redisstore.RateLimiter
	if cfg.RedisAddr != "" {
		redisClient := redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
		auditStore = redisstore.NewAuditStore(redisClient, auditRetention)
		if cfg.RateLimit > 0 {
			limiter = redisstore.NewRateLimiter(redisClient, cfg.RateLimit, cfg.RateWindow)
		}
	}

	// ── speech collaborators ──────────────────────────────────────────────────
	var synth domain.Synthesizer = speech.NoOpSynthesizer{}
	var sender domain.AudioSender = speech.NoOpSender{}
	if cfg.TTSEndpoint != "" && cfg.AudioGatewayURL != "" {
		synth = speech.NewTTSClient(cfg.TTSEndpoint, cfg.TTSKey, logger,
			speech.WithVoice(cfg.TTSVoice))
		sender = speech.NewForwarder(cfg.AudioGatewayURL, logger)
	} else {
		logger.Warn("running voiceless: tts_endpoint or audio_gateway_url not set")
	}

	// ── bus session ───────────────────────────────────────────────────────────
	clientID := "delivery-" + uuid.New().String()[:8]
	var pahoOpts []bus.PahoOption
	if cfg.BrokerUsername != "" {
		pahoOpts = append(pahoOpts, bus.WithCredentials(cfg.BrokerUsername, cfg.BrokerPassword))
	}
	client := bus.NewPahoClient(cfg.BrokerURL, clientID, logger, pahoOpts...)
	adapter := bus.NewAdapter(client, auditStore, cfg.BrokerURL, logger)
	defer adapter.Close()

	// ── pipeline: orchestrator ↔ queue manager ↔ correlator ──────────────────
	orchestrator := dispatch.New(adapter, logger)
	manager := queue.NewManager(orchestrator, logger,
		queue.WithCapacity(cfg.QueueCapacity),
		queue.WithPlaybackTimeout(cfg.PlaybackTimeout),
	)
	correlator := correlate.New(synth, sender, manager, logger,
		correlate.WithGracePeriod(cfg.AckGrace))
	orchestrator.Wire(correlator, manager)

	adapter.OnAck(correlator.HandleAck)
	adapter.OnEvent(correlator.HandleEvent)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	err = adapter.Connect(connectCtx)
	connectCancel()
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	manager.Start(runCtx)
	go func() {
		if err := adapter.Run(runCtx); err != nil {
			logger.Error("bus dispatch loop error", slog.String("error", err.Error()))
		}
	}()

	// ── retention sweeps ──────────────────────────────────────────────────────
	sched := cron.New()
	_, _ = sched.AddFunc("@every 30s", func() {
		if n := correlator.Sweep(); n > 0 {
			logger.Debug("correlator sweep", slog.Int("removed", n))
		}
	})
	_, _ = sched.AddFunc("@every 1m", func() {
		n, err := auditStore.PurgeOlderThan(runCtx, auditRetention)
		if err != nil {
			logger.Warn("audit purge failed", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			logger.Debug("audit purge", slog.Int("removed", n))
		}
	})
	sched.Start()
	defer sched.Stop()

	// ── HTTP API ──────────────────────────────────────────────────────────────
	restHandler := handler.NewREST(orchestrator, manager, auditStore, limiter, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz(adapter.Connected))
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/messages", restHandler.SubmitMessage)
		r.Get("/devices", restHandler.ListDevices)
		r.Route("/devices/{id}", func(r chi.Router) {
			r.Get("/queue", restHandler.QueueStatus)
			r.Delete("/queue", restHandler.ClearQueue)
			r.Get("/tracks", restHandler.ListTracks)
			r.Get("/tracks/{trackID}", restHandler.GetTrack)
		})
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		logger.Info("delivery HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	logger.Info("delivery starting",
		slog.String("version", version.String()),
		slog.String("broker", cfg.BrokerURL),
		slog.Int("queue_capacity", cfg.QueueCapacity),
		slog.Duration("playback_timeout", cfg.PlaybackTimeout),
		slog.Duration("ack_grace", cfg.AckGrace),
	)

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
