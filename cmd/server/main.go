package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"medicine-scanner/internal/agent"
	"medicine-scanner/internal/config"
	"medicine-scanner/internal/connectivity"
	"medicine-scanner/internal/events"
	"medicine-scanner/internal/observability"
	"medicine-scanner/internal/platform/telegram"
	"medicine-scanner/internal/profile"
	"medicine-scanner/internal/reminder"
	"medicine-scanner/internal/report"
	"medicine-scanner/internal/scan"
	"medicine-scanner/internal/session"
	"medicine-scanner/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "medicine-scanner: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Infrastructure
	kv, err := openKV(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	store := profile.NewStore(kv, logger)
	if err := store.Load(ctx); err != nil {
		return err
	}

	hub := events.NewHub(logger)
	go hub.Run(ctx)
	store.OnActiveChange(hub.ProfileListener())

	// 2. Clients
	gateway := agent.NewVisionClient(agent.VisionConfig{
		APIKey:  cfg.AI.APIKey,
		BaseURL: cfg.AI.BaseURL,
		Model:   cfg.AI.Model,
		Timeout: cfg.AI.Timeout,
	})

	probeAddr := cfg.AI.ProbeAddr
	if probeAddr == "" {
		if probeAddr, err = connectivity.AddrFromURL(cfg.AI.BaseURL); err != nil {
			return fmt.Errorf("AI_BASE_URL: %w", err)
		}
	}
	probe := connectivity.NewDialProbe(probeAddr, cfg.AI.ProbeTimeout)

	metrics, err := scan.NewMetrics("medscan", prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	// 3. Services
	pipeline := scan.NewPipeline(gateway, probe, scan.Options{
		Timeout:  cfg.AI.ScanTimeout,
		Observer: hub.ScanObserver(),
		Metrics:  metrics,
		Logger:   logger,
	})

	opts := session.Options{
		DefaultReminderTime: cfg.Reminders.DefaultTime,
		STT:                 agent.NewWhisperClient(cfg.Voice.STTURL),
		Logger:              logger,
	}
	if cfg.Voice.ElevenLabsAPIKey != "" {
		opts.TTS = agent.NewElevenLabsClient(cfg.Voice.ElevenLabsAPIKey, "")
	}

	if cfg.IsTelegramConfigured() {
		tgClient := telegram.NewClient(cfg.Telegram.BotToken)
		opts.Reports = report.NewService(tgClient, cfg.Telegram.CaregiverChatID, logger)

		if cfg.Reminders.Enabled {
			dispatcher := reminder.NewDispatcher(store, tgClient, cfg.Telegram.CaregiverChatID, logger)
			if err := dispatcher.Start(ctx); err != nil {
				return err
			}
			defer dispatcher.Stop()
		}
	}

	ctrl := session.NewController(store, pipeline, opts)

	// 4. Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization"},
	}).Handler)

	r.Route("/api", func(r chi.Router) {
		session.RegisterRoutes(r, session.NewHandler(ctrl))
	})
	r.Method(http.MethodGet, "/ws", events.NewHandler(hub, logger))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port, "store", cfg.Store.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pipeline.Reset()
	return srv.Shutdown(shutdownCtx)
}

// openKV selects the durable backend named by cfg.Backend.
func openKV(ctx context.Context, cfg config.StoreConfig, logger *observability.Logger) (storage.KV, error) {
	switch cfg.Backend {
	case "redis":
		kv, err := storage.NewRedis(ctx, storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("using redis store", "addr", cfg.RedisAddr)
		return kv, nil

	case "postgres":
		kv, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := storage.Migrate(cfg.MigrationsDir, cfg.DatabaseURL); err != nil {
			_ = kv.Close()
			return nil, err
		}
		logger.Info("using postgres store")
		return kv, nil

	default:
		dir := storage.ResolvePath(cfg.Path)
		kv, err := storage.NewFile(dir)
		if err != nil {
			return nil, err
		}
		logger.Info("using file store", "path", dir)
		return kv, nil
	}
}
