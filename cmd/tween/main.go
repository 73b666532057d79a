package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/satindergrewal/bananatween/internal/config"
	"github.com/satindergrewal/bananatween/internal/database"
	"github.com/satindergrewal/bananatween/internal/gemini"
	"github.com/satindergrewal/bananatween/internal/i18n"
	"github.com/satindergrewal/bananatween/internal/ollama"
	"github.com/satindergrewal/bananatween/internal/session"
	"github.com/satindergrewal/bananatween/internal/stream"
	"github.com/satindergrewal/bananatween/internal/tween"
	"github.com/satindergrewal/bananatween/internal/web"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file; environment variables override it")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("bananatween stopped", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: "15:04:05",
	}))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("bananatween starting up...", "port", cfg.Port)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// Gemini client. A missing key is not fatal: the UI shows the
	// credential dot red and every run fails with a clear status.
	gc, err := gemini.NewClient(ctx, gemini.Config{
		APIKey:        cfg.APIKey,
		PlannerModel:  cfg.PlannerModel,
		RendererModel: cfg.RendererModel,
		RenderRPM:     cfg.RenderRPM,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("gemini client: %w", err)
	}
	if !gc.HasCredential() {
		logger.Warn("no API key configured (set GEMINI_API_KEY); generation will fail")
	}

	var planner tween.Planner = gc
	info := web.Info{
		HasCredential: gc.HasCredential(),
		Planner:       config.PlannerGemini,
		PlannerModel:  gc.PlannerModel(),
		RendererModel: gc.RendererModel(),
	}

	// Ollama (optional, replaces Gemini for motion planning only)
	if cfg.Planner == config.PlannerOllama {
		oc := ollama.NewClient(cfg.OllamaURL, cfg.OllamaModel, logger)
		readyCtx, readyCancel := context.WithTimeout(ctx, 30*time.Second)
		ready := oc.WaitForReady(readyCtx)
		readyCancel()
		if !ready {
			return fmt.Errorf("ollama not available at %s", cfg.OllamaURL)
		}
		planner = ollama.NewPlanner(oc)
		info.Planner = config.PlannerOllama
		info.PlannerModel = oc.Model()
		logger.Info("ollama connected", "model", oc.Model())
	}

	seq := tween.NewSequencer(planner, gc, tween.Options{
		Parallelism: cfg.RenderParallelism,
		Logger:      logger,
	})

	loc, err := i18n.NewLocalizer(cfg.DefaultLang)
	if err != nil {
		return fmt.Errorf("locales: %w", err)
	}

	mgr := session.NewManager(ctx, session.Options{
		Runner:        seq,
		Localizer:     loc,
		Store:         store,
		DefaultFrames: tween.ClampFrameCount(cfg.DefaultFrames),
		SessionTTL:    cfg.SessionTTL,
		Logger:        logger,
	})

	// Broadcaster: fan out session events to every live client
	broadcaster := stream.NewBroadcaster()
	go broadcaster.Run(ctx, mgr.Events())

	// Idle detection: preview tickers only run while a client is watching
	broadcaster.SetPresenceFunc(mgr.SetListeners)

	// MQTT lifecycle mirror (optional)
	if cfg.MQTT.URL != "" {
		client := stream.NewMQTTClient(stream.MQTTConfig{
			URL:      cfg.MQTT.URL,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, logger)
		pub := stream.NewMQTTPublisher(client, cfg.MQTT.Prefix, logger)
		if err := pub.Connect(); err != nil {
			logger.Warn("mqtt unavailable, lifecycle events not mirrored", "err", err)
		} else {
			go pub.Run(ctx, broadcaster)
			defer pub.Close()
		}
	}

	srv := web.NewServer(web.Options{
		Sessions:       mgr,
		Broadcaster:    broadcaster,
		Info:           info,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		WebRTC:         cfg.WebRTC,
		Logger:         logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", addr, "planner", info.Planner, "renderer", info.RendererModel, "webrtc", cfg.WebRTC)
	err = server.ListenAndServe()

	srv.Close()
	mgr.Close()

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// openStore picks PostgreSQL when DATABASE_URL is set, SQLite otherwise.
func openStore(ctx context.Context, cfg config.Config) (database.Store, error) {
	if cfg.DatabaseURL != "" {
		store, err := database.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return store, nil
	}
	store, err := database.NewSQLiteDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite %s: %w", cfg.DBPath, err)
	}
	return store, nil
}
