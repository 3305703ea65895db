package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/finpulse/recurrence-engine/internal/api"
	"github.com/finpulse/recurrence-engine/internal/config"
	"github.com/finpulse/recurrence-engine/internal/db"
	"github.com/finpulse/recurrence-engine/internal/discovery"
	"github.com/finpulse/recurrence-engine/internal/explain"
	"github.com/finpulse/recurrence-engine/internal/matcher"
	"github.com/finpulse/recurrence-engine/internal/shadow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	logger, err := config.NewLogger(cfg.LogMode)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting recurrence engine")

	store, err := db.Connect(cfg.DatabaseURL, logger.Named("db"))
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		logger.Fatal("schema init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := api.NewHub(logger.Named("ws"))
	go hub.Run()
	notify := api.BroadcastPatternEvent(hub)

	dispatcher := matcher.NewDispatcher(store, cfg.Matcher, cfg.Dispatch, notify, logger.Named("matcher"))
	dispatcher.Start(ctx)

	poller := matcher.NewPoller(store, dispatcher, cfg.PollInterval, cfg.PollBatch, logger.Named("poller"))
	go poller.Run(ctx)

	runner := discovery.NewRunner(store, cfg.Engine, explain.NewTemplateSummarizer(), notify, logger.Named("discovery"))

	if cfg.ShadowSnapshotID != 0 && cfg.ShadowEngine != nil {
		runner.AttachShadow(shadow.NewEvaluator(
			store.GetPool(), cfg.ShadowSnapshotID, cfg.Engine, *cfg.ShadowEngine, logger.Named("shadow")))
		logger.Info("shadow splitter evaluation enabled", zap.Int64("snapshot_id", cfg.ShadowSnapshotID))
	}

	router := api.SetupRouter(store, runner, dispatcher, hub, api.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		AuthToken:      cfg.AuthToken,
		RatePerMinute:  cfg.RatePerMinute,
		RateBurst:      cfg.RateBurst,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("engine listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", zap.Error(err))
	}
	dispatcher.Wait()
	logger.Info("engine stopped")
}
