package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ienone/VaultStream-sub000/internal/api"
	"github.com/ienone/VaultStream-sub000/internal/config"
	"github.com/ienone/VaultStream-sub000/internal/dispatcher"
	"github.com/ienone/VaultStream-sub000/internal/evaluator"
	"github.com/ienone/VaultStream-sub000/internal/events"
	"github.com/ienone/VaultStream-sub000/internal/locks"
	"github.com/ienone/VaultStream-sub000/internal/maintenance"
	"github.com/ienone/VaultStream-sub000/internal/model"
	"github.com/ienone/VaultStream-sub000/internal/queue"
	"github.com/ienone/VaultStream-sub000/internal/ratelimit"
	"github.com/ienone/VaultStream-sub000/internal/storage"
	"github.com/ienone/VaultStream-sub000/internal/transport"
	"github.com/ienone/VaultStream-sub000/internal/transport/telegram"
	"github.com/ienone/VaultStream-sub000/internal/transport/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	hub := events.NewHub()
	lk := locks.NewKeyed()
	limiter := ratelimit.New(store)

	registry := transport.NewRegistry()
	registry.Register(webhook.New(&http.Client{}), model.TransportWebhook)
	if cfg.TelegramBotToken != "" {
		tg, err := telegram.New(cfg.TelegramBotToken, time.Duration(cfg.DispatchTimeoutSeconds)*time.Second)
		if err != nil {
			log.Error("create telegram transport", "error", err)
			os.Exit(1)
		}
		registry.Register(tg, model.TransportTelegramChannel, model.TransportTelegramGroup, model.TransportTelegramDM)
	} else {
		log.Warn("TELEGRAM_BOT_TOKEN not set, telegram destinations will fail to send")
	}

	ev := evaluator.New(store, limiter, lk, hub, log)

	q := queue.New(store, lk, hub, log)
	q.SetSpacing(time.Duration(cfg.RescheduleSpacingSeconds) * time.Second)

	disp := dispatcher.New(store, limiter, lk, registry, jsonRenderer{}, hub, log, dispatcher.Config{
		Tick:        time.Duration(cfg.DispatchTickSeconds) * time.Second,
		SendTimeout: time.Duration(cfg.DispatchTimeoutSeconds) * time.Second,
		MaxAttempts: cfg.DispatchMaxAttempts,
		RatePerSec:  cfg.DispatchRatePerSec,
	})

	maint := maintenance.New(store, log, time.Duration(cfg.RetentionDays)*24*time.Hour)
	if err := maint.Start(); err != nil {
		log.Error("start maintenance", "error", err)
		os.Exit(1)
	}
	defer maint.Stop()

	server := api.New(store, ev, q, hub, log)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting", "addr", cfg.HTTPAddr, "db", cfg.DatabasePath)

	go disp.Run(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server", "error", err)
		os.Exit(1)
	}

	log.Info("stopped")
}

// jsonRenderer emits the content item as a JSON envelope. Real message
// formatting lives outside this service; destinations that need richer
// payloads consume this envelope.
type jsonRenderer struct{}

func (jsonRenderer) Render(_ context.Context, content model.ContentItem, rule model.DistributionRule) ([]byte, error) {
	return json.Marshal(map[string]any{
		"content_id": content.ID,
		"platform":   content.Platform,
		"tags":       content.Tags,
		"author":     content.AuthorName,
		"media_refs": content.MediaRefs,
		"rule":       rule.Name,
	})
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
