package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lojasmm/goftinobot/internal/ai"
	"github.com/lojasmm/goftinobot/internal/bot"
	"github.com/lojasmm/goftinobot/internal/config"
	"github.com/lojasmm/goftinobot/internal/goftino"
	"github.com/lojasmm/goftinobot/internal/history"
	"github.com/lojasmm/goftinobot/internal/logging"
	"github.com/lojasmm/goftinobot/internal/metrics"
	"github.com/lojasmm/goftinobot/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config: invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	relayMetrics := metrics.NewRelayMetrics(reg)

	db, err := store.NewBoltStore(filepath.Join(cfg.DataDir, "goftinobot.db"))
	if err != nil {
		logger.Error("store: failed to open journal", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	systemPrompt, err := ai.LoadSystemPrompt(cfg.SystemPromptFile)
	if err != nil {
		logger.Error("ai: failed to load system prompt", "error", err)
		os.Exit(1)
	}

	llm, err := ai.NewRotatingClient(ai.NewGeminiBackend(cfg.GeminiModel), cfg.GeminiAPIKeys,
		ai.WithRetryDelay(cfg.RetryDelay),
		ai.WithLogger(logger.Logger),
		ai.WithMetrics(relayMetrics),
	)
	if err != nil {
		logger.Error("ai: failed to build client", "error", err)
		os.Exit(1)
	}

	goftinoClient := goftino.NewClient(cfg.GoftinoBaseURL, cfg.GoftinoAPIKey, logger.Logger)
	reconciler := history.NewReconciler(goftinoClient, cfg.HistoryLimit, logger.Logger)

	botHandler := bot.NewHandler(goftinoClient, reconciler, llm, db, systemPrompt, logger.Logger, relayMetrics)
	webhookHandler := goftino.NewWebhookHandler(botHandler.HandleMessage, logger.Logger, relayMetrics)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", handleHealth)
	r.Get("/health", handleHealth)
	r.Post("/webhook", webhookHandler.HandleIncoming)
	r.Get("/journal", botHandler.HandleJournal)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("goftinobot: listening",
			"port", cfg.Port,
			"model", cfg.GeminiModel,
			"credentials", llm.Size(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server: stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("goftinobot: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server: shutdown failed", "error", err)
	}
	// webhooks already acknowledged still get their reply
	if err := botHandler.Wait(shutdownCtx); err != nil {
		logger.Warn("bot: abandoned in-flight replies", "error", err)
	}
	logger.Info("goftinobot: stopped")
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "running"})
}
