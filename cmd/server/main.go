package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cyclepool/ledger-engine/internal/api"
	"github.com/cyclepool/ledger-engine/internal/app"
	"github.com/cyclepool/ledger-engine/internal/config"
	"github.com/cyclepool/ledger-engine/internal/ingest"
	"github.com/cyclepool/ledger-engine/internal/metrics"
	"github.com/cyclepool/ledger-engine/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// --- WebSocket hub ---
	hub := api.NewHub()

	// --- Services ---
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	a, err := app.New(ctx, cfg, hub)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	// --- NATS inbox feed ---
	if cfg.NATSURL != "" {
		nc, js, err := ingest.Connect(cfg.NATSURL)
		if err != nil {
			slog.Error("nats unavailable", "err", err)
			os.Exit(1)
		}
		defer nc.Drain()
		if err := ingest.EnsureStream(ctx, js); err != nil {
			slog.Error("stream setup failed", "err", err)
			os.Exit(1)
		}
		sub := ingest.NewSubscriber(js, a.Inbox)
		if err := sub.Subscribe(ctx, ingest.DefaultSubjects()); err != nil {
			slog.Error("subscribe failed", "err", err)
			os.Exit(1)
		}
		defer sub.Stop()
	}

	// --- Scheduled jobs ---
	sched := scheduler.New(a.Cycles, a.Sweeper, cfg.SnapshotCron, cfg.ReconcileCron)
	if err := sched.Start(); err != nil {
		slog.Error("scheduler failed", "err", err)
		os.Exit(1)
	}
	defer sched.Stop()

	svc := api.NewService(api.Deps{
		Store:    a.Store,
		Cycles:   a.Cycles,
		Engine:   a.Engine,
		Matcher:  a.Matcher,
		Payouts:  a.Payouts,
		Sweeper:  a.Sweeper,
		Inbox:    a.Inbox,
		Notifier: hub,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for the operator console.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for lifecycle notifications.
		r.Get("/ws", hub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}
