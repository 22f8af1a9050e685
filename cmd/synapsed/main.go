package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cjy919100-del/synapse-proto/internal/config"
	"github.com/cjy919100-del/synapse-proto/internal/exchange"
	githubingress "github.com/cjy919100-del/synapse-proto/internal/ingress/github"
	"github.com/cjy919100-del/synapse-proto/internal/spectator"
	"github.com/cjy919100-del/synapse-proto/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.FromEnv()
	ctx := context.Background()

	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Unable to create database pool", "error", err)
			os.Exit(1)
		}
		if err := pool.Ping(ctx); err != nil {
			slog.Error("Cannot reach PostgreSQL. Ensure the database is running or unset DATABASE_URL for in-memory mode", "error", err)
			os.Exit(1)
		}
		pg := store.NewPostgres(pool)
		if err := pg.Init(ctx); err != nil {
			slog.Error("Schema init failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		st = pg
		slog.Info("Connected to PostgreSQL, write-through persistence enabled")
	} else {
		slog.Info("DATABASE_URL unset, running in-memory")
	}

	x, err := exchange.New(cfg, st, logger)
	if err != nil {
		slog.Error("Exchange init failed", "error", err)
		os.Exit(1)
	}

	// Spectator surface: observer stream, demo endpoints, GitHub ingress.
	obs := spectator.New(x, logger)
	obsHandler := obs.Handler(func(r chi.Router) {
		if cfg.GithubWebhookSecret != "" {
			gh := githubingress.NewHandler(x, cfg.GithubWebhookSecret, cfg.GithubPayOn, logger)
			r.Method(http.MethodPost, "/github/webhook", gh)
		}
	})
	go func() {
		addr := fmt.Sprintf("0.0.0.0:%d", cfg.SpectatorPort)
		slog.Info("Starting spectator server", "addr", addr)
		if err := http.ListenAndServe(addr, obsHandler); err != nil {
			slog.Error("Spectator server failed", "error", err)
			os.Exit(1)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/", x.HandleWS)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	slog.Info("Starting exchange server", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("Exchange server failed", "error", err)
		os.Exit(1)
	}
}
