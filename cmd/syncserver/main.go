// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

// syncserver is the reference record API server for the MedFlow offline
// sync layer. It serves the per-entity REST surface plus the
// changed-since feed the client engine pulls from.
//
// Configuration comes from the environment (a .env file is loaded when
// present):
//
//	SYNCSERVER_ADDR    listen address (default :8080)
//	SYNCSERVER_SECRET  HMAC secret for JWT auth (required unless AUTH_DISABLED=1)
//	DATABASE_URL       Postgres DSN; when unset an in-memory store is used
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/xtm888/medflow-clinic-sub001/backend"
	"github.com/xtm888/medflow-clinic-sub001/internal/auth"
	"github.com/xtm888/medflow-clinic-sub001/offsync"
)

func main() {
	if err := run(); err != nil {
		slog.Error("syncserver failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	addr := os.Getenv("SYNCSERVER_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	var authn *auth.JWTAuth
	if os.Getenv("AUTH_DISABLED") != "1" {
		secret := os.Getenv("SYNCSERVER_SECRET")
		if secret == "" {
			return errors.New("SYNCSERVER_SECRET is required (set AUTH_DISABLED=1 to run without auth)")
		}
		authn = auth.NewJWTAuth(secret)
	} else {
		logger.Warn("authentication disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store backend.RecordStore
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg, err := backend.NewPgStore(ctx, pool)
		if err != nil {
			return err
		}
		store = pg
		logger.Info("using postgres record store")
	} else {
		store = backend.NewMemStore(offsync.SystemClock{})
		logger.Warn("using in-memory record store, data is not persisted")
	}

	srv := backend.NewServer(store, authn, logger)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("syncserver listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
