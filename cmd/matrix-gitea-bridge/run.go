// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/aiku/matrix-gitea-bridge/pkg/config"
	"github.com/aiku/matrix-gitea-bridge/pkg/sessionstore"
)

func runService(ctx context.Context, configPath string, saveConfig bool) error {
	cfg, err := config.Load(configPath, saveConfig)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	zerolog.DefaultContextLogger = log
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Strs("bridges", cfg.Bridges).
		Msg("Initializing matrix-gitea-bridge")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sessionstore.Open(cfg.Database.Type, cfg.Database.URI, *log)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Err(err).Msg("Failed to close database")
		}
	}()
	if err := db.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database: %w", err)
	}

	svc, err := newService(cfg, sessionstore.Locked(db), appserviceFactory, *log)
	if err != nil {
		return err
	}
	if err := svc.start(ctx); err != nil {
		log.Err(err).Msg("Some bridges failed to start")
	}
	if svc.running() == 0 {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = svc.stop(shutdownCtx)
		return errors.New("no bridge is running")
	}
	if _, err := svc.serve(ctx, cfg.Webhook.Address); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return errors.Join(err, svc.stop(shutdownCtx))
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := svc.stop(shutdownCtx); err != nil {
		log.Err(err).Msg("Failed to shut down cleanly")
		return err
	}
	log.Info().Msg("Shutdown complete")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
