// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lazyaf/lazyaf/internal/bus"
	"github.com/lazyaf/lazyaf/internal/cards"
	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/debug"
	"github.com/lazyaf/lazyaf/internal/engine"
	"github.com/lazyaf/lazyaf/internal/githost"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/queue"
	"github.com/lazyaf/lazyaf/internal/runner"
	"github.com/lazyaf/lazyaf/internal/server"
	"github.com/lazyaf/lazyaf/internal/store"
	"github.com/lazyaf/lazyaf/internal/trigger"
)

func main() {
	configPath := "config.yaml"
	if p := os.Getenv("LAZYAF_CONFIG"); p != "" {
		configPath = p
	}

	cfg, err := config.NewConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Msg("Starting lazyaf server")

	// This context drives every background service's lifetime.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store first: everything else hangs off it.
	st, err := store.NewGormStore(&cfg.Database)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error opening store")
		os.Exit(1)
	}
	defer st.Close()

	if err := st.AutoMigrate(); err != nil {
		mainLog.Error().Err(err).Msg("Error migrating schema")
		os.Exit(1)
	}
	if err := st.ValidateSchema(); err != nil {
		mainLog.Error().Err(err).Msg("Schema validation failed")
		os.Exit(1)
	}

	// Jobs and runs left mid-flight by a previous process become
	// retryable before anything can claim them.
	if err := st.RecoverOrphans(ctx); err != nil {
		mainLog.Error().Err(err).Msg("Error recovering orphaned work")
		os.Exit(1)
	}

	b := bus.New(cfg.Broadcast.ClientBuffer)
	defer b.Close()
	st.SetEventSink(b)

	// Git plane: bare repo service plus the smart-HTTP handler. Pushes
	// it accepts feed the trigger service through the bus.
	git, err := githost.NewService(cfg)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error initializing git host")
		os.Exit(1)
	}
	gitManager := githost.NewManager()
	defer gitManager.Close()
	gitHTTP := githost.NewHTTPHandler(git, gitManager, b)

	q := queue.New(st)
	if err := q.Rebuild(ctx); err != nil {
		mainLog.Error().Err(err).Msg("Error rebuilding job queue")
		os.Exit(1)
	}

	registry := runner.NewRegistry(st, q, cfg)
	registry.SetAssetSource(git)

	cardSvc := cards.NewService(st, q, git, cfg)
	go cardSvc.Run(ctx, b)

	eng := engine.New(st, git, registry, cardSvc, q, b, git, cfg)

	triggerSvc := trigger.NewService(st, git, eng, b, cfg)
	go triggerSvc.Run(ctx)

	debugSvc := debug.NewService(st, eng, b, cfg)
	go debugSvc.Run(ctx)

	srv := server.New(cfg, server.Deps{
		Store:    st,
		Cards:    cardSvc,
		Engine:   eng,
		Debug:    debugSvc,
		Git:      git,
		Runners:  registry,
		Queue:    q,
		Bus:      b,
		GitPlane: gitHTTP.Routes(),
		RunnerWS: registry.HandleWS,
	})

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Server error")
		}
	}

	// Graceful shutdown: fresh context with timeout, independent of the
	// service context.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	// Stop accepting runner work, then let in-flight runs wind down.
	registry.Shutdown(shutdownCtx)
	eng.Shutdown(shutdownCtx)
	cancel()

	mainLog.Info().Msg("Server shut down")
}
