// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/lazyaf/lazyaf/internal/bus"
	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/queue"
)

// Deps are the domain services the server fronts. GitPlane and RunnerWS
// are mounted as-is; the git plane sits outside CORS and the body cap
// because packfiles are large and pushed by git, not browsers.
type Deps struct {
	Store    Store
	Cards    Cards
	Engine   Engine
	Debug    Debug
	Git      Git
	Runners  Runners
	Queue    *queue.Queue
	Bus      *bus.Bus
	GitPlane http.Handler
	RunnerWS http.HandlerFunc
}

// Server is the REST + WebSocket + SSE API server.
type Server struct {
	httpServer  *http.Server
	broadcaster *EventBroadcaster
	registry    *ClientRegistry
}

// New creates and wires up the API server. It does NOT start listening —
// call Run() for that.
func New(cfg *config.AppConfig, deps Deps) *Server {
	registry := NewClientRegistry(cfg.Broadcast.ClientBuffer)
	broadcaster := NewEventBroadcaster(deps.Bus, registry, deps.Runners, cfg.Broadcast.PoolStatsDebounce)
	handlers := NewHandlers(deps.Store, deps.Cards, deps.Engine, deps.Debug, deps.Git, deps.Runners, deps.Queue, deps.Bus, cfg)

	root := chi.NewRouter()
	root.Use(Recovery)
	root.Use(RequestID)
	root.Use(Logger)

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	api := chi.NewRouter()
	api.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID", "Last-Event-Id"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	api.Use(MaxBodySize(1 << 20)) // 1 MB default

	// Repos
	api.Get("/repos", handlers.ListRepos)
	api.Post("/repos", handlers.CreateRepo)
	api.Route("/repos/{repoID}", func(r chi.Router) {
		r.Get("/", handlers.GetRepo)
		r.Delete("/", handlers.DeleteRepo)
		r.Post("/ingest", handlers.IngestRepo)
		r.Get("/branches", handlers.ListBranches)
		r.Get("/commits", handlers.ListCommits)
		r.Get("/diff", handlers.GetDiff)
		r.Get("/assets/{kind}", handlers.ListRepoAssets)
		r.Get("/assets/{kind}/{name}", handlers.GetRepoAsset)

		r.Get("/cards", handlers.ListCards)
		r.Post("/cards", handlers.CreateCard)
		r.Get("/pipelines", handlers.ListPipelines)
		r.Post("/pipelines", handlers.CreatePipeline)
		r.Get("/runs", handlers.ListRuns)
	})

	// Cards
	api.Route("/cards/{cardID}", func(r chi.Router) {
		r.Get("/", handlers.GetCard)
		r.Put("/", handlers.UpdateCard)
		r.Delete("/", handlers.DeleteCard)
		r.Post("/start", handlers.StartCard)
		r.Post("/approve", handlers.ApproveCard)
		r.Post("/reject", handlers.RejectCard)
		r.Post("/retry", handlers.RetryCard)
	})

	// Jobs
	api.Get("/jobs/{jobID}", handlers.GetJob)
	api.Post("/jobs/{jobID}/cancel", handlers.CancelJob)
	api.Get("/jobs/{jobID}/logs/stream", handlers.StreamJobLogs)

	// Runners
	api.Get("/runners", handlers.ListRunners)
	api.Post("/runners/scale", handlers.ScaleRunners)

	// Pipelines
	api.Route("/pipelines/{pipelineID}", func(r chi.Router) {
		r.Get("/", handlers.GetPipeline)
		r.Put("/", handlers.UpdatePipeline)
		r.Delete("/", handlers.DeletePipeline)
		r.Post("/run", handlers.RunPipeline)
	})

	// Pipeline runs
	api.Route("/pipeline-runs/{runID}", func(r chi.Router) {
		r.Get("/", handlers.GetRun)
		r.Post("/cancel", handlers.CancelRun)
		r.Post("/debug-rerun", handlers.DebugRerun)
	})

	// Debug sessions
	api.Route("/debug/{sessionID}", func(r chi.Router) {
		r.Get("/", handlers.GetDebugSession)
		r.Post("/resume", handlers.ResumeDebug)
		r.Post("/abort", handlers.AbortDebug)
		r.Post("/join", handlers.JoinDebug)
	})

	// Agent files
	api.Get("/agent-files", handlers.ListAgentFiles)
	api.Post("/agent-files", handlers.SaveAgentFile)
	api.Get("/agent-files/{name}", handlers.GetAgentFile)
	api.Delete("/agent-files/{name}", handlers.DeleteAgentFile)

	// Playground
	api.Post("/playground", handlers.CreatePlaygroundJob)
	api.Get("/playground/{session}/stream", handlers.StreamPlayground)

	root.Mount("/api/v1", api)

	if deps.GitPlane != nil {
		root.Mount("/git", deps.GitPlane)
	}
	if deps.RunnerWS != nil {
		root.Get("/ws/runner", deps.RunnerWS)
	}
	root.Get("/ws/ui", HandleUISocket(registry, deps.Store, deps.Runners, cfg.Server.AllowedOrigins))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           root,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
			// No WriteTimeout: SSE tails and WebSockets outlive any
			// fixed deadline.
		},
		broadcaster: broadcaster,
		registry:    registry,
	}
}

// Handler exposes the root router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the event broadcaster goroutine and the HTTP server.
// Blocks until the server is shut down or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		const maxRetries = 3
		for attempt := 1; attempt <= maxRetries; attempt++ {
			func() {
				defer func() {
					if r := recover(); r != nil {
						getLog().Error().Interface("panic", r).Int("attempt", attempt).Msg("Event broadcaster panic")
					}
				}()
				s.broadcaster.Run(ctx)
			}()

			// Normal return (context cancelled) — exit without retry.
			if ctx.Err() != nil {
				return
			}

			if attempt < maxRetries {
				getLog().Warn().Int("attempt", attempt).Msg("Restarting event broadcaster")
				time.Sleep(1 * time.Second)
			}
		}
		getLog().Error().Msg("Event broadcaster exhausted retries - UI clients will no longer receive events")
	}()

	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
