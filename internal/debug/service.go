// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package debug manages debug sessions: breakpointed reruns of pipeline
// runs, resume/abort control, single-use join tokens, and expiry.
package debug

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/bus"
	"github.com/lazyaf/lazyaf/internal/common"
	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/engine"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/protocol"
	"github.com/lazyaf/lazyaf/internal/store/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetDebugLogger()
		log = &l
	})
	return log
}

// sweepInterval is how often expired sessions are collected.
const sweepInterval = 15 * time.Second

// Store is the subset of store operations the debug controller needs.
type Store interface {
	GetPipelineRun(ctx context.Context, runID string) (*models.PipelineRun, error)
	CreateDebugSession(ctx context.Context, session *models.DebugSession) error
	GetDebugSession(ctx context.Context, sessionID string) (*models.DebugSession, error)
	UpdateDebugSession(ctx context.Context, session *models.DebugSession) error
	ListExpirableDebugSessions(ctx context.Context) ([]*models.DebugSession, error)
}

// Engine is the run-control surface the debug controller drives.
type Engine interface {
	StartRun(ctx context.Context, pipelineID string, params engine.StartParams) (*models.PipelineRun, error)
	CancelRun(ctx context.Context, runID string) error
	ResumeRun(runID string) bool
}

// Service owns debug session lifecycle.
type Service struct {
	store  Store
	engine Engine
	bus    *bus.Bus
	cfg    *config.AppConfig
}

func NewService(store Store, eng Engine, b *bus.Bus, cfg *config.AppConfig) *Service {
	return &Service{store: store, engine: eng, bus: b, cfg: cfg}
}

// RerunParams configure a debug rerun of an existing run.
type RerunParams struct {
	Breakpoints       []int
	UseOriginalCommit bool
	CommitSHA         string
	Branch            string
	Expiry            time.Duration
}

// Rerun is what a created debug rerun hands back to the caller. The join
// token appears here once and is never served again.
type Rerun struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"debug_session_id"`
	JoinToken string `json:"join_token"`
}

// CreateRerun clones a finished run into a fresh run bound to a new
// debug session.
func (s *Service) CreateRerun(ctx context.Context, runID string, params RerunParams) (*Rerun, error) {
	source, err := s.store.GetPipelineRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, common.NewClientInputError("pipeline run not found: %s", runID)
	}
	if !source.Status.Terminal() {
		return nil, common.NewClientInputError("run %s is still %s; debug reruns need a finished run", runID, source.Status)
	}
	if len(params.Breakpoints) == 0 {
		return nil, common.NewClientInputError("debug rerun requires at least one breakpoint")
	}

	expiry := s.cfg.Debug.DefaultExpiry
	if params.Expiry > 0 {
		expiry = params.Expiry
	}
	if max := s.cfg.Debug.MaxExpiry; max > 0 && expiry > max {
		expiry = max
	}

	session := &models.DebugSession{
		ID:          uuid.New().String(),
		Breakpoints: models.Breakpoints(params.Breakpoints),
		Status:      models.DebugSessionPending,
		ExpiresAt:   time.Now().Add(expiry),
		JoinToken:   uuid.New().String(),
	}
	if err := s.store.CreateDebugSession(ctx, session); err != nil {
		return nil, err
	}

	triggerCtx := models.TriggerContext{"debug_of": source.ID}
	for k, v := range source.TriggerContext {
		triggerCtx[k] = v
	}

	start := engine.StartParams{
		TriggerType:    models.TriggerTypeManual,
		TriggerRef:     "debug:" + source.ID,
		TriggerContext: triggerCtx,
		DebugSessionID: session.ID,
		Branch:         params.Branch,
	}
	switch {
	case params.UseOriginalCommit:
		start.CommitSHA = source.BaseCommitSHA
	case params.CommitSHA != "":
		start.CommitSHA = params.CommitSHA
	}

	run, err := s.engine.StartRun(ctx, source.PipelineID, start)
	if err != nil {
		session.Status = models.DebugSessionEnded
		if uerr := s.store.UpdateDebugSession(ctx, session); uerr != nil {
			getLog().Warn().Err(uerr).Str("session_id", session.ID).Msg("Failed to discard orphaned debug session")
		}
		return nil, err
	}

	getLog().Info().
		Str("session_id", session.ID).
		Str("source_run_id", source.ID).
		Str("run_id", run.ID).
		Ints("breakpoints", params.Breakpoints).
		Msg("Debug rerun created")
	return &Rerun{RunID: run.ID, SessionID: session.ID, JoinToken: session.JoinToken}, nil
}

// Resume releases a session parked at a breakpoint.
func (s *Service) Resume(ctx context.Context, sessionID string) error {
	session, err := s.store.GetDebugSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return common.NewClientInputError("debug session not found: %s", sessionID)
	}
	if session.Status != models.DebugSessionWaitingAtBP && session.Status != models.DebugSessionConnected {
		return common.NewClientInputError("debug session %s is %s, not waiting at a breakpoint", sessionID, session.Status)
	}

	if !s.engine.ResumeRun(session.PipelineRunID) {
		return common.NewResourceUnavailableError("run %s has no active task to resume", session.PipelineRunID)
	}

	session.Status = models.DebugSessionPending
	if err := s.store.UpdateDebugSession(ctx, session); err != nil {
		return err
	}

	s.bus.Publish(protocol.DebugResumeEvent{
		Metadata:  protocol.Metadata{Version: protocol.CurrentProtocolVersion},
		RunID:     session.PipelineRunID,
		SessionID: session.ID,
		StepIndex: session.CurrentStepIndex,
	})
	getLog().Info().
		Str("session_id", sessionID).
		Str("run_id", session.PipelineRunID).
		Int("step_index", session.CurrentStepIndex).
		Msg("Debug session resumed")
	return nil
}

// Abort cancels the session's run and ends the session.
func (s *Service) Abort(ctx context.Context, sessionID string) error {
	session, err := s.store.GetDebugSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return common.NewClientInputError("debug session not found: %s", sessionID)
	}
	if session.Status == models.DebugSessionEnded || session.Status == models.DebugSessionTimeout {
		return nil
	}

	if session.PipelineRunID != "" {
		if err := s.engine.CancelRun(ctx, session.PipelineRunID); err != nil {
			getLog().Warn().Err(err).
				Str("session_id", sessionID).
				Str("run_id", session.PipelineRunID).
				Msg("Failed to cancel debug run on abort")
		}
	}

	session.Status = models.DebugSessionEnded
	if err := s.store.UpdateDebugSession(ctx, session); err != nil {
		return err
	}
	getLog().Info().Str("session_id", sessionID).Msg("Debug session aborted")
	return nil
}

// Join consumes the session's single-use token and marks the session
// connected, gating attachment to the breakpoint step's live log stream.
func (s *Service) Join(ctx context.Context, sessionID, token string) (*models.DebugSession, error) {
	session, err := s.store.GetDebugSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, common.NewClientInputError("debug session not found: %s", sessionID)
	}
	if session.Status == models.DebugSessionEnded || session.Status == models.DebugSessionTimeout {
		return nil, common.NewClientInputError("debug session %s has ended", sessionID)
	}
	if session.JoinTokenUsed {
		return nil, common.NewClientInputError("join token for session %s was already used", sessionID)
	}
	if token == "" || token != session.JoinToken {
		return nil, common.NewClientInputError("invalid join token for session %s", sessionID)
	}

	session.JoinTokenUsed = true
	session.Status = models.DebugSessionConnected
	if err := s.store.UpdateDebugSession(ctx, session); err != nil {
		return nil, err
	}
	getLog().Info().Str("session_id", sessionID).Msg("Debug session joined")
	return session, nil
}

// Run sweeps expired sessions until ctx ends.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired(ctx)
		}
	}
}

func (s *Service) sweepExpired(ctx context.Context) {
	sessions, err := s.store.ListExpirableDebugSessions(ctx)
	if err != nil {
		getLog().Error().Err(err).Msg("Failed to list expirable debug sessions")
		return
	}
	now := time.Now()
	for _, session := range sessions {
		if session.ExpiresAt.After(now) {
			continue
		}
		session.Status = models.DebugSessionTimeout
		if err := s.store.UpdateDebugSession(ctx, session); err != nil {
			getLog().Error().Err(err).Str("session_id", session.ID).Msg("Failed to expire debug session")
			continue
		}
		if session.PipelineRunID != "" {
			if err := s.engine.CancelRun(ctx, session.PipelineRunID); err != nil {
				getLog().Warn().Err(err).
					Str("session_id", session.ID).
					Str("run_id", session.PipelineRunID).
					Msg("Failed to cancel run of expired debug session")
			}
		}
		getLog().Info().Str("session_id", session.ID).Msg("Debug session expired")
	}
}
