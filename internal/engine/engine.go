// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine executes pipeline runs. Each active run is one
// cooperative task that dispatches step jobs, applies routing verbs to
// their results, maintains the committed context directory on the run's
// working branch, and parks at debug breakpoints.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/bus"
	"github.com/lazyaf/lazyaf/internal/common"
	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/queue"
	"github.com/lazyaf/lazyaf/internal/store/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetEngineLogger()
		log = &l
	})
	return log
}

// Store is the subset of store operations the engine needs.
type Store interface {
	GetRepo(ctx context.Context, repoID string) (*models.Repo, error)
	GetPipeline(ctx context.Context, pipelineID string) (*models.Pipeline, error)
	CreatePipelineRun(ctx context.Context, run *models.PipelineRun) error
	GetPipelineRun(ctx context.Context, runID string) (*models.PipelineRun, error)
	FindActiveRunByIdentityHash(ctx context.Context, identityHash string) (*models.PipelineRun, error)
	UpdatePipelineRun(ctx context.Context, run *models.PipelineRun) error
	TransitionRun(ctx context.Context, runID string, to models.RunStatus, errMsg string) (*models.PipelineRun, error)
	AdvanceRunStep(ctx context.Context, runID string, currentStepIndex, stepsCompleted int) (*models.PipelineRun, error)
	CreateStepRun(ctx context.Context, stepRun *models.StepRun) error
	GetStepRun(ctx context.Context, stepRunID string) (*models.StepRun, error)
	GetStepRunsByRun(ctx context.Context, runID string) ([]*models.StepRun, error)
	UpdateStepRun(ctx context.Context, stepRun *models.StepRun) error
	TransitionStepRun(ctx context.Context, stepRunID string, to models.RunStatus, errMsg string) (*models.StepRun, error)
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	GetDebugSession(ctx context.Context, sessionID string) (*models.DebugSession, error)
	UpdateDebugSession(ctx context.Context, session *models.DebugSession) error
}

// Git is the branch/merge/context surface the engine needs.
type Git interface {
	HeadCommit(ctx context.Context, repoID, ref string) (string, error)
	CreateBranch(ctx context.Context, repoID, branch, fromRef string) error
	Merge(ctx context.Context, repoID, source, target string) (string, *models.ConflictRecord, error)
	CommitFiles(ctx context.Context, repoID, branch, message string, files map[string]string) (string, error)
	RemoveTree(ctx context.Context, repoID, branch, message, prefix string) (string, error)
}

// Runners is the cancellation/pinning surface of the runner registry.
type Runners interface {
	CancelJob(ctx context.Context, jobID, reason string) error
	RunnerAvailable(ctx context.Context, runnerID string) bool
}

// CardStarter starts an existing card; used by the trigger:<card_id>
// routing verb for AI-fix loops.
type CardStarter interface {
	Start(ctx context.Context, cardID string) (*models.Card, error)
}

// Snapshotter packs a repo into the run's snapshot area so a follow-up
// continuation step can be seeded elsewhere.
type Snapshotter interface {
	ArchiveRepo(repoID, destPath string) error
}

// Engine owns all active run tasks.
type Engine struct {
	store    Store
	git      Git
	runners  Runners
	cards    CardStarter
	queue    *queue.Queue
	bus      *bus.Bus
	snapshot Snapshotter
	cfg      *config.AppConfig

	mu    sync.Mutex
	tasks map[string]*runTask

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store Store, git Git, runners Runners, cards CardStarter, q *queue.Queue, b *bus.Bus, snap Snapshotter, cfg *config.AppConfig) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    store,
		git:      git,
		runners:  runners,
		cards:    cards,
		queue:    q,
		bus:      b,
		snapshot: snap,
		cfg:      cfg,
		tasks:    make(map[string]*runTask),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// StartParams describe how a run came to be.
type StartParams struct {
	TriggerType    string
	TriggerRef     string
	TriggerContext models.TriggerContext

	// Debug rerun options.
	DebugSessionID    string
	UseOriginalCommit bool
	CommitSHA         string
	Branch            string
}

// StartRun creates and launches a pipeline run. Starts are idempotent on
// the run identity hash: identical inputs reuse the existing active run.
func (e *Engine) StartRun(ctx context.Context, pipelineID string, params StartParams) (*models.PipelineRun, error) {
	pipeline, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if pipeline == nil {
		return nil, common.NewClientInputError("pipeline not found: %s", pipelineID)
	}
	if err := pipeline.Validate(); err != nil {
		return nil, common.NewClientInputError("pipeline %s is invalid: %v", pipelineID, err)
	}

	repo, err := e.store.GetRepo(ctx, pipeline.RepoID)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, common.NewClientInputError("repo not found: %s", pipeline.RepoID)
	}

	baseRef := repo.DefaultBranch
	if params.Branch != "" {
		baseRef = params.Branch
	}
	baseSHA := params.CommitSHA
	if baseSHA == "" {
		baseSHA, err = e.git.HeadCommit(ctx, repo.ID, baseRef)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve base commit: %w", err)
		}
	}

	triggerType := params.TriggerType
	if triggerType == "" {
		triggerType = models.TriggerTypeManual
	}

	identity := models.ComputeRunIdentityHash(pipelineID, pipeline.Steps, triggerType, params.TriggerRef, baseSHA)
	if existing, err := e.store.FindActiveRunByIdentityHash(ctx, identity); err != nil {
		return nil, err
	} else if existing != nil {
		getLog().Info().
			Str("run_id", existing.ID).
			Str("identity_hash", identity).
			Msg("Identical run already active, reusing")
		return existing, nil
	}

	runID := uuid.New().String()
	run := &models.PipelineRun{
		ID:             runID,
		PipelineID:     pipelineID,
		RepoID:         repo.ID,
		Status:         models.RunStatusPending,
		TriggerType:    triggerType,
		TriggerRef:     params.TriggerRef,
		TriggerContext: params.TriggerContext,
		StepsTotal:     len(pipeline.Steps),
		BranchName:     e.branchFor(runID),
		BaseCommitSHA:  baseSHA,
		DebugSessionID: params.DebugSessionID,
		IdentityHash:   identity,
	}
	if err := e.store.CreatePipelineRun(ctx, run); err != nil {
		return nil, err
	}
	for i, step := range pipeline.Steps {
		stepRun := &models.StepRun{
			ID:            uuid.New().String(),
			PipelineRunID: runID,
			StepIndex:     i,
			StepID:        step.StepID,
			StepName:      step.Name,
			Status:        models.RunStatusPending,
		}
		if err := e.store.CreateStepRun(ctx, stepRun); err != nil {
			return nil, err
		}
	}

	if err := e.git.CreateBranch(ctx, repo.ID, run.BranchName, baseSHA); err != nil && !common.IsAlreadyExists(err) {
		return nil, fmt.Errorf("failed to create working branch: %w", err)
	}

	if params.DebugSessionID != "" {
		if session, err := e.store.GetDebugSession(ctx, params.DebugSessionID); err == nil && session != nil {
			session.PipelineRunID = runID
			if err := e.store.UpdateDebugSession(ctx, session); err != nil {
				getLog().Warn().Err(err).Str("session_id", session.ID).Msg("Failed to bind debug session to run")
			}
		}
	}

	e.launch(run, pipeline)

	getLog().Info().
		Str("run_id", runID).
		Str("pipeline_id", pipelineID).
		Str("trigger", triggerType).
		Str("branch", run.BranchName).
		Msg("Pipeline run started")
	return run, nil
}

func (e *Engine) branchFor(runID string) string {
	prefix := e.cfg.Engine.BranchPrefix
	if prefix == "" {
		prefix = "lazyaf/"
	}
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return prefix + "run-" + short
}

// launch registers and starts the per-run task.
func (e *Engine) launch(run *models.PipelineRun, pipeline *models.Pipeline) {
	taskCtx, taskCancel := context.WithCancel(e.ctx)
	task := &runTask{
		engine:   e,
		runID:    run.ID,
		repoID:   run.RepoID,
		pipeline: pipeline,
		ctx:      taskCtx,
		cancel:   taskCancel,
		resume:   make(chan struct{}, 1),
	}

	e.mu.Lock()
	e.tasks[run.ID] = task
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.tasks, run.ID)
			e.mu.Unlock()
			taskCancel()
		}()
		task.run()
	}()
}

// CancelRun stops an active run. The current step job receives a
// cancel_job; the run terminal state is cancelled.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	run, err := e.store.GetPipelineRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return common.NewClientInputError("pipeline run not found: %s", runID)
	}
	if run.Status.Terminal() {
		return nil
	}

	e.mu.Lock()
	task := e.tasks[runID]
	e.mu.Unlock()

	if task == nil {
		// No live task (e.g. created but never launched); close it out.
		_, err := e.store.TransitionRun(ctx, runID, models.RunStatusCancelled, "cancelled")
		return err
	}

	task.cancel()
	getLog().Info().Str("run_id", runID).Msg("Pipeline run cancel requested")
	return nil
}

// ResumeRun releases a run parked at a debug breakpoint.
func (e *Engine) ResumeRun(runID string) bool {
	e.mu.Lock()
	task := e.tasks[runID]
	e.mu.Unlock()
	if task == nil {
		return false
	}

	select {
	case task.resume <- struct{}{}:
	default:
	}
	return true
}

// ActiveRuns reports the ids of runs with a live task.
func (e *Engine) ActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	return ids
}

// snapshotPath is the snapshot area for one run.
func (e *Engine) snapshotPath(runID string) string {
	return filepath.Join(e.cfg.SnapshotsPath(), runID+".tar.gz")
}

// Shutdown cancels all run tasks and waits for them to unwind.
func (e *Engine) Shutdown(ctx context.Context) {
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		getLog().Warn().Msg("Engine shutdown timed out waiting for run tasks")
	}
}
