// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store is the single persistence layer. All state lives in one
// SQLite database accessed through GORM; state transitions that must be
// atomic go through the transactional helpers in transitions.go.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/protocol"
	"github.com/lazyaf/lazyaf/internal/store/models"

	"github.com/lazyaf/lazyaf/internal/common"
)

var log *zerolog.Logger
var logOnce sync.Once

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetStoreLogger()
		log = &l
	})
	return log
}

// EventSink receives exactly one event per committed state transition.
type EventSink interface {
	Publish(event protocol.Event)
}

// GormStore wraps the GORM database connection.
type GormStore struct {
	db     *gorm.DB
	events EventSink
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(cfg *config.DatabaseConfig) (*GormStore, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent), // Reduce GORM log noise
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &GormStore{db: db}, nil
}

// SetEventSink wires the broker that receives post-commit events. Until
// it is set, transitions commit silently.
func (s *GormStore) SetEventSink(sink EventSink) {
	s.events = sink
}

func (s *GormStore) publish(event protocol.Event) {
	if s.events != nil {
		s.events.Publish(event)
	}
}

// AutoMigrate runs database migrations.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.Repo{},
		&models.Card{},
		&models.Job{},
		&models.Runner{},
		&models.AgentFile{},
		&models.Pipeline{},
		&models.PipelineRun{},
		&models.StepRun{},
		&models.DebugSession{},
	)
}

// ValidateSchema checks if GORM models match the database schema.
func (s *GormStore) ValidateSchema() error {
	var missingTables []string
	var missingColumns []string

	tables := []struct {
		model any
		name  string
	}{
		{&models.Repo{}, "repos"},
		{&models.Card{}, "cards"},
		{&models.Job{}, "jobs"},
		{&models.Runner{}, "runners"},
		{&models.AgentFile{}, "agent_files"},
		{&models.Pipeline{}, "pipelines"},
		{&models.PipelineRun{}, "pipeline_runs"},
		{&models.StepRun{}, "step_runs"},
		{&models.DebugSession{}, "debug_sessions"},
	}
	for _, t := range tables {
		if !s.db.Migrator().HasTable(t.model) {
			missingTables = append(missingTables, t.name)
		}
	}
	if len(missingTables) > 0 {
		return fmt.Errorf("missing tables: %v", missingTables)
	}

	cardColumns := []string{"id", "repo_id", "title", "status", "runner_type", "step_kind", "step_config", "branch_name", "current_job_id"}
	for _, col := range cardColumns {
		if !s.db.Migrator().HasColumn(&models.Card{}, col) {
			missingColumns = append(missingColumns, fmt.Sprintf("cards.%s", col))
		}
	}

	jobColumns := []string{"id", "card_id", "repo_id", "runner_type", "status", "step_run_id", "pinned_runner_id", "log_seq", "deadline"}
	for _, col := range jobColumns {
		if !s.db.Migrator().HasColumn(&models.Job{}, col) {
			missingColumns = append(missingColumns, fmt.Sprintf("jobs.%s", col))
		}
	}

	runColumns := []string{"id", "pipeline_id", "repo_id", "status", "current_step_index", "identity_hash", "base_commit_sha"}
	for _, col := range runColumns {
		if !s.db.Migrator().HasColumn(&models.PipelineRun{}, col) {
			missingColumns = append(missingColumns, fmt.Sprintf("pipeline_runs.%s", col))
		}
	}

	if len(missingColumns) > 0 {
		return fmt.Errorf("missing columns: %v", missingColumns)
	}

	return nil
}

// Close closes the database connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isUniqueViolation detects SQLite unique-constraint failures across the
// driver's error spellings.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// ============================================================================
// Repo Operations
// ============================================================================

// CreateRepo creates a new repo record. A duplicate name reports
// common.ErrAlreadyExists.
func (s *GormStore) CreateRepo(ctx context.Context, repo *models.Repo) error {
	err := s.db.WithContext(ctx).Create(repo).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("repo %q: %w", repo.Name, common.ErrAlreadyExists)
	}
	return err
}

// GetRepo retrieves a repo by ID.
func (s *GormStore) GetRepo(ctx context.Context, repoID string) (*models.Repo, error) {
	var repo models.Repo
	err := s.db.WithContext(ctx).First(&repo, "id = ?", repoID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &repo, nil
}

// GetRepoByName retrieves a repo by its unique name.
func (s *GormStore) GetRepoByName(ctx context.Context, name string) (*models.Repo, error) {
	var repo models.Repo
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&repo).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &repo, nil
}

// ListRepos retrieves all repos, most recently updated first.
func (s *GormStore) ListRepos(ctx context.Context) ([]*models.Repo, error) {
	var repos []*models.Repo
	err := s.db.WithContext(ctx).
		Order("updated_at DESC").
		Find(&repos).Error
	if err != nil {
		return nil, err
	}
	return repos, nil
}

// UpdateRepo saves repo details.
func (s *GormStore) UpdateRepo(ctx context.Context, repo *models.Repo) error {
	return s.db.WithContext(ctx).Save(repo).Error
}

// DeleteRepo deletes a repo and cascades to its cards and pipelines.
func (s *GormStore) DeleteRepo(ctx context.Context, repoID string) error {
	return s.db.WithContext(ctx).Delete(&models.Repo{}, "id = ?", repoID).Error
}

// ============================================================================
// Card Operations
// ============================================================================

// CreateCard creates a new card.
func (s *GormStore) CreateCard(ctx context.Context, card *models.Card) error {
	return s.db.WithContext(ctx).Create(card).Error
}

// GetCard retrieves a single card by ID.
func (s *GormStore) GetCard(ctx context.Context, cardID string) (*models.Card, error) {
	var card models.Card
	err := s.db.WithContext(ctx).First(&card, "id = ?", cardID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &card, nil
}

// ListCardsByRepo retrieves the cards of a repo, optionally filtered by
// status.
func (s *GormStore) ListCardsByRepo(ctx context.Context, repoID string, statuses ...models.CardStatus) ([]*models.Card, error) {
	query := s.db.WithContext(ctx).Where("repo_id = ?", repoID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}

	var cards []*models.Card
	err := query.Order("created_at ASC").Find(&cards).Error
	if err != nil {
		return nil, err
	}
	return cards, nil
}

// UpdateCard saves card details. Status changes must go through
// TransitionCard.
func (s *GormStore) UpdateCard(ctx context.Context, card *models.Card) error {
	return s.db.WithContext(ctx).Save(card).Error
}

// DeleteCard deletes a card and cascades to its jobs.
func (s *GormStore) DeleteCard(ctx context.Context, cardID string) error {
	return s.db.WithContext(ctx).Delete(&models.Card{}, "id = ?", cardID).Error
}

// ============================================================================
// Job Operations
// ============================================================================

// CreateJob creates a new job.
func (s *GormStore) CreateJob(ctx context.Context, job *models.Job) error {
	return s.db.WithContext(ctx).Create(job).Error
}

// GetJob retrieves a single job by ID.
func (s *GormStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// GetJobsByCard retrieves all jobs for a card, newest first.
func (s *GormStore) GetJobsByCard(ctx context.Context, cardID string) ([]*models.Job, error) {
	var jobs []*models.Job
	err := s.db.WithContext(ctx).
		Where("card_id = ?", cardID).
		Order("created_at DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListQueuedJobs retrieves queued jobs in FIFO order. The queue rebuilds
// from this after a restart.
func (s *GormStore) ListQueuedJobs(ctx context.Context) ([]*models.Job, error) {
	var jobs []*models.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", models.JobStatusQueued).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListRunningJobs retrieves jobs currently marked running.
func (s *GormStore) ListRunningJobs(ctx context.Context) ([]*models.Job, error) {
	var jobs []*models.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", models.JobStatusRunning).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// UpdateJob saves job details. Status changes must go through the
// transition helpers.
func (s *GormStore) UpdateJob(ctx context.Context, job *models.Job) error {
	return s.db.WithContext(ctx).Save(job).Error
}

// ============================================================================
// Runner Operations
// ============================================================================

// UpsertRunner creates or refreshes a runner record on registration.
func (s *GormStore) UpsertRunner(ctx context.Context, runner *models.Runner) error {
	return s.db.WithContext(ctx).Save(runner).Error
}

// GetRunner retrieves a single runner by ID.
func (s *GormStore) GetRunner(ctx context.Context, runnerID string) (*models.Runner, error) {
	var runner models.Runner
	err := s.db.WithContext(ctx).First(&runner, "id = ?", runnerID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &runner, nil
}

// ListRunners retrieves all runner records.
func (s *GormStore) ListRunners(ctx context.Context) ([]*models.Runner, error) {
	var runners []*models.Runner
	err := s.db.WithContext(ctx).
		Order("registered_at ASC").
		Find(&runners).Error
	if err != nil {
		return nil, err
	}
	return runners, nil
}

// ============================================================================
// AgentFile Operations
// ============================================================================

// SaveAgentFile creates or replaces an agent file by its unique name.
func (s *GormStore) SaveAgentFile(ctx context.Context, file *models.AgentFile) error {
	var existing models.AgentFile
	err := s.db.WithContext(ctx).Where("name = ?", file.Name).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return s.db.WithContext(ctx).Create(file).Error
	}
	if err != nil {
		return err
	}
	file.ID = existing.ID
	return s.db.WithContext(ctx).Save(file).Error
}

// GetAgentFile retrieves an agent file by name.
func (s *GormStore) GetAgentFile(ctx context.Context, name string) (*models.AgentFile, error) {
	var file models.AgentFile
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&file).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &file, nil
}

// ListAgentFiles retrieves all agent files ordered by name.
func (s *GormStore) ListAgentFiles(ctx context.Context) ([]*models.AgentFile, error) {
	var files []*models.AgentFile
	err := s.db.WithContext(ctx).Order("name ASC").Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// DeleteAgentFile deletes an agent file by name.
func (s *GormStore) DeleteAgentFile(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Where("name = ?", name).Delete(&models.AgentFile{}).Error
}

// ============================================================================
// Pipeline Operations
// ============================================================================

// CreatePipeline creates a new pipeline definition.
func (s *GormStore) CreatePipeline(ctx context.Context, pipeline *models.Pipeline) error {
	return s.db.WithContext(ctx).Create(pipeline).Error
}

// GetPipeline retrieves a pipeline by ID.
func (s *GormStore) GetPipeline(ctx context.Context, pipelineID string) (*models.Pipeline, error) {
	var pipeline models.Pipeline
	err := s.db.WithContext(ctx).First(&pipeline, "id = ?", pipelineID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &pipeline, nil
}

// GetPipelinesByRepo retrieves all pipelines for a repo.
func (s *GormStore) GetPipelinesByRepo(ctx context.Context, repoID string) ([]*models.Pipeline, error) {
	var pipelines []*models.Pipeline
	err := s.db.WithContext(ctx).
		Where("repo_id = ?", repoID).
		Order("created_at DESC").
		Find(&pipelines).Error
	if err != nil {
		return nil, err
	}
	return pipelines, nil
}

// UpdatePipeline updates a pipeline's details.
func (s *GormStore) UpdatePipeline(ctx context.Context, pipeline *models.Pipeline) error {
	return s.db.WithContext(ctx).Save(pipeline).Error
}

// DeletePipeline deletes a pipeline.
func (s *GormStore) DeletePipeline(ctx context.Context, pipelineID string) error {
	return s.db.WithContext(ctx).Delete(&models.Pipeline{}, "id = ?", pipelineID).Error
}

// ============================================================================
// PipelineRun Operations
// ============================================================================

// CreatePipelineRun creates a new pipeline run.
func (s *GormStore) CreatePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

// GetPipelineRun retrieves a pipeline run by ID with step runs ordered
// by index.
func (s *GormStore) GetPipelineRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := s.db.WithContext(ctx).
		Preload("StepRuns", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_index ASC")
		}).
		First(&run, "id = ?", runID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// GetPipelineRunsByRepo retrieves all pipeline runs for a repo with step
// runs pre-loaded.
func (s *GormStore) GetPipelineRunsByRepo(ctx context.Context, repoID string) ([]*models.PipelineRun, error) {
	var runs []*models.PipelineRun
	err := s.db.WithContext(ctx).
		Preload("StepRuns", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_index ASC")
		}).
		Where("repo_id = ?", repoID).
		Order("created_at DESC").
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// GetPipelineRunsByPipeline retrieves all runs for a specific pipeline.
func (s *GormStore) GetPipelineRunsByPipeline(ctx context.Context, pipelineID string) ([]*models.PipelineRun, error) {
	var runs []*models.PipelineRun
	err := s.db.WithContext(ctx).
		Where("pipeline_id = ?", pipelineID).
		Order("created_at DESC").
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// FindActiveRunByIdentityHash returns a non-terminal run with the given
// identity hash, used to make run starts idempotent.
func (s *GormStore) FindActiveRunByIdentityHash(ctx context.Context, identityHash string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := s.db.WithContext(ctx).
		Where("identity_hash = ? AND status IN ?", identityHash,
			[]models.RunStatus{models.RunStatusPending, models.RunStatusRunning}).
		First(&run).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// ListActiveRuns retrieves runs that are pending or running.
func (s *GormStore) ListActiveRuns(ctx context.Context) ([]*models.PipelineRun, error) {
	var runs []*models.PipelineRun
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.RunStatus{models.RunStatusPending, models.RunStatusRunning}).
		Order("created_at ASC").
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// UpdatePipelineRun updates a pipeline run (only non-zero fields).
func (s *GormStore) UpdatePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	return s.db.WithContext(ctx).Model(&models.PipelineRun{}).Where("id = ?", run.ID).Updates(run).Error
}

// ============================================================================
// StepRun Operations
// ============================================================================

// CreateStepRun creates a new step run.
func (s *GormStore) CreateStepRun(ctx context.Context, stepRun *models.StepRun) error {
	return s.db.WithContext(ctx).Create(stepRun).Error
}

// GetStepRun retrieves a step run by ID.
func (s *GormStore) GetStepRun(ctx context.Context, stepRunID string) (*models.StepRun, error) {
	var stepRun models.StepRun
	err := s.db.WithContext(ctx).First(&stepRun, "id = ?", stepRunID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &stepRun, nil
}

// GetStepRunsByRun retrieves all step runs for a pipeline run.
func (s *GormStore) GetStepRunsByRun(ctx context.Context, runID string) ([]*models.StepRun, error) {
	var stepRuns []*models.StepRun
	err := s.db.WithContext(ctx).
		Where("pipeline_run_id = ?", runID).
		Order("step_index ASC").
		Find(&stepRuns).Error
	if err != nil {
		return nil, err
	}
	return stepRuns, nil
}

// UpdateStepRun updates a step run.
func (s *GormStore) UpdateStepRun(ctx context.Context, stepRun *models.StepRun) error {
	return s.db.WithContext(ctx).Save(stepRun).Error
}

// ============================================================================
// DebugSession Operations
// ============================================================================

// CreateDebugSession creates a new debug session.
func (s *GormStore) CreateDebugSession(ctx context.Context, session *models.DebugSession) error {
	return s.db.WithContext(ctx).Create(session).Error
}

// GetDebugSession retrieves a debug session by ID.
func (s *GormStore) GetDebugSession(ctx context.Context, sessionID string) (*models.DebugSession, error) {
	var session models.DebugSession
	err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// UpdateDebugSession updates a debug session.
func (s *GormStore) UpdateDebugSession(ctx context.Context, session *models.DebugSession) error {
	return s.db.WithContext(ctx).Save(session).Error
}

// ListExpirableDebugSessions retrieves sessions that are still live and
// whose expiry is due.
func (s *GormStore) ListExpirableDebugSessions(ctx context.Context) ([]*models.DebugSession, error) {
	var sessions []*models.DebugSession
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.DebugSessionStatus{
			models.DebugSessionPending,
			models.DebugSessionWaitingAtBP,
			models.DebugSessionConnected,
		}).
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
