// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"

	"github.com/lazyaf/lazyaf/internal/common"
	"github.com/lazyaf/lazyaf/internal/protocol"
	"github.com/lazyaf/lazyaf/internal/store/models"
)

const orphanedError = "restart during execution"

// isBusy reports SQLite lock contention, the one storage error worth
// retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// inTx runs fn in a transaction, retrying briefly on lock contention.
func (s *GormStore) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(func() error {
		err := s.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

// ============================================================================
// Card Transitions
// ============================================================================

// TransitionCard moves a card along the kanban graph. A transition from
// the current status to itself is a no-op; an illegal edge reports
// common.ErrStaleTransition. One CardChangedEvent is published per commit.
func (s *GormStore) TransitionCard(ctx context.Context, cardID string, to models.CardStatus) (*models.Card, error) {
	var card models.Card
	var changed bool

	err := s.inTx(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&card, "id = ?", cardID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return common.NewClientInputError("card not found: %s", cardID)
			}
			return err
		}
		if card.Status == to {
			return nil
		}
		if !models.ValidCardTransition(card.Status, to) {
			return fmt.Errorf("card %s: %s -> %s: %w", cardID, card.Status, to, common.ErrStaleTransition)
		}
		card.Status = to
		changed = true
		return tx.Save(&card).Error
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.publish(protocol.NewCardChangedEvent(&card))
	}
	return &card, nil
}

// StartCardJob atomically creates a queued job for a card, records it as
// the card's current job, and moves the card to in_progress. It is the
// only way work enters the queue on behalf of a card.
func (s *GormStore) StartCardJob(ctx context.Context, cardID string, job *models.Job) (*models.Card, error) {
	var card models.Card

	err := s.inTx(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&card, "id = ?", cardID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return common.NewClientInputError("card not found: %s", cardID)
			}
			return err
		}
		if !models.ValidCardTransition(card.Status, models.CardStatusInProgress) {
			return fmt.Errorf("card %s: %s -> in_progress: %w", cardID, card.Status, common.ErrStaleTransition)
		}
		job.CardID = card.ID
		job.RepoID = card.RepoID
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		card.Status = models.CardStatusInProgress
		card.CurrentJobID = job.ID
		return tx.Save(&card).Error
	})
	if err != nil {
		return nil, err
	}

	s.publish(protocol.NewJobChangedEvent(job))
	s.publish(protocol.NewCardChangedEvent(&card))
	return &card, nil
}

// ============================================================================
// Job Transitions
// ============================================================================

// ClaimJob moves a queued job to running on behalf of a runner. A job no
// longer queued reports common.ErrStaleTransition so the dispatcher can
// move on.
func (s *GormStore) ClaimJob(ctx context.Context, jobID, runnerID string) (*models.Job, error) {
	var job models.Job

	err := s.inTx(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return common.NewClientInputError("job not found: %s", jobID)
			}
			return err
		}
		if job.Status != models.JobStatusQueued {
			return fmt.Errorf("job %s is %s: %w", jobID, job.Status, common.ErrStaleTransition)
		}
		if job.PinnedRunnerID != "" && job.PinnedRunnerID != runnerID {
			return fmt.Errorf("job %s is pinned to runner %s: %w", jobID, job.PinnedRunnerID, common.ErrStaleTransition)
		}
		now := time.Now()
		job.Status = models.JobStatusRunning
		job.RunnerID = runnerID
		job.StartedAt = &now
		return tx.Save(&job).Error
	})
	if err != nil {
		return nil, err
	}

	s.publish(protocol.NewJobChangedEvent(&job))
	return &job, nil
}

// ReleaseJob returns a running job to the queue, clearing its runner
// assignment. Used when a runner never acknowledges a dispatch.
func (s *GormStore) ReleaseJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job

	err := s.inTx(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return common.NewClientInputError("job not found: %s", jobID)
			}
			return err
		}
		if job.Status != models.JobStatusRunning {
			return fmt.Errorf("job %s is %s: %w", jobID, job.Status, common.ErrStaleTransition)
		}
		job.Status = models.JobStatusQueued
		job.RunnerID = ""
		job.StartedAt = nil
		return tx.Save(&job).Error
	})
	if err != nil {
		return nil, err
	}

	s.publish(protocol.NewJobChangedEvent(&job))
	return &job, nil
}

// AppendJobLogs appends a chunk to a job's log, bumps the monotonic log
// sequence, and publishes the delta so subscribers can tail without
// re-reading the full log.
func (s *GormStore) AppendJobLogs(ctx context.Context, jobID, chunk string) (int, error) {
	var job models.Job

	err := s.inTx(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return common.NewClientInputError("job not found: %s", jobID)
			}
			return err
		}
		job.Logs += chunk
		job.LogSeq++
		return tx.Save(&job).Error
	})
	if err != nil {
		return 0, err
	}

	s.publish(protocol.NewJobLogEvent(&job, chunk, job.LogSeq))
	return job.LogSeq, nil
}

// CompleteJob records a job's terminal result. A result arriving after
// the job is already terminal is ignored; the bool reports whether this
// call applied the result.
func (s *GormStore) CompleteJob(ctx context.Context, jobID string, status models.JobStatus, errMsg, branchName string, testResults *models.TestResults, conflict *models.ConflictRecord) (*models.Job, bool, error) {
	if !status.Terminal() {
		return nil, false, common.NewClientInputError("job result status must be terminal, got %s", status)
	}

	var job models.Job
	applied := false

	err := s.inTx(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return common.NewClientInputError("job not found: %s", jobID)
			}
			return err
		}
		if job.Status.Terminal() {
			return nil
		}
		now := time.Now()
		job.Status = status
		job.Error = errMsg
		if branchName != "" {
			job.BranchName = branchName
		}
		if testResults != nil {
			job.TestResults = testResults
		}
		if conflict != nil {
			job.Conflict = conflict
		}
		job.CompletedAt = &now
		applied = true
		return tx.Save(&job).Error
	})
	if err != nil {
		return nil, false, err
	}

	if applied {
		s.publish(protocol.NewJobChangedEvent(&job))
	} else {
		getLog().Warn().
			Str("job_id", jobID).
			Str("ignored_status", status.String()).
			Str("job_status", job.Status.String()).
			Msg("duplicate job result ignored")
	}
	return &job, applied, nil
}

// ============================================================================
// Runner Transitions
// ============================================================================

// TransitionRunner updates a runner's status and current job assignment,
// publishing a RunnerChangedEvent.
func (s *GormStore) TransitionRunner(ctx context.Context, runnerID string, to models.RunnerStatus, currentJobID string) (*models.Runner, error) {
	var runner models.Runner

	err := s.inTx(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&runner, "id = ?", runnerID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return common.NewClientInputError("runner not found: %s", runnerID)
			}
			return err
		}
		runner.Status = to
		runner.CurrentJobID = currentJobID
		return tx.Save(&runner).Error
	})
	if err != nil {
		return nil, err
	}

	s.publish(protocol.NewRunnerChangedEvent(&runner))
	return &runner, nil
}

// TouchRunnerHeartbeat records a heartbeat without publishing an event.
func (s *GormStore) TouchRunnerHeartbeat(ctx context.Context, runnerID string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.Runner{}).
		Where("id = ?", runnerID).
		Update("last_heartbeat", at).Error
}

// ============================================================================
// Pipeline Run Transitions
// ============================================================================

// TransitionRun moves a pipeline run to a new status. Terminal runs do
// not move again; a RunChangedEvent is published per applied transition.
func (s *GormStore) TransitionRun(ctx context.Context, runID string, to models.RunStatus, errMsg string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	var changed bool

	err := s.inTx(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&run, "id = ?", runID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return common.NewClientInputError("pipeline run not found: %s", runID)
			}
			return err
		}
		if run.Status == to {
			return nil
		}
		if run.Status.Terminal() {
			return fmt.Errorf("run %s is %s: %w", runID, run.Status, common.ErrStaleTransition)
		}
		now := time.Now()
		run.Status = to
		if errMsg != "" {
			run.ErrorMessage = errMsg
		}
		switch {
		case to == models.RunStatusRunning && run.StartedAt == nil:
			run.StartedAt = &now
		case to.Terminal():
			run.CompletedAt = &now
		}
		changed = true
		return tx.Save(&run).Error
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.publish(protocol.NewRunChangedEvent(&run))
	}
	return &run, nil
}

// AdvanceRunStep records progress through a run's step list.
func (s *GormStore) AdvanceRunStep(ctx context.Context, runID string, currentStepIndex, stepsCompleted int) (*models.PipelineRun, error) {
	var run models.PipelineRun

	err := s.inTx(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&run, "id = ?", runID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return common.NewClientInputError("pipeline run not found: %s", runID)
			}
			return err
		}
		run.CurrentStepIndex = currentStepIndex
		run.StepsCompleted = stepsCompleted
		return tx.Save(&run).Error
	})
	if err != nil {
		return nil, err
	}

	s.publish(protocol.NewRunChangedEvent(&run))
	return &run, nil
}

// TransitionStepRun moves a step run to a new status and publishes a
// StepChangedEvent scoped to the owning repo.
func (s *GormStore) TransitionStepRun(ctx context.Context, stepRunID string, to models.RunStatus, errMsg string) (*models.StepRun, error) {
	var stepRun models.StepRun
	var repoID string

	err := s.inTx(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&stepRun, "id = ?", stepRunID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return common.NewClientInputError("step run not found: %s", stepRunID)
			}
			return err
		}
		if stepRun.Status.Terminal() {
			return fmt.Errorf("step run %s is %s: %w", stepRunID, stepRun.Status, common.ErrStaleTransition)
		}

		var run models.PipelineRun
		if err := tx.First(&run, "id = ?", stepRun.PipelineRunID).Error; err != nil {
			return err
		}
		repoID = run.RepoID

		now := time.Now()
		stepRun.Status = to
		if errMsg != "" {
			stepRun.ErrorMessage = errMsg
		}
		switch {
		case to == models.RunStatusRunning && stepRun.StartedAt == nil:
			stepRun.StartedAt = &now
		case to.Terminal():
			stepRun.CompletedAt = &now
		}
		return tx.Save(&stepRun).Error
	})
	if err != nil {
		return nil, err
	}

	s.publish(protocol.NewStepChangedEvent(repoID, &stepRun))
	return &stepRun, nil
}

// ============================================================================
// Orphan Recovery
// ============================================================================

// RecoverOrphans reconciles state left behind by an unclean shutdown:
// running jobs fail, their cards fail, in-flight runs and step runs fail,
// and every runner record returns to disconnected. Queued jobs survive
// and are re-queued by the dispatcher. No events are published; recovery
// runs before subscribers attach.
func (s *GormStore) RecoverOrphans(ctx context.Context) error {
	var result *multierror.Error

	var runningJobs []*models.Job
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.JobStatusRunning).
		Find(&runningJobs).Error; err != nil {
		result = multierror.Append(result, fmt.Errorf("list running jobs: %w", err))
	}
	for _, job := range runningJobs {
		now := time.Now()
		job.Status = models.JobStatusFailed
		job.Error = orphanedError
		job.CompletedAt = &now
		if err := s.db.WithContext(ctx).Save(job).Error; err != nil {
			result = multierror.Append(result, fmt.Errorf("fail orphaned job %s: %w", job.ID, err))
			continue
		}
		getLog().Warn().Str("job_id", job.ID).Msg("failed orphaned job")

		if job.CardID == "" {
			continue
		}
		var card models.Card
		err := s.db.WithContext(ctx).First(&card, "id = ?", job.CardID).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				result = multierror.Append(result, fmt.Errorf("load card %s: %w", job.CardID, err))
			}
			continue
		}
		if card.Status == models.CardStatusInProgress && card.CurrentJobID == job.ID {
			card.Status = models.CardStatusFailed
			if err := s.db.WithContext(ctx).Save(&card).Error; err != nil {
				result = multierror.Append(result, fmt.Errorf("fail orphaned card %s: %w", card.ID, err))
			}
		}
	}

	inFlight := []models.RunStatus{models.RunStatusPending, models.RunStatusRunning}

	if err := s.db.WithContext(ctx).
		Model(&models.StepRun{}).
		Where("status IN ?", inFlight).
		Updates(map[string]any{
			"status":        models.RunStatusFailed,
			"error_message": orphanedError,
		}).Error; err != nil {
		result = multierror.Append(result, fmt.Errorf("fail orphaned step runs: %w", err))
	}

	if err := s.db.WithContext(ctx).
		Model(&models.PipelineRun{}).
		Where("status IN ?", inFlight).
		Updates(map[string]any{
			"status":        models.RunStatusFailed,
			"error_message": orphanedError,
		}).Error; err != nil {
		result = multierror.Append(result, fmt.Errorf("fail orphaned runs: %w", err))
	}

	if err := s.db.WithContext(ctx).
		Model(&models.Runner{}).
		Where("status != ?", models.RunnerStatusDisconnected).
		Updates(map[string]any{
			"status":         models.RunnerStatusDisconnected,
			"current_job_id": "",
		}).Error; err != nil {
		result = multierror.Append(result, fmt.Errorf("disconnect stale runners: %w", err))
	}

	return result.ErrorOrNil()
}
