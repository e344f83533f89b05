// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cards drives the kanban lifecycle: create → start → job outcome
// → approve/reject/retry. All mutations for one card are serialized by a
// keyed mutex so a late job result cannot race a user action.
package cards

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/bus"
	"github.com/lazyaf/lazyaf/internal/common"
	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/protocol"
	"github.com/lazyaf/lazyaf/internal/queue"
	"github.com/lazyaf/lazyaf/internal/store/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetCardsLogger()
		log = &l
	})
	return log
}

// Store is the subset of store operations the card service needs.
type Store interface {
	CreateCard(ctx context.Context, card *models.Card) error
	GetCard(ctx context.Context, cardID string) (*models.Card, error)
	UpdateCard(ctx context.Context, card *models.Card) error
	TransitionCard(ctx context.Context, cardID string, to models.CardStatus) (*models.Card, error)
	StartCardJob(ctx context.Context, cardID string, job *models.Job) (*models.Card, error)
	GetRepo(ctx context.Context, repoID string) (*models.Repo, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
}

// Git is the merge surface the card service needs from the git host.
type Git interface {
	Merge(ctx context.Context, repoID, source, target string) (string, *models.ConflictRecord, error)
}

// Service owns card lifecycle decisions.
type Service struct {
	store Store
	queue *queue.Queue
	git   Git
	cfg   *config.AppConfig

	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

func NewService(store Store, q *queue.Queue, git Git, cfg *config.AppConfig) *Service {
	return &Service{
		store: store,
		queue: q,
		git:   git,
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}
}

// lockCard returns the mutex serializing one card's transitions.
func (s *Service) lockCard(cardID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[cardID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[cardID] = mu
	}
	return mu
}

// CreateParams are the user-supplied fields of a new card.
type CreateParams struct {
	Title       string
	Description string
	RunnerType  string
	StepKind    models.StepKind
	StepConfig  models.StepConfig
}

// Create adds a card in todo.
func (s *Service) Create(ctx context.Context, repoID string, params CreateParams) (*models.Card, error) {
	if strings.TrimSpace(params.Title) == "" {
		return nil, common.NewClientInputError("card title is required")
	}
	if !params.StepKind.Valid() {
		return nil, common.NewClientInputError("unknown step kind: %s", params.StepKind)
	}
	if err := params.StepConfig.Validate(params.StepKind); err != nil {
		return nil, common.NewClientInputError("invalid step config: %v", err)
	}

	repo, err := s.store.GetRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, common.NewClientInputError("repo not found: %s", repoID)
	}

	runnerType := params.RunnerType
	if runnerType == "" {
		runnerType = queue.AnyRunnerType
	}

	card := &models.Card{
		ID:          uuid.New().String(),
		RepoID:      repoID,
		Title:       params.Title,
		Description: params.Description,
		Status:      models.CardStatusTodo,
		RunnerType:  runnerType,
		StepKind:    params.StepKind,
		StepConfig:  params.StepConfig,
	}
	if err := s.store.CreateCard(ctx, card); err != nil {
		return nil, err
	}

	getLog().Info().Str("card_id", card.ID).Str("repo_id", repoID).Str("title", card.Title).Msg("Card created")
	return card, nil
}

// Start snapshots the card's step into a new job and enqueues it. A card
// that is already running reports "already running".
func (s *Service) Start(ctx context.Context, cardID string) (*models.Card, error) {
	mu := s.lockCard(cardID)
	mu.Lock()
	defer mu.Unlock()

	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card == nil {
		return nil, common.NewClientInputError("card not found: %s", cardID)
	}
	if card.Status == models.CardStatusInProgress {
		return nil, common.NewClientInputError("card %s is already running", cardID)
	}

	job := &models.Job{
		ID:         uuid.New().String(),
		RunnerType: card.RunnerType,
		Status:     models.JobStatusQueued,
		StepKind:   card.StepKind,
		StepConfig: card.StepConfig,
	}
	// Only agent steps produce a branch; scripts and containers run
	// against the default branch and report test results instead.
	if card.StepKind == models.StepKindAgent {
		job.BranchName = s.branchFor(card)
	}

	card, err = s.store.StartCardJob(ctx, cardID, job)
	if err != nil {
		return nil, err
	}
	s.queue.Enqueue(job)

	getLog().Info().Str("card_id", cardID).Str("job_id", job.ID).Msg("Card started")
	return card, nil
}

// branchFor suggests the working branch a runner should push to. The card
// keeps a branch once one job has produced output.
func (s *Service) branchFor(card *models.Card) string {
	if card.BranchName != "" {
		return card.BranchName
	}
	prefix := s.cfg.Engine.BranchPrefix
	if prefix == "" {
		prefix = "lazyaf/"
	}
	short := card.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return prefix + "card-" + short
}

// Approve merges the card's result branch into target (default: the
// repo's default branch). Approving an already-done card is a no-op; a
// conflict is returned with the card left in in_review.
func (s *Service) Approve(ctx context.Context, cardID, target string) (*models.Card, *models.ConflictRecord, error) {
	mu := s.lockCard(cardID)
	mu.Lock()
	defer mu.Unlock()

	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, nil, err
	}
	if card == nil {
		return nil, nil, common.NewClientInputError("card not found: %s", cardID)
	}
	if card.Status == models.CardStatusDone {
		return card, nil, nil
	}
	if card.Status != models.CardStatusInReview {
		return nil, nil, common.NewClientInputError("card %s is %s, only in_review cards can be approved", cardID, card.Status)
	}
	if card.BranchName == "" {
		return nil, nil, common.NewClientInputError("card %s has no result branch", cardID)
	}

	if target == "" {
		repo, err := s.store.GetRepo(ctx, card.RepoID)
		if err != nil {
			return nil, nil, err
		}
		if repo == nil {
			return nil, nil, fmt.Errorf("repo not found: %s", card.RepoID)
		}
		target = repo.DefaultBranch
	}

	sha, conflict, err := s.git.Merge(ctx, card.RepoID, card.BranchName, target)
	if err != nil {
		return nil, nil, err
	}
	if conflict != nil {
		getLog().Info().
			Str("card_id", cardID).
			Str("source", card.BranchName).
			Str("target", target).
			Int("files", len(conflict.Files)).
			Msg("Approve hit a merge conflict")
		return card, conflict, nil
	}

	card, err = s.store.TransitionCard(ctx, cardID, models.CardStatusDone)
	if err != nil {
		return nil, nil, err
	}

	getLog().Info().
		Str("card_id", cardID).
		Str("target", target).
		Str("merge_sha", sha).
		Msg("Card approved and merged")
	return card, nil, nil
}

// Reject sends an in_review card back to todo. The result branch stays.
func (s *Service) Reject(ctx context.Context, cardID string) (*models.Card, error) {
	mu := s.lockCard(cardID)
	mu.Lock()
	defer mu.Unlock()

	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card == nil {
		return nil, common.NewClientInputError("card not found: %s", cardID)
	}
	if card.Status != models.CardStatusInReview {
		return nil, common.NewClientInputError("card %s is %s, only in_review cards can be rejected", cardID, card.Status)
	}

	return s.store.TransitionCard(ctx, cardID, models.CardStatusTodo)
}

// Retry returns a failed card to todo and, when auto is set, immediately
// starts it again.
func (s *Service) Retry(ctx context.Context, cardID string, auto bool) (*models.Card, error) {
	mu := s.lockCard(cardID)
	mu.Lock()

	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if card == nil {
		mu.Unlock()
		return nil, common.NewClientInputError("card not found: %s", cardID)
	}
	if card.Status != models.CardStatusFailed {
		mu.Unlock()
		return nil, common.NewClientInputError("card %s is %s, only failed cards can be retried", cardID, card.Status)
	}

	card, err = s.store.TransitionCard(ctx, cardID, models.CardStatusTodo)
	mu.Unlock()
	if err != nil {
		return nil, err
	}

	if auto {
		return s.Start(ctx, cardID)
	}
	return card, nil
}

// Run consumes terminal job events and routes card outcomes until the
// context ends. Meant to run as one long-lived goroutine.
func (s *Service) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe(protocol.EventJobChanged)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			jc, isJob := event.(protocol.JobChangedEvent)
			if !isJob || jc.CardID == "" || jc.LogDelta != "" || !jc.NewStatus.Terminal() {
				continue
			}
			if err := s.OnJobResult(ctx, jc.JobID); err != nil {
				getLog().Error().Err(err).Str("job_id", jc.JobID).Msg("Failed to apply job result to card")
			}
		}
	}
}

// OnJobResult folds a terminal job into its card:
// completed with a branch → in_review; completed without → done when all
// tests passed (or none ran) else failed; failed → failed.
func (s *Service) OnJobResult(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil || job.CardID == "" || !job.Status.Terminal() {
		return nil
	}

	mu := s.lockCard(job.CardID)
	mu.Lock()
	defer mu.Unlock()

	card, err := s.store.GetCard(ctx, job.CardID)
	if err != nil {
		return err
	}
	if card == nil {
		return nil
	}
	if card.CurrentJobID != job.ID {
		getLog().Warn().
			Str("card_id", card.ID).
			Str("job_id", job.ID).
			Str("current_job_id", card.CurrentJobID).
			Msg("Result for a non-current job, ignoring")
		return nil
	}
	if card.Status != models.CardStatusInProgress {
		return nil
	}

	if job.BranchName != "" && card.BranchName == "" {
		card.BranchName = job.BranchName
		if err := s.store.UpdateCard(ctx, card); err != nil {
			return err
		}
	}

	var target models.CardStatus
	switch {
	case job.Status == models.JobStatusFailed:
		target = models.CardStatusFailed
	case job.BranchName != "":
		target = models.CardStatusInReview
	case job.TestResults.AllPassed():
		target = models.CardStatusDone
	default:
		target = models.CardStatusFailed
	}

	_, err = s.store.TransitionCard(ctx, card.ID, target)
	if err != nil {
		return err
	}

	getLog().Info().
		Str("card_id", card.ID).
		Str("job_id", job.ID).
		Str("card_status", target.String()).
		Msg("Job result applied to card")
	return nil
}
