// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package trigger fans card transitions and git pushes into pipeline
// starts, and applies a trigger's terminal action when the run it
// started finishes.
package trigger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/bus"
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
		l := logger.GetTriggerLogger()
		log = &l
	})
	return log
}

// Store is the subset of store operations the trigger service needs.
type Store interface {
	GetRepo(ctx context.Context, repoID string) (*models.Repo, error)
	GetCard(ctx context.Context, cardID string) (*models.Card, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	GetPipeline(ctx context.Context, pipelineID string) (*models.Pipeline, error)
	GetPipelinesByRepo(ctx context.Context, repoID string) ([]*models.Pipeline, error)
	TransitionCard(ctx context.Context, cardID string, to models.CardStatus) (*models.Card, error)
}

// Git is the merge surface for terminal actions.
type Git interface {
	Merge(ctx context.Context, repoID, source, target string) (string, *models.ConflictRecord, error)
}

// Starter launches pipeline runs; satisfied by the engine.
type Starter interface {
	StartRun(ctx context.Context, pipelineID string, params engine.StartParams) (*models.PipelineRun, error)
}

// Service routes bus events through pipeline trigger definitions.
type Service struct {
	store  Store
	git    Git
	engine Starter
	bus    *bus.Bus
	cfg    *config.AppConfig

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewService(store Store, git Git, starter Starter, b *bus.Bus, cfg *config.AppConfig) *Service {
	return &Service{
		store:  store,
		git:    git,
		engine: starter,
		bus:    b,
		cfg:    cfg,
		seen:   make(map[string]time.Time),
	}
}

// Run consumes trigger-relevant events until ctx ends.
func (s *Service) Run(ctx context.Context) {
	sub := s.bus.Subscribe(protocol.EventCardChanged, protocol.EventPushReceived, protocol.EventRunChanged)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case protocol.CardChangedEvent:
				s.handleCardChanged(ctx, e)
			case protocol.PushReceivedEvent:
				s.handlePush(ctx, e)
			case protocol.RunChangedEvent:
				if e.NewStatus.Terminal() {
					s.handleRunTerminal(ctx, e)
				}
			}
		}
	}
}

// handleCardChanged starts pipelines whose card_complete trigger matches
// the status the card just entered.
func (s *Service) handleCardChanged(ctx context.Context, ev protocol.CardChangedEvent) {
	if ev.NewStatus != models.CardStatusInReview && ev.NewStatus != models.CardStatusDone {
		return
	}
	pipelines, err := s.store.GetPipelinesByRepo(ctx, ev.RepoID)
	if err != nil {
		getLog().Error().Err(err).Str("repo_id", ev.RepoID).Msg("Failed to load pipelines for card trigger")
		return
	}

	for _, pipeline := range pipelines {
		for _, def := range pipeline.Triggers {
			if def.Type != models.TriggerTypeCardComplete || def.CardStatus != ev.NewStatus.String() {
				continue
			}
			if s.suppressed(pipeline.ID, models.TriggerTypeCardComplete, ev.CardID) {
				continue
			}

			triggerCtx := models.TriggerContext{"card_id": ev.CardID}
			if ev.Card != nil {
				triggerCtx["card_title"] = ev.Card.Title
				triggerCtx["branch"] = ev.Card.BranchName
			}
			run, err := s.engine.StartRun(ctx, pipeline.ID, engine.StartParams{
				TriggerType:    models.TriggerTypeCardComplete,
				TriggerRef:     ev.CardID,
				TriggerContext: triggerCtx,
			})
			if err != nil {
				getLog().Error().Err(err).
					Str("pipeline_id", pipeline.ID).
					Str("card_id", ev.CardID).
					Msg("Card trigger failed to start run")
				continue
			}
			getLog().Info().
				Str("pipeline_id", pipeline.ID).
				Str("card_id", ev.CardID).
				Str("run_id", run.ID).
				Msg("Card trigger started run")
		}
	}
}

// handlePush starts pipelines whose push trigger globs match the pushed
// branch. Only branch refs participate; tags and other refs are ignored.
func (s *Service) handlePush(ctx context.Context, ev protocol.PushReceivedEvent) {
	branch := strings.TrimPrefix(ev.Ref, "refs/heads/")
	if branch == ev.Ref {
		return
	}
	pipelines, err := s.store.GetPipelinesByRepo(ctx, ev.RepoID)
	if err != nil {
		getLog().Error().Err(err).Str("repo_id", ev.RepoID).Msg("Failed to load pipelines for push trigger")
		return
	}

	for _, pipeline := range pipelines {
		for _, def := range pipeline.Triggers {
			if def.Type != models.TriggerTypePush || !matchesBranch(def.Branches, branch) {
				continue
			}
			if s.suppressed(pipeline.ID, models.TriggerTypePush, ev.NewSHA) {
				continue
			}

			run, err := s.engine.StartRun(ctx, pipeline.ID, engine.StartParams{
				TriggerType: models.TriggerTypePush,
				TriggerRef:  branch,
				TriggerContext: models.TriggerContext{
					"branch":     branch,
					"commit_sha": ev.NewSHA,
					"old_sha":    ev.OldSHA,
					"push_ref":   ev.Ref,
				},
			})
			if err != nil {
				getLog().Error().Err(err).
					Str("pipeline_id", pipeline.ID).
					Str("branch", branch).
					Msg("Push trigger failed to start run")
				continue
			}
			getLog().Info().
				Str("pipeline_id", pipeline.ID).
				Str("branch", branch).
				Str("commit_sha", ev.NewSHA).
				Str("run_id", run.ID).
				Msg("Push trigger started run")
		}
	}
}

// matchesBranch applies shell-style globs to the branch name.
func matchesBranch(globs []string, branch string) bool {
	for _, glob := range globs {
		if ok, err := doublestar.Match(glob, branch); err == nil && ok {
			return true
		}
	}
	return false
}

// handleRunTerminal applies the originating trigger's on_pass/on_fail
// action once a triggered run finishes.
func (s *Service) handleRunTerminal(ctx context.Context, ev protocol.RunChangedEvent) {
	run := ev.Run
	if run == nil || run.TriggerType == models.TriggerTypeManual {
		return
	}
	pipeline, err := s.store.GetPipeline(ctx, run.PipelineID)
	if err != nil || pipeline == nil {
		return
	}
	def, ok := triggerByType(pipeline.Triggers, run.TriggerType)
	if !ok {
		return
	}

	switch run.Status {
	case models.RunStatusPassed:
		s.applyOnPass(ctx, run, def)
	case models.RunStatusFailed:
		s.applyOnFail(ctx, run, def)
	}
}

func triggerByType(defs models.TriggerDefinitions, triggerType string) (models.TriggerDefinition, bool) {
	for _, def := range defs {
		if def.Type == triggerType {
			return def, true
		}
	}
	return models.TriggerDefinition{}, false
}

// applyOnPass merges the originating branch. The card stays where it is
// on conflict; the conflict record lands on the card's job so the
// approval surface can show it.
func (s *Service) applyOnPass(ctx context.Context, run *models.PipelineRun, def models.TriggerDefinition) {
	action := def.OnPass
	if action == "" || action == models.OnPassNothing {
		return
	}

	target := ""
	if strings.HasPrefix(action, models.VerbMergePrefix) {
		target = strings.TrimPrefix(action, models.VerbMergePrefix)
	}
	if target == "" {
		repo, err := s.store.GetRepo(ctx, run.RepoID)
		if err != nil || repo == nil {
			getLog().Error().Err(err).Str("repo_id", run.RepoID).Msg("Failed to resolve merge target repo")
			return
		}
		target = repo.DefaultBranch
	}

	card := s.originatingCard(ctx, run)
	source := run.BranchName
	if card != nil && card.BranchName != "" {
		source = card.BranchName
	}
	if source == "" {
		return
	}

	_, conflict, err := s.git.Merge(ctx, run.RepoID, source, target)
	if err != nil {
		getLog().Error().Err(err).
			Str("run_id", run.ID).
			Str("source", source).
			Str("target", target).
			Msg("Trigger merge failed")
		return
	}
	if conflict != nil {
		s.attachConflict(ctx, card, conflict)
		getLog().Warn().
			Str("run_id", run.ID).
			Str("source", source).
			Str("target", target).
			Int("files", len(conflict.Files)).
			Msg("Trigger merge conflicted")
		return
	}

	if card != nil && card.Status == models.CardStatusInReview {
		if _, err := s.store.TransitionCard(ctx, card.ID, models.CardStatusDone); err != nil {
			getLog().Error().Err(err).Str("card_id", card.ID).Msg("Failed to move merged card to done")
		}
	}
	getLog().Info().
		Str("run_id", run.ID).
		Str("source", source).
		Str("target", target).
		Msg("Trigger merge applied")
}

func (s *Service) applyOnFail(ctx context.Context, run *models.PipelineRun, def models.TriggerDefinition) {
	card := s.originatingCard(ctx, run)
	if card == nil {
		return
	}

	var to models.CardStatus
	switch def.OnFail {
	case models.OnFailFail:
		to = models.CardStatusFailed
	case models.OnFailReject:
		to = models.CardStatusTodo
	default:
		return
	}

	if _, err := s.store.TransitionCard(ctx, card.ID, to); err != nil {
		getLog().Error().Err(err).
			Str("card_id", card.ID).
			Str("to", to.String()).
			Msg("Trigger on_fail transition failed")
		return
	}
	getLog().Info().
		Str("card_id", card.ID).
		Str("run_id", run.ID).
		Str("to", to.String()).
		Msg("Trigger on_fail applied")
}

func (s *Service) originatingCard(ctx context.Context, run *models.PipelineRun) *models.Card {
	cardID := run.TriggerContext["card_id"]
	if cardID == "" {
		return nil
	}
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		getLog().Warn().Err(err).Str("card_id", cardID).Msg("Failed to load originating card")
		return nil
	}
	return card
}

func (s *Service) attachConflict(ctx context.Context, card *models.Card, conflict *models.ConflictRecord) {
	if card == nil || card.CurrentJobID == "" {
		return
	}
	job, err := s.store.GetJob(ctx, card.CurrentJobID)
	if err != nil || job == nil {
		return
	}
	job.Conflict = conflict
	if err := s.store.UpdateJob(ctx, job); err != nil {
		getLog().Error().Err(err).Str("job_id", job.ID).Msg("Failed to attach conflict record")
	}
}

// suppressed records the trigger key and reports whether an identical
// trigger already fired inside the dedup window.
func (s *Service) suppressed(pipelineID, triggerType, ref string) bool {
	key := triggerKey(pipelineID, triggerType, ref)
	window := s.cfg.Trigger.DedupWindow
	if window <= 0 {
		window = 60 * time.Second
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, at := range s.seen {
		if now.Sub(at) > window {
			delete(s.seen, k)
		}
	}
	if at, ok := s.seen[key]; ok && now.Sub(at) <= window {
		getLog().Debug().
			Str("pipeline_id", pipelineID).
			Str("trigger_type", triggerType).
			Str("ref", ref).
			Msg("Duplicate trigger suppressed")
		return true
	}
	s.seen[key] = now
	return false
}

func triggerKey(pipelineID, triggerType, ref string) string {
	sum := sha256.Sum256([]byte(pipelineID + "\x00" + triggerType + "\x00" + ref))
	return hex.EncodeToString(sum[:])[:16]
}
