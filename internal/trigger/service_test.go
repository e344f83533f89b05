// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/bus"
	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/engine"
	"github.com/lazyaf/lazyaf/internal/protocol"
	"github.com/lazyaf/lazyaf/internal/store"
	"github.com/lazyaf/lazyaf/internal/store/models"
)

type startedRun struct {
	pipelineID string
	params     engine.StartParams
}

// fakeStarter records run starts without executing anything.
type fakeStarter struct {
	mu      sync.Mutex
	started []startedRun
}

func (f *fakeStarter) StartRun(_ context.Context, pipelineID string, params engine.StartParams) (*models.PipelineRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, startedRun{pipelineID: pipelineID, params: params})
	return &models.PipelineRun{
		ID:             uuid.New().String(),
		PipelineID:     pipelineID,
		Status:         models.RunStatusPending,
		TriggerType:    params.TriggerType,
		TriggerRef:     params.TriggerRef,
		TriggerContext: params.TriggerContext,
	}, nil
}

func (f *fakeStarter) runs() []startedRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]startedRun, len(f.started))
	copy(out, f.started)
	return out
}

type fakeGit struct {
	mu       sync.Mutex
	conflict *models.ConflictRecord
	merges   []string
}

func (g *fakeGit) Merge(_ context.Context, _, source, target string) (string, *models.ConflictRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.merges = append(g.merges, source+" -> "+target)
	if g.conflict != nil {
		return "", g.conflict, nil
	}
	return "abc123abc123abc123abc123abc123abc123abc1", nil, nil
}

func (g *fakeGit) mergeCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.merges))
	copy(out, g.merges)
	return out
}

type triggerFixture struct {
	store   *store.GormStore
	bus     *bus.Bus
	git     *fakeGit
	starter *fakeStarter
	service *Service
	repo    *models.Repo
}

func useTrigger(t *testing.T) *triggerFixture {
	t.Helper()
	sf := store.UseFreshStore(t)
	t.Cleanup(sf.Cleanup)

	b := bus.New(0)
	t.Cleanup(b.Close)

	repo := &models.Repo{ID: uuid.New().String(), Name: "trigger-repo", DefaultBranch: "main"}
	require.NoError(t, sf.Store.CreateRepo(context.Background(), repo))

	git := &fakeGit{}
	starter := &fakeStarter{}
	cfg := &config.AppConfig{Trigger: config.TriggerConfig{DedupWindow: 60 * time.Second}}
	svc := NewService(sf.Store, git, starter, b, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Run(ctx)

	return &triggerFixture{
		store:   sf.Store,
		bus:     b,
		git:     git,
		starter: starter,
		service: svc,
		repo:    repo,
	}
}

func (f *triggerFixture) pipelineWithTrigger(t *testing.T, def models.TriggerDefinition) *models.Pipeline {
	t.Helper()
	p := &models.Pipeline{
		ID:     uuid.New().String(),
		RepoID: f.repo.ID,
		Name:   "triggered",
		Steps: models.StepDefinitions{{
			StepID: "test",
			Name:   "run tests",
			Kind:   models.StepKindScript,
			Config: models.StepConfig{Script: &models.ScriptStepConfig{Command: "make test"}},
		}},
		Triggers: models.TriggerDefinitions{def},
	}
	require.NoError(t, f.store.CreatePipeline(context.Background(), p))
	return p
}

func (f *triggerFixture) reviewCard(t *testing.T, branch string) *models.Card {
	t.Helper()
	ctx := context.Background()

	job := &models.Job{
		ID:         uuid.New().String(),
		RepoID:     f.repo.ID,
		RunnerType: "any",
		Status:     models.JobStatusCompleted,
		StepKind:   models.StepKindAgent,
		StepConfig: models.StepConfig{Agent: &models.AgentStepConfig{Prompt: "do it"}},
	}
	require.NoError(t, f.store.CreateJob(ctx, job))

	card := &models.Card{
		ID:           uuid.New().String(),
		RepoID:       f.repo.ID,
		Title:        "implement feature",
		Status:       models.CardStatusInReview,
		RunnerType:   "any",
		StepKind:     models.StepKindAgent,
		StepConfig:   models.StepConfig{Agent: &models.AgentStepConfig{Prompt: "do it"}},
		BranchName:   branch,
		CurrentJobID: job.ID,
	}
	require.NoError(t, f.store.CreateCard(ctx, card))
	return card
}

func terminalRunEvent(f *triggerFixture, p *models.Pipeline, status models.RunStatus, triggerCtx models.TriggerContext) protocol.RunChangedEvent {
	run := &models.PipelineRun{
		ID:             uuid.New().String(),
		PipelineID:     p.ID,
		RepoID:         f.repo.ID,
		Status:         status,
		TriggerType:    p.Triggers[0].Type,
		TriggerContext: triggerCtx,
		BranchName:     "lazyaf/run-feed1234",
	}
	return protocol.NewRunChangedEvent(run)
}

func TestCardTriggerStartsRun(t *testing.T) {
	f := useTrigger(t)
	p := f.pipelineWithTrigger(t, models.TriggerDefinition{
		Type:       models.TriggerTypeCardComplete,
		CardStatus: "in_review",
	})
	// A done-status trigger on the same repo must not match.
	f.pipelineWithTrigger(t, models.TriggerDefinition{
		Type:       models.TriggerTypeCardComplete,
		CardStatus: "done",
	})

	card := f.reviewCard(t, "lazyaf/card-12345678")
	f.bus.Publish(protocol.NewCardChangedEvent(card))

	require.Eventually(t, func() bool {
		return len(f.starter.runs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	started := f.starter.runs()[0]
	assert.Equal(t, p.ID, started.pipelineID)
	assert.Equal(t, models.TriggerTypeCardComplete, started.params.TriggerType)
	assert.Equal(t, card.ID, started.params.TriggerRef)
	assert.Equal(t, models.TriggerContext{
		"card_id":    card.ID,
		"card_title": "implement feature",
		"branch":     "lazyaf/card-12345678",
	}, started.params.TriggerContext)
}

func TestPushTriggerMatchesBranchGlobs(t *testing.T) {
	f := useTrigger(t)
	p := f.pipelineWithTrigger(t, models.TriggerDefinition{
		Type:     models.TriggerTypePush,
		Branches: []string{"main", "release/*"},
	})

	newSHA := "1111111111111111111111111111111111111111"
	oldSHA := "2222222222222222222222222222222222222222"
	f.bus.Publish(protocol.NewPushReceivedEvent(f.repo.ID, "refs/heads/release/1.2", oldSHA, newSHA))

	require.Eventually(t, func() bool {
		return len(f.starter.runs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	started := f.starter.runs()[0]
	assert.Equal(t, p.ID, started.pipelineID)
	assert.Equal(t, "release/1.2", started.params.TriggerRef)
	assert.Equal(t, models.TriggerContext{
		"branch":     "release/1.2",
		"commit_sha": newSHA,
		"old_sha":    oldSHA,
		"push_ref":   "refs/heads/release/1.2",
	}, started.params.TriggerContext)

	// Non-matching branch and non-branch refs start nothing.
	f.bus.Publish(protocol.NewPushReceivedEvent(f.repo.ID, "refs/heads/feature/x", oldSHA, newSHA))
	f.bus.Publish(protocol.NewPushReceivedEvent(f.repo.ID, "refs/tags/v1.0", oldSHA, newSHA))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, f.starter.runs(), 1)
}

func TestDuplicateTriggersAreSuppressed(t *testing.T) {
	f := useTrigger(t)
	f.pipelineWithTrigger(t, models.TriggerDefinition{
		Type:     models.TriggerTypePush,
		Branches: []string{"main"},
	})

	sha1 := "3333333333333333333333333333333333333333"
	f.bus.Publish(protocol.NewPushReceivedEvent(f.repo.ID, "refs/heads/main", "", sha1))
	f.bus.Publish(protocol.NewPushReceivedEvent(f.repo.ID, "refs/heads/main", "", sha1))

	require.Eventually(t, func() bool {
		return len(f.starter.runs()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, f.starter.runs(), 1, "identical push within the window must not start twice")

	// A different commit is a different trigger key.
	sha2 := "4444444444444444444444444444444444444444"
	f.bus.Publish(protocol.NewPushReceivedEvent(f.repo.ID, "refs/heads/main", sha1, sha2))
	require.Eventually(t, func() bool {
		return len(f.starter.runs()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOnPassMergeMovesCardToDone(t *testing.T) {
	f := useTrigger(t)
	p := f.pipelineWithTrigger(t, models.TriggerDefinition{
		Type:       models.TriggerTypeCardComplete,
		CardStatus: "in_review",
		OnPass:     models.OnPassMerge,
	})
	card := f.reviewCard(t, "lazyaf/card-12345678")

	f.bus.Publish(terminalRunEvent(f, p, models.RunStatusPassed, models.TriggerContext{"card_id": card.ID}))

	require.Eventually(t, func() bool {
		reloaded, err := f.store.GetCard(context.Background(), card.ID)
		return err == nil && reloaded.Status == models.CardStatusDone
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, f.git.mergeCalls(), 1)
	assert.Equal(t, "lazyaf/card-12345678 -> main", f.git.mergeCalls()[0])
}

func TestOnPassMergeTargetOverride(t *testing.T) {
	f := useTrigger(t)
	p := f.pipelineWithTrigger(t, models.TriggerDefinition{
		Type:       models.TriggerTypeCardComplete,
		CardStatus: "in_review",
		OnPass:     "merge:staging",
	})
	card := f.reviewCard(t, "lazyaf/card-12345678")

	f.bus.Publish(terminalRunEvent(f, p, models.RunStatusPassed, models.TriggerContext{"card_id": card.ID}))

	require.Eventually(t, func() bool {
		return len(f.git.mergeCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "lazyaf/card-12345678 -> staging", f.git.mergeCalls()[0])
}

func TestOnPassMergeConflictLeavesCardInReview(t *testing.T) {
	f := useTrigger(t)
	f.git.conflict = &models.ConflictRecord{
		Source: "lazyaf/card-12345678",
		Target: "main",
		Files:  []models.ConflictFile{{Path: "api.go"}},
	}
	p := f.pipelineWithTrigger(t, models.TriggerDefinition{
		Type:       models.TriggerTypeCardComplete,
		CardStatus: "in_review",
		OnPass:     models.OnPassMerge,
	})
	card := f.reviewCard(t, "lazyaf/card-12345678")

	f.bus.Publish(terminalRunEvent(f, p, models.RunStatusPassed, models.TriggerContext{"card_id": card.ID}))

	// The conflict record lands on the card's job.
	require.Eventually(t, func() bool {
		job, err := f.store.GetJob(context.Background(), card.CurrentJobID)
		return err == nil && job.Conflict != nil
	}, 2*time.Second, 10*time.Millisecond)

	reloaded, err := f.store.GetCard(context.Background(), card.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusInReview, reloaded.Status)
}

func TestOnFailActions(t *testing.T) {
	cases := []struct {
		name   string
		onFail string
		want   models.CardStatus
	}{
		{"fail moves card to failed", models.OnFailFail, models.CardStatusFailed},
		{"reject returns card to todo", models.OnFailReject, models.CardStatusTodo},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := useTrigger(t)
			p := f.pipelineWithTrigger(t, models.TriggerDefinition{
				Type:       models.TriggerTypeCardComplete,
				CardStatus: "in_review",
				OnFail:     tc.onFail,
			})
			card := f.reviewCard(t, "lazyaf/card-12345678")

			f.bus.Publish(terminalRunEvent(f, p, models.RunStatusFailed, models.TriggerContext{"card_id": card.ID}))

			require.Eventually(t, func() bool {
				reloaded, err := f.store.GetCard(context.Background(), card.ID)
				return err == nil && reloaded.Status == tc.want
			}, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestOnFailNothingLeavesCardAlone(t *testing.T) {
	f := useTrigger(t)
	p := f.pipelineWithTrigger(t, models.TriggerDefinition{
		Type:       models.TriggerTypeCardComplete,
		CardStatus: "in_review",
		OnFail:     models.OnFailNothing,
	})
	card := f.reviewCard(t, "lazyaf/card-12345678")

	f.bus.Publish(terminalRunEvent(f, p, models.RunStatusFailed, models.TriggerContext{"card_id": card.ID}))
	time.Sleep(100 * time.Millisecond)

	reloaded, err := f.store.GetCard(context.Background(), card.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusInReview, reloaded.Status)
}

func TestManualRunsGetNoTerminalAction(t *testing.T) {
	f := useTrigger(t)
	p := f.pipelineWithTrigger(t, models.TriggerDefinition{
		Type:       models.TriggerTypeCardComplete,
		CardStatus: "in_review",
		OnPass:     models.OnPassMerge,
	})
	card := f.reviewCard(t, "lazyaf/card-12345678")

	run := &models.PipelineRun{
		ID:             uuid.New().String(),
		PipelineID:     p.ID,
		RepoID:         f.repo.ID,
		Status:         models.RunStatusPassed,
		TriggerType:    models.TriggerTypeManual,
		TriggerContext: models.TriggerContext{"card_id": card.ID},
	}
	f.bus.Publish(protocol.NewRunChangedEvent(run))
	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, f.git.mergeCalls())
}
