// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package cards

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/queue"
	"github.com/lazyaf/lazyaf/internal/store"
	"github.com/lazyaf/lazyaf/internal/store/models"
)

// fakeGit records merge calls and can be primed with a conflict.
type fakeGit struct {
	conflict *models.ConflictRecord
	err      error
	calls    []string
}

func (g *fakeGit) Merge(_ context.Context, repoID, source, target string) (string, *models.ConflictRecord, error) {
	g.calls = append(g.calls, source+" -> "+target)
	if g.err != nil {
		return "", nil, g.err
	}
	if g.conflict != nil {
		return "", g.conflict, nil
	}
	return "abc123", nil, nil
}

type cardsFixture struct {
	store   *store.GormStore
	queue   *queue.Queue
	git     *fakeGit
	service *Service
	repo    *models.Repo
}

func useCards(t *testing.T) *cardsFixture {
	t.Helper()
	sf := store.UseFreshStore(t)
	t.Cleanup(sf.Cleanup)

	repo := &models.Repo{ID: uuid.New().String(), Name: "cards-repo", DefaultBranch: "main"}
	require.NoError(t, sf.Store.CreateRepo(context.Background(), repo))

	require.NoError(t, sf.Store.UpsertRunner(context.Background(), &models.Runner{
		ID:            "runner-1",
		RunnerType:    "any",
		Status:        models.RunnerStatusIdle,
		LastHeartbeat: time.Now(),
	}))

	git := &fakeGit{}
	q := queue.New(sf.Store)
	cfg := &config.AppConfig{Engine: config.EngineConfig{BranchPrefix: "lazyaf/"}}

	return &cardsFixture{
		store:   sf.Store,
		queue:   q,
		git:     git,
		service: NewService(sf.Store, q, git, cfg),
		repo:    repo,
	}
}

func (f *cardsFixture) createAgentCard(t *testing.T) *models.Card {
	t.Helper()
	card, err := f.service.Create(context.Background(), f.repo.ID, CreateParams{
		Title:      "Fix flaky test",
		RunnerType: "claude",
		StepKind:   models.StepKindAgent,
		StepConfig: models.StepConfig{Agent: &models.AgentStepConfig{Prompt: "fix it"}},
	})
	require.NoError(t, err)
	return card
}

// finishJob drives the card's current job to a terminal status and folds
// the result back into the card.
func (f *cardsFixture) finishJob(t *testing.T, card *models.Card, status models.JobStatus, branch string, results *models.TestResults) {
	t.Helper()
	ctx := context.Background()

	reloaded, err := f.store.GetCard(ctx, card.ID)
	require.NoError(t, err)
	require.NotEmpty(t, reloaded.CurrentJobID)

	claimed, err := f.queue.Claim(ctx, "any", "runner-1")
	require.NoError(t, err)
	if claimed == nil {
		// Job already claimed in an earlier step of the test.
		claimed, err = f.store.GetJob(ctx, reloaded.CurrentJobID)
		require.NoError(t, err)
	}
	_, _, err = f.store.CompleteJob(ctx, claimed.ID, status, "", branch, results, nil)
	require.NoError(t, err)

	require.NoError(t, f.service.OnJobResult(ctx, claimed.ID))
}

func TestCreateValidatesInput(t *testing.T) {
	f := useCards(t)
	ctx := context.Background()

	_, err := f.service.Create(ctx, f.repo.ID, CreateParams{Title: "  ", StepKind: models.StepKindAgent})
	assert.Error(t, err)

	_, err = f.service.Create(ctx, f.repo.ID, CreateParams{Title: "x", StepKind: "weird"})
	assert.Error(t, err)

	_, err = f.service.Create(ctx, f.repo.ID, CreateParams{
		Title:      "x",
		StepKind:   models.StepKindScript,
		StepConfig: models.StepConfig{Script: &models.ScriptStepConfig{}},
	})
	assert.Error(t, err, "script without a command is invalid")

	_, err = f.service.Create(ctx, "no-such-repo", CreateParams{
		Title:      "x",
		StepKind:   models.StepKindAgent,
		StepConfig: models.StepConfig{Agent: &models.AgentStepConfig{Prompt: "p"}},
	})
	assert.Error(t, err)
}

func TestStartEnqueuesSnapshotJob(t *testing.T) {
	f := useCards(t)
	ctx := context.Background()

	card := f.createAgentCard(t)
	started, err := f.service.Start(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusInProgress, started.Status)
	require.NotEmpty(t, started.CurrentJobID)

	job, err := f.store.GetJob(ctx, started.CurrentJobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, "claude", job.RunnerType)
	assert.Equal(t, "lazyaf/card-"+card.ID[:8], job.BranchName)
	assert.Equal(t, 1, f.queue.Depth("claude"))

	_, err = f.service.Start(ctx, card.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestScriptJobGetsNoBranch(t *testing.T) {
	f := useCards(t)
	ctx := context.Background()

	card, err := f.service.Create(ctx, f.repo.ID, CreateParams{
		Title:      "Run the suite",
		StepKind:   models.StepKindScript,
		StepConfig: models.StepConfig{Script: &models.ScriptStepConfig{Command: "make test"}},
	})
	require.NoError(t, err)
	assert.Equal(t, queue.AnyRunnerType, card.RunnerType)

	started, err := f.service.Start(ctx, card.ID)
	require.NoError(t, err)

	job, err := f.store.GetJob(ctx, started.CurrentJobID)
	require.NoError(t, err)
	assert.Empty(t, job.BranchName)
}

func TestJobResultWithBranchMovesToReview(t *testing.T) {
	f := useCards(t)
	ctx := context.Background()

	card := f.createAgentCard(t)
	_, err := f.service.Start(ctx, card.ID)
	require.NoError(t, err)

	f.finishJob(t, card, models.JobStatusCompleted, "lazyaf/card-xyz", nil)

	reloaded, err := f.store.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusInReview, reloaded.Status)
	assert.Equal(t, "lazyaf/card-xyz", reloaded.BranchName)
}

func TestJobResultWithoutBranch(t *testing.T) {
	tests := []struct {
		name    string
		status  models.JobStatus
		results *models.TestResults
		want    models.CardStatus
	}{
		{"all tests passed", models.JobStatusCompleted, &models.TestResults{Total: 4, Passed: 4}, models.CardStatusDone},
		{"no tests ran", models.JobStatusCompleted, nil, models.CardStatusDone},
		{"tests failed", models.JobStatusCompleted, &models.TestResults{Total: 4, Passed: 3, Failed: 1}, models.CardStatusFailed},
		{"job failed", models.JobStatusFailed, nil, models.CardStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := useCards(t)
			ctx := context.Background()

			card, err := f.service.Create(ctx, f.repo.ID, CreateParams{
				Title:      "Run the suite",
				StepKind:   models.StepKindScript,
				StepConfig: models.StepConfig{Script: &models.ScriptStepConfig{Command: "make test"}},
			})
			require.NoError(t, err)
			_, err = f.service.Start(ctx, card.ID)
			require.NoError(t, err)

			f.finishJob(t, card, tt.status, "", tt.results)

			reloaded, err := f.store.GetCard(ctx, card.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, reloaded.Status)
		})
	}
}

func TestApproveMergesIntoDefaultBranch(t *testing.T) {
	f := useCards(t)
	ctx := context.Background()

	card := f.createAgentCard(t)
	_, err := f.service.Start(ctx, card.ID)
	require.NoError(t, err)
	f.finishJob(t, card, models.JobStatusCompleted, "lazyaf/card-xyz", nil)

	approved, conflict, err := f.service.Approve(ctx, card.ID, "")
	require.NoError(t, err)
	assert.Nil(t, conflict)
	assert.Equal(t, models.CardStatusDone, approved.Status)
	require.Len(t, f.git.calls, 1)
	assert.Equal(t, "lazyaf/card-xyz -> main", f.git.calls[0])

	// Approving again is a no-op, not a second merge.
	again, conflict, err := f.service.Approve(ctx, card.ID, "")
	require.NoError(t, err)
	assert.Nil(t, conflict)
	assert.Equal(t, models.CardStatusDone, again.Status)
	assert.Len(t, f.git.calls, 1)
}

func TestApproveConflictLeavesCardInReview(t *testing.T) {
	f := useCards(t)
	ctx := context.Background()

	card := f.createAgentCard(t)
	_, err := f.service.Start(ctx, card.ID)
	require.NoError(t, err)
	f.finishJob(t, card, models.JobStatusCompleted, "lazyaf/card-xyz", nil)

	f.git.conflict = &models.ConflictRecord{
		Source: "lazyaf/card-xyz",
		Target: "main",
		Files:  []models.ConflictFile{{Path: "main.go", Ours: "main", Theirs: "lazyaf/card-xyz"}},
	}

	_, conflict, err := f.service.Approve(ctx, card.ID, "")
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, "main.go", conflict.Files[0].Path)

	reloaded, err := f.store.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusInReview, reloaded.Status)
}

func TestApproveRequiresInReview(t *testing.T) {
	f := useCards(t)
	card := f.createAgentCard(t)

	_, _, err := f.service.Approve(context.Background(), card.ID, "")
	assert.Error(t, err)
}

func TestRejectKeepsBranch(t *testing.T) {
	f := useCards(t)
	ctx := context.Background()

	card := f.createAgentCard(t)
	_, err := f.service.Start(ctx, card.ID)
	require.NoError(t, err)
	f.finishJob(t, card, models.JobStatusCompleted, "lazyaf/card-xyz", nil)

	rejected, err := f.service.Reject(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusTodo, rejected.Status)
	assert.Equal(t, "lazyaf/card-xyz", rejected.BranchName)
}

func TestRetry(t *testing.T) {
	f := useCards(t)
	ctx := context.Background()

	card := f.createAgentCard(t)
	_, err := f.service.Start(ctx, card.ID)
	require.NoError(t, err)
	f.finishJob(t, card, models.JobStatusFailed, "", nil)

	retried, err := f.service.Retry(ctx, card.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusTodo, retried.Status)

	restarted, err := f.service.Retry(ctx, card.ID, false)
	require.Error(t, err, "todo cards cannot be retried")
	_ = restarted
}

func TestRetryAutoRestarts(t *testing.T) {
	f := useCards(t)
	ctx := context.Background()

	card := f.createAgentCard(t)
	_, err := f.service.Start(ctx, card.ID)
	require.NoError(t, err)
	f.finishJob(t, card, models.JobStatusFailed, "", nil)

	restarted, err := f.service.Retry(ctx, card.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusInProgress, restarted.Status)
	assert.NotEmpty(t, restarted.CurrentJobID)

	require.Eventually(t, func() bool {
		return f.queue.Depth("claude") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStaleJobResultIgnored(t *testing.T) {
	f := useCards(t)
	ctx := context.Background()

	card := f.createAgentCard(t)
	started, err := f.service.Start(ctx, card.ID)
	require.NoError(t, err)
	firstJobID := started.CurrentJobID
	f.finishJob(t, card, models.JobStatusFailed, "", nil)

	// Retry creates a second job; a replayed result for the first job
	// must not touch the card.
	restarted, err := f.service.Retry(ctx, card.ID, true)
	require.NoError(t, err)
	require.NotEqual(t, firstJobID, restarted.CurrentJobID)

	require.NoError(t, f.service.OnJobResult(ctx, firstJobID))

	reloaded, err := f.store.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusInProgress, reloaded.Status)
}
