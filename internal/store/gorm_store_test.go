// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/common"
	"github.com/lazyaf/lazyaf/internal/store/models"
)

func makeRepo(t *testing.T, s *GormStore, name string) *models.Repo {
	t.Helper()
	repo := &models.Repo{
		ID:            uuid.New().String(),
		Name:          name,
		DefaultBranch: "main",
	}
	require.NoError(t, s.CreateRepo(context.Background(), repo))
	return repo
}

func makeCard(t *testing.T, s *GormStore, repoID, title string) *models.Card {
	t.Helper()
	card := &models.Card{
		ID:         uuid.New().String(),
		RepoID:     repoID,
		Title:      title,
		Status:     models.CardStatusTodo,
		RunnerType: "claude",
		StepKind:   models.StepKindAgent,
		StepConfig: models.StepConfig{
			Agent: &models.AgentStepConfig{Prompt: "implement " + title},
		},
	}
	require.NoError(t, s.CreateCard(context.Background(), card))
	return card
}

func makeQueuedJob(t *testing.T, s *GormStore, card *models.Card) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:         uuid.New().String(),
		CardID:     card.ID,
		RepoID:     card.RepoID,
		RunnerType: card.RunnerType,
		Status:     models.JobStatusQueued,
		StepKind:   card.StepKind,
		StepConfig: card.StepConfig,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func TestRepoCRUD(t *testing.T) {
	fixture := UseFreshStore(t)
	defer fixture.Cleanup()
	s := fixture.Store
	ctx := context.Background()

	repo := makeRepo(t, s, "widgets")

	t.Run("get by id", func(t *testing.T) {
		got, err := s.GetRepo(ctx, repo.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "widgets", got.Name)
		assert.Equal(t, "main", got.DefaultBranch)
	})

	t.Run("get by name", func(t *testing.T) {
		got, err := s.GetRepoByName(ctx, "widgets")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, repo.ID, got.ID)
	})

	t.Run("missing repo returns nil without error", func(t *testing.T) {
		got, err := s.GetRepo(ctx, "nonexistent")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("duplicate name reports already exists", func(t *testing.T) {
		dup := &models.Repo{ID: uuid.New().String(), Name: "widgets", DefaultBranch: "main"}
		err := s.CreateRepo(ctx, dup)
		require.Error(t, err)
		assert.True(t, errors.Is(err, common.ErrAlreadyExists))
	})

	t.Run("delete", func(t *testing.T) {
		other := makeRepo(t, s, "gadgets")
		require.NoError(t, s.DeleteRepo(ctx, other.ID))
		got, err := s.GetRepo(ctx, other.ID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestListCardsByRepoFiltersStatus(t *testing.T) {
	fixture := UseFreshStore(t)
	defer fixture.Cleanup()
	s := fixture.Store
	ctx := context.Background()

	repo := makeRepo(t, s, "widgets")
	todo := makeCard(t, s, repo.ID, "first")
	done := makeCard(t, s, repo.ID, "second")
	done.Status = models.CardStatusDone
	require.NoError(t, s.UpdateCard(ctx, done))

	all, err := s.ListCardsByRepo(ctx, repo.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyTodo, err := s.ListCardsByRepo(ctx, repo.ID, models.CardStatusTodo)
	require.NoError(t, err)
	require.Len(t, onlyTodo, 1)
	assert.Equal(t, todo.ID, onlyTodo[0].ID)
}

func TestListQueuedJobsFIFO(t *testing.T) {
	fixture := UseFreshStore(t)
	defer fixture.Cleanup()
	s := fixture.Store
	ctx := context.Background()

	repo := makeRepo(t, s, "widgets")
	card := makeCard(t, s, repo.ID, "ordered")

	first := makeQueuedJob(t, s, card)
	second := makeQueuedJob(t, s, card)

	queued, err := s.ListQueuedJobs(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, first.ID, queued[0].ID)
	assert.Equal(t, second.ID, queued[1].ID)
}

func TestSaveAgentFileUpserts(t *testing.T) {
	fixture := UseFreshStore(t)
	defer fixture.Cleanup()
	s := fixture.Store
	ctx := context.Background()

	require.NoError(t, s.SaveAgentFile(ctx, &models.AgentFile{
		ID:      uuid.New().String(),
		Name:    "style-guide",
		Content: "v1",
	}))
	require.NoError(t, s.SaveAgentFile(ctx, &models.AgentFile{
		ID:      uuid.New().String(),
		Name:    "style-guide",
		Content: "v2",
	}))

	got, err := s.GetAgentFile(ctx, "style-guide")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v2", got.Content)

	files, err := s.ListAgentFiles(ctx)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestGetPipelineRunPreloadsOrderedStepRuns(t *testing.T) {
	fixture := UseFreshStore(t)
	defer fixture.Cleanup()
	s := fixture.Store
	ctx := context.Background()

	repo := makeRepo(t, s, "widgets")
	pipeline := &models.Pipeline{
		ID:     uuid.New().String(),
		RepoID: repo.ID,
		Name:   "build-and-test",
		Steps: models.StepDefinitions{
			{StepID: "s0", Name: "build", Kind: models.StepKindScript, Config: models.StepConfig{Script: &models.ScriptStepConfig{Command: "make"}}},
			{StepID: "s1", Name: "test", Kind: models.StepKindScript, Config: models.StepConfig{Script: &models.ScriptStepConfig{Command: "make test"}}},
		},
	}
	require.NoError(t, s.CreatePipeline(ctx, pipeline))

	run := &models.PipelineRun{
		ID:         uuid.New().String(),
		PipelineID: pipeline.ID,
		RepoID:     repo.ID,
		StepsTotal: 2,
	}
	require.NoError(t, s.CreatePipelineRun(ctx, run))

	// Insert out of order; Preload must come back sorted by step_index.
	require.NoError(t, s.CreateStepRun(ctx, &models.StepRun{
		ID: uuid.New().String(), PipelineRunID: run.ID, StepIndex: 1, StepName: "test",
	}))
	require.NoError(t, s.CreateStepRun(ctx, &models.StepRun{
		ID: uuid.New().String(), PipelineRunID: run.ID, StepIndex: 0, StepName: "build",
	}))

	got, err := s.GetPipelineRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.StepRuns, 2)
	assert.Equal(t, "build", got.StepRuns[0].StepName)
	assert.Equal(t, "test", got.StepRuns[1].StepName)
}

func TestFindActiveRunByIdentityHash(t *testing.T) {
	fixture := UseFreshStore(t)
	defer fixture.Cleanup()
	s := fixture.Store
	ctx := context.Background()

	repo := makeRepo(t, s, "widgets")
	pipeline := &models.Pipeline{
		ID:     uuid.New().String(),
		RepoID: repo.ID,
		Name:   "ci",
		Steps: models.StepDefinitions{
			{StepID: "s0", Name: "build", Kind: models.StepKindScript, Config: models.StepConfig{Script: &models.ScriptStepConfig{Command: "make"}}},
		},
	}
	require.NoError(t, s.CreatePipeline(ctx, pipeline))

	active := &models.PipelineRun{
		ID:           uuid.New().String(),
		PipelineID:   pipeline.ID,
		RepoID:       repo.ID,
		Status:       models.RunStatusRunning,
		IdentityHash: "abc123",
	}
	require.NoError(t, s.CreatePipelineRun(ctx, active))

	finished := &models.PipelineRun{
		ID:           uuid.New().String(),
		PipelineID:   pipeline.ID,
		RepoID:       repo.ID,
		Status:       models.RunStatusPassed,
		IdentityHash: "def456",
	}
	require.NoError(t, s.CreatePipelineRun(ctx, finished))

	got, err := s.FindActiveRunByIdentityHash(ctx, "abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, active.ID, got.ID)

	got, err = s.FindActiveRunByIdentityHash(ctx, "def456")
	require.NoError(t, err)
	assert.Nil(t, got, "terminal runs do not match")
}

func TestValidateSchemaAfterMigrate(t *testing.T) {
	fixture := UseFreshStore(t)
	defer fixture.Cleanup()

	assert.NoError(t, fixture.Store.ValidateSchema())
}
