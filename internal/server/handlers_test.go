// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/bus"
	"github.com/lazyaf/lazyaf/internal/cards"
	"github.com/lazyaf/lazyaf/internal/common"
	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/debug"
	"github.com/lazyaf/lazyaf/internal/engine"
	"github.com/lazyaf/lazyaf/internal/githost"
	"github.com/lazyaf/lazyaf/internal/protocol"
	"github.com/lazyaf/lazyaf/internal/queue"
	"github.com/lazyaf/lazyaf/internal/store"
	"github.com/lazyaf/lazyaf/internal/store/models"
)

// --- fakes ---

type fakeCards struct {
	mu       sync.Mutex
	calls    []string
	card     *models.Card
	conflict *models.ConflictRecord
	err      error
}

func (f *fakeCards) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeCards) Create(ctx context.Context, repoID string, params cards.CreateParams) (*models.Card, error) {
	f.record("create:" + repoID)
	return f.card, f.err
}

func (f *fakeCards) Start(ctx context.Context, cardID string) (*models.Card, error) {
	f.record("start:" + cardID)
	return f.card, f.err
}

func (f *fakeCards) Approve(ctx context.Context, cardID, target string) (*models.Card, *models.ConflictRecord, error) {
	f.record(fmt.Sprintf("approve:%s:%s", cardID, target))
	return f.card, f.conflict, f.err
}

func (f *fakeCards) Reject(ctx context.Context, cardID string) (*models.Card, error) {
	f.record("reject:" + cardID)
	return f.card, f.err
}

func (f *fakeCards) Retry(ctx context.Context, cardID string, auto bool) (*models.Card, error) {
	f.record(fmt.Sprintf("retry:%s:%t", cardID, auto))
	return f.card, f.err
}

type fakeEngine struct {
	mu      sync.Mutex
	starts  []engine.StartParams
	cancels []string
	run     *models.PipelineRun
	err     error
}

func (f *fakeEngine) StartRun(ctx context.Context, pipelineID string, params engine.StartParams) (*models.PipelineRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, params)
	if f.err != nil {
		return nil, f.err
	}
	if f.run != nil {
		return f.run, nil
	}
	return &models.PipelineRun{ID: "run-1", PipelineID: pipelineID, Status: models.RunStatusPending}, nil
}

func (f *fakeEngine) CancelRun(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, runID)
	return f.err
}

type fakeDebug struct {
	mu     sync.Mutex
	reruns []debug.RerunParams
	calls  []string
	err    error
}

func (f *fakeDebug) CreateRerun(ctx context.Context, runID string, params debug.RerunParams) (*debug.Rerun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reruns = append(f.reruns, params)
	if f.err != nil {
		return nil, f.err
	}
	return &debug.Rerun{RunID: "run-dbg", SessionID: "sess-1", JoinToken: "tok"}, nil
}

func (f *fakeDebug) Resume(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "resume:"+sessionID)
	return f.err
}

func (f *fakeDebug) Abort(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "abort:"+sessionID)
	return f.err
}

func (f *fakeDebug) Join(ctx context.Context, sessionID, token string) (*models.DebugSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "join:"+sessionID+":"+token)
	if f.err != nil {
		return nil, f.err
	}
	return &models.DebugSession{ID: sessionID, Status: models.DebugSessionConnected}, nil
}

type fakeGit struct {
	mu      sync.Mutex
	inits   []string
	deletes []string
	ingests []string
	assets  map[string]*githost.RepoAsset
	err     error
}

func (f *fakeGit) InitRepo(ctx context.Context, repoID, defaultBranch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits = append(f.inits, repoID+":"+defaultBranch)
	return f.err
}

func (f *fakeGit) DeleteRepo(repoID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, repoID)
	return nil
}

func (f *fakeGit) IngestFromURL(ctx context.Context, repoID, sourceURL, defaultBranch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingests = append(f.ingests, repoID+":"+sourceURL)
	return f.err
}

func (f *fakeGit) ListBranches(ctx context.Context, repoID string) ([]string, error) {
	return []string{"main"}, f.err
}

func (f *fakeGit) CommitHistory(ctx context.Context, repoID, ref string, limit int) ([]githost.Commit, error) {
	return []githost.Commit{{Hash: "abc123", Message: "initial"}}, f.err
}

func (f *fakeGit) Diff(ctx context.Context, repoID, baseRef, headRef string) (string, error) {
	return "diff --git a/x b/x", f.err
}

func (f *fakeGit) DiffStat(ctx context.Context, repoID, baseRef, headRef string) ([]githost.DiffFile, error) {
	return []githost.DiffFile{{Path: "x", Status: "M", Additions: 1, Deletions: 1}}, f.err
}

func (f *fakeGit) ListAssets(ctx context.Context, repoID, ref, kind string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for key, asset := range f.assets {
		if strings.HasPrefix(key, kind+"/") {
			names = append(names, asset.Name)
		}
	}
	return names, f.err
}

func (f *fakeGit) ReadAsset(ctx context.Context, repoID, ref, kind, name string) (*githost.RepoAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assets[kind+"/"+name], f.err
}

type fakeRunners struct {
	mu      sync.Mutex
	cancels []string
	stats   protocol.PoolStatsEvent
}

func (f *fakeRunners) CancelJob(ctx context.Context, jobID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, jobID+":"+reason)
	return nil
}

func (f *fakeRunners) PoolStats(ctx context.Context) protocol.PoolStatsEvent {
	return f.stats
}

func (f *fakeRunners) CloneURL(repoID string) string {
	return "http://localhost:8080/git/" + repoID + ".git"
}

// --- fixture ---

type serverFixture struct {
	store   *store.GormStore
	bus     *bus.Bus
	queue   *queue.Queue
	cards   *fakeCards
	engine  *fakeEngine
	debug   *fakeDebug
	git     *fakeGit
	runners *fakeRunners
	ts      *httptest.Server
}

func useServer(t *testing.T) *serverFixture {
	t.Helper()

	sf := store.UseFreshStore(t)
	t.Cleanup(sf.Cleanup)

	b := bus.New(0)
	t.Cleanup(b.Close)
	sf.Store.SetEventSink(b)

	f := &serverFixture{
		store:   sf.Store,
		bus:     b,
		queue:   queue.New(sf.Store),
		cards:   &fakeCards{},
		engine:  &fakeEngine{},
		debug:   &fakeDebug{},
		git:     &fakeGit{},
		runners: &fakeRunners{},
	}

	cfg := &config.AppConfig{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Git:    config.GitConfig{DefaultBranch: "main"},
		Broadcast: config.BroadcastConfig{
			ClientBuffer:      8,
			PoolStatsDebounce: 20 * time.Millisecond,
			SSEPingInterval:   100 * time.Millisecond,
		},
	}

	srv := New(cfg, Deps{
		Store:   f.store,
		Cards:   f.cards,
		Engine:  f.engine,
		Debug:   f.debug,
		Git:     f.git,
		Runners: f.runners,
		Queue:   f.queue,
		Bus:     b,
	})
	f.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(f.ts.Close)

	return f
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (f *serverFixture) seedRepo(t *testing.T, name string) *models.Repo {
	t.Helper()
	repo := &models.Repo{ID: "repo-" + name, Name: name, DefaultBranch: "main"}
	require.NoError(t, f.store.CreateRepo(context.Background(), repo))
	return repo
}

// --- repos ---

func TestCreateRepoInitializesGitPlane(t *testing.T) {
	f := useServer(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/repos", map[string]string{"name": "demo"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var repo models.Repo
	require.NoError(t, json.Unmarshal(body, &repo))
	assert.Equal(t, "demo", repo.Name)
	assert.Equal(t, "main", repo.DefaultBranch)
	assert.Contains(t, repo.CloneURL, repo.ID+".git")

	require.Len(t, f.git.inits, 1)
	assert.Equal(t, repo.ID+":main", f.git.inits[0])

	stored, err := f.store.GetRepo(context.Background(), repo.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestCreateRepoDuplicateNameRollsBackBareRepo(t *testing.T) {
	f := useServer(t)
	f.seedRepo(t, "demo")

	resp, _ := f.do(t, http.MethodPost, "/api/v1/repos", map[string]string{"name": "demo"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Len(t, f.git.deletes, 1, "bare repo should be removed after the row insert failed")
}

func TestGetRepoMaps404(t *testing.T) {
	f := useServer(t)

	resp, _ := f.do(t, http.MethodGet, "/api/v1/repos/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIngestRepoMarksIngested(t *testing.T) {
	f := useServer(t)
	repo := f.seedRepo(t, "demo")

	resp, body := f.do(t, http.MethodPost, "/api/v1/repos/"+repo.ID+"/ingest",
		map[string]string{"source_url": "https://github.com/acme/demo.git"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	require.Len(t, f.git.ingests, 1)
	stored, err := f.store.GetRepo(context.Background(), repo.ID)
	require.NoError(t, err)
	assert.True(t, stored.Ingested)

	// A second ingest is rejected.
	resp, _ = f.do(t, http.MethodPost, "/api/v1/repos/"+repo.ID+"/ingest",
		map[string]string{"source_url": "https://github.com/acme/demo.git"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// --- cards ---

func TestCardActionsDelegateToService(t *testing.T) {
	f := useServer(t)
	f.cards.card = &models.Card{ID: "card-1", Status: models.CardStatusInProgress}

	resp, _ := f.do(t, http.MethodPost, "/api/v1/cards/card-1/start", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/cards/card-1/approve", map[string]string{"target": "staging"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/cards/card-1/reject", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/cards/card-1/retry", map[string]bool{"auto": true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []string{
		"start:card-1",
		"approve:card-1:staging",
		"reject:card-1",
		"retry:card-1:true",
	}, f.cards.calls)
}

func TestApproveConflictReturns409(t *testing.T) {
	f := useServer(t)
	f.cards.card = &models.Card{ID: "card-1", Status: models.CardStatusInReview}
	f.cards.conflict = &models.ConflictRecord{Files: []models.ConflictFile{{Path: "main.go"}}}

	resp, body := f.do(t, http.MethodPost, "/api/v1/cards/card-1/approve", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "main.go")
}

func TestCardServiceErrorsMapByKind(t *testing.T) {
	f := useServer(t)
	f.cards.err = common.NewClientInputError("card already has a running job")

	resp, _ := f.do(t, http.MethodPost, "/api/v1/cards/card-1/start", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateCardRejectsEmptyTitle(t *testing.T) {
	f := useServer(t)
	repo := f.seedRepo(t, "demo")
	card := &models.Card{ID: "card-1", RepoID: repo.ID, Title: "before", Status: models.CardStatusTodo}
	require.NoError(t, f.store.CreateCard(context.Background(), card))

	empty := ""
	resp, _ := f.do(t, http.MethodPut, "/api/v1/cards/card-1", map[string]*string{"title": &empty})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	after := "after"
	resp, _ = f.do(t, http.MethodPut, "/api/v1/cards/card-1", map[string]*string{"title": &after})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := f.store.GetCard(context.Background(), "card-1")
	require.NoError(t, err)
	assert.Equal(t, "after", stored.Title)
}

func TestDeleteCardProtectsRunningCard(t *testing.T) {
	f := useServer(t)
	repo := f.seedRepo(t, "demo")
	card := &models.Card{ID: "card-1", RepoID: repo.ID, Title: "busy", Status: models.CardStatusInProgress}
	require.NoError(t, f.store.CreateCard(context.Background(), card))

	resp, _ := f.do(t, http.MethodDelete, "/api/v1/cards/card-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// --- pipelines and runs ---

func TestRunPipelineUsesDistinctManualRefs(t *testing.T) {
	f := useServer(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/pipelines/pipe-1/run", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/pipelines/pipe-1/run", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Len(t, f.engine.starts, 2)
	assert.Equal(t, models.TriggerTypeManual, f.engine.starts[0].TriggerType)
	assert.NotEqual(t, f.engine.starts[0].TriggerRef, f.engine.starts[1].TriggerRef,
		"manual runs must not collapse into one identity")
}

func TestCreatePipelineValidatesDefinition(t *testing.T) {
	f := useServer(t)
	repo := f.seedRepo(t, "demo")

	resp, _ := f.do(t, http.MethodPost, "/api/v1/repos/"+repo.ID+"/pipelines", map[string]interface{}{
		"name":  "empty",
		"steps": []interface{}{},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/v1/repos/"+repo.ID+"/pipelines", map[string]interface{}{
		"name": "build",
		"steps": []map[string]interface{}{{
			"step_id": "compile",
			"name":    "compile",
			"kind":    "script",
			"config": map[string]interface{}{
				"script": map[string]string{"command": "make"},
			},
		}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var pipeline models.Pipeline
	require.NoError(t, json.Unmarshal(body, &pipeline))
	assert.Equal(t, repo.ID, pipeline.RepoID)
	assert.Len(t, pipeline.Steps, 1)
}

func TestCancelRunDelegatesToEngine(t *testing.T) {
	f := useServer(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/pipeline-runs/run-9/cancel", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"run-9"}, f.engine.cancels)
}

func TestDebugRerunConvertsExpirySeconds(t *testing.T) {
	f := useServer(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/pipeline-runs/run-1/debug-rerun", map[string]interface{}{
		"breakpoints":    []int{1, 3},
		"expiry_seconds": 600,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	require.Len(t, f.debug.reruns, 1)
	assert.Equal(t, []int{1, 3}, f.debug.reruns[0].Breakpoints)
	assert.Equal(t, 10*time.Minute, f.debug.reruns[0].Expiry)

	assert.Contains(t, string(body), "join_token")
}

func TestDebugSessionEndpoints(t *testing.T) {
	f := useServer(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/debug/sess-1/resume", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/debug/sess-1/abort", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/v1/debug/sess-1/join", map[string]string{"token": "tok"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "tok", "join token must never be served back")

	assert.Equal(t, []string{"resume:sess-1", "abort:sess-1", "join:sess-1:tok"}, f.debug.calls)
}

// --- jobs and runners ---

func TestCancelJobDefaultsReason(t *testing.T) {
	f := useServer(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/jobs/job-1/cancel", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"job-1:cancelled by user"}, f.runners.cancels)
}

func TestListRunnersIncludesPoolStats(t *testing.T) {
	f := useServer(t)
	f.runners.stats = protocol.PoolStatsEvent{Connected: 2, Idle: 1, Busy: 1}

	resp, body := f.do(t, http.MethodGet, "/api/v1/runners", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"stats"`)
	assert.Contains(t, string(body), `"runners"`)
}

func TestScaleRunnersIsAdvisory(t *testing.T) {
	f := useServer(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/runners/scale",
		map[string]interface{}{"runner_type": "agent", "count": 3})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/runners/scale",
		map[string]interface{}{"runner_type": "agent", "count": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// --- agent files ---

func TestRepoAssetsShadowPlatformAgentFiles(t *testing.T) {
	f := useServer(t)
	f.seedRepo(t, "web")

	resp, _ := f.do(t, http.MethodPost, "/api/v1/agent-files", map[string]string{
		"name":    "reviewer",
		"content": "platform reviewer",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// No repo-scope asset yet: the platform file answers.
	resp, body := f.do(t, http.MethodGet, "/api/v1/repos/repo-web/assets/agents/reviewer", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "platform reviewer")
	assert.Contains(t, string(body), `"source":"platform"`)

	// A repo-scope asset of the same name shadows it.
	f.git.mu.Lock()
	f.git.assets = map[string]*githost.RepoAsset{
		"agents/reviewer": {Name: "reviewer", Kind: "agents", Branch: "main", Content: "repo reviewer"},
	}
	f.git.mu.Unlock()

	resp, body = f.do(t, http.MethodGet, "/api/v1/repos/repo-web/assets/agents/reviewer", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "repo reviewer")
	assert.Contains(t, string(body), `"source":"repo"`)

	resp, body = f.do(t, http.MethodGet, "/api/v1/repos/repo-web/assets/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "reviewer")

	resp, _ = f.do(t, http.MethodGet, "/api/v1/repos/repo-web/assets/agents/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentFilesCRUD(t *testing.T) {
	f := useServer(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/agent-files", map[string]string{
		"name":    "reviewer",
		"content": "Review the diff.",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/v1/agent-files/reviewer", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Review the diff.")

	resp, body = f.do(t, http.MethodGet, "/api/v1/agent-files", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "reviewer")

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/agent-files/reviewer", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/agent-files/reviewer", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// --- playground ---

func TestPlaygroundCreatesEphemeralQueuedJob(t *testing.T) {
	f := useServer(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/playground", map[string]interface{}{
		"step_kind": "script",
		"step_config": map[string]interface{}{
			"script": map[string]string{"command": "echo hi"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out["session"])

	job, err := f.store.GetJob(context.Background(), out["session"])
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.True(t, job.Ephemeral)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, queue.AnyRunnerType, job.RunnerType)
	assert.Equal(t, 1, f.queue.Depth(queue.AnyRunnerType))
}

func TestPlaygroundRejectsBadStepConfig(t *testing.T) {
	f := useServer(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/playground", map[string]interface{}{
		"step_kind":   "script",
		"step_config": map[string]interface{}{},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// --- middleware ---

func TestRequestIDIsIssuedAndPreserved(t *testing.T) {
	f := useServer(t)

	resp, _ := f.do(t, http.MethodGet, "/api/v1/repos", nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/v1/repos", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "my-trace-42")
	resp2, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, "my-trace-42", resp2.Header.Get("X-Request-ID"))

	req.Header.Set("X-Request-ID", "bad id with spaces")
	resp3, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	resp3.Body.Close()
	assert.NotEqual(t, "bad id with spaces", resp3.Header.Get("X-Request-ID"))
}

func TestWriteErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{common.NewClientInputError("bad input"), http.StatusBadRequest},
		{common.NewResourceUnavailableError("no runner"), http.StatusConflict},
		{common.NewTransientError("socket dropped", nil), http.StatusInternalServerError},
		{fmt.Errorf("repo: %w", common.ErrAlreadyExists), http.StatusConflict},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, tc.err)
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
	}
}
