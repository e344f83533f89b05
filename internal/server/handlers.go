// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lazyaf/lazyaf/internal/bus"
	"github.com/lazyaf/lazyaf/internal/cards"
	"github.com/lazyaf/lazyaf/internal/common"
	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/debug"
	"github.com/lazyaf/lazyaf/internal/engine"
	"github.com/lazyaf/lazyaf/internal/githost"
	"github.com/lazyaf/lazyaf/internal/queue"
	"github.com/lazyaf/lazyaf/internal/store/models"
)

// Store is the persistence surface the REST handlers read and write.
type Store interface {
	SnapshotSource

	CreateRepo(ctx context.Context, repo *models.Repo) error
	GetRepo(ctx context.Context, repoID string) (*models.Repo, error)
	UpdateRepo(ctx context.Context, repo *models.Repo) error
	DeleteRepo(ctx context.Context, repoID string) error

	ListCardsByRepo(ctx context.Context, repoID string, statuses ...models.CardStatus) ([]*models.Card, error)
	GetCard(ctx context.Context, cardID string) (*models.Card, error)
	UpdateCard(ctx context.Context, card *models.Card) error
	DeleteCard(ctx context.Context, cardID string) error

	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	GetJobsByCard(ctx context.Context, cardID string) ([]*models.Job, error)
	CreateJob(ctx context.Context, job *models.Job) error

	CreatePipeline(ctx context.Context, pipeline *models.Pipeline) error
	GetPipeline(ctx context.Context, pipelineID string) (*models.Pipeline, error)
	GetPipelinesByRepo(ctx context.Context, repoID string) ([]*models.Pipeline, error)
	UpdatePipeline(ctx context.Context, pipeline *models.Pipeline) error
	DeletePipeline(ctx context.Context, pipelineID string) error

	GetPipelineRun(ctx context.Context, runID string) (*models.PipelineRun, error)
	GetPipelineRunsByRepo(ctx context.Context, repoID string) ([]*models.PipelineRun, error)
	GetStepRunsByRun(ctx context.Context, runID string) ([]*models.StepRun, error)

	GetDebugSession(ctx context.Context, sessionID string) (*models.DebugSession, error)

	SaveAgentFile(ctx context.Context, file *models.AgentFile) error
	GetAgentFile(ctx context.Context, name string) (*models.AgentFile, error)
	ListAgentFiles(ctx context.Context) ([]*models.AgentFile, error)
	DeleteAgentFile(ctx context.Context, name string) error
}

// Cards is the card lifecycle surface.
type Cards interface {
	Create(ctx context.Context, repoID string, params cards.CreateParams) (*models.Card, error)
	Start(ctx context.Context, cardID string) (*models.Card, error)
	Approve(ctx context.Context, cardID, target string) (*models.Card, *models.ConflictRecord, error)
	Reject(ctx context.Context, cardID string) (*models.Card, error)
	Retry(ctx context.Context, cardID string, auto bool) (*models.Card, error)
}

// Engine is the run-control surface.
type Engine interface {
	StartRun(ctx context.Context, pipelineID string, params engine.StartParams) (*models.PipelineRun, error)
	CancelRun(ctx context.Context, runID string) error
}

// Debug is the debug-session surface.
type Debug interface {
	CreateRerun(ctx context.Context, runID string, params debug.RerunParams) (*debug.Rerun, error)
	Resume(ctx context.Context, sessionID string) error
	Abort(ctx context.Context, sessionID string) error
	Join(ctx context.Context, sessionID, token string) (*models.DebugSession, error)
}

// Git is the repository surface the handlers need from the git host.
type Git interface {
	InitRepo(ctx context.Context, repoID, defaultBranch string) error
	DeleteRepo(repoID string) error
	IngestFromURL(ctx context.Context, repoID, sourceURL, defaultBranch string) error
	ListBranches(ctx context.Context, repoID string) ([]string, error)
	CommitHistory(ctx context.Context, repoID, ref string, limit int) ([]githost.Commit, error)
	Diff(ctx context.Context, repoID, baseRef, headRef string) (string, error)
	DiffStat(ctx context.Context, repoID, baseRef, headRef string) ([]githost.DiffFile, error)
	ListAssets(ctx context.Context, repoID, ref, kind string) ([]string, error)
	ReadAsset(ctx context.Context, repoID, ref, kind, name string) (*githost.RepoAsset, error)
}

// Runners is the registry surface the handlers need.
type Runners interface {
	PoolStatsSource
	CancelJob(ctx context.Context, jobID, reason string) error
	CloneURL(repoID string) string
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	store   Store
	cards   Cards
	engine  Engine
	debug   Debug
	git     Git
	runners Runners
	queue   *queue.Queue
	bus     *bus.Bus
	cfg     *config.AppConfig
}

// NewHandlers creates the handler set.
func NewHandlers(store Store, cardSvc Cards, eng Engine, dbg Debug, git Git, runners Runners, q *queue.Queue, b *bus.Bus, cfg *config.AppConfig) *Handlers {
	return &Handlers{
		store:   store,
		cards:   cardSvc,
		engine:  eng,
		debug:   dbg,
		git:     git,
		runners: runners,
		queue:   q,
		bus:     b,
		cfg:     cfg,
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch common.KindOfError(err) {
	case common.KindClientInput:
		status = http.StatusBadRequest
	case common.KindResourceUnavailable, common.KindGitConflict:
		status = http.StatusConflict
	}
	if common.IsAlreadyExists(err) {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func notFound(w http.ResponseWriter, what, id string) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": what + " not found: " + id})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

// --- repos ---

// ListRepos handles GET /api/v1/repos
func (h *Handlers) ListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := h.store.ListRepos(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

type createRepoRequest struct {
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

// CreateRepo handles POST /api/v1/repos
func (h *Handlers) CreateRepo(w http.ResponseWriter, r *http.Request) {
	var body createRepoRequest
	if !decodeBody(w, r, &body) {
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	branch := body.DefaultBranch
	if branch == "" {
		branch = h.cfg.Git.DefaultBranch
	}
	if err := githost.ValidateBranchName(branch); err != nil {
		writeError(w, common.NewClientInputError("invalid default branch: %v", err))
		return
	}

	repoID := uuid.New().String()
	if err := h.git.InitRepo(r.Context(), repoID, branch); err != nil {
		writeError(w, err)
		return
	}

	repo := &models.Repo{
		ID:            repoID,
		Name:          body.Name,
		DefaultBranch: branch,
		CloneURL:      h.runners.CloneURL(repoID),
	}
	if err := h.store.CreateRepo(r.Context(), repo); err != nil {
		// Roll back the bare repo so a name collision leaves no orphan.
		if delErr := h.git.DeleteRepo(repoID); delErr != nil {
			getLog().Error().Err(delErr).Str("repo_id", repoID).Msg("Failed to remove bare repo after create rollback")
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

// GetRepo handles GET /api/v1/repos/{repoID}
func (h *Handlers) GetRepo(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	repo, err := h.store.GetRepo(r.Context(), repoID)
	if err != nil {
		writeError(w, err)
		return
	}
	if repo == nil {
		notFound(w, "repo", repoID)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

// DeleteRepo handles DELETE /api/v1/repos/{repoID}
func (h *Handlers) DeleteRepo(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	repo, err := h.store.GetRepo(r.Context(), repoID)
	if err != nil {
		writeError(w, err)
		return
	}
	if repo == nil {
		notFound(w, "repo", repoID)
		return
	}
	if err := h.store.DeleteRepo(r.Context(), repoID); err != nil {
		writeError(w, err)
		return
	}
	if err := h.git.DeleteRepo(repoID); err != nil {
		getLog().Error().Err(err).Str("repo_id", repoID).Msg("Failed to remove bare repo")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type ingestRequest struct {
	SourceURL string `json:"source_url"`
}

// IngestRepo handles POST /api/v1/repos/{repoID}/ingest
func (h *Handlers) IngestRepo(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	var body ingestRequest
	if !decodeBody(w, r, &body) {
		return
	}
	body.SourceURL = strings.TrimSpace(body.SourceURL)
	if body.SourceURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source_url is required"})
		return
	}

	repo, err := h.store.GetRepo(r.Context(), repoID)
	if err != nil {
		writeError(w, err)
		return
	}
	if repo == nil {
		notFound(w, "repo", repoID)
		return
	}
	if repo.Ingested {
		writeError(w, common.NewClientInputError("repo %s already has ingested content", repoID))
		return
	}

	if err := h.git.IngestFromURL(r.Context(), repoID, body.SourceURL, repo.DefaultBranch); err != nil {
		writeError(w, err)
		return
	}
	repo.Ingested = true
	if err := h.store.UpdateRepo(r.Context(), repo); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

// ListBranches handles GET /api/v1/repos/{repoID}/branches
func (h *Handlers) ListBranches(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	branches, err := h.git.ListBranches(r.Context(), repoID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"branches": branches})
}

// ListCommits handles GET /api/v1/repos/{repoID}/commits?ref=&limit=
func (h *Handlers) ListCommits(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	const maxLimit = 500
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxLimit {
				limit = maxLimit
			}
		}
	}
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		repo, err := h.store.GetRepo(r.Context(), repoID)
		if err != nil {
			writeError(w, err)
			return
		}
		if repo == nil {
			notFound(w, "repo", repoID)
			return
		}
		ref = repo.DefaultBranch
	}

	commits, err := h.git.CommitHistory(r.Context(), repoID, ref, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ref": ref, "commits": commits})
}

// GetDiff handles GET /api/v1/repos/{repoID}/diff?base=&head=
func (h *Handlers) GetDiff(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	base := r.URL.Query().Get("base")
	head := r.URL.Query().Get("head")
	if base == "" || head == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "base and head are required"})
		return
	}
	diff, err := h.git.Diff(r.Context(), repoID, base, head)
	if err != nil {
		writeError(w, err)
		return
	}
	files, err := h.git.DiffStat(r.Context(), repoID, base, head)
	if err != nil {
		writeError(w, err)
		return
	}
	if files == nil {
		files = []githost.DiffFile{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"base": base, "head": head, "diff": diff, "files": files})
}

// ListRepoAssets handles GET /api/v1/repos/{repoID}/assets/{kind}
func (h *Handlers) ListRepoAssets(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	kind := chi.URLParam(r, "kind")
	names, err := h.git.ListAssets(r.Context(), repoID, r.URL.Query().Get("ref"), kind)
	if err != nil {
		writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"kind": kind, "names": names})
}

// GetRepoAsset handles GET /api/v1/repos/{repoID}/assets/{kind}/{name}.
// Repo-defined agents shadow platform agent files of the same name; a
// miss on both is a 404.
func (h *Handlers) GetRepoAsset(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	kind := chi.URLParam(r, "kind")
	name := chi.URLParam(r, "name")

	asset, err := h.git.ReadAsset(r.Context(), repoID, r.URL.Query().Get("ref"), kind, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if asset != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"asset": asset, "source": "repo"})
		return
	}

	if kind == githost.AssetKindAgents {
		file, err := h.store.GetAgentFile(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		if file != nil {
			fallback := &githost.RepoAsset{Name: file.Name, Kind: kind, Content: file.Content}
			writeJSON(w, http.StatusOK, map[string]interface{}{"asset": fallback, "source": "platform"})
			return
		}
	}
	notFound(w, "asset", name)
}

// --- cards ---

// ListCards handles GET /api/v1/repos/{repoID}/cards
func (h *Handlers) ListCards(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	list, err := h.store.ListCardsByRepo(r.Context(), repoID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type createCardRequest struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	RunnerType  string            `json:"runner_type,omitempty"`
	StepKind    models.StepKind   `json:"step_kind"`
	StepConfig  models.StepConfig `json:"step_config"`
}

// CreateCard handles POST /api/v1/repos/{repoID}/cards
func (h *Handlers) CreateCard(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	var body createCardRequest
	if !decodeBody(w, r, &body) {
		return
	}

	card, err := h.cards.Create(r.Context(), repoID, cards.CreateParams{
		Title:       body.Title,
		Description: body.Description,
		RunnerType:  body.RunnerType,
		StepKind:    body.StepKind,
		StepConfig:  body.StepConfig,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

// GetCard handles GET /api/v1/cards/{cardID}
func (h *Handlers) GetCard(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")
	card, err := h.store.GetCard(r.Context(), cardID)
	if err != nil {
		writeError(w, err)
		return
	}
	if card == nil {
		notFound(w, "card", cardID)
		return
	}
	jobs, err := h.store.GetJobsByCard(r.Context(), cardID)
	if err != nil {
		writeError(w, err)
		return
	}
	card.Jobs = make([]models.Job, len(jobs))
	for i, j := range jobs {
		card.Jobs[i] = *j
	}
	writeJSON(w, http.StatusOK, card)
}

type updateCardRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

// UpdateCard handles PUT /api/v1/cards/{cardID}. Only title and
// description are mutable; the work definition is fixed at creation.
func (h *Handlers) UpdateCard(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")
	var body updateCardRequest
	if !decodeBody(w, r, &body) {
		return
	}

	card, err := h.store.GetCard(r.Context(), cardID)
	if err != nil {
		writeError(w, err)
		return
	}
	if card == nil {
		notFound(w, "card", cardID)
		return
	}
	if body.Title != nil {
		title := strings.TrimSpace(*body.Title)
		if title == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title must not be empty"})
			return
		}
		card.Title = title
	}
	if body.Description != nil {
		card.Description = *body.Description
	}
	if err := h.store.UpdateCard(r.Context(), card); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// DeleteCard handles DELETE /api/v1/cards/{cardID}. Cards with a live
// job are protected.
func (h *Handlers) DeleteCard(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")
	card, err := h.store.GetCard(r.Context(), cardID)
	if err != nil {
		writeError(w, err)
		return
	}
	if card == nil {
		notFound(w, "card", cardID)
		return
	}
	if card.Status == models.CardStatusInProgress {
		writeError(w, common.NewClientInputError("card %s has a running job; cancel it first", cardID))
		return
	}
	if err := h.store.DeleteCard(r.Context(), cardID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// StartCard handles POST /api/v1/cards/{cardID}/start
func (h *Handlers) StartCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.cards.Start(r.Context(), chi.URLParam(r, "cardID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

type approveCardRequest struct {
	Target string `json:"target,omitempty"`
}

// ApproveCard handles POST /api/v1/cards/{cardID}/approve
func (h *Handlers) ApproveCard(w http.ResponseWriter, r *http.Request) {
	var body approveCardRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}

	card, conflict, err := h.cards.Approve(r.Context(), chi.URLParam(r, "cardID"), body.Target)
	if err != nil {
		writeError(w, err)
		return
	}
	if conflict != nil {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"card": card, "conflict": conflict})
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// RejectCard handles POST /api/v1/cards/{cardID}/reject
func (h *Handlers) RejectCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.cards.Reject(r.Context(), chi.URLParam(r, "cardID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

type retryCardRequest struct {
	Auto bool `json:"auto,omitempty"`
}

// RetryCard handles POST /api/v1/cards/{cardID}/retry
func (h *Handlers) RetryCard(w http.ResponseWriter, r *http.Request) {
	var body retryCardRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}

	card, err := h.cards.Retry(r.Context(), chi.URLParam(r, "cardID"), body.Auto)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// --- jobs ---

// GetJob handles GET /api/v1/jobs/{jobID}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		notFound(w, "job", jobID)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type cancelJobRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelJob handles POST /api/v1/jobs/{jobID}/cancel
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var body cancelJobRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}
	reason := body.Reason
	if reason == "" {
		reason = "cancelled by user"
	}

	if err := h.runners.CancelJob(r.Context(), jobID, reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// --- runners ---

// ListRunners handles GET /api/v1/runners
func (h *Handlers) ListRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := h.store.ListRunners(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runners": runners,
		"stats":   h.runners.PoolStats(r.Context()),
	})
}

type scaleRequest struct {
	RunnerType string `json:"runner_type"`
	Count      int    `json:"count"`
}

// ScaleRunners handles POST /api/v1/runners/scale. Runners are external
// processes that connect in; the desired count is advisory and only
// logged for the operator.
func (h *Handlers) ScaleRunners(w http.ResponseWriter, r *http.Request) {
	var body scaleRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Count < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "count must be >= 0"})
		return
	}
	getLog().Info().Str("runner_type", body.RunnerType).Int("count", body.Count).Msg("Runner scale requested")
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":      "advisory",
		"runner_type": body.RunnerType,
		"count":       body.Count,
	})
}

// --- pipelines ---

// ListPipelines handles GET /api/v1/repos/{repoID}/pipelines
func (h *Handlers) ListPipelines(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	pipelines, err := h.store.GetPipelinesByRepo(r.Context(), repoID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipelines)
}

type pipelineRequest struct {
	Name       string                    `json:"name"`
	Steps      models.StepDefinitions    `json:"steps"`
	Triggers   models.TriggerDefinitions `json:"triggers,omitempty"`
	IsTemplate bool                      `json:"is_template,omitempty"`
}

// CreatePipeline handles POST /api/v1/repos/{repoID}/pipelines
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	var body pipelineRequest
	if !decodeBody(w, r, &body) {
		return
	}

	repo, err := h.store.GetRepo(r.Context(), repoID)
	if err != nil {
		writeError(w, err)
		return
	}
	if repo == nil {
		notFound(w, "repo", repoID)
		return
	}

	pipeline := &models.Pipeline{
		ID:         uuid.New().String(),
		RepoID:     repoID,
		Name:       body.Name,
		Steps:      body.Steps,
		Triggers:   body.Triggers,
		IsTemplate: body.IsTemplate,
	}
	if err := pipeline.Validate(); err != nil {
		writeError(w, common.NewClientInputError("invalid pipeline: %v", err))
		return
	}
	if err := h.store.CreatePipeline(r.Context(), pipeline); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pipeline)
}

// GetPipeline handles GET /api/v1/pipelines/{pipelineID}
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineID")
	pipeline, err := h.store.GetPipeline(r.Context(), pipelineID)
	if err != nil {
		writeError(w, err)
		return
	}
	if pipeline == nil {
		notFound(w, "pipeline", pipelineID)
		return
	}
	writeJSON(w, http.StatusOK, pipeline)
}

// UpdatePipeline handles PUT /api/v1/pipelines/{pipelineID}
func (h *Handlers) UpdatePipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineID")
	var body pipelineRequest
	if !decodeBody(w, r, &body) {
		return
	}

	pipeline, err := h.store.GetPipeline(r.Context(), pipelineID)
	if err != nil {
		writeError(w, err)
		return
	}
	if pipeline == nil {
		notFound(w, "pipeline", pipelineID)
		return
	}

	pipeline.Name = body.Name
	pipeline.Steps = body.Steps
	pipeline.Triggers = body.Triggers
	pipeline.IsTemplate = body.IsTemplate
	if err := pipeline.Validate(); err != nil {
		writeError(w, common.NewClientInputError("invalid pipeline: %v", err))
		return
	}
	if err := h.store.UpdatePipeline(r.Context(), pipeline); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipeline)
}

// DeletePipeline handles DELETE /api/v1/pipelines/{pipelineID}
func (h *Handlers) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineID")
	pipeline, err := h.store.GetPipeline(r.Context(), pipelineID)
	if err != nil {
		writeError(w, err)
		return
	}
	if pipeline == nil {
		notFound(w, "pipeline", pipelineID)
		return
	}
	if err := h.store.DeletePipeline(r.Context(), pipelineID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type runPipelineRequest struct {
	Branch    string `json:"branch,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
}

// RunPipeline handles POST /api/v1/pipelines/{pipelineID}/run. Each
// request gets a distinct trigger ref so manual runs never collapse
// into an already-active run.
func (h *Handlers) RunPipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineID")
	var body runPipelineRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}

	run, err := h.engine.StartRun(r.Context(), pipelineID, engine.StartParams{
		TriggerType: models.TriggerTypeManual,
		TriggerRef:  uuid.New().String(),
		Branch:      body.Branch,
		CommitSHA:   body.CommitSHA,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// --- pipeline runs ---

// ListRuns handles GET /api/v1/repos/{repoID}/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	runs, err := h.store.GetPipelineRunsByRepo(r.Context(), repoID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun handles GET /api/v1/pipeline-runs/{runID}, returning the run
// together with its step runs.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := h.store.GetPipelineRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	if run == nil {
		notFound(w, "pipeline run", runID)
		return
	}
	steps, err := h.store.GetStepRunsByRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run": run, "steps": steps})
}

// CancelRun handles POST /api/v1/pipeline-runs/{runID}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := h.engine.CancelRun(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

type debugRerunRequest struct {
	Breakpoints       []int  `json:"breakpoints"`
	UseOriginalCommit bool   `json:"use_original_commit,omitempty"`
	CommitSHA         string `json:"commit_sha,omitempty"`
	Branch            string `json:"branch,omitempty"`
	ExpirySeconds     int    `json:"expiry_seconds,omitempty"`
}

// DebugRerun handles POST /api/v1/pipeline-runs/{runID}/debug-rerun
func (h *Handlers) DebugRerun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var body debugRerunRequest
	if !decodeBody(w, r, &body) {
		return
	}

	rerun, err := h.debug.CreateRerun(r.Context(), runID, debug.RerunParams{
		Breakpoints:       body.Breakpoints,
		UseOriginalCommit: body.UseOriginalCommit,
		CommitSHA:         body.CommitSHA,
		Branch:            body.Branch,
		Expiry:            time.Duration(body.ExpirySeconds) * time.Second,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rerun)
}

// --- debug sessions ---

// GetDebugSession handles GET /api/v1/debug/{sessionID}. The join token
// is never served back.
func (h *Handlers) GetDebugSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.store.GetDebugSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if session == nil {
		notFound(w, "debug session", sessionID)
		return
	}
	session.JoinToken = ""
	writeJSON(w, http.StatusOK, session)
}

// ResumeDebug handles POST /api/v1/debug/{sessionID}/resume
func (h *Handlers) ResumeDebug(w http.ResponseWriter, r *http.Request) {
	if err := h.debug.Resume(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// AbortDebug handles POST /api/v1/debug/{sessionID}/abort
func (h *Handlers) AbortDebug(w http.ResponseWriter, r *http.Request) {
	if err := h.debug.Abort(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

type joinDebugRequest struct {
	Token string `json:"token"`
}

// JoinDebug handles POST /api/v1/debug/{sessionID}/join
func (h *Handlers) JoinDebug(w http.ResponseWriter, r *http.Request) {
	var body joinDebugRequest
	if !decodeBody(w, r, &body) {
		return
	}
	session, err := h.debug.Join(r.Context(), chi.URLParam(r, "sessionID"), body.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	session.JoinToken = ""
	writeJSON(w, http.StatusOK, session)
}

// --- agent files ---

// ListAgentFiles handles GET /api/v1/agent-files
func (h *Handlers) ListAgentFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.store.ListAgentFiles(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

type agentFileRequest struct {
	Name        string `json:"name"`
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
}

// SaveAgentFile handles POST /api/v1/agent-files (upsert by name).
func (h *Handlers) SaveAgentFile(w http.ResponseWriter, r *http.Request) {
	var body agentFileRequest
	if !decodeBody(w, r, &body) {
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	file := &models.AgentFile{
		ID:          uuid.New().String(),
		Name:        body.Name,
		Content:     body.Content,
		Description: body.Description,
	}
	if err := h.store.SaveAgentFile(r.Context(), file); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// GetAgentFile handles GET /api/v1/agent-files/{name}
func (h *Handlers) GetAgentFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	file, err := h.store.GetAgentFile(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	if file == nil {
		notFound(w, "agent file", name)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// DeleteAgentFile handles DELETE /api/v1/agent-files/{name}
func (h *Handlers) DeleteAgentFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	file, err := h.store.GetAgentFile(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	if file == nil {
		notFound(w, "agent file", name)
		return
	}
	if err := h.store.DeleteAgentFile(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- playground ---

type playgroundRequest struct {
	RepoID     string            `json:"repo_id,omitempty"`
	RunnerType string            `json:"runner_type,omitempty"`
	StepKind   models.StepKind   `json:"step_kind"`
	StepConfig models.StepConfig `json:"step_config"`
}

// CreatePlaygroundJob handles POST /api/v1/playground. The resulting
// ephemeral job skips card and pipeline bookkeeping; its outcome is
// only observable on the playground SSE stream.
func (h *Handlers) CreatePlaygroundJob(w http.ResponseWriter, r *http.Request) {
	var body playgroundRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if !body.StepKind.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown step kind: " + string(body.StepKind)})
		return
	}
	if err := body.StepConfig.Validate(body.StepKind); err != nil {
		writeError(w, common.NewClientInputError("invalid step config: %v", err))
		return
	}
	if body.RepoID != "" {
		repo, err := h.store.GetRepo(r.Context(), body.RepoID)
		if err != nil {
			writeError(w, err)
			return
		}
		if repo == nil {
			notFound(w, "repo", body.RepoID)
			return
		}
	}

	runnerType := body.RunnerType
	if runnerType == "" {
		runnerType = queue.AnyRunnerType
	}

	job := &models.Job{
		ID:         uuid.New().String(),
		RepoID:     body.RepoID,
		RunnerType: runnerType,
		Status:     models.JobStatusQueued,
		StepKind:   body.StepKind,
		StepConfig: body.StepConfig,
		Ephemeral:  true,
	}
	if err := h.store.CreateJob(r.Context(), job); err != nil {
		writeError(w, err)
		return
	}
	h.queue.Enqueue(job)

	writeJSON(w, http.StatusCreated, map[string]string{"session": job.ID, "job_id": job.ID})
}
