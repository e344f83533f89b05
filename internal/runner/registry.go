// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package runner maintains the WebSocket sessions with runner processes:
// registration, heartbeats, job dispatch with ack timeouts, log streaming,
// result intake and cancellation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/githost"
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
		l := logger.GetRunnerLogger()
		log = &l
	})
	return log
}

var errFirstMessageNotRegister = errors.New("first message must be register")

// Store is the subset of store operations the registry needs.
type Store interface {
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	UpsertRunner(ctx context.Context, runner *models.Runner) error
	GetRunner(ctx context.Context, runnerID string) (*models.Runner, error)
	ListRunners(ctx context.Context) ([]*models.Runner, error)
	TransitionRunner(ctx context.Context, runnerID string, to models.RunnerStatus, currentJobID string) (*models.Runner, error)
	TouchRunnerHeartbeat(ctx context.Context, runnerID string, at time.Time) error
	AppendJobLogs(ctx context.Context, jobID, chunk string) (int, error)
	CompleteJob(ctx context.Context, jobID string, status models.JobStatus, errMsg, branchName string, testResults *models.TestResults, conflict *models.ConflictRecord) (*models.Job, bool, error)
	GetAgentFile(ctx context.Context, name string) (*models.AgentFile, error)
}

// AssetSource resolves repo-scope agent files from the git host. Repo
// assets shadow platform assets of the same name.
type AssetSource interface {
	ReadAsset(ctx context.Context, repoID, ref, kind, name string) (*githost.RepoAsset, error)
}

// Registry owns all runner sessions and the per-type dispatch loops.
type Registry struct {
	store  Store
	queue  *queue.Queue
	cfg    *config.AppConfig
	assets AssetSource

	upgrader websocket.Upgrader

	mu          sync.RWMutex
	sessions    map[string]*Session
	dispatchers map[string]struct{}
	pendingAcks map[string]*pendingAck
	cancelGrace map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// pendingAck tracks a dispatched job awaiting job_ack.
type pendingAck struct {
	jobID    string
	runnerID string
	timer    *time.Timer
}

func NewRegistry(store Store, q *queue.Queue, cfg *config.AppConfig) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		store:       store,
		queue:       q,
		cfg:         cfg,
		upgrader:    newUpgrader(cfg.Server.AllowedOrigins),
		sessions:    make(map[string]*Session),
		dispatchers: make(map[string]struct{}),
		pendingAcks: make(map[string]*pendingAck),
		cancelGrace: make(map[string]*time.Timer),
		ctx:         ctx,
		cancel:      cancel,
	}

	r.wg.Add(1)
	go r.heartbeatMonitor()
	return r
}

// SetAssetSource wires the git host's .lazyaf/ read path so dispatched
// agent jobs resolve repo-scope agent files first.
func (r *Registry) SetAssetSource(assets AssetSource) {
	r.assets = assets
}

// HandleWS upgrades a runner connection and runs its session lifecycle.
// The first frame must be a register message.
func (r *Registry) HandleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		getLog().Error().Err(err).Msg("Runner WebSocket upgrade failed")
		return
	}

	payload, err := readRegistration(conn)
	if err != nil {
		getLog().Warn().Err(err).Str("remote", req.RemoteAddr).Msg("Runner registration failed")
		conn.Close()
		return
	}
	if strings.TrimSpace(payload.RunnerType) == "" {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "runner_type is required"))
		conn.Close()
		return
	}

	runnerID := payload.RunnerID
	if runnerID == "" {
		runnerID = uuid.New().String()
	}

	session := newSession(conn, runnerID, payload.RunnerType)

	r.mu.Lock()
	if _, connected := r.sessions[runnerID]; connected {
		r.mu.Unlock()
		getLog().Warn().Str("runner_id", runnerID).Msg("Rejecting duplicate runner connection")
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "runner already connected"))
		conn.Close()
		return
	}
	r.sessions[runnerID] = session
	r.mu.Unlock()

	ctx := req.Context()
	if err := r.store.UpsertRunner(ctx, &models.Runner{
		ID:            runnerID,
		RunnerType:    payload.RunnerType,
		Status:        models.RunnerStatusConnecting,
		LastHeartbeat: time.Now(),
	}); err != nil {
		getLog().Error().Err(err).Str("runner_id", runnerID).Msg("Failed to persist runner registration")
		r.removeSession(session)
		conn.Close()
		return
	}
	if _, err := r.store.TransitionRunner(ctx, runnerID, models.RunnerStatusIdle, ""); err != nil {
		getLog().Error().Err(err).Str("runner_id", runnerID).Msg("Failed to mark runner idle")
		r.removeSession(session)
		conn.Close()
		return
	}

	welcome, err := protocol.NewEnvelope(protocol.MsgWelcome, protocol.WelcomePayload{RunnerID: runnerID})
	if err == nil {
		session.Send(welcome)
	}

	session.log.Info().Msg("Runner registered")

	r.ensureDispatcher(payload.RunnerType)
	go session.writePump()
	go session.readPump(r)
}

// handleMessage dispatches one inbound envelope from a session.
func (r *Registry) handleMessage(s *Session, env protocol.Envelope) {
	switch env.Type {
	case protocol.MsgHeartbeat:
		r.handleHeartbeat(s)
	case protocol.MsgJobAck:
		var p protocol.JobAckPayload
		if err := env.Decode(&p); err != nil {
			s.log.Warn().Err(err).Msg("Bad job_ack payload")
			return
		}
		r.handleAck(s, p)
	case protocol.MsgLogAppend:
		var p protocol.LogAppendPayload
		if err := env.Decode(&p); err != nil {
			s.log.Warn().Err(err).Msg("Bad log_append payload")
			return
		}
		r.handleLogAppend(s, p)
	case protocol.MsgJobResult:
		var p protocol.JobResultPayload
		if err := env.Decode(&p); err != nil {
			s.log.Warn().Err(err).Msg("Bad job_result payload")
			return
		}
		r.handleResult(s, p)
	case protocol.MsgRegister:
		s.log.Warn().Msg("Duplicate register on established session, ignoring")
	default:
		s.log.Warn().Str("type", env.Type).Msg("Unknown runner message type")
	}
}

func (r *Registry) handleHeartbeat(s *Session) {
	if err := r.store.TouchRunnerHeartbeat(r.ctx, s.runnerID, time.Now()); err != nil {
		s.log.Error().Err(err).Msg("Failed to record heartbeat")
	}
}

func (r *Registry) handleAck(s *Session, p protocol.JobAckPayload) {
	r.mu.Lock()
	pending, ok := r.pendingAcks[p.JobID]
	if ok {
		pending.timer.Stop()
		delete(r.pendingAcks, p.JobID)
	}
	r.mu.Unlock()

	if !ok {
		s.log.Warn().Str("job_id", p.JobID).Msg("Ack for job with no pending dispatch, ignoring")
		return
	}

	if p.Accepted {
		r.queue.Forget(p.JobID)
		if _, err := r.store.TransitionRunner(r.ctx, s.runnerID, models.RunnerStatusBusy, p.JobID); err != nil {
			s.log.Error().Err(err).Str("job_id", p.JobID).Msg("Failed to mark runner busy")
		}
		s.log.Debug().Str("job_id", p.JobID).Msg("Job accepted")
		return
	}

	s.log.Info().Str("job_id", p.JobID).Str("reason", p.Reason).Msg("Job rejected, releasing")
	r.releaseDispatch(p.JobID, s.runnerID)
}

func (r *Registry) handleLogAppend(s *Session, p protocol.LogAppendPayload) {
	if _, err := r.store.AppendJobLogs(r.ctx, p.JobID, p.Chunk); err != nil {
		s.log.Error().Err(err).Str("job_id", p.JobID).Msg("Failed to persist log chunk")
	}
}

func (r *Registry) handleResult(s *Session, p protocol.JobResultPayload) {
	status, err := parseResultStatus(p.Status)
	if err != nil {
		s.log.Warn().Str("job_id", p.JobID).Str("status", p.Status).Msg("Unknown job result status, ignoring")
		return
	}

	r.mu.Lock()
	if timer, ok := r.cancelGrace[p.JobID]; ok {
		timer.Stop()
		delete(r.cancelGrace, p.JobID)
	}
	r.mu.Unlock()

	_, applied, err := r.store.CompleteJob(r.ctx, p.JobID, status, p.Error, p.BranchName, p.TestResults, nil)
	if err != nil {
		s.log.Error().Err(err).Str("job_id", p.JobID).Msg("Failed to record job result")
		return
	}
	if !applied {
		return
	}

	if _, err := r.store.TransitionRunner(r.ctx, s.runnerID, models.RunnerStatusIdle, ""); err != nil {
		s.log.Error().Err(err).Msg("Failed to return runner to idle")
	}
	s.log.Info().Str("job_id", p.JobID).Str("status", p.Status).Msg("Job result recorded")
}

func parseResultStatus(status string) (models.JobStatus, error) {
	switch status {
	case models.JobStatusCompleted.String():
		return models.JobStatusCompleted, nil
	case models.JobStatusFailed.String():
		return models.JobStatusFailed, nil
	default:
		return 0, fmt.Errorf("not a terminal job status: %s", status)
	}
}

// ============================================================================
// Dispatch
// ============================================================================

// ensureDispatcher starts the dispatch loop for a runner type once.
func (r *Registry) ensureDispatcher(runnerType string) {
	r.mu.Lock()
	if _, running := r.dispatchers[runnerType]; running {
		r.mu.Unlock()
		return
	}
	r.dispatchers[runnerType] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go r.dispatchLoop(runnerType)
}

func (r *Registry) dispatchLoop(runnerType string) {
	defer r.wg.Done()

	tick := r.cfg.Queue.DispatchTick
	if tick <= 0 {
		tick = time.Second
	}
	wake := r.queue.Wakeup("dispatch-" + runnerType)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	defer r.queue.DropWakeup("dispatch-" + runnerType)

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
		r.dispatchOnce(runnerType)
	}
}

// dispatchOnce assigns queued work to idle runners of one type until
// either side runs dry. Oldest idle runner first, FIFO tie-break on
// last_heartbeat.
func (r *Registry) dispatchOnce(runnerType string) {
	for {
		runnerID := r.oldestIdleRunner(runnerType)
		if runnerID == "" {
			return
		}

		job, err := r.queue.Claim(r.ctx, runnerType, runnerID)
		if err != nil {
			getLog().Error().Err(err).Str("runner_type", runnerType).Msg("Claim failed")
			return
		}
		if job == nil {
			return
		}

		r.sendDispatch(job, runnerID)
	}
}

// oldestIdleRunner picks the connected idle runner of a type that has
// waited the longest.
func (r *Registry) oldestIdleRunner(runnerType string) string {
	runners, err := r.store.ListRunners(r.ctx)
	if err != nil {
		getLog().Error().Err(err).Msg("Failed to list runners for dispatch")
		return ""
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	idle := lo.Filter(runners, func(rn *models.Runner, _ int) bool {
		if rn.Status != models.RunnerStatusIdle || rn.RunnerType != runnerType {
			return false
		}
		_, connected := r.sessions[rn.ID]
		return connected
	})
	if len(idle) == 0 {
		return ""
	}

	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastHeartbeat.Before(idle[j].LastHeartbeat)
	})
	return idle[0].ID
}

// sendDispatch ships a claimed job to a runner and arms the ack timeout.
func (r *Registry) sendDispatch(job *models.Job, runnerID string) {
	r.mu.RLock()
	session := r.sessions[runnerID]
	r.mu.RUnlock()

	if session == nil {
		getLog().Warn().Str("runner_id", runnerID).Str("job_id", job.ID).Msg("Runner gone before dispatch, releasing")
		r.releaseDispatch(job.ID, runnerID)
		return
	}

	payload, err := r.buildRunJobPayload(job)
	if err != nil {
		getLog().Error().Err(err).Str("job_id", job.ID).Msg("Failed to build dispatch payload, releasing")
		r.releaseDispatch(job.ID, runnerID)
		return
	}

	env, err := protocol.NewEnvelope(protocol.MsgRunJob, payload)
	if err != nil {
		r.releaseDispatch(job.ID, runnerID)
		return
	}

	ackTimeout := r.cfg.Queue.AckTimeout
	pending := &pendingAck{jobID: job.ID, runnerID: runnerID}
	pending.timer = time.AfterFunc(ackTimeout, func() {
		r.mu.Lock()
		_, still := r.pendingAcks[job.ID]
		delete(r.pendingAcks, job.ID)
		r.mu.Unlock()
		if still {
			session.log.Warn().Str("job_id", job.ID).Msg("Ack timeout, releasing job")
			r.releaseDispatch(job.ID, runnerID)
		}
	})

	r.mu.Lock()
	r.pendingAcks[job.ID] = pending
	r.mu.Unlock()

	if !session.Send(env) {
		pending.timer.Stop()
		r.mu.Lock()
		delete(r.pendingAcks, job.ID)
		r.mu.Unlock()
		r.releaseDispatch(job.ID, runnerID)
		return
	}

	session.log.Info().Str("job_id", job.ID).Msg("Job dispatched")
}

// releaseDispatch undoes a claim: job back to the queue, runner to idle.
func (r *Registry) releaseDispatch(jobID, runnerID string) {
	if err := r.queue.Release(r.ctx, jobID); err != nil {
		getLog().Error().Err(err).Str("job_id", jobID).Msg("Failed to release job")
	}
	if _, err := r.store.TransitionRunner(r.ctx, runnerID, models.RunnerStatusIdle, ""); err != nil {
		getLog().Error().Err(err).Str("runner_id", runnerID).Msg("Failed to return runner to idle")
	}
}

// buildRunJobPayload snapshots everything a runner needs to execute a job.
func (r *Registry) buildRunJobPayload(job *models.Job) (protocol.RunJobPayload, error) {
	payload := protocol.RunJobPayload{
		JobID:        job.ID,
		RepoCloneURL: r.CloneURL(job.RepoID),
		StepKind:     job.StepKind,
		StepConfig:   job.StepConfig,
		Continuation: job.Continuation,
		BranchName:   job.BranchName,
	}

	if job.Deadline != nil {
		payload.Deadline = *job.Deadline
	} else {
		payload.Deadline = time.Now().Add(r.cfg.Engine.StepTimeout)
	}

	if job.StepKind == models.StepKindAgent && job.StepConfig.Agent != nil {
		payload.Prompt = job.StepConfig.Agent.Prompt
		for _, name := range job.StepConfig.Agent.AgentFiles {
			if snapshot := r.repoAgentFile(job, name); snapshot != nil {
				payload.AgentFiles = append(payload.AgentFiles, *snapshot)
				continue
			}
			file, err := r.store.GetAgentFile(r.ctx, name)
			if err != nil {
				return payload, err
			}
			if file == nil {
				getLog().Warn().Str("job_id", job.ID).Str("agent_file", name).Msg("Agent file missing, dispatching without it")
				continue
			}
			payload.AgentFiles = append(payload.AgentFiles, protocol.AgentFileSnapshot{
				Name:    file.Name,
				Content: file.Content,
			})
		}
	}

	return payload, nil
}

// repoAgentFile resolves .lazyaf/agents/<name> at the job's branch tip.
// Returns nil when the repo defines no such asset; the platform asset is
// the fallback.
func (r *Registry) repoAgentFile(job *models.Job, name string) *protocol.AgentFileSnapshot {
	if r.assets == nil || job.RepoID == "" {
		return nil
	}
	asset, err := r.assets.ReadAsset(r.ctx, job.RepoID, job.BranchName, githost.AssetKindAgents, name)
	if err != nil {
		getLog().Warn().Err(err).Str("job_id", job.ID).Str("agent_file", name).Msg("Repo agent file read failed, falling back to platform asset")
		return nil
	}
	if asset == nil {
		return nil
	}
	return &protocol.AgentFileSnapshot{Name: name, Content: asset.Content}
}

// CloneURL returns the internal smart-HTTP URL runners fetch from.
func (r *Registry) CloneURL(repoID string) string {
	return strings.TrimRight(r.cfg.Server.BaseURL, "/") + "/git/" + repoID + ".git"
}

// ============================================================================
// Cancellation, liveness, shutdown
// ============================================================================

// CancelJob asks the runner executing a job to stop it. After the grace
// period the job is failed regardless. An unreachable runner fails the
// job immediately and is marked disconnected.
func (r *Registry) CancelJob(ctx context.Context, jobID, reason string) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if job.Status.Terminal() {
		return nil
	}
	if job.Status == models.JobStatusQueued {
		r.queue.Remove(jobID)
		_, _, err := r.store.CompleteJob(ctx, jobID, models.JobStatusFailed, "cancelled", "", nil, nil)
		return err
	}

	r.mu.RLock()
	session := r.sessions[job.RunnerID]
	r.mu.RUnlock()

	env, envErr := protocol.NewEnvelope(protocol.MsgCancelJob, protocol.CancelJobPayload{JobID: jobID, Reason: reason})
	if session == nil || envErr != nil || !session.Send(env) {
		getLog().Warn().Str("job_id", jobID).Str("runner_id", job.RunnerID).Msg("Runner unreachable, failing job immediately")
		if _, _, err := r.store.CompleteJob(ctx, jobID, models.JobStatusFailed, "cancelled", "", nil, nil); err != nil {
			return err
		}
		if job.RunnerID != "" {
			_, _ = r.store.TransitionRunner(ctx, job.RunnerID, models.RunnerStatusDisconnected, "")
		}
		return nil
	}

	grace := r.cfg.Engine.CancelGrace
	timer := time.AfterFunc(grace, func() {
		r.mu.Lock()
		delete(r.cancelGrace, jobID)
		r.mu.Unlock()

		_, applied, err := r.store.CompleteJob(r.ctx, jobID, models.JobStatusFailed, "cancelled", "", nil, nil)
		if err != nil {
			getLog().Error().Err(err).Str("job_id", jobID).Msg("Failed to fail job after cancel grace")
			return
		}
		if applied {
			getLog().Warn().Str("job_id", jobID).Msg("Cancel grace expired, job failed")
			_, _ = r.store.TransitionRunner(r.ctx, job.RunnerID, models.RunnerStatusIdle, "")
		}
	})

	r.mu.Lock()
	if old, ok := r.cancelGrace[jobID]; ok {
		old.Stop()
	}
	r.cancelGrace[jobID] = timer
	r.mu.Unlock()
	return nil
}

// RunnerAvailable reports whether a runner is connected and idle. Used
// for continuation pinning before a dispatch is committed.
func (r *Registry) RunnerAvailable(ctx context.Context, runnerID string) bool {
	r.mu.RLock()
	_, connected := r.sessions[runnerID]
	r.mu.RUnlock()
	if !connected {
		return false
	}

	runner, err := r.store.GetRunner(ctx, runnerID)
	if err != nil || runner == nil {
		return false
	}
	return runner.Status == models.RunnerStatusIdle
}

// PoolStats summarizes the runner pool and queue for UI clients.
func (r *Registry) PoolStats(ctx context.Context) protocol.PoolStatsEvent {
	r.mu.RLock()
	connected := len(r.sessions)
	r.mu.RUnlock()

	stats := protocol.PoolStatsEvent{
		Metadata:   protocol.Metadata{Version: protocol.CurrentProtocolVersion},
		Connected:  connected,
		QueuedJobs: r.queue.Depth(queue.AnyRunnerType),
	}

	runners, err := r.store.ListRunners(ctx)
	if err != nil {
		return stats
	}
	for _, rn := range runners {
		switch rn.Status {
		case models.RunnerStatusIdle:
			stats.Idle++
		case models.RunnerStatusBusy, models.RunnerStatusAssigned:
			stats.Busy++
		}
	}
	return stats
}

// heartbeatMonitor marks runners dead after 3 missed heartbeats and
// fails the job of a dead busy runner.
func (r *Registry) heartbeatMonitor() {
	defer r.wg.Done()

	interval := r.cfg.Queue.HeartbeatInterval
	deadAfter := time.Duration(r.cfg.Queue.DeadFactor) * interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweepDeadRunners(deadAfter)
		}
	}
}

func (r *Registry) sweepDeadRunners(deadAfter time.Duration) {
	runners, err := r.store.ListRunners(r.ctx)
	if err != nil {
		getLog().Error().Err(err).Msg("Failed to list runners for liveness sweep")
		return
	}

	now := time.Now()
	for _, rn := range runners {
		switch rn.Status {
		case models.RunnerStatusIdle, models.RunnerStatusAssigned, models.RunnerStatusBusy:
		default:
			continue
		}
		if now.Sub(rn.LastHeartbeat) <= deadAfter {
			continue
		}

		getLog().Warn().
			Str("runner_id", rn.ID).
			Time("last_heartbeat", rn.LastHeartbeat).
			Msg("Runner missed heartbeats, marking dead")

		if _, err := r.store.TransitionRunner(r.ctx, rn.ID, models.RunnerStatusDead, rn.CurrentJobID); err != nil {
			getLog().Error().Err(err).Str("runner_id", rn.ID).Msg("Failed to mark runner dead")
			continue
		}

		if rn.CurrentJobID != "" {
			if _, applied, err := r.store.CompleteJob(r.ctx, rn.CurrentJobID, models.JobStatusFailed, "runner lost", "", nil, nil); err != nil {
				getLog().Error().Err(err).Str("job_id", rn.CurrentJobID).Msg("Failed to fail job of dead runner")
			} else if applied {
				getLog().Warn().Str("job_id", rn.CurrentJobID).Str("runner_id", rn.ID).Msg("Job failed, runner lost")
			}
		}

		r.mu.RLock()
		session := r.sessions[rn.ID]
		r.mu.RUnlock()
		if session != nil {
			session.close()
		} else {
			_, _ = r.store.TransitionRunner(r.ctx, rn.ID, models.RunnerStatusDisconnected, "")
		}
	}
}

// onSessionClosed tears down a runner's server-side state after its
// socket drops.
func (r *Registry) onSessionClosed(s *Session) {
	r.removeSession(s)

	runner, err := r.store.GetRunner(r.ctx, s.runnerID)
	if err != nil || runner == nil {
		return
	}
	if runner.Status == models.RunnerStatusDisconnected {
		return
	}

	if runner.CurrentJobID != "" {
		if _, applied, err := r.store.CompleteJob(r.ctx, runner.CurrentJobID, models.JobStatusFailed, "runner lost", "", nil, nil); err != nil {
			s.log.Error().Err(err).Str("job_id", runner.CurrentJobID).Msg("Failed to fail job of disconnected runner")
		} else if applied {
			s.log.Warn().Str("job_id", runner.CurrentJobID).Msg("Job failed, runner lost")
		}
	}

	// Release any un-acked dispatch still pointed at this runner.
	r.mu.Lock()
	var orphaned []string
	for jobID, pending := range r.pendingAcks {
		if pending.runnerID == s.runnerID {
			pending.timer.Stop()
			delete(r.pendingAcks, jobID)
			orphaned = append(orphaned, jobID)
		}
	}
	r.mu.Unlock()
	for _, jobID := range orphaned {
		if err := r.queue.Release(r.ctx, jobID); err != nil {
			s.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to release un-acked job")
		}
	}

	if _, err := r.store.TransitionRunner(r.ctx, s.runnerID, models.RunnerStatusDisconnected, ""); err != nil {
		s.log.Error().Err(err).Msg("Failed to mark runner disconnected")
	}
	s.log.Info().Msg("Runner disconnected")
}

func (r *Registry) removeSession(s *Session) {
	r.mu.Lock()
	if current, ok := r.sessions[s.runnerID]; ok && current == s {
		delete(r.sessions, s.runnerID)
	}
	r.mu.Unlock()
}

// Shutdown broadcasts an orderly stop to all runners and halts the
// dispatch and liveness loops.
func (r *Registry) Shutdown(ctx context.Context) {
	env, err := protocol.NewEnvelope(protocol.MsgShutdown, protocol.ShutdownPayload{Reason: "server stopping"})
	if err == nil {
		r.mu.RLock()
		for _, session := range r.sessions {
			session.Send(env)
		}
		r.mu.RUnlock()
	}

	// Give the shutdown frames a moment to flush.
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}

	r.cancel()

	r.mu.Lock()
	for _, session := range r.sessions {
		session.close()
	}
	r.mu.Unlock()

	r.wg.Wait()
}
