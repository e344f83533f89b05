// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lazyaf/lazyaf/internal/bus"
	"github.com/lazyaf/lazyaf/internal/protocol"
	"github.com/lazyaf/lazyaf/internal/queue"
	"github.com/lazyaf/lazyaf/internal/store/models"
)

// cancelFlushGrace is added on top of the configured cancel grace when
// waiting for a timed-out job's terminal event to arrive.
const cancelFlushGrace = 2 * time.Second

// runTask drives one pipeline run from its current step index to a
// terminal status. It is the only writer of the run's progress fields
// while alive.
type runTask struct {
	engine   *Engine
	runID    string
	repoID   string
	pipeline *models.Pipeline

	ctx    context.Context
	cancel context.CancelFunc

	// resume is signalled when a debug session releases a breakpoint.
	resume chan struct{}
}

// stepOutcome is the digested result of one executed step.
type stepOutcome struct {
	passed  bool
	job     *models.Job
	failure string
}

func (t *runTask) run() {
	run, err := t.engine.store.GetPipelineRun(t.ctx, t.runID)
	if err != nil || run == nil {
		getLog().Error().Err(err).Str("run_id", t.runID).Msg("Run task could not load its run")
		return
	}
	if run.Status.Terminal() {
		return
	}
	if run.Status == models.RunStatusPending {
		if run, err = t.engine.store.TransitionRun(t.ctx, t.runID, models.RunStatusRunning, ""); err != nil {
			getLog().Error().Err(err).Str("run_id", t.runID).Msg("Failed to mark run running")
			return
		}
	}

	// The whole run is bounded by the sum of its step timeouts with
	// headroom, so a wedged step cannot hold the branch forever.
	capTimer := time.NewTimer(t.runCap())
	defer capTimer.Stop()

	for i := run.CurrentStepIndex; i < len(t.pipeline.Steps); i++ {
		step := t.pipeline.Steps[i]

		if parked := t.parkAtBreakpoint(run, i, capTimer); parked != nil {
			t.finish(parked.status, parked.message)
			return
		}

		outcome := t.executeStep(run, step, i, capTimer)
		if t.ctx.Err() != nil {
			t.finish(models.RunStatusCancelled, "cancelled")
			return
		}

		// Every settled step counts, passed or failed, so the counter
		// stays equal to the number of terminal step runs.
		completed := run.StepsCompleted + 1
		updated, err := t.engine.store.AdvanceRunStep(t.ctx, t.runID, i+1, completed)
		if err != nil {
			getLog().Error().Err(err).Str("run_id", t.runID).Msg("Failed to advance run step")
			t.finish(models.RunStatusFailed, "internal error advancing run")
			return
		}
		run = updated

		verb := step.OnSuccess
		if verb == "" {
			verb = models.VerbNext
		}
		if !outcome.passed {
			verb = step.OnFailure
			if verb == "" {
				verb = models.VerbStop
			}
		}

		done, status, msg := t.applyVerb(run, step, i, verb, outcome)
		if done {
			t.finish(status, msg)
			return
		}

		t.maybeSnapshot(i + 1)
	}

	t.finish(models.RunStatusPassed, "")
}

// runCap is the overall wall-clock bound for the task.
func (t *runTask) runCap() time.Duration {
	var total time.Duration
	for _, step := range t.pipeline.Steps {
		total += t.stepTimeout(step)
	}
	factor := t.engine.cfg.Engine.RunCapFactor
	if factor < 1.0 {
		factor = 1.0
	}
	return time.Duration(float64(total) * factor)
}

func (t *runTask) stepTimeout(step models.StepDefinition) time.Duration {
	if step.TimeoutSeconds > 0 {
		return time.Duration(step.TimeoutSeconds) * time.Second
	}
	return t.engine.cfg.Engine.StepTimeout
}

type parkResult struct {
	status  models.RunStatus
	message string
}

// parkAtBreakpoint blocks before a breakpointed step until the debug
// session resumes the run. Returns non-nil when the run must terminate
// instead of executing the step.
func (t *runTask) parkAtBreakpoint(run *models.PipelineRun, stepIndex int, capTimer *time.Timer) *parkResult {
	if run.DebugSessionID == "" {
		return nil
	}
	session, err := t.engine.store.GetDebugSession(t.ctx, run.DebugSessionID)
	if err != nil || session == nil {
		getLog().Warn().Err(err).
			Str("run_id", t.runID).
			Str("session_id", run.DebugSessionID).
			Msg("Debug session missing, continuing without breakpoints")
		return nil
	}
	if session.Status == models.DebugSessionEnded || session.Status == models.DebugSessionTimeout {
		return nil
	}
	if !session.Breakpoints.Contains(stepIndex) {
		return nil
	}

	session.Status = models.DebugSessionWaitingAtBP
	session.CurrentStepIndex = stepIndex
	if err := t.engine.store.UpdateDebugSession(t.ctx, session); err != nil {
		getLog().Error().Err(err).Str("session_id", session.ID).Msg("Failed to park debug session")
	}
	t.engine.bus.Publish(protocol.DebugBreakpointEvent{
		Metadata:  protocol.Metadata{RepoID: t.repoID, Version: protocol.CurrentProtocolVersion},
		RepoID:    t.repoID,
		RunID:     t.runID,
		SessionID: session.ID,
		StepIndex: stepIndex,
	})
	getLog().Info().
		Str("run_id", t.runID).
		Str("session_id", session.ID).
		Int("step_index", stepIndex).
		Msg("Run parked at breakpoint")

	expiry := time.NewTimer(time.Until(session.ExpiresAt))
	defer expiry.Stop()

	select {
	case <-t.resume:
		return nil
	case <-expiry.C:
		return &parkResult{models.RunStatusCancelled, "debug session expired at breakpoint"}
	case <-capTimer.C:
		return &parkResult{models.RunStatusFailed, "run exceeded its overall time cap"}
	case <-t.ctx.Done():
		return &parkResult{models.RunStatusCancelled, "cancelled"}
	}
}

// executeStep materializes the step's job, dispatches it through the
// queue, and waits for a terminal result.
func (t *runTask) executeStep(run *models.PipelineRun, step models.StepDefinition, stepIndex int, capTimer *time.Timer) stepOutcome {
	stepRun := t.stepRunAt(stepIndex)
	if stepRun == nil {
		return t.failStep(nil, stepIndex, "step run row missing")
	}

	var pinnedRunner string
	if step.ContinueInContext {
		prev := t.previousJob(stepIndex)
		if prev == nil || prev.RunnerID == "" {
			return t.failStep(stepRun, stepIndex, "no previous step runner to continue on")
		}
		if !t.engine.runners.RunnerAvailable(t.ctx, prev.RunnerID) {
			return t.failStep(stepRun, stepIndex, fmt.Sprintf("continuation runner %s unavailable", prev.RunnerID))
		}
		pinnedRunner = prev.RunnerID
	}

	runnerType := step.RunnerType
	if runnerType == "" {
		runnerType = queue.AnyRunnerType
	}
	deadline := time.Now().Add(t.stepTimeout(step))
	job := &models.Job{
		ID:             uuid.New().String(),
		RepoID:         t.repoID,
		RunnerType:     runnerType,
		Status:         models.JobStatusQueued,
		StepKind:       step.Kind,
		StepConfig:     step.Config,
		StepRunID:      stepRun.ID,
		PipelineRunID:  t.runID,
		Continuation:   step.ContinueInContext,
		PinnedRunnerID: pinnedRunner,
		BranchName:     run.BranchName,
		Deadline:       &deadline,
	}
	if err := t.engine.store.CreateJob(t.ctx, job); err != nil {
		return t.failStep(stepRun, stepIndex, fmt.Sprintf("failed to create step job: %v", err))
	}

	stepRun.JobID = job.ID
	if err := t.engine.store.UpdateStepRun(t.ctx, stepRun); err != nil {
		getLog().Error().Err(err).Str("step_run_id", stepRun.ID).Msg("Failed to record step job id")
	}
	if _, err := t.engine.store.TransitionStepRun(t.ctx, stepRun.ID, models.RunStatusRunning, ""); err != nil {
		getLog().Error().Err(err).Str("step_run_id", stepRun.ID).Msg("Failed to mark step running")
	}

	// Subscribe before enqueueing so the terminal event cannot slip past.
	sub := t.engine.bus.Subscribe(protocol.EventJobChanged)
	defer sub.Close()

	t.engine.queue.Enqueue(job)

	final := t.awaitJob(sub, job.ID, deadline, capTimer)
	if final == nil {
		if t.ctx.Err() != nil {
			return stepOutcome{passed: false, failure: "cancelled"}
		}
		// Timed out or the cap fired; the cancel path marks the job failed.
		final = t.reloadJob(job.ID)
	}

	return t.settleStep(stepRun, stepIndex, final)
}

// awaitJob consumes job events until the job reaches a terminal status.
// On the step deadline it asks the registry to cancel and keeps waiting
// a short grace for the terminal event.
func (t *runTask) awaitJob(sub *bus.Subscription, jobID string, deadline time.Time, capTimer *time.Timer) *models.Job {
	stepTimer := time.NewTimer(time.Until(deadline))
	defer stepTimer.Stop()

	cancelled := false
	var graceCh <-chan time.Time

	cancelAndWait := func(reason string) {
		if cancelled {
			return
		}
		cancelled = true
		if err := t.engine.runners.CancelJob(t.ctx, jobID, reason); err != nil {
			getLog().Warn().Err(err).Str("job_id", jobID).Msg("Failed to cancel step job")
		}
		grace := time.NewTimer(t.engine.cfg.Engine.CancelGrace + cancelFlushGrace)
		graceCh = grace.C
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return t.reloadJob(jobID)
			}
			jc, isJob := ev.(protocol.JobChangedEvent)
			if !isJob || jc.JobID != jobID || jc.LogDelta != "" {
				continue
			}
			if jc.NewStatus.Terminal() {
				return jc.Job
			}
		case <-stepTimer.C:
			cancelAndWait("step timeout")
		case <-capTimer.C:
			cancelAndWait("run exceeded its overall time cap")
		case <-graceCh:
			return t.reloadJob(jobID)
		case <-t.ctx.Done():
			if err := t.engine.runners.CancelJob(context.Background(), jobID, "run cancelled"); err != nil {
				getLog().Warn().Err(err).Str("job_id", jobID).Msg("Failed to cancel step job")
			}
			return nil
		}
	}
}

func (t *runTask) reloadJob(jobID string) *models.Job {
	job, err := t.engine.store.GetJob(context.Background(), jobID)
	if err != nil {
		getLog().Error().Err(err).Str("job_id", jobID).Msg("Failed to reload step job")
		return nil
	}
	return job
}

// settleStep records a finished job against its step run and commits the
// step's context log.
func (t *runTask) settleStep(stepRun *models.StepRun, stepIndex int, job *models.Job) stepOutcome {
	if job == nil {
		return t.failStep(stepRun, stepIndex, "step job vanished")
	}

	passed := job.Status == models.JobStatusCompleted && job.TestResults.AllPassed()
	failure := job.Error
	if !passed && failure == "" {
		if job.Status == models.JobStatusCompleted {
			failure = "tests failed"
		} else {
			failure = "step job failed"
		}
	}

	status := models.RunStatusPassed
	errMsg := ""
	if !passed {
		status = models.RunStatusFailed
		errMsg = failure
	}
	settled, err := t.engine.store.TransitionStepRun(t.ctx, stepRun.ID, status, errMsg)
	if err != nil {
		getLog().Error().Err(err).Str("step_run_id", stepRun.ID).Msg("Failed to settle step run")
	} else {
		// Carry the transitioned row forward so the log update below does
		// not write the pre-dispatch status back over the settled one.
		stepRun = settled
	}
	if job.Logs != "" {
		stepRun.Logs = job.Logs
		stepRun.JobID = job.ID
		if err := t.engine.store.UpdateStepRun(t.ctx, stepRun); err != nil {
			getLog().Error().Err(err).Str("step_run_id", stepRun.ID).Msg("Failed to copy step logs")
		}
	}

	t.commitContext(stepIndex, job)

	return stepOutcome{passed: passed, job: job, failure: errMsg}
}

// failStep settles a step that never produced a usable job.
func (t *runTask) failStep(stepRun *models.StepRun, stepIndex int, reason string) stepOutcome {
	getLog().Warn().
		Str("run_id", t.runID).
		Int("step_index", stepIndex).
		Str("reason", reason).
		Msg("Step failed before dispatch")
	if stepRun != nil {
		if _, err := t.engine.store.TransitionStepRun(t.ctx, stepRun.ID, models.RunStatusFailed, reason); err != nil {
			getLog().Error().Err(err).Str("step_run_id", stepRun.ID).Msg("Failed to settle step run")
		}
	}
	return stepOutcome{passed: false, failure: reason}
}

// commitContext appends the step's log and refreshed run metadata to the
// context directory on the working branch. Context failures are logged
// but never fail the run.
func (t *runTask) commitContext(stepIndex int, job *models.Job) {
	run, err := t.engine.store.GetPipelineRun(t.ctx, t.runID)
	if err != nil || run == nil {
		return
	}

	dir := t.engine.cfg.Engine.ContextDir
	if dir == "" {
		dir = ".lazyaf-context"
	}
	step := t.pipeline.Steps[stepIndex]

	meta := map[string]any{
		"run_id":          t.runID,
		"pipeline_id":     run.PipelineID,
		"steps_total":     run.StepsTotal,
		"steps_completed": stepIndex + 1,
		"base_commit":     run.BaseCommitSHA,
		"step_logs":       t.stepLogIndex(stepIndex),
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return
	}

	files := map[string]string{
		dir + "/" + models.ContextLogName(step, stepIndex): job.Logs,
		dir + "/metadata.json":                             string(metaJSON) + "\n",
	}
	msg := fmt.Sprintf("lazyaf: context for step %d (%s)", stepIndex, step.Name)
	if _, err := t.engine.git.CommitFiles(t.ctx, t.repoID, run.BranchName, msg, files); err != nil {
		getLog().Warn().Err(err).
			Str("run_id", t.runID).
			Int("step_index", stepIndex).
			Msg("Failed to commit step context")
	}
}

// stepLogIndex maps executed step ids to their context log names.
func (t *runTask) stepLogIndex(through int) map[string]string {
	index := make(map[string]string, through+1)
	for i := 0; i <= through && i < len(t.pipeline.Steps); i++ {
		step := t.pipeline.Steps[i]
		key := step.StepID
		if key == "" {
			key = fmt.Sprintf("step_%03d", i)
		}
		index[key] = models.ContextLogName(step, i)
	}
	return index
}

// applyVerb interprets the routing verb for a settled step. It returns
// done=true with the run's terminal status when the run must stop here.
func (t *runTask) applyVerb(run *models.PipelineRun, step models.StepDefinition, stepIndex int, verb string, outcome stepOutcome) (done bool, status models.RunStatus, msg string) {
	switch {
	case verb == models.VerbNext:
		if stepIndex == len(t.pipeline.Steps)-1 {
			if outcome.passed {
				return true, models.RunStatusPassed, ""
			}
			return true, models.RunStatusFailed, outcome.failure
		}
		return false, 0, ""

	case verb == models.VerbStop:
		if outcome.passed {
			return true, models.RunStatusPassed, ""
		}
		return true, models.RunStatusFailed, outcome.failure

	case strings.HasPrefix(verb, models.VerbTriggerPipeline):
		pipelineID := strings.TrimPrefix(verb, models.VerbTriggerPipeline)
		// The child inherits the triggering run's context, with the
		// parent markers layered on top.
		childCtx := models.TriggerContext{}
		for k, v := range run.TriggerContext {
			childCtx[k] = v
		}
		childCtx["parent_run_id"] = t.runID
		childCtx["parent_step"] = step.StepID
		if _, err := t.engine.StartRun(t.ctx, pipelineID, StartParams{
			TriggerType:    models.TriggerTypeManual,
			TriggerRef:     t.runID,
			TriggerContext: childCtx,
		}); err != nil {
			getLog().Warn().Err(err).
				Str("run_id", t.runID).
				Str("target_pipeline", pipelineID).
				Msg("Chained pipeline start failed")
		}
		return t.applyVerb(run, step, stepIndex, models.VerbNext, outcome)

	case strings.HasPrefix(verb, models.VerbTriggerPrefix):
		cardID := strings.TrimPrefix(verb, models.VerbTriggerPrefix)
		if _, err := t.engine.cards.Start(t.ctx, cardID); err != nil {
			getLog().Warn().Err(err).
				Str("run_id", t.runID).
				Str("card_id", cardID).
				Msg("Triggered card start failed")
		}
		return t.applyVerb(run, step, stepIndex, models.VerbNext, outcome)

	case strings.HasPrefix(verb, models.VerbMergePrefix):
		target := strings.TrimPrefix(verb, models.VerbMergePrefix)
		mergeStatus, mergeMsg := t.mergeRun(run, target)
		return true, mergeStatus, mergeMsg

	default:
		getLog().Error().
			Str("run_id", t.runID).
			Str("verb", verb).
			Msg("Unknown routing verb, stopping run")
		if outcome.passed {
			return true, models.RunStatusPassed, ""
		}
		return true, models.RunStatusFailed, outcome.failure
	}
}

// mergeRun strips the context directory from the working branch and
// merges it into target.
func (t *runTask) mergeRun(run *models.PipelineRun, target string) (models.RunStatus, string) {
	dir := t.engine.cfg.Engine.ContextDir
	if dir == "" {
		dir = ".lazyaf-context"
	}
	if _, err := t.engine.git.RemoveTree(t.ctx, t.repoID, run.BranchName, "lazyaf: strip run context before merge", dir); err != nil {
		getLog().Warn().Err(err).Str("run_id", t.runID).Msg("Failed to strip run context before merge")
	}

	sha, conflict, err := t.engine.git.Merge(t.ctx, t.repoID, run.BranchName, target)
	if err != nil {
		return models.RunStatusFailed, fmt.Sprintf("merge into %s failed: %v", target, err)
	}
	if conflict != nil {
		return models.RunStatusFailed, fmt.Sprintf("merge into %s conflicted in %d file(s)", target, len(conflict.Files))
	}

	getLog().Info().
		Str("run_id", t.runID).
		Str("target", target).
		Str("merge_commit", sha).
		Msg("Run branch merged")
	return models.RunStatusPassed, ""
}

// maybeSnapshot archives the repo when the upcoming step continues in
// context, so the workspace can be reconstructed if the pinned runner is
// lost mid-run.
func (t *runTask) maybeSnapshot(nextIndex int) {
	if t.engine.snapshot == nil || nextIndex >= len(t.pipeline.Steps) {
		return
	}
	if !t.pipeline.Steps[nextIndex].ContinueInContext {
		return
	}
	if err := t.engine.snapshot.ArchiveRepo(t.repoID, t.engine.snapshotPath(t.runID)); err != nil {
		getLog().Warn().Err(err).Str("run_id", t.runID).Msg("Failed to snapshot repo for continuation")
	}
}

func (t *runTask) stepRunAt(stepIndex int) *models.StepRun {
	stepRuns, err := t.engine.store.GetStepRunsByRun(t.ctx, t.runID)
	if err != nil {
		getLog().Error().Err(err).Str("run_id", t.runID).Msg("Failed to load step runs")
		return nil
	}
	for _, sr := range stepRuns {
		if sr.StepIndex == stepIndex {
			return sr
		}
	}
	return nil
}

// previousJob returns the job of the most recent earlier step that ran one.
func (t *runTask) previousJob(stepIndex int) *models.Job {
	stepRuns, err := t.engine.store.GetStepRunsByRun(t.ctx, t.runID)
	if err != nil {
		return nil
	}
	for i := stepIndex - 1; i >= 0; i-- {
		for _, sr := range stepRuns {
			if sr.StepIndex == i && sr.JobID != "" {
				job, err := t.engine.store.GetJob(t.ctx, sr.JobID)
				if err == nil && job != nil {
					return job
				}
			}
		}
	}
	return nil
}

// finish records the run's terminal status and closes out any attached
// debug session. Uses a background context so cancellation still commits
// its terminal state.
func (t *runTask) finish(status models.RunStatus, errMsg string) {
	ctx := context.Background()

	run, err := t.engine.store.TransitionRun(ctx, t.runID, status, errMsg)
	if err != nil {
		getLog().Error().Err(err).
			Str("run_id", t.runID).
			Str("status", status.String()).
			Msg("Failed to record run terminal status")
		return
	}

	if run.DebugSessionID != "" {
		if session, err := t.engine.store.GetDebugSession(ctx, run.DebugSessionID); err == nil && session != nil {
			if session.Status != models.DebugSessionEnded && session.Status != models.DebugSessionTimeout {
				session.Status = models.DebugSessionEnded
				if err := t.engine.store.UpdateDebugSession(ctx, session); err != nil {
					getLog().Warn().Err(err).Str("session_id", session.ID).Msg("Failed to close debug session")
				}
			}
		}
	}

	getLog().Info().
		Str("run_id", t.runID).
		Str("status", status.String()).
		Str("error", errMsg).
		Msg("Pipeline run finished")
}
