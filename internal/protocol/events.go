// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Here lies the typed event union published on the internal bus.
// Every successful store mutation emits exactly one of these after commit;
// the broadcast gateway, the pipeline engine and the trigger service are
// the primary subscribers.
package protocol

import (
	"github.com/lazyaf/lazyaf/internal/store/models"
)

// EventKind names an event type on the bus. Kinds double as bus topics:
// subscribers filter on them.
type EventKind string

const (
	EventCardChanged     EventKind = "card_changed"
	EventJobChanged      EventKind = "job_changed"
	EventRunnerChanged   EventKind = "runner_changed"
	EventStepChanged     EventKind = "step_changed"
	EventRunChanged      EventKind = "run_changed"
	EventPushReceived    EventKind = "push_received"
	EventDebugBreakpoint EventKind = "debug_breakpoint"
	EventDebugResume     EventKind = "debug_resume"
	EventPoolStats       EventKind = "pool_stats"
	EventError           EventKind = "error"
)

// Kinded is implemented by every event in this package; the bus derives
// topics from it so every publish site is compile-checked.
type Kinded interface {
	Kind() EventKind
}

// KindOf returns the bus topic for an event, or "" for foreign events.
func KindOf(e Event) EventKind {
	if k, ok := e.(Kinded); ok {
		return k.Kind()
	}
	return ""
}

// GetIdempotencyKey extracts the idempotency key from any event
func GetIdempotencyKey(event Event) string {
	return event.GetMetadata().IdempotencyKey
}

// CardChangedEvent is published after a card row changes.
type CardChangedEvent struct {
	Metadata
	RepoID    string
	CardID    string
	NewStatus models.CardStatus
	// Card is populated for creations and status transitions
	Card *models.Card
}

func (e CardChangedEvent) GetMetadata() Metadata { return e.Metadata }
func (e CardChangedEvent) Kind() EventKind       { return EventCardChanged }

// JobChangedEvent is published after a job row changes. LogDelta carries
// the appended chunk when the change was a log append, so subscribers can
// tail without re-reading the full log.
type JobChangedEvent struct {
	Metadata
	RepoID        string
	JobID         string
	CardID        string
	StepRunID     string
	PipelineRunID string
	NewStatus     models.JobStatus
	LogDelta      string
	LogSeq        int
	Job           *models.Job
}

func (e JobChangedEvent) GetMetadata() Metadata { return e.Metadata }
func (e JobChangedEvent) Kind() EventKind       { return EventJobChanged }

// RunnerChangedEvent is published after a runner row changes.
type RunnerChangedEvent struct {
	Metadata
	RunnerID     string
	RunnerType   string
	NewStatus    models.RunnerStatus
	CurrentJobID string
}

func (e RunnerChangedEvent) GetMetadata() Metadata { return e.Metadata }
func (e RunnerChangedEvent) Kind() EventKind       { return EventRunnerChanged }

// StepChangedEvent is published after a step run changes.
type StepChangedEvent struct {
	Metadata
	RepoID        string
	PipelineRunID string
	StepRunID     string
	StepIndex     int
	NewStatus     models.RunStatus
}

func (e StepChangedEvent) GetMetadata() Metadata { return e.Metadata }
func (e StepChangedEvent) Kind() EventKind       { return EventStepChanged }

// RunChangedEvent is published after a pipeline run changes.
type RunChangedEvent struct {
	Metadata
	RepoID     string
	PipelineID string
	RunID      string
	NewStatus  models.RunStatus
	Run        *models.PipelineRun
}

func (e RunChangedEvent) GetMetadata() Metadata { return e.Metadata }
func (e RunChangedEvent) Kind() EventKind       { return EventRunChanged }

// PushReceivedEvent is one accepted ref update on the git plane.
type PushReceivedEvent struct {
	Metadata
	RepoID string
	Ref    string
	OldSHA string
	NewSHA string
}

func (e PushReceivedEvent) GetMetadata() Metadata { return e.Metadata }
func (e PushReceivedEvent) Kind() EventKind       { return EventPushReceived }

// DebugBreakpointEvent is published when the engine parks a run before a
// breakpointed step.
type DebugBreakpointEvent struct {
	Metadata
	RepoID    string
	RunID     string
	SessionID string
	StepIndex int
}

func (e DebugBreakpointEvent) GetMetadata() Metadata { return e.Metadata }
func (e DebugBreakpointEvent) Kind() EventKind       { return EventDebugBreakpoint }

// DebugResumeEvent is published when a parked run is resumed.
type DebugResumeEvent struct {
	Metadata
	RunID     string
	SessionID string
	StepIndex int
}

func (e DebugResumeEvent) GetMetadata() Metadata { return e.Metadata }
func (e DebugResumeEvent) Kind() EventKind       { return EventDebugResume }

// PoolStatsEvent summarizes the runner pool for UI clients.
type PoolStatsEvent struct {
	Metadata
	Connected  int
	Idle       int
	Busy       int
	QueuedJobs int
}

func (e PoolStatsEvent) GetMetadata() Metadata { return e.Metadata }
func (e PoolStatsEvent) Kind() EventKind       { return EventPoolStats }

// ErrorEvent surfaces a recoverable failure to subscribers.
type ErrorEvent struct {
	Metadata
	Message string
	Context string
	JobID   string // Optional - identifies which job the error is related to
}

func (e ErrorEvent) GetMetadata() Metadata { return e.Metadata }
func (e ErrorEvent) Kind() EventKind       { return EventError }

// Helper constructors for common events

// NewCardChangedEvent creates a CardChanged event with full card data
func NewCardChangedEvent(card *models.Card) CardChangedEvent {
	return CardChangedEvent{
		Metadata:  Metadata{RepoID: card.RepoID, Version: CurrentProtocolVersion},
		RepoID:    card.RepoID,
		CardID:    card.ID,
		NewStatus: card.Status,
		Card:      card,
	}
}

// NewJobChangedEvent creates a JobChanged event with full job data
func NewJobChangedEvent(job *models.Job) JobChangedEvent {
	return JobChangedEvent{
		Metadata:      Metadata{RepoID: job.RepoID, Version: CurrentProtocolVersion},
		RepoID:        job.RepoID,
		JobID:         job.ID,
		CardID:        job.CardID,
		StepRunID:     job.StepRunID,
		PipelineRunID: job.PipelineRunID,
		NewStatus:     job.Status,
		Job:           job,
	}
}

// NewJobLogEvent creates a JobChanged event carrying only an appended chunk
func NewJobLogEvent(job *models.Job, chunk string, seq int) JobChangedEvent {
	e := NewJobChangedEvent(job)
	e.LogDelta = chunk
	e.LogSeq = seq
	return e
}

// NewRunnerChangedEvent creates a RunnerChanged event
func NewRunnerChangedEvent(runner *models.Runner) RunnerChangedEvent {
	return RunnerChangedEvent{
		Metadata:     Metadata{Version: CurrentProtocolVersion},
		RunnerID:     runner.ID,
		RunnerType:   runner.RunnerType,
		NewStatus:    runner.Status,
		CurrentJobID: runner.CurrentJobID,
	}
}

// NewStepChangedEvent creates a StepChanged event
func NewStepChangedEvent(repoID string, step *models.StepRun) StepChangedEvent {
	return StepChangedEvent{
		Metadata:      Metadata{RepoID: repoID, Version: CurrentProtocolVersion},
		RepoID:        repoID,
		PipelineRunID: step.PipelineRunID,
		StepRunID:     step.ID,
		StepIndex:     step.StepIndex,
		NewStatus:     step.Status,
	}
}

// NewRunChangedEvent creates a RunChanged event with full run data
func NewRunChangedEvent(run *models.PipelineRun) RunChangedEvent {
	return RunChangedEvent{
		Metadata:   Metadata{RepoID: run.RepoID, Version: CurrentProtocolVersion},
		RepoID:     run.RepoID,
		PipelineID: run.PipelineID,
		RunID:      run.ID,
		NewStatus:  run.Status,
		Run:        run,
	}
}

// NewPushReceivedEvent creates a PushReceived event for one accepted ref update
func NewPushReceivedEvent(repoID, ref, oldSHA, newSHA string) PushReceivedEvent {
	return PushReceivedEvent{
		Metadata: Metadata{RepoID: repoID, Version: CurrentProtocolVersion},
		RepoID:   repoID,
		Ref:      ref,
		OldSHA:   oldSHA,
		NewSHA:   newSHA,
	}
}
