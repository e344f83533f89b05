// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package models defines the persistent entities of the orchestrator
// and the value objects stored in their JSON columns.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CardStatus represents the kanban status of a card
type CardStatus int

const (
	CardStatusTodo CardStatus = iota
	CardStatusInProgress
	CardStatusInReview
	CardStatusDone
	CardStatusFailed
)

// String returns the string representation of CardStatus
func (s CardStatus) String() string {
	switch s {
	case CardStatusTodo:
		return "todo"
	case CardStatusInProgress:
		return "in_progress"
	case CardStatusInReview:
		return "in_review"
	case CardStatusDone:
		return "done"
	case CardStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// JobStatus represents the status of a dispatchable job
type JobStatus int

const (
	JobStatusQueued JobStatus = iota
	JobStatusRunning
	JobStatusCompleted
	JobStatusFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobStatusQueued:
		return "queued"
	case JobStatusRunning:
		return "running"
	case JobStatusCompleted:
		return "completed"
	case JobStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status admits no further transition.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// RunnerStatus represents the liveness state of a runner row.
// The row may outlive its socket; status reflects session + heartbeat.
type RunnerStatus int

const (
	RunnerStatusDisconnected RunnerStatus = iota
	RunnerStatusConnecting
	RunnerStatusIdle
	RunnerStatusAssigned
	RunnerStatusBusy
	RunnerStatusDead
)

func (s RunnerStatus) String() string {
	switch s {
	case RunnerStatusDisconnected:
		return "disconnected"
	case RunnerStatusConnecting:
		return "connecting"
	case RunnerStatusIdle:
		return "idle"
	case RunnerStatusAssigned:
		return "assigned"
	case RunnerStatusBusy:
		return "busy"
	case RunnerStatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// StepKind classifies how a job executes inside a runner workspace.
type StepKind string

const (
	StepKindAgent     StepKind = "agent"
	StepKindScript    StepKind = "script"
	StepKindContainer StepKind = "container"
)

// Valid reports whether the kind is one of the known variants.
func (k StepKind) Valid() bool {
	return k == StepKindAgent || k == StepKindScript || k == StepKindContainer
}

// AgentStepConfig configures an agent step.
type AgentStepConfig struct {
	Prompt     string   `json:"prompt"`
	AgentFiles []string `json:"agent_files,omitempty"`
}

// ScriptStepConfig configures a script step.
type ScriptStepConfig struct {
	Command string `json:"command"`
	Workdir string `json:"workdir,omitempty"`
}

// ContainerStepConfig configures a container step.
type ContainerStepConfig struct {
	Image   string            `json:"image"`
	Command string            `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Volumes []string          `json:"volumes,omitempty"`
}

// StepConfig is the tagged variant carried by cards, jobs and pipeline
// steps. Exactly one member matching the step kind must be set.
type StepConfig struct {
	Agent     *AgentStepConfig     `json:"agent,omitempty"`
	Script    *ScriptStepConfig    `json:"script,omitempty"`
	Container *ContainerStepConfig `json:"container,omitempty"`
}

// Validate checks that the config matches the declared kind.
func (c StepConfig) Validate(kind StepKind) error {
	switch kind {
	case StepKindAgent:
		if c.Agent == nil {
			return errors.New("agent step requires agent config")
		}
	case StepKindScript:
		if c.Script == nil {
			return errors.New("script step requires script config")
		}
		if c.Script.Command == "" {
			return errors.New("script step requires a command")
		}
	case StepKindContainer:
		if c.Container == nil {
			return errors.New("container step requires container config")
		}
		if c.Container.Image == "" {
			return errors.New("container step requires an image")
		}
	default:
		return fmt.Errorf("unknown step kind: %s", kind)
	}
	return nil
}

// Scan implements the sql.Scanner interface
func (c *StepConfig) Scan(value any) error {
	if value == nil {
		*c = StepConfig{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return errors.New("cannot scan StepConfig from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (c StepConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// TestResults is the test-result sub-record reported by a runner.
type TestResults struct {
	Total  int    `json:"total"`
	Passed int    `json:"passed"`
	Failed int    `json:"failed"`
	Output string `json:"output,omitempty"`
}

// AllPassed reports whether every test passed or none ran. Any
// recorded failure fails the result even when the total is absent.
func (tr *TestResults) AllPassed() bool {
	return tr == nil || tr.Failed == 0
}

func (tr *TestResults) Scan(value any) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, tr)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), tr)
	default:
		return errors.New("cannot scan TestResults from non-string/[]byte value")
	}
}

func (tr TestResults) Value() (driver.Value, error) {
	return json.Marshal(tr)
}

// ConflictFile describes one conflicting path from a merge or rebase.
type ConflictFile struct {
	Path   string `json:"path"`
	Base   string `json:"base"`
	Ours   string `json:"ours"`
	Theirs string `json:"theirs"`
}

// ConflictRecord is the structured outcome of a conflicting merge or
// rebase. It is returned to callers and attached to jobs; it never
// accompanies a state mutation.
type ConflictRecord struct {
	Source string         `json:"source"`
	Target string         `json:"target"`
	Files  []ConflictFile `json:"files"`
}

func (cr *ConflictRecord) Scan(value any) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, cr)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), cr)
	default:
		return errors.New("cannot scan ConflictRecord from non-string/[]byte value")
	}
}

func (cr ConflictRecord) Value() (driver.Value, error) {
	return json.Marshal(cr)
}

// Repo represents an ingested repository.
type Repo struct {
	ID            string    `gorm:"primaryKey;type:text" json:"id"`
	Name          string    `gorm:"not null;type:text;uniqueIndex" json:"name"`
	DefaultBranch string    `gorm:"not null;type:text" json:"default_branch"`
	Ingested      bool      `gorm:"not null;default:false" json:"ingested"`
	CloneURL      string    `gorm:"type:text" json:"clone_url"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Cards     []Card     `gorm:"foreignKey:RepoID;constraint:OnDelete:CASCADE" json:"cards,omitempty"`
	Pipelines []Pipeline `gorm:"foreignKey:RepoID;constraint:OnDelete:CASCADE" json:"pipelines,omitempty"`
}

// TableName returns the table name for Repo
func (Repo) TableName() string {
	return "repos"
}

// Card represents a user-visible unit of work against a repo.
type Card struct {
	ID          string     `gorm:"primaryKey;type:text" json:"id"`
	RepoID      string     `gorm:"not null;type:text;index" json:"repo_id"`
	Title       string     `gorm:"not null;type:text" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	Status      CardStatus `gorm:"not null;default:0" json:"status"`

	RunnerType string     `gorm:"type:text" json:"runner_type"`
	StepKind   StepKind   `gorm:"type:text" json:"step_kind"`
	StepConfig StepConfig `gorm:"type:text" json:"step_config"`

	// Set once a job produces output; never cleared afterwards.
	BranchName   string `gorm:"type:text" json:"branch_name"`
	CurrentJobID string `gorm:"type:text" json:"current_job_id"`

	// Populated when the card was spawned by a pipeline step.
	PipelineRunID string `gorm:"type:text;index" json:"pipeline_run_id,omitempty"`
	StepIndex     *int   `gorm:"type:integer" json:"step_index,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Jobs []Job `gorm:"foreignKey:CardID;constraint:OnDelete:CASCADE" json:"jobs,omitempty"`
}

// TableName returns the table name for Card
func (Card) TableName() string {
	return "cards"
}

// Job represents one concrete dispatchable execution. Step kind and config
// are copied from the card at start so later edits do not mutate running
// jobs.
type Job struct {
	ID         string    `gorm:"primaryKey;type:text" json:"id"`
	CardID     string    `gorm:"type:text;index" json:"card_id,omitempty"`
	RepoID     string    `gorm:"type:text;index" json:"repo_id"`
	RunnerType string    `gorm:"not null;type:text" json:"runner_type"`
	Status     JobStatus `gorm:"not null;default:0" json:"status"`

	StepKind   StepKind   `gorm:"type:text" json:"step_kind"`
	StepConfig StepConfig `gorm:"type:text" json:"step_config"`

	// Populated when the job was materialized by a pipeline step.
	StepRunID     string `gorm:"type:text;index" json:"step_run_id,omitempty"`
	PipelineRunID string `gorm:"type:text;index" json:"pipeline_run_id,omitempty"`

	// Continuation asks the runner to reuse the previous step's workspace;
	// PinnedRunnerID restricts dispatch to that runner.
	Continuation   bool   `gorm:"not null;default:false" json:"continuation"`
	PinnedRunnerID string `gorm:"type:text" json:"pinned_runner_id,omitempty"`

	// Ephemeral jobs (playground) skip card and pipeline updates on
	// terminal transitions; their result is surfaced over SSE only.
	Ephemeral bool `gorm:"not null;default:false" json:"ephemeral"`

	// Priority is reserved for expansion; a single tier is active.
	Priority int `gorm:"not null;default:0" json:"priority"`

	RunnerID   string `gorm:"type:text;index" json:"runner_id,omitempty"`
	BranchName string `gorm:"type:text" json:"branch_name,omitempty"`

	Logs        string          `gorm:"type:text" json:"logs"`
	LogSeq      int             `gorm:"not null;default:0" json:"log_seq"`
	Error       string          `gorm:"type:text" json:"error,omitempty"`
	TestResults *TestResults    `gorm:"type:text" json:"test_results,omitempty"`
	Conflict    *ConflictRecord `gorm:"type:text" json:"conflict,omitempty"`

	Deadline    *time.Time `gorm:"type:timestamp" json:"deadline,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	StartedAt   *time.Time `gorm:"type:timestamp" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"type:timestamp" json:"completed_at,omitempty"`
}

// TableName returns the table name for Job
func (Job) TableName() string {
	return "jobs"
}

// Runner represents a registered runner process.
type Runner struct {
	ID            string       `gorm:"primaryKey;type:text" json:"id"`
	RunnerType    string       `gorm:"not null;type:text;index" json:"runner_type"`
	Status        RunnerStatus `gorm:"not null;default:0" json:"status"`
	CurrentJobID  string       `gorm:"type:text" json:"current_job_id,omitempty"`
	LastHeartbeat time.Time    `gorm:"type:timestamp" json:"last_heartbeat"`
	RegisteredAt  time.Time    `gorm:"autoCreateTime" json:"registered_at"`
	UpdatedAt     time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Runner
func (Runner) TableName() string {
	return "runners"
}

// AgentFile is a platform-scoped prompt template. Repo-scoped agents are
// read live from the repo's .lazyaf/ tree and are not entities.
type AgentFile struct {
	ID          string    `gorm:"primaryKey;type:text" json:"id"`
	Name        string    `gorm:"not null;type:text;uniqueIndex" json:"name"`
	Content     string    `gorm:"type:text" json:"content"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for AgentFile
func (AgentFile) TableName() string {
	return "agent_files"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (r *Repo) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	return nil
}

// BeforeUpdate is a GORM hook that runs before updating a record
func (r *Repo) BeforeUpdate(tx *gorm.DB) error {
	r.UpdatedAt = time.Now()
	return nil
}

// BeforeCreate is a GORM hook that runs before creating a record
func (c *Card) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	return nil
}

// BeforeUpdate is a GORM hook that runs before updating a record
func (c *Card) BeforeUpdate(tx *gorm.DB) error {
	c.UpdatedAt = time.Now()
	return nil
}

// BeforeCreate is a GORM hook that runs before creating a record
func (j *Job) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = now
	}
	return nil
}

// BeforeUpdate is a GORM hook that runs before updating a record
func (j *Job) BeforeUpdate(tx *gorm.DB) error {
	j.UpdatedAt = time.Now()
	return nil
}

// ValidCardTransition reports whether a card may move between the two
// statuses along the card graph.
func ValidCardTransition(from, to CardStatus) bool {
	switch from {
	case CardStatusTodo:
		return to == CardStatusInProgress
	case CardStatusInProgress:
		return to == CardStatusInReview || to == CardStatusDone || to == CardStatusFailed
	case CardStatusInReview:
		return to == CardStatusDone || to == CardStatusTodo || to == CardStatusFailed
	case CardStatusDone:
		return false
	case CardStatusFailed:
		return to == CardStatusTodo
	default:
		return false
	}
}
