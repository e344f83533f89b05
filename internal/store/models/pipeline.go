// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunStatus is the status alphabet shared by pipeline runs and step runs.
type RunStatus int

const (
	RunStatusPending RunStatus = iota
	RunStatusRunning
	RunStatusPassed
	RunStatusFailed
	RunStatusCancelled
)

func (s RunStatus) String() string {
	switch s {
	case RunStatusPending:
		return "pending"
	case RunStatusRunning:
		return "running"
	case RunStatusPassed:
		return "passed"
	case RunStatusFailed:
		return "failed"
	case RunStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status admits no further transition.
func (s RunStatus) Terminal() bool {
	return s == RunStatusPassed || s == RunStatusFailed || s == RunStatusCancelled
}

// Routing verbs interpreted against a completed step's result.
const (
	VerbNext            = "next"
	VerbStop            = "stop"
	VerbTriggerPrefix   = "trigger:"
	VerbTriggerPipeline = "trigger:pipeline:"
	VerbMergePrefix     = "merge:"
)

// ValidRoutingVerb reports whether the verb is well-formed.
func ValidRoutingVerb(verb string) bool {
	if verb == "" || verb == VerbNext || verb == VerbStop {
		return true
	}
	if strings.HasPrefix(verb, VerbTriggerPipeline) {
		return len(verb) > len(VerbTriggerPipeline)
	}
	if strings.HasPrefix(verb, VerbTriggerPrefix) {
		return len(verb) > len(VerbTriggerPrefix)
	}
	if strings.HasPrefix(verb, VerbMergePrefix) {
		return len(verb) > len(VerbMergePrefix)
	}
	return false
}

// StepDefinition defines a single step in a pipeline. StepID is an
// optional stable identifier used to name context-directory logs across
// reruns; Name is the human-readable label.
type StepDefinition struct {
	StepID     string     `json:"step_id,omitempty"`
	Name       string     `json:"name"`
	Kind       StepKind   `json:"kind"`
	Config     StepConfig `json:"config"`
	RunnerType string     `json:"runner_type,omitempty"` // empty means "any"

	// ContinueInContext reuses the previous step's workspace; the
	// dispatch is pinned to the runner that executed it.
	ContinueInContext bool `json:"continue_in_context,omitempty"`

	OnSuccess string `json:"on_success,omitempty"` // default "next"
	OnFailure string `json:"on_failure,omitempty"` // default "stop"

	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Validate checks a step definition at pipeline save time.
func (sd StepDefinition) Validate() error {
	if sd.Name == "" {
		return errors.New("step name is required")
	}
	if !sd.Kind.Valid() {
		return fmt.Errorf("step %q: unknown kind %q", sd.Name, sd.Kind)
	}
	if err := sd.Config.Validate(sd.Kind); err != nil {
		return fmt.Errorf("step %q: %w", sd.Name, err)
	}
	if !ValidRoutingVerb(sd.OnSuccess) {
		return fmt.Errorf("step %q: invalid on_success verb %q", sd.Name, sd.OnSuccess)
	}
	if !ValidRoutingVerb(sd.OnFailure) {
		return fmt.Errorf("step %q: invalid on_failure verb %q", sd.Name, sd.OnFailure)
	}
	if sd.TimeoutSeconds < 0 {
		return fmt.Errorf("step %q: negative timeout", sd.Name)
	}
	return nil
}

// StepDefinitions is a JSON-serializable slice of StepDefinition
type StepDefinitions []StepDefinition

func (sd *StepDefinitions) Scan(value any) error {
	if value == nil {
		*sd = []StepDefinition{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, sd)
	case string:
		return json.Unmarshal([]byte(v), sd)
	default:
		return errors.New("cannot scan StepDefinitions from non-string/[]byte value")
	}
}

func (sd StepDefinitions) Value() (driver.Value, error) {
	if len(sd) == 0 {
		return "[]", nil
	}
	return json.Marshal(sd)
}

// Trigger types and terminal actions.
const (
	TriggerTypeCardComplete = "card_complete"
	TriggerTypePush         = "push"
	TriggerTypeManual       = "manual"

	OnPassMerge   = "merge"
	OnPassNothing = "nothing"
	OnFailFail    = "fail"
	OnFailReject  = "reject"
	OnFailNothing = "nothing"
)

// TriggerDefinition maps an external event to a pipeline start.
type TriggerDefinition struct {
	Type string `json:"type"`

	// CardStatus is the status a card must enter to match a
	// card_complete trigger: "in_review" or "done".
	CardStatus string `json:"card_status,omitempty"`

	// Branches are shell-style globs matched against pushed refs.
	Branches []string `json:"branches,omitempty"`

	OnPass string `json:"on_pass,omitempty"` // "merge", "merge:<branch>", "nothing"
	OnFail string `json:"on_fail,omitempty"` // "fail", "reject", "nothing"
}

// Validate checks a trigger definition at pipeline save time.
func (td TriggerDefinition) Validate() error {
	switch td.Type {
	case TriggerTypeCardComplete:
		if td.CardStatus != "in_review" && td.CardStatus != "done" {
			return fmt.Errorf("card_complete trigger requires card_status in_review or done, got %q", td.CardStatus)
		}
	case TriggerTypePush:
		if len(td.Branches) == 0 {
			return errors.New("push trigger requires at least one branch glob")
		}
	default:
		return fmt.Errorf("unknown trigger type: %q", td.Type)
	}
	if td.OnPass != "" && td.OnPass != OnPassMerge && td.OnPass != OnPassNothing &&
		!strings.HasPrefix(td.OnPass, VerbMergePrefix) {
		return fmt.Errorf("invalid on_pass action: %q", td.OnPass)
	}
	if td.OnFail != "" && td.OnFail != OnFailFail && td.OnFail != OnFailReject && td.OnFail != OnFailNothing {
		return fmt.Errorf("invalid on_fail action: %q", td.OnFail)
	}
	return nil
}

// TriggerDefinitions is a JSON-serializable slice of TriggerDefinition
type TriggerDefinitions []TriggerDefinition

func (td *TriggerDefinitions) Scan(value any) error {
	if value == nil {
		*td = []TriggerDefinition{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, td)
	case string:
		return json.Unmarshal([]byte(v), td)
	default:
		return errors.New("cannot scan TriggerDefinitions from non-string/[]byte value")
	}
}

func (td TriggerDefinitions) Value() (driver.Value, error) {
	if len(td) == 0 {
		return "[]", nil
	}
	return json.Marshal(td)
}

// Pipeline represents a stored definition of ordered steps and triggers.
type Pipeline struct {
	ID         string             `gorm:"primaryKey;type:text" json:"id"`
	RepoID     string             `gorm:"type:text;index" json:"repo_id"`
	Name       string             `gorm:"not null;type:text" json:"name"`
	Steps      StepDefinitions    `gorm:"type:text" json:"steps"`
	Triggers   TriggerDefinitions `gorm:"type:text" json:"triggers"`
	IsTemplate bool               `gorm:"not null;default:false" json:"is_template"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Pipeline) TableName() string {
	return "pipelines"
}

// Validate checks the whole definition at save time.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return errors.New("pipeline name is required")
	}
	if len(p.Steps) == 0 {
		return errors.New("pipeline requires at least one step")
	}
	for i, step := range p.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		if step.ContinueInContext && i == 0 {
			return errors.New("steps[0]: continue_in_context requires a previous step")
		}
	}
	for i, trig := range p.Triggers {
		if err := trig.Validate(); err != nil {
			return fmt.Errorf("triggers[%d]: %w", i, err)
		}
	}
	return nil
}

// TriggerContext carries the trigger payload into a run.
type TriggerContext map[string]string

func (tc *TriggerContext) Scan(value any) error {
	if value == nil {
		*tc = TriggerContext{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, tc)
	case string:
		return json.Unmarshal([]byte(v), tc)
	default:
		return errors.New("cannot scan TriggerContext from non-string/[]byte value")
	}
}

func (tc TriggerContext) Value() (driver.Value, error) {
	if len(tc) == 0 {
		return "{}", nil
	}
	return json.Marshal(tc)
}

// PipelineRun represents a specific execution of a pipeline.
type PipelineRun struct {
	ID         string    `gorm:"primaryKey;type:text" json:"id"`
	PipelineID string    `gorm:"type:text;index;not null" json:"pipeline_id"`
	RepoID     string    `gorm:"type:text;index" json:"repo_id"`
	Status     RunStatus `gorm:"not null;default:0" json:"status"`

	TriggerType    string         `gorm:"type:text" json:"trigger_type"`
	TriggerRef     string         `gorm:"type:text" json:"trigger_ref"`
	TriggerContext TriggerContext `gorm:"type:text" json:"trigger_context"`

	CurrentStepIndex int `gorm:"not null;default:0" json:"current_step_index"`
	StepsTotal       int `gorm:"not null;default:0" json:"steps_total"`
	StepsCompleted   int `gorm:"not null;default:0" json:"steps_completed"`

	// BranchName is the working branch the run's steps push to.
	BranchName    string `gorm:"type:text" json:"branch_name"`
	BaseCommitSHA string `gorm:"type:text" json:"base_commit_sha"`

	DebugSessionID string `gorm:"type:text" json:"debug_session_id,omitempty"`

	// IdentityHash covers all inputs affecting the run's output; used
	// for idempotent starts.
	IdentityHash string `gorm:"type:text;index" json:"identity_hash"`

	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`

	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	StartedAt   *time.Time `gorm:"type:timestamp" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"type:timestamp" json:"completed_at,omitempty"`

	// Relations
	StepRuns []StepRun `gorm:"foreignKey:PipelineRunID;constraint:OnDelete:CASCADE" json:"step_runs,omitempty"`
}

func (PipelineRun) TableName() string {
	return "pipeline_runs"
}

// StepRun represents the execution of one step within a run.
type StepRun struct {
	ID            string    `gorm:"primaryKey;type:text" json:"id"`
	PipelineRunID string    `gorm:"type:text;index;not null" json:"pipeline_run_id"`
	StepIndex     int       `gorm:"type:integer;not null" json:"step_index"`
	StepID        string    `gorm:"type:text" json:"step_id,omitempty"`
	StepName      string    `gorm:"type:text" json:"step_name"`
	Status        RunStatus `gorm:"not null;default:0" json:"status"`

	JobID string `gorm:"type:text;index" json:"job_id,omitempty"`

	Logs         string `gorm:"type:text" json:"logs"`
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`

	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	StartedAt   *time.Time `gorm:"type:timestamp" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"type:timestamp" json:"completed_at,omitempty"`
}

func (StepRun) TableName() string {
	return "step_runs"
}

// DebugSessionStatus tracks the lifecycle of a debug session.
type DebugSessionStatus int

const (
	DebugSessionPending DebugSessionStatus = iota
	DebugSessionWaitingAtBP
	DebugSessionConnected
	DebugSessionTimeout
	DebugSessionEnded
)

func (s DebugSessionStatus) String() string {
	switch s {
	case DebugSessionPending:
		return "pending"
	case DebugSessionWaitingAtBP:
		return "waiting_at_bp"
	case DebugSessionConnected:
		return "connected"
	case DebugSessionTimeout:
		return "timeout"
	case DebugSessionEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Breakpoints is the set of step indices a debug session pauses before.
type Breakpoints []int

func (b *Breakpoints) Scan(value any) error {
	if value == nil {
		*b = Breakpoints{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, b)
	case string:
		return json.Unmarshal([]byte(v), b)
	default:
		return errors.New("cannot scan Breakpoints from non-string/[]byte value")
	}
}

func (b Breakpoints) Value() (driver.Value, error) {
	if len(b) == 0 {
		return "[]", nil
	}
	return json.Marshal(b)
}

// Contains reports whether the step index is in the breakpoint set.
func (b Breakpoints) Contains(idx int) bool {
	for _, v := range b {
		if v == idx {
			return true
		}
	}
	return false
}

// DebugSession wraps a planned pipeline run with breakpoints. It
// references but does not own its run.
type DebugSession struct {
	ID            string             `gorm:"primaryKey;type:text" json:"id"`
	PipelineRunID string             `gorm:"type:text;index;not null" json:"pipeline_run_id"`
	Breakpoints   Breakpoints        `gorm:"type:text" json:"breakpoints"`
	Status        DebugSessionStatus `gorm:"not null;default:0" json:"status"`

	CurrentStepIndex int       `gorm:"not null;default:0" json:"current_step_index"`
	ExpiresAt        time.Time `gorm:"type:timestamp;not null" json:"expires_at"`

	// JoinToken is single-use; presenting it is the only path by which
	// an external client may attach to the breakpoint step's log stream.
	JoinToken     string `gorm:"type:text;uniqueIndex" json:"-"`
	JoinTokenUsed bool   `gorm:"not null;default:false" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (DebugSession) TableName() string {
	return "debug_sessions"
}

// ComputeRunIdentityHash computes a hash of all inputs that affect a run's
// output. Used for idempotent run starts: identical inputs map to the same
// hash and an existing non-terminal run is reused instead of started twice.
func ComputeRunIdentityHash(
	pipelineID string,
	steps []StepDefinition,
	triggerType, triggerRef string,
	baseCommitSHA string,
) string {
	data := struct {
		PipelineID  string           `json:"pipeline_id"`
		Steps       []StepDefinition `json:"steps"`
		TriggerType string           `json:"trigger_type"`
		TriggerRef  string           `json:"trigger_ref"`
		BaseCommit  string           `json:"base_commit"`
	}{
		PipelineID:  pipelineID,
		Steps:       steps,
		TriggerType: triggerType,
		TriggerRef:  triggerRef,
		BaseCommit:  baseCommitSHA,
	}

	jsonBytes, _ := json.Marshal(data)
	hash := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(hash[:16]) // 32 char hex string
}

// ContextLogName returns the context-directory log file name for a step:
// id_<step_id>_NNN.log when the step defines a stable id, else
// step_NNN_<name>.log.
func ContextLogName(step StepDefinition, index int) string {
	if step.StepID != "" {
		return fmt.Sprintf("id_%s_%03d.log", step.StepID, index)
	}
	name := strings.ToLower(strings.ReplaceAll(step.Name, " ", "_"))
	return fmt.Sprintf("step_%03d_%s.log", index, name)
}
