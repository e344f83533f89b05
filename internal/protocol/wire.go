// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file defines the message envelope exchanged with runner processes
// over the /ws/runner socket. Runners are external collaborators; everything
// here must be serializable and versioned conservatively.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lazyaf/lazyaf/internal/store/models"
)

// Runner-plane message types. Runner → server first, then server → runner.
const (
	MsgRegister  = "register"
	MsgHeartbeat = "heartbeat"
	MsgJobAck    = "job_ack"
	MsgLogAppend = "log_append"
	MsgJobResult = "job_result"

	MsgWelcome   = "welcome"
	MsgRunJob    = "run_job"
	MsgCancelJob = "cancel_job"
	MsgShutdown  = "shutdown"
)

// Envelope is the wire frame: {type, payload}.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps a payload in an envelope.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// Decode unmarshals the payload into the given value.
func (e Envelope) Decode(into any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, into); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// RegisterPayload is the first message on a runner socket. RunnerID is set
// when a previously registered runner reconnects and wants its row back.
type RegisterPayload struct {
	RunnerType string `json:"runner_type"`
	RunnerID   string `json:"runner_id,omitempty"`
}

// HeartbeatPayload is a liveness ping, sent every heartbeat interval.
type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// JobAckPayload accepts or rejects a dispatched job.
type JobAckPayload struct {
	JobID    string `json:"job_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// LogAppendPayload streams a chunk of job output. Seq is monotonically
// increasing per job so tails can replay without duplicates.
type LogAppendPayload struct {
	JobID string `json:"job_id"`
	Chunk string `json:"chunk"`
	Seq   int    `json:"seq"`
}

// JobResultPayload is the terminal report for a job. Status is "completed"
// or "failed".
type JobResultPayload struct {
	JobID       string              `json:"job_id"`
	Status      string              `json:"status"`
	Error       string              `json:"error,omitempty"`
	BranchName  string              `json:"branch_name,omitempty"`
	TestResults *models.TestResults `json:"test_results,omitempty"`
}

// WelcomePayload confirms registration and carries the assigned runner id.
type WelcomePayload struct {
	RunnerID string `json:"runner_id"`
}

// AgentFileSnapshot inlines a platform agent file into a job dispatch so
// runners need no separate fetch.
type AgentFileSnapshot struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// RunJobPayload dispatches a job snapshot to a runner. Continuation asks
// the runner to reuse the workspace of the previous step of the same run;
// runners that cannot honor it must reject via job_result, not clone
// afresh.
type RunJobPayload struct {
	JobID        string              `json:"job_id"`
	RepoCloneURL string              `json:"repo_clone_url"`
	StepKind     models.StepKind     `json:"step_kind"`
	StepConfig   models.StepConfig   `json:"step_config"`
	Prompt       string              `json:"prompt,omitempty"`
	AgentFiles   []AgentFileSnapshot `json:"agent_files,omitempty"`
	Continuation bool                `json:"continuation,omitempty"`
	BranchName   string              `json:"branch_name,omitempty"`
	Deadline     time.Time           `json:"deadline"`
}

// CancelJobPayload asks a runner to stop the named job. The runner is
// expected to still send a job_result with status failed.
type CancelJobPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// ShutdownPayload announces an orderly server stop.
type ShutdownPayload struct {
	Reason string `json:"reason,omitempty"`
}
