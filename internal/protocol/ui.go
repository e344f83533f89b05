// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file defines the compact change messages sent to UI clients over
// /ws/ui and the SSE event names used by the log-tail streams. The wire
// format is stringly-typed for the UI's benefit but every publish site
// goes through the typed constructors here.
package protocol

import "fmt"

// UIMessage is the frame sent to UI WebSocket clients.
type UIMessage struct {
	Type    string `json:"type"` // "event" or "snapshot"
	Kind    string `json:"kind,omitempty"`
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
}

// SubscriptionUpdate is the only client → server message on the UI plane:
// it narrows the events a client receives. Empty fields match everything.
type SubscriptionUpdate struct {
	RepoID string `json:"repo_id,omitempty"`
	CardID string `json:"card_id,omitempty"`
	RunID  string `json:"run_id,omitempty"`
}

// UI topic helpers. Entity topics carry the entity id so clients can
// route without parsing payloads.

func TopicCard(id string) string        { return fmt.Sprintf("card.%s", id) }
func TopicJob(id string) string         { return fmt.Sprintf("job.%s", id) }
func TopicRunner(id string) string      { return fmt.Sprintf("runner.%s", id) }
func TopicPipelineRun(id string) string { return fmt.Sprintf("pipeline_run.%s", id) }
func TopicStepRun(id string) string     { return fmt.Sprintf("step_run.%s", id) }

// TopicPoolStats is the coalesced runner-pool summary topic.
const TopicPoolStats = "pool_stats"

// SSE event names for /jobs/{id}/logs/stream and the playground stream.
const (
	SSELog       = "log"
	SSELogsBatch = "logs_batch"
	SSEStatus    = "status"
	SSEComplete  = "complete"
	SSEError     = "error"
	SSEPing      = "ping"
)
