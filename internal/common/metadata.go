// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package common provides shared types used across multiple packages.
package common

// Metadata contains common fields for every event published on the bus and
// fanned out to UI clients.
type Metadata struct {
	// RepoID scopes the event to a repository. Optional.
	RepoID string `json:"repo_id,omitempty"`

	// IdempotencyKey is used for event deduplication across retries.
	// Optional - events without this key will always be processed.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Version indicates the protocol version for backward compatibility.
	// Format: "v{major}.{minor}.{patch}" (e.g., "v1.0.0")
	Version string `json:"version"`
}

// CurrentProtocolVersion defines the current version of the wire protocol.
// This should be updated when making breaking changes to the protocol.
const CurrentProtocolVersion = "v1.0.0"

// Event represents events published on the internal bus. Any type
// implementing this interface can be sent through the event channel.
type Event interface {
	GetMetadata() Metadata
}
