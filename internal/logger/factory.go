// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to the log.levels config keys.
// These ensure consistent logger names across the codebase.

// GetStoreLogger returns a logger for store operations
func GetStoreLogger() zerolog.Logger {
	return GetLogger("store")
}

// GetGitLogger returns a logger for git operations
func GetGitLogger() zerolog.Logger {
	return GetLogger("git")
}

// GetBusLogger returns a logger for the event bus
func GetBusLogger() zerolog.Logger {
	return GetLogger("bus")
}

// GetQueueLogger returns a logger for the job queue
func GetQueueLogger() zerolog.Logger {
	return GetLogger("queue")
}

// GetRunnerLogger returns a logger for runner sessions and dispatch
func GetRunnerLogger() zerolog.Logger {
	return GetLogger("runner")
}

// GetCardsLogger returns a logger for the card service
func GetCardsLogger() zerolog.Logger {
	return GetLogger("cards")
}

// GetEngineLogger returns a logger for the pipeline engine
func GetEngineLogger() zerolog.Logger {
	return GetLogger("engine")
}

// GetTriggerLogger returns a logger for the trigger service
func GetTriggerLogger() zerolog.Logger {
	return GetLogger("trigger")
}

// GetDebugLogger returns a logger for debug sessions
func GetDebugLogger() zerolog.Logger {
	return GetLogger("debug")
}

// GetAPILogger returns a logger for API operations
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}
