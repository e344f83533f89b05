// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// GetRepoID / GetCardID / GetRunID / GetJobID methods allow the broadcast
// gateway's subscription filter to match events without maintaining an
// exhaustive type switch.

func (e CardChangedEvent) GetRepoID() string     { return e.RepoID }
func (e CardChangedEvent) GetCardID() string     { return e.CardID }
func (e JobChangedEvent) GetRepoID() string      { return e.RepoID }
func (e JobChangedEvent) GetCardID() string      { return e.CardID }
func (e JobChangedEvent) GetJobID() string       { return e.JobID }
func (e JobChangedEvent) GetRunID() string       { return e.PipelineRunID }
func (e RunnerChangedEvent) GetRunnerID() string { return e.RunnerID }
func (e StepChangedEvent) GetRepoID() string     { return e.RepoID }
func (e StepChangedEvent) GetRunID() string      { return e.PipelineRunID }
func (e RunChangedEvent) GetRepoID() string      { return e.RepoID }
func (e RunChangedEvent) GetRunID() string       { return e.RunID }
func (e PushReceivedEvent) GetRepoID() string    { return e.RepoID }
func (e DebugBreakpointEvent) GetRepoID() string { return e.RepoID }
func (e DebugBreakpointEvent) GetRunID() string  { return e.RunID }
func (e DebugResumeEvent) GetRunID() string      { return e.RunID }
func (e ErrorEvent) GetJobID() string            { return e.JobID }
