// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package queue holds the authoritative in-process job queue. Membership
// is mirrored by job.status == queued in the store, so a restart rebuilds
// the queue rather than recovering it from its own state.
package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/lazyaf/lazyaf/internal/common"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/store/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetQueueLogger()
		log = &l
	})
	return log
}

// AnyRunnerType matches every partition on the claim side, and marks
// jobs any runner may execute on the enqueue side.
const AnyRunnerType = "any"

// Store is the subset of store operations the queue composes claims from.
type Store interface {
	ListQueuedJobs(ctx context.Context) ([]*models.Job, error)
	ClaimJob(ctx context.Context, jobID, runnerID string) (*models.Job, error)
	ReleaseJob(ctx context.Context, jobID string) (*models.Job, error)
	TransitionRunner(ctx context.Context, runnerID string, to models.RunnerStatus, currentJobID string) (*models.Runner, error)
}

// entry is one queued work item. seq fixes FIFO order within a priority
// tier and survives release/re-enqueue so a rejected job keeps its place.
type entry struct {
	jobID          string
	runnerType     string
	pinnedRunnerID string
	priority       int
	seq            uint64
}

// Queue is a mutex-guarded ordered multiset of work items partitioned by
// required runner type. It is the single writer of queued→running claims.
type Queue struct {
	mu      sync.Mutex
	store   Store
	entries []*entry
	claimed map[string]*entry
	seq     uint64
	wakeups map[string]chan struct{}
}

func New(store Store) *Queue {
	return &Queue{
		store:   store,
		claimed: make(map[string]*entry),
		wakeups: make(map[string]chan struct{}),
	}
}

// Rebuild repopulates the queue from jobs persisted as queued. Called
// once at startup, after orphan recovery.
func (q *Queue) Rebuild(ctx context.Context) error {
	jobs, err := q.store.ListQueuedJobs(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.entries = q.entries[:0]
	for _, job := range jobs {
		q.entries = append(q.entries, q.newEntryLocked(job))
	}
	q.mu.Unlock()

	if len(jobs) > 0 {
		getLog().Info().Int("count", len(jobs)).Msg("Rebuilt job queue from store")
	}
	q.wakeAll()
	return nil
}

// Enqueue adds a job that is already persisted as queued.
func (q *Queue) Enqueue(job *models.Job) {
	q.mu.Lock()
	if q.containsLocked(job.ID) {
		q.mu.Unlock()
		getLog().Warn().Str("job_id", job.ID).Msg("Job already enqueued, ignoring")
		return
	}
	q.entries = append(q.entries, q.newEntryLocked(job))
	q.mu.Unlock()

	getLog().Debug().
		Str("job_id", job.ID).
		Str("runner_type", job.RunnerType).
		Msg("Job enqueued")
	q.wakeAll()
}

// Claim hands the oldest matching job to runnerID, transitioning the job
// to running and the runner to assigned in the store. typeFilter "any"
// matches every partition. Returns nil when nothing is claimable.
func (q *Queue) Claim(ctx context.Context, typeFilter, runnerID string) (*models.Job, error) {
	for {
		candidate := q.pop(typeFilter, runnerID)
		if candidate == nil {
			return nil, nil
		}

		job, err := q.store.ClaimJob(ctx, candidate.jobID, runnerID)
		if err != nil {
			if common.IsStaleTransition(err) {
				// Cancelled or claimed out from under us; drop and move on.
				getLog().Debug().Str("job_id", candidate.jobID).Msg("Skipping stale queue entry")
				continue
			}
			q.requeue(candidate)
			return nil, err
		}

		if _, err := q.store.TransitionRunner(ctx, runnerID, models.RunnerStatusAssigned, job.ID); err != nil {
			// Runner vanished between the dispatch decision and the claim.
			if _, relErr := q.store.ReleaseJob(ctx, job.ID); relErr != nil {
				getLog().Error().Err(relErr).Str("job_id", job.ID).Msg("Failed to release job after runner transition failure")
			} else {
				q.requeue(candidate)
			}
			return nil, err
		}

		// Keep the popped entry around so a release restores the job at
		// its original position instead of the back of the queue.
		q.mu.Lock()
		q.claimed[job.ID] = candidate
		q.mu.Unlock()

		return job, nil
	}
}

// Release puts a job back after an ack rejection or timeout. The store
// transition runs first so queue membership never outruns persistence.
func (q *Queue) Release(ctx context.Context, jobID string) error {
	job, err := q.store.ReleaseJob(ctx, jobID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	e, remembered := q.claimed[jobID]
	delete(q.claimed, jobID)
	q.mu.Unlock()
	if remembered {
		q.requeue(e)
		getLog().Debug().Str("job_id", jobID).Msg("Job released back to queue")
		return nil
	}

	q.mu.Lock()
	if !q.containsLocked(jobID) {
		q.entries = append(q.entries, q.newEntryLocked(job))
	}
	q.mu.Unlock()

	getLog().Debug().Str("job_id", jobID).Msg("Job released back to queue")
	q.wakeAll()
	return nil
}

// Forget drops the claim memory for a job whose dispatch stuck, so
// completed jobs do not accumulate stale position records.
func (q *Queue) Forget(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.claimed, jobID)
}

// Remove drops a job from the queue without touching the store. The
// caller owns the terminal transition (cancel paths).
func (q *Queue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	before := len(q.entries)
	q.entries = lo.Reject(q.entries, func(e *entry, _ int) bool {
		return e.jobID == jobID
	})
	delete(q.claimed, jobID)
	return len(q.entries) < before
}

// Depth reports the number of queued entries matching typeFilter.
func (q *Queue) Depth(typeFilter string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return lo.CountBy(q.entries, func(e *entry) bool {
		return matches(e, typeFilter, "")
	})
}

// DepthByType reports queue depth per required runner type.
func (q *Queue) DepthByType() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return lo.CountValuesBy(q.entries, func(e *entry) string {
		return e.runnerType
	})
}

// Wakeup returns a channel that receives a token whenever the queue may
// have new claimable work. One channel per dispatch loop key.
func (q *Queue) Wakeup(key string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, ok := q.wakeups[key]
	if !ok {
		ch = make(chan struct{}, 1)
		q.wakeups[key] = ch
	}
	return ch
}

// DropWakeup discards a dispatch loop's wakeup channel.
func (q *Queue) DropWakeup(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.wakeups, key)
}

func (q *Queue) newEntryLocked(job *models.Job) *entry {
	q.seq++
	return &entry{
		jobID:          job.ID,
		runnerType:     job.RunnerType,
		pinnedRunnerID: job.PinnedRunnerID,
		priority:       job.Priority,
		seq:            q.seq,
	}
}

func (q *Queue) containsLocked(jobID string) bool {
	return lo.ContainsBy(q.entries, func(e *entry) bool {
		return e.jobID == jobID
	})
}

// pop removes and returns the best matching entry: highest priority
// first, FIFO by seq within a tier.
func (q *Queue) pop(typeFilter, runnerID string) *entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	for i, e := range q.entries {
		if !matches(e, typeFilter, runnerID) {
			continue
		}
		if best == -1 || better(e, q.entries[best]) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	e := q.entries[best]
	q.entries = append(q.entries[:best], q.entries[best+1:]...)
	return e
}

// requeue restores an entry with its original seq, preserving its place.
func (q *Queue) requeue(e *entry) {
	q.mu.Lock()
	if !q.containsLocked(e.jobID) {
		q.entries = append(q.entries, e)
		sort.SliceStable(q.entries, func(i, j int) bool {
			return q.entries[i].seq < q.entries[j].seq
		})
	}
	q.mu.Unlock()
	q.wakeAll()
}

func (q *Queue) wakeAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.wakeups {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// matches reports whether a claim with typeFilter by runnerID may take e.
func matches(e *entry, typeFilter, runnerID string) bool {
	if e.pinnedRunnerID != "" && runnerID != "" && e.pinnedRunnerID != runnerID {
		return false
	}
	if typeFilter == AnyRunnerType || e.runnerType == AnyRunnerType {
		return true
	}
	return e.runnerType == typeFilter
}

func better(a, b *entry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}
