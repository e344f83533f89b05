// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package githost

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/logger"
)

var (
	managerLog     *zerolog.Logger
	managerLogOnce sync.Once
)

func getManagerLog() *zerolog.Logger {
	managerLogOnce.Do(func() {
		l := logger.GetGitLogger().With().Str("component", "manager").Logger()
		managerLog = &l
	})
	return managerLog
}

const (
	cleanupInterval = 5 * time.Minute
	idleThreshold   = 10 * time.Minute
)

// Manager serializes write access per repository. Reads share a lock;
// history rewrites, merges, and receive-pack take it exclusively. Idle
// entries are dropped by a background sweep.
type Manager struct {
	mu          sync.RWMutex
	repos       map[string]*managedRepo
	cleanupTick *time.Ticker
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type managedRepo struct {
	mu         sync.RWMutex
	repoID     string
	lastAccess time.Time
	refCount   int32
}

// Handle provides locked access to one repository.
type Handle struct {
	repo *managedRepo
}

// NewManager creates a Manager and starts its cleanup sweep.
func NewManager() *Manager {
	m := &Manager{
		repos:       make(map[string]*managedRepo),
		stopCleanup: make(chan struct{}),
	}
	m.startCleanupRoutine()
	return m
}

// Acquire returns a handle for the repository, creating the lock entry
// on first use. Callers must Release the handle.
func (m *Manager) Acquire(repoID string) *Handle {
	// Fast path for existing entries.
	m.mu.RLock()
	if repo, exists := m.repos[repoID]; exists {
		atomic.AddInt32(&repo.refCount, 1)
		repo.lastAccess = time.Now()
		m.mu.RUnlock()
		return &Handle{repo: repo}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if repo, exists := m.repos[repoID]; exists {
		atomic.AddInt32(&repo.refCount, 1)
		repo.lastAccess = time.Now()
		return &Handle{repo: repo}
	}

	repo := &managedRepo{
		repoID:     repoID,
		lastAccess: time.Now(),
		refCount:   1,
	}
	m.repos[repoID] = repo

	getManagerLog().Debug().
		Str("repo_id", repoID).
		Int("total_repos", len(m.repos)).
		Msg("Created repository lock entry")

	return &Handle{repo: repo}
}

// WithReadLock executes fn holding the repository's shared lock.
func (h *Handle) WithReadLock(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		start := time.Now()
		h.repo.mu.RLock()
		defer h.repo.mu.RUnlock()

		if wait := time.Since(start); wait > 100*time.Millisecond {
			getManagerLog().Warn().
				Str("repo_id", h.repo.repoID).
				Dur("wait", wait).
				Msg("Slow read lock acquisition")
		}
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("read operation timed out: %w", ctx.Err())
	}
}

// WithWriteLock executes fn holding the repository's exclusive lock.
func (h *Handle) WithWriteLock(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		start := time.Now()
		h.repo.mu.Lock()
		defer h.repo.mu.Unlock()

		if wait := time.Since(start); wait > 100*time.Millisecond {
			getManagerLog().Warn().
				Str("repo_id", h.repo.repoID).
				Dur("wait", wait).
				Msg("Slow write lock acquisition")
		}
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("write operation timed out: %w", ctx.Err())
	}
}

// Release decrements the handle's reference count.
func (h *Handle) Release() {
	newCount := atomic.AddInt32(&h.repo.refCount, -1)
	if newCount < 0 {
		getManagerLog().Error().
			Str("repo_id", h.repo.repoID).
			Int32("ref_count", newCount).
			Msg("Reference count went negative!")
	}
}

func (m *Manager) startCleanupRoutine() {
	m.cleanupTick = time.NewTicker(cleanupInterval)

	go func() {
		for {
			select {
			case <-m.cleanupTick.C:
				m.cleanupIdleEntries()
			case <-m.stopCleanup:
				m.cleanupTick.Stop()
				return
			}
		}
	}()
}

func (m *Manager) cleanupIdleEntries() {
	m.mu.Lock()
	defer m.mu.Unlock()

	threshold := time.Now().Add(-idleThreshold)
	removed := 0
	for repoID, repo := range m.repos {
		if atomic.LoadInt32(&repo.refCount) == 0 && repo.lastAccess.Before(threshold) {
			delete(m.repos, repoID)
			removed++
		}
	}

	if removed > 0 {
		getManagerLog().Info().
			Int("cleaned", removed).
			Int("remaining", len(m.repos)).
			Msg("Cleanup completed")
	}
}

// Stats returns lock-manager statistics.
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := 0
	for _, repo := range m.repos {
		if atomic.LoadInt32(&repo.refCount) > 0 {
			active++
		}
	}
	return map[string]any{
		"total_repositories":  len(m.repos),
		"active_repositories": active,
	}
}

// Close stops the cleanup sweep and drops all lock entries.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCleanup)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos = make(map[string]*managedRepo)
	getManagerLog().Info().Msg("Repository lock manager shut down")
}
