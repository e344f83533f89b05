// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

// StoreFixture represents a store setup with cleanup
type StoreFixture struct {
	Store   *GormStore
	Events  *CaptureSink
	Cleanup func()
}

// UseFreshStore creates a per-test SQLite database with AutoMigrate
// applied and a capturing event sink wired in.
func UseFreshStore(t *testing.T) *StoreFixture {
	cfg := &config.DatabaseConfig{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "lazyaf.db"),
	}

	s, err := NewGormStore(cfg)
	require.NoError(t, err, "Failed to create test database")

	err = s.AutoMigrate()
	require.NoError(t, err, "Failed to run migrations on test database")

	sink := &CaptureSink{}
	s.SetEventSink(sink)

	cleanup := func() {
		s.Close()
	}

	return &StoreFixture{
		Store:   s,
		Events:  sink,
		Cleanup: cleanup,
	}
}

// CaptureSink records published events for assertions.
type CaptureSink struct {
	mu     sync.Mutex
	events []protocol.Event
}

// Publish appends the event to the capture buffer.
func (c *CaptureSink) Publish(event protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a snapshot of everything published so far.
func (c *CaptureSink) Events() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Event, len(c.events))
	copy(out, c.events)
	return out
}

// Reset clears the capture buffer.
func (c *CaptureSink) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
