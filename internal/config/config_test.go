// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Queue.AckTimeout)
	assert.Equal(t, 5*time.Second, cfg.Queue.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Queue.DeadFactor)
	assert.Equal(t, 300*time.Second, cfg.Engine.StepTimeout)
	assert.Equal(t, ".lazyaf-context", cfg.Engine.ContextDir)
	assert.Equal(t, 60*time.Second, cfg.Trigger.DedupWindow)
	assert.Equal(t, time.Hour, cfg.Debug.DefaultExpiry)
	assert.Equal(t, 256, cfg.Broadcast.ClientBuffer)
}

func TestNewConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9191
  base_url: http://10.0.0.5:9191
data:
  root: ` + dir + `
engine:
  step_timeout: 45s
queue:
  ack_timeout: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := NewConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "http://10.0.0.5:9191", cfg.Server.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.Engine.StepTimeout)
	assert.Equal(t, 10*time.Second, cfg.Queue.AckTimeout)
	// Untouched sections keep their defaults
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestNewConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr string
	}{
		{
			name:    "bad_port",
			mutate:  func(c *AppConfig) { c.Server.Port = -1 },
			wantErr: "invalid server port",
		},
		{
			name:    "bad_log_level",
			mutate:  func(c *AppConfig) { c.Log.Level = "verbose" },
			wantErr: "invalid log level",
		},
		{
			name:    "missing_data_root",
			mutate:  func(c *AppConfig) { c.Data.Root = "" },
			wantErr: "data root is required",
		},
		{
			name:    "dead_factor_zero",
			mutate:  func(c *AppConfig) { c.Queue.DeadFactor = 0 },
			wantErr: "dead_factor",
		},
		{
			name:    "expiry_inverted",
			mutate:  func(c *AppConfig) { c.Debug.MaxExpiry = time.Minute },
			wantErr: "expiry out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAppConfig_Paths(t *testing.T) {
	cfg := defaultConfig()
	cfg.Data.Root = "/var/lib/lazyaf"

	assert.Equal(t, "/var/lib/lazyaf/git_repos", cfg.GitReposPath())
	assert.Equal(t, "/var/lib/lazyaf/snapshots", cfg.SnapshotsPath())
	assert.Equal(t, "/var/lib/lazyaf/lazyaf.db", cfg.DatabasePath())

	cfg.Database.Database = ":memory:"
	assert.Equal(t, ":memory:", cfg.DatabasePath())
	assert.Equal(t, "file::memory:?cache=shared", cfg.Database.GetDSN())
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "data"), expandPath("~/data"))
	assert.Equal(t, "", expandPath(""))
	assert.Equal(t, "/plain/path", expandPath("/plain/path"))
}
