/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package clipsyncconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	cfg := defaults()
	cfg.NodeID = uuid.New().String()
	assert.NoError(t, Validate(cfg))
}

func TestValidateRejectsOutOfRangeMaxSize(t *testing.T) {
	cfg := defaults()
	cfg.NodeID = uuid.New().String()
	cfg.Clipboard.MaxSize = 16
	err := Validate(cfg)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "clipboard.max_size", verr.Field)
}

func TestValidateRejectsOutOfRangeHistorySize(t *testing.T) {
	cfg := defaults()
	cfg.NodeID = uuid.New().String()
	cfg.Clipboard.HistorySize = 0
	assert.Error(t, Validate(cfg))

	cfg.Clipboard.HistorySize = 500
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsBadNodeID(t *testing.T) {
	cfg := defaults()
	cfg.NodeID = "not-a-uuid"
	assert.Error(t, Validate(cfg))
}

func TestLoadGeneratesNodeIDWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CLIPSYNC_CONFIG", filepath.Join(dir, "config.toml"))
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_DATA_HOME", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.NodeID)
	_, err = uuid.Parse(cfg.NodeID)
	assert.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(b), cfg.NodeID)
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CLIPSYNC_CONFIG", filepath.Join(dir, "config.toml"))
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_DATA_HOME", dir)
	t.Setenv("CLIPSYNC_LISTEN_ADDR", "127.0.0.1:9999")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
}

func TestWatchReloadsOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CLIPSYNC_CONFIG", filepath.Join(dir, "config.toml"))
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_DATA_HOME", dir)

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, Save(cfg, Path()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 1)
	require.NoError(t, Watch(ctx, func(c *Config) { changed <- c }, func(error) {}))

	cfg.LogLevel = "DEBUG"
	require.NoError(t, Save(cfg, Path()))

	select {
	case c := <-changed:
		assert.Equal(t, "DEBUG", c.LogLevel)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got := expandHome("~/foo/bar")
	assert.Equal(t, filepath.Join(home, "foo", "bar"), got)
	assert.Equal(t, "/etc/clipsync/x", expandHome("/etc/clipsync/x"))
}
