/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package clipsyncconfig loads and validates the TOML configuration file
// described in spec.md §6, following the teacher's config package shape:
// a typed struct per sub-table, an explicit Verify/Validate pass, and an
// environment-variable override layer.
package clipsyncconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	envOverride = `CLIPSYNC_CONFIG`

	DefaultListenAddr = `:8484`
	minClipboardSize  = 1024
	maxClipboardSize  = 52_428_800
	defaultMaxSize    = 5_242_880
	minHistorySize    = 1
	maxHistorySize    = 100
	defaultHistSize   = 20
)

var (
	ErrValidation = errors.New("clipsync: config validation error")
)

// ValidationError wraps a field-specific config problem. It carries no
// errcode.Code, and no caller in this tree attaches
// errcode.ConfigError to it; callers wrap it with fmt.Errorf.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type AuthConfig struct {
	SSHKey         string `mapstructure:"ssh_key"`
	AuthorizedKeys string `mapstructure:"authorized_keys"`
}

type ClipboardConfig struct {
	MaxSize      int64  `mapstructure:"max_size"`
	SyncPrimary  bool   `mapstructure:"sync_primary"`
	HistorySize  int    `mapstructure:"history_size"`
	HistoryDB    string `mapstructure:"history_db"`
}

type SecurityConfig struct {
	Encryption  bool `mapstructure:"encryption"`
	Compression bool `mapstructure:"compression"`
}

// Config is the root of the TOML document at
// $XDG_CONFIG_HOME/clipsync/config.toml (or CLIPSYNC_CONFIG).
type Config struct {
	NodeID        string            `mapstructure:"node_id"`
	ListenAddr    string            `mapstructure:"listen_addr"`
	AdvertiseName string            `mapstructure:"advertise_name"`
	LogLevel      string            `mapstructure:"log_level"`
	Auth          AuthConfig        `mapstructure:"auth"`
	Clipboard     ClipboardConfig   `mapstructure:"clipboard"`
	Hotkeys       map[string]string `mapstructure:"hotkeys"`
	Security      SecurityConfig    `mapstructure:"security"`
}

// Path resolves the configuration file location per spec.md §6.
func Path() string {
	if p := os.Getenv(envOverride); p != `` {
		return expandHome(p)
	}
	return filepath.Join(ConfigDir(), "config.toml")
}

// ConfigDir resolves $XDG_CONFIG_HOME/clipsync (or the platform default).
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != `` {
		return filepath.Join(xdg, "clipsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "clipsync")
}

// DataDir resolves $XDG_DATA_HOME/clipsync (or the platform default),
// used for the history database per spec.md §6.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != `` {
		return filepath.Join(xdg, "clipsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "clipsync")
}

func defaults() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		ListenAddr:    DefaultListenAddr,
		AdvertiseName: hostname + "-clipsync",
		LogLevel:      "INFO",
		Auth: AuthConfig{
			SSHKey:         filepath.Join(ConfigDir(), "id_ed25519"),
			AuthorizedKeys: filepath.Join(ConfigDir(), "authorized_keys"),
		},
		Clipboard: ClipboardConfig{
			MaxSize:     defaultMaxSize,
			SyncPrimary: true,
			HistorySize: defaultHistSize,
			HistoryDB:   filepath.Join(DataDir(), "history.db"),
		},
		Security: SecurityConfig{
			Encryption:  true,
			Compression: true,
		},
	}
}

// Load reads the TOML file at Path(), applies CLIPSYNC_* environment
// overrides, fills defaults, validates, and persists a freshly generated
// node_id back to disk when one was absent (spec.md §6: "generated if
// absent").
func Load() (*Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetConfigType("toml")
	path := Path()

	if b, err := os.ReadFile(path); err == nil {
		if err := v.ReadConfig(strings.NewReader(string(b))); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnvOverrides(cfg)

	generated := false
	if cfg.NodeID == `` {
		cfg.NodeID = uuid.New().String()
		generated = true
	}

	expandPaths(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	if generated {
		if err := Save(cfg, path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func expandPaths(cfg *Config) {
	cfg.Auth.SSHKey = expandHome(cfg.Auth.SSHKey)
	cfg.Auth.AuthorizedKeys = expandHome(cfg.Auth.AuthorizedKeys)
	cfg.Clipboard.HistoryDB = expandHome(cfg.Clipboard.HistoryDB)
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// Validate enforces the numeric ranges spec.md §6 requires at load.
func Validate(cfg *Config) error {
	if cfg.Clipboard.MaxSize < minClipboardSize || cfg.Clipboard.MaxSize > maxClipboardSize {
		return &ValidationError{Field: "clipboard.max_size", Msg: "out of range [1024, 52428800]"}
	}
	if cfg.Clipboard.HistorySize < minHistorySize || cfg.Clipboard.HistorySize > maxHistorySize {
		return &ValidationError{Field: "clipboard.history_size", Msg: "out of range [1, 100]"}
	}
	if _, err := uuid.Parse(cfg.NodeID); err != nil {
		return &ValidationError{Field: "node_id", Msg: "not a valid UUID"}
	}
	if cfg.ListenAddr == `` {
		return &ValidationError{Field: "listen_addr", Msg: "must not be empty"}
	}
	return nil
}

// Watch installs an fsnotify watcher on the config file's parent
// directory and calls onChange with a freshly reloaded, validated
// Config whenever the file is written or replaced (editors frequently
// rename-over-write rather than edit in place, hence watching the
// directory instead of the file). Reload failures go to onErr instead
// of killing the watch loop. The watcher stops when ctx is cancelled.
func Watch(ctx context.Context, onChange func(*Config), onErr func(error)) error {
	path := Path()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load()
				if err != nil {
					if onErr != nil {
						onErr(err)
					}
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onErr != nil {
					onErr(err)
				}
			}
		}
	}()
	return nil
}

// Save writes cfg back out as TOML, creating the parent directory with
// mode 0700 the way the teacher's config loader creates log/cache dirs.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigType("toml")
	v.Set("node_id", cfg.NodeID)
	v.Set("listen_addr", cfg.ListenAddr)
	v.Set("advertise_name", cfg.AdvertiseName)
	v.Set("log_level", cfg.LogLevel)
	v.Set("auth", cfg.Auth)
	v.Set("clipboard", cfg.Clipboard)
	v.Set("hotkeys", cfg.Hotkeys)
	v.Set("security", cfg.Security)
	return v.WriteConfigAs(path)
}
