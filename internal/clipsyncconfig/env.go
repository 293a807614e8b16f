/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package clipsyncconfig

import (
	"os"
	"strconv"
	"strings"
)

// applyEnvOverrides mirrors the teacher's GRAVWELL_* environment layer:
// any CLIPSYNC_* variable that is set wins over the file value, applied
// after the TOML is parsed and before defaults are validated.
func applyEnvOverrides(cfg *Config) {
	loadEnvVar(&cfg.NodeID, "CLIPSYNC_NODE_ID")
	loadEnvVar(&cfg.ListenAddr, "CLIPSYNC_LISTEN_ADDR")
	loadEnvVar(&cfg.AdvertiseName, "CLIPSYNC_ADVERTISE_NAME")
	loadEnvVar(&cfg.LogLevel, "CLIPSYNC_LOG_LEVEL")
	loadEnvVar(&cfg.Auth.SSHKey, "CLIPSYNC_SSH_KEY")
	loadEnvVar(&cfg.Auth.AuthorizedKeys, "CLIPSYNC_AUTHORIZED_KEYS")
	loadEnvVar(&cfg.Clipboard.HistoryDB, "CLIPSYNC_HISTORY_DB")
	loadEnvVarInt64(&cfg.Clipboard.MaxSize, "CLIPSYNC_MAX_SIZE")
	loadEnvVarInt(&cfg.Clipboard.HistorySize, "CLIPSYNC_HISTORY_SIZE")
	loadEnvVarBool(&cfg.Clipboard.SyncPrimary, "CLIPSYNC_SYNC_PRIMARY")
	loadEnvVarBool(&cfg.Security.Encryption, "CLIPSYNC_ENCRYPTION")
	loadEnvVarBool(&cfg.Security.Compression, "CLIPSYNC_COMPRESSION")
}

func loadEnvVar(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != `` {
		*dst = v
	}
}

func loadEnvVarInt(dst *int, name string) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func loadEnvVarInt64(dst *int64, name string) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = n
	}
}

func loadEnvVarBool(dst *bool, name string) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}
