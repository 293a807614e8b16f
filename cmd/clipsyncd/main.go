/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/clipsync/clipsync/debug"
	"github.com/clipsync/clipsync/internal/clipsyncconfig"
	"github.com/clipsync/clipsync/internal/daemon"
	"github.com/clipsync/clipsync/internal/logging"
	"github.com/clipsync/clipsync/utils"
	"github.com/clipsync/clipsync/version"
)

var (
	showVersion = flag.Bool("version", false, "print version and exit")
	logPath     = flag.String("log-file", "", "path to write logs (default: stderr)")
)

func main() {
	flag.Parse()

	if *showVersion {
		version.PrintVersion(os.Stdout)
		return
	}

	log, err := openLogger(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clipsyncd: failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	log.Info("clipsyncd: starting", logging.KV("config_dir", clipsyncconfig.ConfigDir()))

	go debug.HandleDebugSignals("clipsyncd")

	d, err := daemon.New(log)
	if err != nil {
		log.Fatal("clipsyncd: failed to initialize", logging.KVErr(err))
	}

	ctx, cancel := utils.ShutdownContext(context.Background())
	defer cancel()

	if err := d.Run(ctx); err != nil {
		log.Fatal("clipsyncd: exited with error", logging.KVErr(err))
	}
	log.Info("clipsyncd: shutdown complete")
}

func openLogger(path string) (*logging.Logger, error) {
	if path == "" {
		return logging.New(os.Stderr), nil
	}
	return logging.NewFile(path)
}
