/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package debug implements a SIGUSR1 trap that dumps a stack trace,
// memory profile, and CPU profile for clipsyncd, for use when the
// daemon appears wedged without attaching a debugger.
package debug

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"
)

const (
	cpuProfileDuration = 10 * time.Second
	maxStackDumpSize   = 256 * 1024 * 1024
)

// HandleDebugSignals blocks handling SIGUSR1 for the life of the
// process, dumping profiles to a fresh temp directory named after name
// on every signal. It is meant to run in its own goroutine from main.
func HandleDebugSignals(name string) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)

	for range sigCh {
		dir, err := os.MkdirTemp("", name+"-debug-")
		if err != nil {
			continue
		}
		DumpProfiles(dir)
	}
}

// DumpProfiles writes stack.txt, heap.pprof, and cpu.pprof into dir.
// Each file is written best-effort; a failure on one does not prevent
// the others from being attempted.
func DumpProfiles(dir string) {
	dumpStackTrace(filepath.Join(dir, "stack.txt"))
	dumpHeapProfile(filepath.Join(dir, "heap.pprof"))
	dumpCPUProfile(filepath.Join(dir, "cpu.pprof"))
}

func dumpStackTrace(path string) {
	f, err := os.Create(path)
	if err != nil {
		return
	}
	defer f.Close()

	size := 1024 * 1024
	var buf []byte
	var n int
	for {
		buf = make([]byte, size)
		n = runtime.Stack(buf, true)
		if n < size {
			break
		}
		size *= 2
		if size >= maxStackDumpSize {
			fmt.Fprintf(f, "(stack trace exceeded %d bytes, truncated)\n", maxStackDumpSize)
			return
		}
	}
	f.Write(buf[:n])
}

func dumpHeapProfile(path string) {
	f, err := os.Create(path)
	if err != nil {
		return
	}
	defer f.Close()

	var buf bytes.Buffer
	runtime.GC()
	if err := pprof.WriteHeapProfile(&buf); err == nil {
		f.Write(buf.Bytes())
	}
}

func dumpCPUProfile(path string) {
	f, err := os.Create(path)
	if err != nil {
		return
	}
	defer f.Close()

	var buf bytes.Buffer
	if err := pprof.StartCPUProfile(&buf); err == nil {
		time.Sleep(cpuProfileDuration)
		pprof.StopCPUProfile()
		f.Write(buf.Bytes())
	}
}
