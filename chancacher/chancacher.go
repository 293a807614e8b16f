/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package chancacher implements a bounded in->out channel pipeline used
// as the ingress buffer for the Sync Engine's internal event bus: Out
// absorbs bursts up to its depth, and once Out is full, senders on In
// block until the reader drains Out.
//
// The teacher's original chancacher additionally spilled an overflowing
// buffer to a pair of gob-encoded files on disk and replayed them on
// restart. ClipSync's bus never needs that: a lost in-flight SyncEvent
// on a crash just means the next local clipboard tick or peer fan-out
// resends the same content, so only the bounded-channel half of the
// teacher's pipeline is kept here.
package chancacher

// MaxDepth caps the bounded channel depth passed to NewChanCacher; it
// mirrors the ceiling the teacher enforced on its own disk-backed
// version to avoid an unbounded buffer swallowing memory.
const MaxDepth = 1000000

// ChanCacher is a pipeline of channels with a bounded internal buffer.
// The caller connects In and reads from Out.
type ChanCacher struct {
	In      chan interface{}
	Out     chan interface{}
	runDone bool
}

// NewChanCacher creates a new ChanCacher with the given maximum depth.
// If maxDepth == 0, the ChanCacher is unbuffered. If maxDepth == -1 or
// greater than MaxDepth, the depth is capped at MaxDepth.
func NewChanCacher(maxDepth int) *ChanCacher {
	if maxDepth == -1 || maxDepth > MaxDepth {
		maxDepth = MaxDepth
	}
	c := &ChanCacher{
		In:  make(chan interface{}),
		Out: make(chan interface{}, maxDepth),
	}
	go c.run()
	return c
}

// run connects In to Out, blocking writers into In once Out's buffer is
// full rather than dropping values.
func (c *ChanCacher) run() {
	for v := range c.In {
		c.Out <- v
	}
	c.runDone = true
	close(c.Out)
}

// BufferSize returns the number of elements currently queued in Out.
func (c *ChanCacher) BufferSize() int {
	return len(c.Out)
}
