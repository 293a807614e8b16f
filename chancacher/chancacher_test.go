/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package chancacher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassesValuesThrough(t *testing.T) {
	c := NewChanCacher(2)
	c.In <- "a"
	c.In <- "b"

	assert.Equal(t, "a", <-c.Out)
	assert.Equal(t, "b", <-c.Out)
}

func TestBufferSizeTracksQueuedValues(t *testing.T) {
	c := NewChanCacher(2)
	assert.Equal(t, 0, c.BufferSize())

	c.In <- "a"
	c.In <- "b"

	require.Eventually(t, func() bool { return c.BufferSize() == 2 }, time.Second, 10*time.Millisecond)

	<-c.Out
	require.Eventually(t, func() bool { return c.BufferSize() == 1 }, time.Second, 10*time.Millisecond)
}

func TestClosingInClosesOut(t *testing.T) {
	c := NewChanCacher(1)
	close(c.In)

	_, ok := <-c.Out
	assert.False(t, ok)
	assert.True(t, c.runDone)
}

func TestNegativeOrOversizedDepthIsCapped(t *testing.T) {
	c := NewChanCacher(-1)
	assert.Equal(t, MaxDepth, cap(c.Out))

	c2 := NewChanCacher(MaxDepth + 1)
	assert.Equal(t, MaxDepth, cap(c2.Out))
}
