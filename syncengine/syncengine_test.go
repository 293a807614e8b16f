/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package syncengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clipsync/clipsync/clipboard"
	"github.com/clipsync/clipsync/history"
	"github.com/clipsync/clipsync/protocol"
)

type fakeSession struct {
	peerID string
	sentCh chan protocol.ClipboardData
	inCh   chan protocol.Envelope
	failOn bool

	// peer, if set, receives every envelope this session Sends, looping
	// Stream* frames straight to the other side's Inbound() as if they
	// had crossed a real wire.
	peer *fakeSession
}

func newFakeSession(peerID string) *fakeSession {
	return &fakeSession{peerID: peerID, sentCh: make(chan protocol.ClipboardData, 8), inCh: make(chan protocol.Envelope, 64)}
}

func (f *fakeSession) PeerNodeID() string { return f.peerID }
func (f *fakeSession) Inbound() <-chan protocol.Envelope { return f.inCh }
func (f *fakeSession) Send(typ protocol.MessageType, payload interface{}) error {
	if f.failOn {
		return assertError{}
	}
	if typ == protocol.TypeClipboardData {
		f.sentCh <- payload.(protocol.ClipboardData)
		return nil
	}
	if f.peer != nil {
		env, err := protocol.NewEnvelope(typ, 0, payload)
		if err != nil {
			return err
		}
		f.peer.inCh <- env
	}
	return nil
}

type assertError struct{}

func (assertError) Error() string { return "send failed" }

func newTestEngine(t *testing.T) (*Engine, *clipboard.Memory) {
	t.Helper()
	dir := t.TempDir()
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	hist, err := history.Open(filepath.Join(dir, "h.db"), filepath.Join(dir, "h.idx"), key, nil)
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	clip := clipboard.NewMemory()
	eng, err := New("self-node", clip, hist, nil, nil)
	require.NoError(t, err)
	return eng, clip
}

func TestL1SkipsUnchangedContent(t *testing.T) {
	eng, clip := newTestEngine(t)
	require.NoError(t, clip.SetText("hello"))
	eng.l1Tick()
	recent, err := eng.hist.Recent()
	require.NoError(t, err)
	require.Len(t, recent, 1)

	eng.l1Tick() // same text, no new row
	recent, err = eng.hist.Recent()
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestL1FiltersSensitiveContent(t *testing.T) {
	eng, clip := newTestEngine(t)
	require.NoError(t, clip.SetText("ghp_" + "abcdefghijklmnopqrstuvwx1234"))
	eng.l1Tick()
	recent, err := eng.hist.Recent()
	require.NoError(t, err)
	require.Empty(t, recent)
}

func TestFanOutSendsToRegisteredSessions(t *testing.T) {
	eng, clip := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Run(ctx)

	sess := newFakeSession("peer-a")
	eng.AddSession(ctx, "peer-a", sess)
	require.NoError(t, clip.SetText("fan out me"))

	eng.l1Tick()

	select {
	case cd := <-sess.sentCh:
		require.Equal(t, "fan out me", cd.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fan-out send")
	}
}

func TestRemoteApplyAndNoEcho(t *testing.T) {
	eng, clip := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Run(ctx)

	sess := newFakeSession("peer-b")
	eng.AddSession(ctx, "peer-b", sess)

	env, err := protocol.NewEnvelope(protocol.TypeClipboardData, 1, protocol.ClipboardData{
		Format: protocol.FormatText,
		Data:   "remote value",
	})
	require.NoError(t, err)
	sess.inCh <- env

	require.Eventually(t, func() bool {
		text, err := clip.GetText()
		return err == nil && text == "remote value"
	}, 2*time.Second, 10*time.Millisecond)

	// L1 should see the applied text as already-seen and not re-publish it.
	eng.l1Tick()
	recent, err := eng.hist.Recent()
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestFanOutStreamsOversizedPayload(t *testing.T) {
	eng, clip := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Run(ctx)

	local := newFakeSession("peer-c")
	remote := newFakeSession("self-node")
	local.peer = remote
	remote.peer = local
	eng.AddSession(ctx, "peer-c", local)

	big := make([]byte, 5*streamThreshold)
	const pattern = "hello world "
	for i := range big {
		big[i] = pattern[i%len(pattern)]
	}
	require.NoError(t, clip.SetText(string(big)))
	eng.l1Tick()

	select {
	case <-local.sentCh:
		t.Fatal("oversized payload should not be sent as one inline ClipboardData frame")
	case <-time.After(200 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		return len(remote.inCh) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestForceSyncBypassesDedupe(t *testing.T) {
	eng, clip := newTestEngine(t)
	require.NoError(t, clip.SetText("same"))
	eng.l1Tick()
	require.NoError(t, eng.ForceSync())

	recent, err := eng.hist.Recent()
	require.NoError(t, err)
	require.Len(t, recent, 2)
}
