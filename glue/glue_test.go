/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package glue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clipsync/clipsync/authkeys"
	"github.com/clipsync/clipsync/discovery"
	"github.com/clipsync/clipsync/identity"
	"github.com/clipsync/clipsync/trust"
)

func newPeer(t *testing.T, id, name string, kp *identity.KeyPair) discovery.PeerInfo {
	t.Helper()
	line, err := identity.MarshalAuthorizedKeyLine(kp.Public, name)
	require.NoError(t, err)
	return discovery.PeerInfo{
		ID:   id,
		Name: name,
		Metadata: discovery.Metadata{
			SSHPublicKey: line,
		},
	}
}

func alwaysTrust(string, string) trust.Decision { return trust.Trust }

func alwaysReject(string, string) trust.Decision { return trust.Reject }

func newStore(t *testing.T, prompt trust.PromptFunc) *trust.Store {
	t.Helper()
	store, err := trust.Open(filepath.Join(t.TempDir(), "trust.json"), prompt)
	require.NoError(t, err)
	return store
}

func TestOnDiscoveredAddsKeyWhenTrusted(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)

	store := newStore(t, alwaysTrust)
	keys := authkeys.New(nil)
	g := New(store, keys, nil)

	peer := newPeer(t, "peer-a", "laptop", kp)
	g.handle(discovery.Event{Kind: discovery.Discovered, Peer: peer})

	require.True(t, keys.Contains(identity.Fingerprint(kp.Public)))
}

func TestOnDiscoveredSkipsKeyWhenRejected(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)

	store := newStore(t, alwaysReject)
	keys := authkeys.New(nil)
	g := New(store, keys, nil)

	peer := newPeer(t, "peer-b", "desktop", kp)
	g.handle(discovery.Event{Kind: discovery.Discovered, Peer: peer})

	require.False(t, keys.Contains(identity.Fingerprint(kp.Public)))
}

func TestOnDiscoveredWithoutPublicKeyIsSkipped(t *testing.T) {
	store := newStore(t, alwaysTrust)
	keys := authkeys.New(nil)
	g := New(store, keys, nil)

	g.handle(discovery.Event{Kind: discovery.Discovered, Peer: discovery.PeerInfo{ID: "peer-c", Name: "headless"}})

	require.Zero(t, keys.Len())
}

func TestReconcileReAddsKeyWhenTrustedButMissingFromSet(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	fp := identity.Fingerprint(kp.Public)

	store := newStore(t, alwaysTrust)
	keys := authkeys.New(nil)
	g := New(store, keys, nil)

	peer := newPeer(t, "peer-d", "phone", kp)

	// Trust is recorded but the key has not yet been added to the set
	// (as if the process restarted and re-read the trust store but not
	// the authorized_keys file).
	trusted, err := store.ProcessPeer(peer.ID, peer.Name, fp)
	require.NoError(t, err)
	require.True(t, trusted)
	require.False(t, keys.Contains(fp))

	g.handle(discovery.Event{Kind: discovery.Updated, Peer: peer})

	require.True(t, keys.Contains(fp))
}

func TestReconcileRemovesKeyWhenTrustRevoked(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	fp := identity.Fingerprint(kp.Public)

	store := newStore(t, alwaysReject)
	keys := authkeys.New(nil)
	keys.AddKey(authkeys.Key{Public: kp.Public, Comment: "stale"})
	require.True(t, keys.Contains(fp))

	g := New(store, keys, nil)
	peer := newPeer(t, "peer-e", "tablet", kp)

	// Trust store has no record yet; ProcessPeer will reject and
	// persist the rejection.
	_, err = store.ProcessPeer(peer.ID, peer.Name, fp)
	require.NoError(t, err)

	g.handle(discovery.Event{Kind: discovery.Updated, Peer: peer})

	require.False(t, keys.Contains(fp))
}

func TestRunConsumesEventsUntilContextCancelled(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)

	store := newStore(t, alwaysTrust)
	keys := authkeys.New(nil)
	g := New(store, keys, nil)

	events := make(chan discovery.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		g.Run(ctx, events)
		close(done)
	}()

	events <- discovery.Event{Kind: discovery.Discovered, Peer: newPeer(t, "peer-f", "watch", kp)}

	require.Eventually(t, func() bool {
		return keys.Contains(identity.Fingerprint(kp.Public))
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
