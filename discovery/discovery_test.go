/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddPeerEmitsDiscoveredThenUpdated(t *testing.T) {
	mgr := NewManager("self", nil)
	ch := mgr.Subscribe()

	mgr.AddPeer(PeerInfo{ID: "peer-1", Name: "laptop"})
	ev := <-ch
	assert.Equal(t, Discovered, ev.Kind)

	mgr.AddPeer(PeerInfo{ID: "peer-1", Name: "laptop-renamed"})
	ev = <-ch
	assert.Equal(t, Updated, ev.Kind)
}

func TestAddPeerIgnoresSelf(t *testing.T) {
	mgr := NewManager("self", nil)
	ch := mgr.Subscribe()
	mgr.AddPeer(PeerInfo{ID: "self"})
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for self sighting: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMarkPeerFailedRemovesAtThreshold(t *testing.T) {
	mgr := NewManager("self", nil)
	ch := mgr.Subscribe()
	mgr.AddPeer(PeerInfo{ID: "peer-1"})
	<-ch // Discovered

	mgr.MarkPeerFailed("peer-1")
	mgr.MarkPeerFailed("peer-1")
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event before threshold: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}

	mgr.MarkPeerFailed("peer-1")
	ev := <-ch
	assert.Equal(t, Lost, ev.Kind)
	assert.Empty(t, mgr.Peers())
}

func TestSweepRemovesStaleNonManualPeers(t *testing.T) {
	mgr := NewManager("self", nil)
	mgr.AddPeer(PeerInfo{ID: "stale", Source: SourceDiscovered})
	mgr.AddPeer(PeerInfo{ID: "kept", Source: SourceManual})

	mgr.mu.Lock()
	mgr.peers["stale"].LastSeen = time.Now().Add(-10 * time.Minute)
	mgr.peers["kept"].LastSeen = time.Now().Add(-10 * time.Minute)
	mgr.mu.Unlock()

	ch := mgr.Subscribe()
	mgr.sweepOnce()

	ev := <-ch
	assert.Equal(t, Lost, ev.Kind)
	assert.Equal(t, "stale", ev.Peer.ID)

	peers := mgr.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "kept", peers[0].ID)
}

func TestBestAddressPrefersIPv4(t *testing.T) {
	p := &PeerInfo{Addresses: []net.IP{net.ParseIP("::1"), net.ParseIP("192.168.1.5")}}
	ip, ok := p.BestAddress()
	require.True(t, ok)
	assert.Equal(t, "192.168.1.5", ip.String())
}

func TestUDPPacketRoundTrip(t *testing.T) {
	info := ServiceInfo{ID: "node-1", Name: "laptop", Port: 8484, Version: "1.0.0", Platform: "linux"}
	pkt, err := encodeUDPPacket(info)
	require.NoError(t, err)

	assert.Equal(t, udpMagic, string(pkt[:len(udpMagic)]))
	assert.Equal(t, byte(udpVersion), pkt[len(udpMagic)])

	got, err := decodeUDPPacket(pkt)
	require.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestDecodeUDPPacketRejectsBadMagic(t *testing.T) {
	_, err := decodeUDPPacket([]byte("NOTCLIPSYNCxxxxxxxxxxxxx"))
	assert.Error(t, err)
}

func TestDecodeUDPPacketRejectsTruncated(t *testing.T) {
	_, err := decodeUDPPacket([]byte("short"))
	assert.Error(t, err)
}
