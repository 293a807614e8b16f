/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/clipsync/clipsync/internal/logging"
)

// Manager de-duplicates sightings from every sub-discoverer by NodeId
// and fans {Discovered, Updated, Lost, Error} events out to subscribers.
type Manager struct {
	selfID string
	log    *logging.Logger

	mu    sync.Mutex
	peers map[string]*PeerInfo

	subMu sync.Mutex
	subs  []chan Event
}

// NewManager builds a Manager that ignores sightings of selfID.
func NewManager(selfID string, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewDiscard()
	}
	return &Manager{selfID: selfID, log: log, peers: make(map[string]*PeerInfo)}
}

// Subscribe returns a channel of events. The channel is buffered; slow
// subscribers do not block discovery, but may miss events under
// sustained backpressure.
func (m *Manager) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

func (m *Manager) publish(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.log.Warn("dropping discovery event, subscriber is backed up",
				logging.KV("kind", ev.Kind.String()))
		}
	}
}

// AddPeer inserts or updates a sighting. First insert emits Discovered,
// subsequent sightings emit Updated. consecutive_failures resets to
// zero on every successful sighting.
func (m *Manager) AddPeer(p PeerInfo) {
	if p.ID == m.selfID {
		return
	}
	p.LastSeen = time.Now()

	m.mu.Lock()
	_, ok := m.peers[p.ID]
	if ok {
		p.ConsecutiveFailures = 0
		m.peers[p.ID] = &p
	} else {
		m.peers[p.ID] = &p
	}
	m.mu.Unlock()

	if ok {
		m.publish(Event{Kind: Updated, Peer: p})
	} else {
		m.publish(Event{Kind: Discovered, Peer: p})
	}
}

// MarkPeerFailed increments the failure counter for id; at
// failureLimit the peer is removed and Lost is emitted.
func (m *Manager) MarkPeerFailed(id string) {
	m.mu.Lock()
	p, ok := m.peers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	p.ConsecutiveFailures++
	remove := p.ConsecutiveFailures >= failureLimit
	var snapshot PeerInfo
	if remove {
		snapshot = *p
		delete(m.peers, id)
	}
	m.mu.Unlock()

	if remove {
		m.publish(Event{Kind: Lost, Peer: snapshot})
	}
}

// RemoveByID is used by the mDNS ServiceRemoved path and manual peer
// removal; it always emits Lost if the peer was present.
func (m *Manager) RemoveByID(id string) {
	m.mu.Lock()
	p, ok := m.peers[id]
	if ok {
		delete(m.peers, id)
	}
	m.mu.Unlock()
	if ok {
		m.publish(Event{Kind: Lost, Peer: *p})
	}
}

// Peers returns a snapshot of all known peers.
func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p)
	}
	return out
}

// RunSweep blocks, removing non-manual peers whose LastSeen exceeds
// peerTTL every sweepInterval, until ctx is cancelled.
func (m *Manager) RunSweep(ctx context.Context) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	cutoff := time.Now().Add(-peerTTL)
	var stale []PeerInfo

	m.mu.Lock()
	for id, p := range m.peers {
		if p.Source == SourceManual {
			continue
		}
		if p.LastSeen.Before(cutoff) {
			stale = append(stale, *p)
			delete(m.peers, id)
		}
	}
	m.mu.Unlock()

	for _, p := range stale {
		m.publish(Event{Kind: Lost, Peer: p})
	}
}
