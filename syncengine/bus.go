/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package syncengine

import (
	"sync"
	"time"

	"github.com/clipsync/clipsync/chancacher"
)

// SyncEvent is an internal record that some clipboard content exists
// (local or remote) that the engine must consider for fan-out or
// apply.
type SyncEvent struct {
	ID           string
	Text         string
	Timestamp    time.Time
	SourceNode   string // NodeId that produced the content
	SourcePeerID string // non-empty only for events that arrived over a session
	Checksum     string // hex SHA-256 of Text, the checksum shared with the history store
	Forced       bool
}

// Bus is the Sync Engine's internal broadcast: every SyncEvent
// published (by L1 or L3) is offered to every subscriber (L2 and L4);
// a subscriber whose channel is full at that moment misses it. The
// ingress side is a bounded chancacher.ChanCacher pipeline so a slow
// fan-out/apply pass cannot make the local watch loop's Publish call
// stall indefinitely; the single reader then copies to per-subscriber
// channels the way the teacher's discovery-style event managers do.
type Bus struct {
	cc *chancacher.ChanCacher

	mu   sync.Mutex
	subs []chan SyncEvent
}

const busDepth = 256

func NewBus() (*Bus, error) {
	b := &Bus{cc: chancacher.NewChanCacher(busDepth)}
	go b.fanout()
	return b, nil
}

func (b *Bus) fanout() {
	for v := range b.cc.Out {
		ev, ok := v.(SyncEvent)
		if !ok {
			continue
		}
		b.mu.Lock()
		subs := make([]chan SyncEvent, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()
		for _, s := range subs {
			select {
			case s <- ev:
			default:
			}
		}
	}
}

// Publish enqueues ev for delivery to every subscriber.
func (b *Bus) Publish(ev SyncEvent) { b.cc.In <- ev }

// Subscribe returns a channel that receives events published from this
// point forward. The channel buffers 32 events; an event that arrives
// while it is full is dropped for this subscriber.
func (b *Bus) Subscribe() <-chan SyncEvent {
	ch := make(chan SyncEvent, 32)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}
