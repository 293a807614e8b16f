/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package syncengine is the Sync Engine (C10), the heart of the
// system: four concurrent loops composing the local clipboard watcher,
// the authenticated sessions, and the history store into last-writer-
// wins clipboard synchronization across a peer fleet.
package syncengine

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipsync/clipsync/clipboard"
	"github.com/clipsync/clipsync/history"
	"github.com/clipsync/clipsync/internal/logging"
	"github.com/clipsync/clipsync/protocol"
	"github.com/clipsync/clipsync/stream"
)

const (
	watchInterval = time.Second

	// streamThreshold is the payload size at or above which fan-out uses
	// the Streaming Layer instead of one inline ClipboardData frame, per
	// the 5 MiB max frame size and the streaming-required-above-threshold
	// rule.
	streamThreshold = 64 * 1024
)

// SessionHandle is the minimum surface the Sync Engine needs from a
// peer session; *session.Session satisfies it.
type SessionHandle interface {
	PeerNodeID() string
	Send(typ protocol.MessageType, payload interface{}) error
	Inbound() <-chan protocol.Envelope
}

// Engine wires the local clipboard watcher, the history store, and a
// dynamic set of peer sessions together via the internal Bus.
type Engine struct {
	selfNodeID string
	clip       clipboard.Provider
	hist       *history.Store
	log        *logging.Logger
	bus        *Bus
	markFailed func(peerNodeID string)

	mu              sync.RWMutex
	sessions        map[string]SessionHandle
	streamMgrs      map[string]*stream.Manager
	lastHash        string
	lastLocalUpdate time.Time

	forceCh chan struct{}
}

func New(selfNodeID string, clip clipboard.Provider, hist *history.Store, markFailed func(string), log *logging.Logger) (*Engine, error) {
	if log == nil {
		log = logging.NewDiscard()
	}
	bus, err := NewBus()
	if err != nil {
		return nil, err
	}
	return &Engine{
		selfNodeID: selfNodeID,
		clip:       clip,
		hist:       hist,
		log:        log,
		bus:        bus,
		markFailed: markFailed,
		sessions:   make(map[string]SessionHandle),
		streamMgrs: make(map[string]*stream.Manager),
		forceCh:    make(chan struct{}, 1),
	}, nil
}

// AddSession registers a Ready session for fan-out, gives it its own
// Streaming Layer manager for oversized payloads, and starts the L3
// reader task for its inbound frames.
func (e *Engine) AddSession(ctx context.Context, peerNodeID string, sess SessionHandle) {
	mgr := stream.NewManager(sess, e.log)
	e.mu.Lock()
	e.sessions[peerNodeID] = sess
	e.streamMgrs[peerNodeID] = mgr
	e.mu.Unlock()
	go e.l3RemoteApplyLoop(ctx, peerNodeID, sess, mgr)
	go e.l3StreamDeliveryLoop(ctx, peerNodeID, mgr)
}

func (e *Engine) RemoveSession(peerNodeID string) {
	e.mu.Lock()
	delete(e.sessions, peerNodeID)
	delete(e.streamMgrs, peerNodeID)
	e.mu.Unlock()
}

// Run starts L1 and L2; L3 is started per-session by AddSession. L4 is
// inline inside the bus-subscriber loop launched here.
func (e *Engine) Run(ctx context.Context) {
	go e.l1LocalWatchLoop(ctx)
	go e.l2FanOutLoop(ctx)
	go e.l4ConflictArbitrationLoop(ctx)
}

// ForceSync pushes a SyncEvent for the current clipboard content
// regardless of hash equality, bypassing L1's dedupe but still subject
// to L2's fan-out.
func (e *Engine) ForceSync() error {
	text, err := e.clip.GetText()
	if err != nil {
		return err
	}
	ev := e.buildLocalEvent(text)
	ev.Forced = true
	if err := e.insertLocal(ev, text); err != nil {
		return err
	}
	e.bus.Publish(ev)
	e.setLastSeen(changeDetectorHash(text), ev.Timestamp)
	return nil
}

// L1: local watch loop.
func (e *Engine) l1LocalWatchLoop(ctx context.Context) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.l1Tick()
		}
	}
}

// changeDetectorHash is L1's cheap "did the clipboard change" check.
// It is never transmitted and never compared against the history
// store's SHA-256 content checksum.
func changeDetectorHash(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (e *Engine) l1Tick() {
	text, err := e.clip.GetText()
	if err != nil {
		return
	}
	h := changeDetectorHash(text)

	e.mu.RLock()
	unchanged := h == e.lastHash
	e.mu.RUnlock()
	if unchanged {
		return
	}

	if shouldFilter(text) {
		e.log.Debug("syncengine: local clipboard content filtered by safety check")
		return
	}

	ev := e.buildLocalEvent(text)
	if err := e.insertLocal(ev, text); err != nil {
		e.log.Warn("syncengine: history insert failed", logging.KVErr(err))
	}
	e.bus.Publish(ev)
	e.setLastSeen(h, ev.Timestamp)
}

// buildLocalEvent stamps ev.Checksum with the SHA-256 content checksum
// shared with the History Store and the wire, distinct from the MD5
// change-detector hash used only internally by L1.
func (e *Engine) buildLocalEvent(text string) SyncEvent {
	sum := sha256.Sum256([]byte(text))
	return SyncEvent{
		ID:         uuid.New().String(),
		Text:       text,
		Timestamp:  time.Now(),
		SourceNode: e.selfNodeID,
		Checksum:   hex.EncodeToString(sum[:]),
	}
}

func (e *Engine) insertLocal(ev SyncEvent, text string) error {
	return e.hist.Insert(history.Entry{
		ID:          ev.ID,
		Content:     []byte(text),
		ContentType: "text/plain",
		Timestamp:   ev.Timestamp,
		OriginNode:  e.selfNodeID,
	})
}

func (e *Engine) setLastSeen(hash string, at time.Time) {
	e.mu.Lock()
	e.lastHash = hash
	e.lastLocalUpdate = at
	e.mu.Unlock()
}

// L2: fan-out loop.
func (e *Engine) l2FanOutLoop(ctx context.Context) {
	sub := e.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			if ev.SourceNode != e.selfNodeID {
				continue
			}
			e.fanOutToPeers(ev)
		}
	}
}

func (e *Engine) fanOutToPeers(ev SyncEvent) {
	e.mu.RLock()
	peers := make(map[string]SessionHandle, len(e.sessions))
	mgrs := make(map[string]*stream.Manager, len(e.streamMgrs))
	for id, s := range e.sessions {
		peers[id] = s
	}
	for id, m := range e.streamMgrs {
		mgrs[id] = m
	}
	e.mu.RUnlock()

	large := len(ev.Text) >= streamThreshold

	for peerID, sess := range peers {
		if large {
			go e.sendLargeToPeer(peerID, mgrs[peerID], ev)
			continue
		}
		err := sess.Send(protocol.TypeClipboardData, protocol.ClipboardData{
			Format:      protocol.FormatText,
			Data:        ev.Text,
			Checksum:    ev.Checksum,
			Compression: protocol.CompressionNone,
		})
		if err != nil {
			e.log.Warn("syncengine: fan-out send failed", logging.KV("peer", peerID), logging.KVErr(err))
			if e.markFailed != nil {
				e.markFailed(peerID)
			}
		}
	}
}

// sendLargeToPeer streams a payload at or above streamThreshold via the
// peer's Streaming Layer manager instead of one inline ClipboardData
// frame, per the 5 MiB max frame size rule.
func (e *Engine) sendLargeToPeer(peerID string, mgr *stream.Manager, ev SyncEvent) {
	if mgr == nil {
		return
	}
	if err := mgr.SendLarge("text/plain", []byte(ev.Text), true); err != nil {
		e.log.Warn("syncengine: stream send failed", logging.KV("peer", peerID), logging.KVErr(err))
		if e.markFailed != nil {
			e.markFailed(peerID)
		}
	}
}

// L3: remote apply loop, one instance per session. ClipboardData frames
// publish directly; Stream* frames are handed to the session's
// Streaming Layer manager, which reassembles them and hands the result
// to l3StreamDeliveryLoop via mgr.Delivered().
func (e *Engine) l3RemoteApplyLoop(ctx context.Context, peerNodeID string, sess SessionHandle, mgr *stream.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sess.Inbound():
			if !ok {
				return
			}
			switch env.Type {
			case protocol.TypeClipboardData:
				var cd protocol.ClipboardData
				if err := env.Decode(&cd); err != nil {
					e.log.Warn("syncengine: bad ClipboardData frame", logging.KVErr(err))
					continue
				}
				e.bus.Publish(SyncEvent{
					ID:           uuid.New().String(),
					Text:         cd.Data,
					Timestamp:    time.Now(),
					SourceNode:   peerNodeID,
					SourcePeerID: peerNodeID,
					Checksum:     cd.Checksum,
				})
			case protocol.TypeStreamStart, protocol.TypeStreamChunk, protocol.TypeStreamEnd, protocol.TypeStreamAck:
				if err := mgr.Dispatch(env); err != nil {
					e.log.Warn("syncengine: stream dispatch failed", logging.KV("peer", peerNodeID), logging.KVErr(err))
				}
			default:
				continue
			}
		}
	}
}

// l3StreamDeliveryLoop publishes a SyncEvent for every stream the peer's
// Streaming Layer manager finishes reassembling and verifying.
func (e *Engine) l3StreamDeliveryLoop(ctx context.Context, peerNodeID string, mgr *stream.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-mgr.Delivered():
			if !ok {
				return
			}
			text := string(d.Data)
			sum := sha256.Sum256(d.Data)
			e.bus.Publish(SyncEvent{
				ID:           uuid.New().String(),
				Text:         text,
				Timestamp:    time.Now(),
				SourceNode:   peerNodeID,
				SourcePeerID: peerNodeID,
				Checksum:     hex.EncodeToString(sum[:]),
			})
		}
	}
}

// L4: conflict arbitration loop.
func (e *Engine) l4ConflictArbitrationLoop(ctx context.Context) {
	sub := e.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			if ev.SourceNode == e.selfNodeID {
				continue
			}
			e.arbitrate(ev)
		}
	}
}

func (e *Engine) arbitrate(ev SyncEvent) {
	e.mu.RLock()
	lastLocal := e.lastLocalUpdate
	e.mu.RUnlock()

	// 1. Staleness check.
	if !ev.Timestamp.After(lastLocal) {
		return
	}
	// 2. Duplicate check.
	if e.hist.HasChecksumNewerOrEqual(ev.Checksum, ev.Timestamp) {
		return
	}
	// 3. Apply.
	if err := e.clip.SetText(ev.Text); err != nil {
		e.log.Warn("syncengine: apply remote clipboard failed", logging.KVErr(err))
		return
	}
	if err := e.hist.Insert(history.Entry{
		ID:          ev.ID,
		Content:     []byte(ev.Text),
		ContentType: "text/plain",
		Timestamp:   ev.Timestamp,
		OriginNode:  ev.SourceNode,
	}); err != nil {
		e.log.Warn("syncengine: history insert for remote entry failed", logging.KVErr(err))
	}
	// lastHash tracks L1's own MD5 change-detector namespace, not the
	// SHA-256 wire/history checksum, so the next L1 tick recognizes
	// this text as already-applied and does not echo it back out.
	e.setLastSeen(changeDetectorHash(ev.Text), ev.Timestamp)
}
