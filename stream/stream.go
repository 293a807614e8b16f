/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package stream is the Streaming Layer (C8): chunked send/recv of
// oversized ClipboardData payloads with windowed in-flight chunks,
// per-chunk acknowledgement, and whole-payload checksum verification.
package stream

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/clipsync/clipsync/internal/logging"
	"github.com/clipsync/clipsync/protocol"
)

const (
	DefaultChunkSize  = 64 * 1024
	DefaultMaxInFlight = 10
	progressInterval  = 100 * time.Millisecond // ~10 Hz
)

var (
	ErrChecksumMismatch = errors.New("stream: assembled checksum mismatch")
	ErrCancelled        = errors.New("stream: cancelled")
	ErrUnknownStream    = errors.New("stream: unknown stream id")
)

// Transport is the minimum a Session must provide to carry stream
// frames; *session.Session satisfies it.
type Transport interface {
	Send(typ protocol.MessageType, payload interface{}) error
}

// Delivered is a fully-assembled, verified, decompressed stream handed
// to the caller as if it were a single ClipboardData payload.
type Delivered struct {
	StreamID    string
	ContentType string
	Data        []byte
}

// Progress is emitted out-of-band, never on the session wire.
type Progress struct {
	StreamID         string
	BytesTransferred int64
	TotalBytes       int64
	TransferRate     float64 // bytes/sec
	ETASeconds       *float64
	CurrentChunk     int
	TotalChunks      int
}

type outgoing struct {
	id          string
	totalChunks int
	ackCh       chan int
	cancelCh    chan struct{}
	cancelOnce  sync.Once
}

type incoming struct {
	id           string
	meta         protocol.StreamMetadata
	chunks       map[int][]byte
	nextExpected int
	assembled    bytes.Buffer
	startTime    time.Time
	lastProgress time.Time
	bytesSoFar   int64
}

// Manager tracks in-flight outgoing and incoming streams for one
// session. One Manager per Session.
type Manager struct {
	transport   Transport
	log         *logging.Logger
	chunkSize   int
	maxInFlight int

	mu  sync.Mutex
	out map[string]*outgoing
	in  map[string]*incoming

	progressCh chan Progress
	deliverCh  chan Delivered
}

func NewManager(transport Transport, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewDiscard()
	}
	return &Manager{
		transport:   transport,
		log:         log,
		chunkSize:   DefaultChunkSize,
		maxInFlight: DefaultMaxInFlight,
		out:         make(map[string]*outgoing),
		in:          make(map[string]*incoming),
		progressCh:  make(chan Progress, 32),
		deliverCh:   make(chan Delivered, 4),
	}
}

func (m *Manager) Progress() <-chan Progress { return m.progressCh }
func (m *Manager) Delivered() <-chan Delivered { return m.deliverCh }

// SendLarge compresses (if requested), chunks, and streams plaintext to
// the peer, blocking until the whole payload is acknowledged or the
// transfer is cancelled.
func (m *Manager) SendLarge(contentType string, plaintext []byte, compress bool) error {
	body := plaintext
	comp := protocol.CompressionNone
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(3)))
		if err != nil {
			return err
		}
		body = enc.EncodeAll(plaintext, nil)
		enc.Close()
		comp = protocol.CompressionZstd
	}
	sum := sha256.Sum256(body)
	checksum := hex.EncodeToString(sum[:])

	id := uuid.New().String()
	totalChunks := (len(body) + m.chunkSize - 1) / m.chunkSize
	if totalChunks == 0 {
		totalChunks = 1
	}

	ob := &outgoing{
		id:          id,
		totalChunks: totalChunks,
		ackCh:       make(chan int, m.maxInFlight),
		cancelCh:    make(chan struct{}),
	}
	m.mu.Lock()
	m.out[id] = ob
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.out, id)
		m.mu.Unlock()
	}()

	if err := m.transport.Send(protocol.TypeStreamStart, protocol.Stream{
		Operation: protocol.StreamOpStart,
		StreamID:  id,
		Metadata: &protocol.StreamMetadata{
			TotalSize:   int64(len(body)),
			TotalChunks: totalChunks,
			ChunkSize:   m.chunkSize,
			ContentType: contentType,
			Compression: comp,
			Checksum:    checksum,
		},
	}); err != nil {
		return err
	}

	inFlight := 0
	for seq := 1; seq <= totalChunks; seq++ {
		start := (seq - 1) * m.chunkSize
		end := start + m.chunkSize
		if end > len(body) {
			end = len(body)
		}
		if err := m.transport.Send(protocol.TypeStreamChunk, protocol.Stream{
			Operation:     protocol.StreamOpChunk,
			StreamID:      id,
			Data:          body[start:end],
			ChunkSequence: seq,
		}); err != nil {
			return err
		}
		inFlight++
		if inFlight >= m.maxInFlight {
			if err := ob.waitForAck(); err != nil {
				return err
			}
			inFlight--
		}
	}
	for inFlight > 0 {
		if err := ob.waitForAck(); err != nil {
			return err
		}
		inFlight--
	}

	return m.transport.Send(protocol.TypeStreamEnd, protocol.Stream{
		Operation:  protocol.StreamOpEnd,
		StreamID:   id,
		Completion: &protocol.StreamCompletion{Success: true},
	})
}

func (o *outgoing) waitForAck() error {
	select {
	case <-o.ackCh:
		return nil
	case <-o.cancelCh:
		return ErrCancelled
	}
}

// Cancel aborts an in-progress outgoing stream, if present.
func (m *Manager) Cancel(streamID string) {
	m.mu.Lock()
	ob, ok := m.out[streamID]
	m.mu.Unlock()
	if !ok {
		return
	}
	ob.cancelOnce.Do(func() { close(ob.cancelCh) })
	_ = m.transport.Send(protocol.TypeStreamChunk, protocol.Stream{
		Operation: protocol.StreamOpCancel,
		StreamID:  streamID,
	})
}

// Dispatch routes an inbound Stream envelope to the appropriate
// in-flight transfer. Callers feed it every envelope read off a
// Session's Inbound() channel whose Type names a stream operation.
func (m *Manager) Dispatch(env protocol.Envelope) error {
	var s protocol.Stream
	if err := env.Decode(&s); err != nil {
		return fmt.Errorf("stream: decode: %w", err)
	}
	switch s.Operation {
	case protocol.StreamOpAck:
		return m.handleAck(s)
	case protocol.StreamOpStart:
		return m.handleStart(s)
	case protocol.StreamOpChunk:
		return m.handleChunk(s)
	case protocol.StreamOpEnd:
		return m.handleEnd(s)
	case protocol.StreamOpCancel:
		return m.handleCancel(s)
	}
	return fmt.Errorf("stream: unknown operation %q", s.Operation)
}

func (m *Manager) handleAck(s protocol.Stream) error {
	m.mu.Lock()
	ob, ok := m.out[s.StreamID]
	m.mu.Unlock()
	if !ok {
		return nil // stream already completed/cancelled; stale ack
	}
	select {
	case ob.ackCh <- s.ChunkSequence:
	default:
	}
	return nil
}

func (m *Manager) handleStart(s protocol.Stream) error {
	if s.Metadata == nil {
		return fmt.Errorf("stream: StreamStart missing metadata")
	}
	ib := &incoming{
		id:           s.StreamID,
		meta:         *s.Metadata,
		chunks:       make(map[int][]byte),
		nextExpected: 1,
		startTime:    time.Now(),
	}
	m.mu.Lock()
	m.in[s.StreamID] = ib
	m.mu.Unlock()
	return nil
}

func (m *Manager) handleChunk(s protocol.Stream) error {
	m.mu.Lock()
	ib, ok := m.in[s.StreamID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownStream
	}

	m.mu.Lock()
	ib.chunks[s.ChunkSequence] = s.Data
	for {
		chunk, have := ib.chunks[ib.nextExpected]
		if !have {
			break
		}
		ib.assembled.Write(chunk)
		ib.bytesSoFar += int64(len(chunk))
		delete(ib.chunks, ib.nextExpected)
		ib.nextExpected++
	}
	shouldReport := time.Since(ib.lastProgress) >= progressInterval
	if shouldReport {
		ib.lastProgress = time.Now()
	}
	bytesSoFar, total, chunkNo, totalChunks := ib.bytesSoFar, ib.meta.TotalSize, ib.nextExpected-1, ib.meta.TotalChunks
	elapsed := time.Since(ib.startTime).Seconds()
	m.mu.Unlock()

	if err := m.transport.Send(protocol.TypeStreamAck, protocol.Stream{
		Operation:     protocol.StreamOpAck,
		StreamID:      s.StreamID,
		ChunkSequence: s.ChunkSequence,
	}); err != nil {
		return err
	}

	if shouldReport {
		rate := 0.0
		if elapsed > 0 {
			rate = float64(bytesSoFar) / elapsed
		}
		var eta *float64
		if rate > 0 && total > bytesSoFar {
			v := float64(total-bytesSoFar) / rate
			eta = &v
		}
		select {
		case m.progressCh <- Progress{
			StreamID:         s.StreamID,
			BytesTransferred: bytesSoFar,
			TotalBytes:       total,
			TransferRate:     rate,
			ETASeconds:       eta,
			CurrentChunk:     chunkNo,
			TotalChunks:      totalChunks,
		}:
		default:
		}
	}
	return nil
}

func (m *Manager) handleEnd(s protocol.Stream) error {
	m.mu.Lock()
	ib, ok := m.in[s.StreamID]
	if ok {
		delete(m.in, s.StreamID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownStream
	}

	assembled := ib.assembled.Bytes()
	sum := sha256.Sum256(assembled)
	if hex.EncodeToString(sum[:]) != ib.meta.Checksum {
		m.log.Warn("stream: checksum mismatch, discarding", logging.KV("stream_id", s.StreamID))
		return ErrChecksumMismatch
	}

	data := assembled
	if ib.meta.Compression == protocol.CompressionZstd {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return err
		}
		defer dec.Close()
		data, err = dec.DecodeAll(assembled, nil)
		if err != nil {
			return fmt.Errorf("stream: decompress: %w", err)
		}
	}

	select {
	case m.deliverCh <- Delivered{StreamID: s.StreamID, ContentType: ib.meta.ContentType, Data: data}:
	default:
		m.log.Warn("stream: delivery queue full, dropping completed stream", logging.KV("stream_id", s.StreamID))
	}
	return nil
}

func (m *Manager) handleCancel(s protocol.Stream) error {
	m.mu.Lock()
	if ob, ok := m.out[s.StreamID]; ok {
		ob.cancelOnce.Do(func() { close(ob.cancelCh) })
	}
	delete(m.in, s.StreamID)
	m.mu.Unlock()
	return nil
}
