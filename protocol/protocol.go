/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package protocol is the Wire Protocol (C6): the JSON envelope and its
// tagged payload variants exchanged as WebSocket text frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	Version = "1.0.0"

	// MaxFrameSize is the largest envelope the wire will carry as a
	// single text frame; anything larger must go through the streaming
	// layer (C8).
	MaxFrameSize = 5 * 1024 * 1024
)

type MessageType string

const (
	TypeHandshake         MessageType = "Handshake"
	TypeHandshakeResponse MessageType = "HandshakeResponse"
	TypeAuthChallenge     MessageType = "AuthChallenge"
	TypeAuthResponse      MessageType = "AuthResponse"
	TypeAuthResult        MessageType = "AuthResult"
	TypeClipboardData     MessageType = "ClipboardData"
	TypeStreamStart       MessageType = "StreamStart"
	TypeStreamChunk       MessageType = "StreamChunk"
	TypeStreamEnd         MessageType = "StreamEnd"
	TypeStreamAck         MessageType = "StreamAck"
	TypeKeepAlive         MessageType = "KeepAlive"
	TypeClose             MessageType = "Close"
	TypeError             MessageType = "Error"
	TypeCapabilities      MessageType = "Capabilities"
	TypeStatus            MessageType = "Status"
)

// Envelope is the outermost shape of every message on the wire. Payload
// is kept as raw JSON and decoded into the concrete type named by Type
// via Decode.
type Envelope struct {
	Type          MessageType     `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Sequence      uint64          `json:"sequence"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Version       string          `json:"version"`
}

// NewEnvelope builds an Envelope carrying payload, marshaling it to
// json.RawMessage and stamping Version and Timestamp.
func NewEnvelope(typ MessageType, seq uint64, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal payload: %w", err)
	}
	return Envelope{
		Type:      typ,
		Payload:   raw,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
		Version:   Version,
	}, nil
}

// WithCorrelationID tags e with a fresh correlation id, returning the
// modified envelope for chaining.
func (e Envelope) WithCorrelationID() Envelope {
	e.CorrelationID = uuid.New().String()
	return e
}

// Decode unmarshals e.Payload into dst, which must match the shape
// associated with e.Type.
func (e Envelope) Decode(dst interface{}) error {
	return json.Unmarshal(e.Payload, dst)
}

// --- payload variants ---

type Handshake struct {
	Version      string            `json:"version"`
	PeerID       string            `json:"peer_id"`
	Capabilities []string          `json:"capabilities"`
	Parameters   map[string]string `json:"parameters,omitempty"`
}

type AuthResultKind string

const (
	AuthSuccess  AuthResultKind = "Success"
	AuthFailed   AuthResultKind = "Failed"
	AuthContinue AuthResultKind = "Continue"
)

type AuthResult struct {
	Kind   AuthResultKind `json:"kind"`
	Token  string         `json:"token,omitempty"`
	PeerID *PeerID        `json:"peer_id,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

type PeerID struct {
	Fingerprint string `json:"fingerprint"`
	Name        string `json:"name"`
}

type Auth struct {
	Method string      `json:"method"`
	Data   string      `json:"data"` // base64
	Step   int         `json:"step"`
	Result *AuthResult `json:"result,omitempty"`
}

type ClipboardFormat string

const (
	FormatText   ClipboardFormat = "Text"
	FormatHTML   ClipboardFormat = "Html"
	FormatRTF    ClipboardFormat = "Rtf"
	FormatImage  ClipboardFormat = "Image"
	FormatFiles  ClipboardFormat = "Files"
	FormatBinary ClipboardFormat = "Binary"
	FormatCustom ClipboardFormat = "Custom"
)

type Compression string

const (
	CompressionNone Compression = "None"
	CompressionZstd Compression = "Zstd"
	CompressionGzip Compression = "Gzip"
)

type ClipboardData struct {
	Format      ClipboardFormat   `json:"format"`
	FormatLabel string            `json:"format_label,omitempty"` // MIME/name for Image/Binary/Custom
	Data        string            `json:"data"`                   // base64 or utf8 depending on Format
	Compression Compression       `json:"compression,omitempty"`
	Checksum    string            `json:"checksum"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type StreamOperation string

const (
	StreamOpStart  StreamOperation = "Start"
	StreamOpChunk  StreamOperation = "Chunk"
	StreamOpEnd    StreamOperation = "End"
	StreamOpAck    StreamOperation = "Ack"
	StreamOpCancel StreamOperation = "Cancel"
)

type StreamMetadata struct {
	TotalSize   int64       `json:"total_size"`
	TotalChunks int         `json:"total_chunks"`
	ChunkSize   int         `json:"chunk_size"`
	ContentType string      `json:"content_type"`
	Compression Compression `json:"compression"`
	Checksum    string      `json:"checksum"`
}

type StreamCompletion struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

type Stream struct {
	Operation      StreamOperation   `json:"operation"`
	StreamID       string            `json:"stream_id"`
	Metadata       *StreamMetadata   `json:"metadata,omitempty"`
	Data           []byte            `json:"data,omitempty"`
	ChunkSequence  int               `json:"chunk_sequence,omitempty"`
	Completion     *StreamCompletion `json:"completion,omitempty"`
}

type CloseCode string

const (
	CloseNormal           CloseCode = "Normal"
	CloseAuthFailed       CloseCode = "AuthFailed"
	CloseProtocolError    CloseCode = "ProtocolError"
	CloseVersionMismatch  CloseCode = "VersionMismatch"
	CloseServerShutdown   CloseCode = "ServerShutdown"
	CloseClientDisconnect CloseCode = "ClientDisconnect"
	CloseTimeout          CloseCode = "Timeout"
	CloseUnknown          CloseCode = "Unknown"
)

type Close struct {
	Code   CloseCode `json:"code"`
	Reason string    `json:"reason,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type Capabilities struct {
	Streaming   bool `json:"streaming"`
	Compression bool `json:"compression"`
	Encryption  bool `json:"encryption"`
}

type StatusKind string

const (
	StatusHealthy  StatusKind = "Healthy"
	StatusDegraded StatusKind = "Degraded"
	StatusBusy     StatusKind = "Busy"
	StatusIdle     StatusKind = "Idle"
	StatusClosing  StatusKind = "Closing"
)

type Status struct {
	Status  StatusKind        `json:"status"`
	Message string            `json:"message,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}
