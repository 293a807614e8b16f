/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package session is the Session (C7): one bidirectional WebSocket
// connection to a peer, its handshake/authentication state machine, and
// the send/recv task pair that multiplexes the socket. The single-
// reader-goroutine-dispatches-by-type shape follows the teacher's
// websocketRouter.SubProtoClient.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clipsync/clipsync/authkeys"
	"github.com/clipsync/clipsync/identity"
	"github.com/clipsync/clipsync/internal/logging"
	"github.com/clipsync/clipsync/protocol"
)

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateAuthenticating
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateAuthenticating:
		return "Authenticating"
	case StateReady:
		return "Ready"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	}
	return "Unknown"
}

type Role int

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

const (
	keepAliveInterval = 30 * time.Second
	tokenTTL          = time.Hour
	errThreshold      = 5
	sendQueueDepth    = 64
)

var (
	ErrSessionClosed        = errors.New("session: closed")
	ErrUnauthorized         = errors.New("session: peer not in authorized-key set")
	ErrVersionMismatch      = errors.New("session: protocol version mismatch")
	ErrAuthenticationFailed = errors.New("session: authentication failed")
)

// Token is an opaque bearer credential issued to an authenticated peer.
type Token struct {
	ID              string
	PeerFingerprint string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	Signature       []byte
}

func (t Token) canonical() string {
	return fmt.Sprintf("%s:%s:%d:%d", t.ID, t.PeerFingerprint, t.CreatedAt.Unix(), t.ExpiresAt.Unix())
}

// PeerInfo is what the session learns about the far end once Ready.
type PeerInfo struct {
	Fingerprint string
	Name        string
	ID          string
}

// Session wraps one WebSocket connection.
type Session struct {
	conn *websocket.Conn
	role Role
	log  *logging.Logger

	selfID   string
	selfCaps []string
	key      *identity.KeyPair
	authKeys *authkeys.Set

	mu    sync.Mutex
	state State
	peer  PeerInfo

	seq uint64

	sendCh chan protocol.Envelope
	recvCh chan protocol.Envelope
	errCh  chan error

	tokMu  sync.Mutex
	tokens map[string]Token

	closeOnce sync.Once
	closed    chan struct{}

	hsCh chan protocol.Envelope
}

// New wraps an established *websocket.Conn. Run must be called to begin
// the handshake.
func New(conn *websocket.Conn, role Role, selfID string, caps []string, key *identity.KeyPair, authKeys *authkeys.Set, log *logging.Logger) *Session {
	if log == nil {
		log = logging.NewDiscard()
	}
	return &Session{
		conn:     conn,
		role:     role,
		log:      log,
		selfID:   selfID,
		selfCaps: caps,
		key:      key,
		authKeys: authKeys,
		state:    StateConnecting,
		sendCh:   make(chan protocol.Envelope, sendQueueDepth),
		recvCh:   make(chan protocol.Envelope, sendQueueDepth),
		errCh:    make(chan error, 1),
		tokens:   make(map[string]Token),
		closed:   make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) Peer() PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// PeerNodeID returns the peer's NodeId as learned during the
// handshake, satisfying syncengine.SessionHandle.
func (s *Session) PeerNodeID() string { return s.Peer().ID }

// Inbound yields decoded envelopes once the session reaches Ready.
func (s *Session) Inbound() <-chan protocol.Envelope { return s.recvCh }

// Err yields the terminal error, if any, after the session closes.
func (s *Session) Err() <-chan error { return s.errCh }

// Run performs the handshake and authentication, then services
// send/recv until the context is cancelled or the peer closes.
func (s *Session) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.recvLoop()
	}()
	go func() {
		defer wg.Done()
		s.sendLoop(ctx)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close(protocol.CloseClientDisconnect, "context cancelled")
		case <-s.closed:
		}
	}()

	if err := s.handshake(); err != nil {
		s.fail(err)
		wg.Wait()
		return err
	}
	if err := s.authenticate(); err != nil {
		s.fail(err)
		wg.Wait()
		return err
	}

	s.setState(StateReady)

	wg.Wait()
	return nil
}

// Send assigns the next sequence number and enqueues env.
func (s *Session) Send(typ protocol.MessageType, payload interface{}) error {
	seq := atomic.AddUint64(&s.seq, 1)
	env, err := protocol.NewEnvelope(typ, seq, payload)
	if err != nil {
		return err
	}
	select {
	case s.sendCh <- env:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	}
}

// Close drains the send queue then emits a WebSocket close frame.
func (s *Session) Close(code protocol.CloseCode, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		_ = s.Send(protocol.TypeClose, protocol.Close{Code: code, Reason: reason})
		for drained := false; !drained; {
			select {
			case env := <-s.sendCh:
				_ = s.writeEnvelope(env)
			default:
				drained = true
			}
		}
		close(s.closed)
		deadline := time.Now().Add(2 * time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		err = s.conn.Close()
		s.setState(StateClosed)
	})
	return err
}

func (s *Session) fail(err error) {
	s.setState(StateFailed)
	select {
	case s.errCh <- err:
	default:
	}
	_ = s.Close(protocol.CloseProtocolError, err.Error())
}

// sendLoop is one of the two tasks that multiplex the socket, the
// write half.
func (s *Session) sendLoop(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case env, ok := <-s.sendCh:
			if !ok {
				return
			}
			if err := s.writeEnvelope(env); err != nil {
				s.log.Warn("session: write failed", logging.KVErr(err))
				return
			}
		case <-ticker.C:
			if s.State() == StateReady {
				_ = s.Send(protocol.TypeKeepAlive, struct{}{})
			}
		}
	}
}

// recvLoop is the read half: a single reader goroutine dispatching
// decoded envelopes, mirroring the teacher's single-reader muxer.
func (s *Session) recvLoop() {
	var errCount int
	for {
		var env protocol.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if err == io.EOF || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			errCount++
			if errCount >= errThreshold {
				s.fail(fmt.Errorf("session: too many read errors: %w", err))
				return
			}
			continue
		}
		errCount = 0

		if s.State() == StateConnecting || s.State() == StateAuthenticating {
			// handshake/auth frames are consumed synchronously by
			// handshake()/authenticate(); stash them for those readers.
			s.handshakeCh() <- env
			continue
		}
		select {
		case s.recvCh <- env:
		default:
			s.log.Warn("session: inbound queue full, dropping message")
		}
	}
}

// handshakeCh lazily allocates the handshake-phase relay channel; kept
// small (a 4-frame buffer) since only one frame is expected at a time
// during Connecting/Authenticating.
func (s *Session) handshakeCh() chan protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hsCh == nil {
		s.hsCh = make(chan protocol.Envelope, 4)
	}
	return s.hsCh
}

func (s *Session) writeEnvelope(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

func generateTokenID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return ``, err
	}
	return hex.EncodeToString(b), nil
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func fromB64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
