/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/clipsync/clipsync/authkeys"
	"github.com/clipsync/clipsync/identity"
	"github.com/clipsync/clipsync/protocol"
)

var upgrader = websocket.Upgrader{}

// pairedSessions wires an initiator and an acceptor Session together
// over a real loopback WebSocket connection, the way the teacher pairs
// a SubProtoClient against a SubProtoServer in router_test.go.
func pairedSessions(t *testing.T) (initiator, acceptor *Session, initKey, acceptKey *identity.KeyPair, authed *authkeys.Set) {
	t.Helper()

	initKey, err := identity.Generate()
	require.NoError(t, err)
	acceptKey, err = identity.Generate()
	require.NoError(t, err)

	authed = authkeys.New(nil)
	authed.AddKey(authkeys.Key{Public: initKey.Public, Comment: "initiator"})

	serverReady := make(chan *Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := New(conn, RoleAcceptor, "acceptor-node", []string{"streaming"}, acceptKey, authed, nil)
		serverReady <- s
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	initiator = New(clientConn, RoleInitiator, "initiator-node", []string{"streaming"}, initKey, authkeys.New(nil), nil)
	acceptor = <-serverReady
	return
}

func TestSessionHandshakeAndAuthReachReady(t *testing.T) {
	initiator, acceptor, _, _, _ := pairedSessions(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	initDone := make(chan error, 1)
	acceptDone := make(chan error, 1)
	go func() { initDone <- initiator.Run(ctx) }()
	go func() { acceptDone <- acceptor.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for {
		if initiator.State() == StateReady && acceptor.State() == StateReady {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("sessions did not reach Ready: initiator=%s acceptor=%s", initiator.State(), acceptor.State())
		case <-time.After(10 * time.Millisecond):
		}
	}

	require.NotEmpty(t, acceptor.Peer().Fingerprint)
	require.NotEmpty(t, initiator.Peer().Fingerprint)
	require.Equal(t, acceptor.Peer().Fingerprint, initiator.Peer().Fingerprint)

	initiator.Close(protocol.CloseNormal, "done")
	acceptor.Close(protocol.CloseNormal, "done")
	cancel()
}

func TestSessionRejectsUnauthorizedPeer(t *testing.T) {
	acceptKey, err := identity.Generate()
	require.NoError(t, err)
	outsiderKey, err := identity.Generate()
	require.NoError(t, err)

	authed := authkeys.New(nil) // empty: nobody is authorized

	serverReady := make(chan *Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverReady <- New(conn, RoleAcceptor, "acceptor-node", nil, acceptKey, authed, nil)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	initiator := New(clientConn, RoleInitiator, "initiator-node", nil, outsiderKey, authkeys.New(nil), nil)
	acceptor := <-serverReady

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	initErrCh := make(chan error, 1)
	acceptErrCh := make(chan error, 1)
	go func() { initErrCh <- initiator.Run(ctx) }()
	go func() { acceptErrCh <- acceptor.Run(ctx) }()

	require.ErrorIs(t, <-acceptErrCh, ErrUnauthorized)
	require.ErrorIs(t, <-initErrCh, ErrAuthenticationFailed)
}

func TestIssueAndVerifyToken(t *testing.T) {
	key, err := identity.Generate()
	require.NoError(t, err)
	s := &Session{key: key, tokens: make(map[string]Token), closed: make(chan struct{})}

	tok, err := s.issueToken("SHA256:deadbeef")
	require.NoError(t, err)

	fp, err := s.VerifyToken(tok.ID, tok.PeerFingerprint, tok.CreatedAt, tok.ExpiresAt, tok.Signature)
	require.NoError(t, err)
	require.Equal(t, "SHA256:deadbeef", fp)
}

func TestVerifyTokenRejectsTamperedExpiry(t *testing.T) {
	key, err := identity.Generate()
	require.NoError(t, err)
	s := &Session{key: key, tokens: make(map[string]Token), closed: make(chan struct{})}

	tok, err := s.issueToken("SHA256:deadbeef")
	require.NoError(t, err)

	_, err = s.VerifyToken(tok.ID, tok.PeerFingerprint, tok.CreatedAt, tok.ExpiresAt.Add(time.Hour), tok.Signature)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestVerifyTokenRejectsUnknownID(t *testing.T) {
	key, err := identity.Generate()
	require.NoError(t, err)
	s := &Session{key: key, tokens: make(map[string]Token), closed: make(chan struct{})}

	_, err = s.VerifyToken("not-a-real-id", "fp", time.Now(), time.Now().Add(time.Hour), nil)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}
