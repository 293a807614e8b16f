/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package session

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/clipsync/clipsync/authkeys"
	"github.com/clipsync/clipsync/identity"
	"github.com/clipsync/clipsync/internal/logging"
)

const (
	wsReadBufferSize  = 8192
	wsWriteBufferSize = 8192
)

// Dial connects to a peer's listen address and returns a RoleInitiator
// Session; the caller must still call Run to drive the handshake,
// following the teacher's NewConnection/NewSubProtoClient split between
// raw dial and protocol negotiation.
func Dial(addr string, selfID string, caps []string, key *identity.KeyPair, authKeys *authkeys.Set, log *logging.Logger) (*Session, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/clipsync"}

	dialer := websocket.Dialer{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
	}
	conn, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("session: dial %s: status %d: %w", addr, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("session: dial %s: %w", addr, err)
	}
	return New(conn, RoleInitiator, selfID, caps, key, authKeys, log), nil
}

// Acceptor upgrades inbound HTTP connections to a RoleAcceptor Session
// and hands each one to OnAccept, mirroring the teacher's
// NewSubProtoServer upgrade-then-handoff shape.
type Acceptor struct {
	selfID   string
	caps     []string
	key      *identity.KeyPair
	authKeys *authkeys.Set
	log      *logging.Logger

	OnAccept func(*Session)

	upgrader websocket.Upgrader
}

func NewAcceptor(selfID string, caps []string, key *identity.KeyPair, authKeys *authkeys.Set, log *logging.Logger, onAccept func(*Session)) *Acceptor {
	if log == nil {
		log = logging.NewDiscard()
	}
	return &Acceptor{
		selfID:   selfID,
		caps:     caps,
		key:      key,
		authKeys: authKeys,
		log:      log,
		OnAccept: onAccept,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBufferSize,
			WriteBufferSize: wsWriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("session: upgrade failed", logging.KVErr(err))
		return
	}
	sess := New(conn, RoleAcceptor, a.selfID, a.caps, a.key, a.authKeys, a.log)
	if a.OnAccept != nil {
		a.OnAccept(sess)
	}
}
