/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package session

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/clipsync/clipsync/identity"
	"github.com/clipsync/clipsync/internal/logging"
	"github.com/clipsync/clipsync/protocol"
)

const handshakeTimeout = 10 * time.Second

// handshake is symmetric: both roles send a Handshake, both await the
// peer's.
func (s *Session) handshake() error {
	s.setState(StateConnecting)

	if err := s.Send(protocol.TypeHandshake, protocol.Handshake{
		Version:      protocol.Version,
		PeerID:       s.selfID,
		Capabilities: s.selfCaps,
	}); err != nil {
		return err
	}

	env, err := s.awaitHandshakeFrame(handshakeTimeout)
	if err != nil {
		return err
	}
	if env.Type != protocol.TypeHandshake && env.Type != protocol.TypeHandshakeResponse {
		return fmt.Errorf("session: unexpected frame %s during handshake", env.Type)
	}
	var peerHS protocol.Handshake
	if err := env.Decode(&peerHS); err != nil {
		return fmt.Errorf("%w: %v", ErrVersionMismatch, err)
	}
	if peerHS.Version != protocol.Version {
		_ = s.Send(protocol.TypeError, protocol.Error{Code: "ProtocolError", Message: "version mismatch"})
		_ = s.Close(protocol.CloseVersionMismatch, "version mismatch")
		return ErrVersionMismatch
	}

	s.mu.Lock()
	s.peer.ID = peerHS.PeerID
	s.mu.Unlock()

	s.setState(StateAuthenticating)
	return nil
}

func (s *Session) awaitHandshakeFrame(timeout time.Duration) (protocol.Envelope, error) {
	select {
	case env := <-s.handshakeCh():
		return env, nil
	case <-time.After(timeout):
		return protocol.Envelope{}, fmt.Errorf("session: handshake timed out")
	case <-s.closed:
		return protocol.Envelope{}, ErrSessionClosed
	}
}

// authenticate drives the SSH-public-key challenge/response. Both
// roles run this; the initiator issues the challenge, the acceptor
// replies with the result.
func (s *Session) authenticate() error {
	if s.role == RoleInitiator {
		return s.authenticateAsInitiator()
	}
	return s.authenticateAsAcceptor()
}

func (s *Session) authenticateAsInitiator() error {
	if err := s.Send(protocol.TypeAuthChallenge, protocol.Auth{
		Method: "ssh_public_key",
		Data:   b64(s.key.Public),
		Step:   1,
	}); err != nil {
		return err
	}

	env, err := s.awaitHandshakeFrame(handshakeTimeout)
	if err != nil {
		return err
	}
	if env.Type != protocol.TypeAuthResult {
		return fmt.Errorf("%w: expected AuthResult, got %s", ErrAuthenticationFailed, env.Type)
	}
	var auth protocol.Auth
	if err := env.Decode(&auth); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if auth.Result == nil || auth.Result.Kind != protocol.AuthSuccess {
		reason := "unknown"
		if auth.Result != nil {
			reason = auth.Result.Reason
		}
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, reason)
	}

	s.mu.Lock()
	s.peer.Fingerprint = auth.Result.PeerID.Fingerprint
	s.peer.Name = auth.Result.PeerID.Name
	s.mu.Unlock()
	return nil
}

func (s *Session) authenticateAsAcceptor() error {
	env, err := s.awaitHandshakeFrame(handshakeTimeout)
	if err != nil {
		return err
	}
	if env.Type != protocol.TypeAuthChallenge {
		return fmt.Errorf("%w: expected AuthChallenge, got %s", ErrAuthenticationFailed, env.Type)
	}
	var auth protocol.Auth
	if err := env.Decode(&auth); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	pubBytes, err := fromB64(auth.Data)
	if err != nil {
		return fmt.Errorf("%w: bad public key encoding", ErrAuthenticationFailed)
	}

	fp := identity.Fingerprint(ed25519.PublicKey(pubBytes))
	key, ok := s.authKeys.Lookup(fp)
	if !ok {
		s.logAuthFailure("unauthorized: " + fp)
		_ = s.Send(protocol.TypeAuthResult, protocol.Auth{
			Method: auth.Method,
			Result: &protocol.AuthResult{Kind: protocol.AuthFailed, Reason: "unauthorized"},
		})
		s.setState(StateFailed)
		_ = s.Close(protocol.CloseAuthFailed, "unauthorized")
		return ErrUnauthorized
	}

	tok, err := s.issueToken(fp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.peer.Fingerprint = fp
	s.peer.Name = key.Comment
	s.mu.Unlock()

	return s.Send(protocol.TypeAuthResult, protocol.Auth{
		Method: auth.Method,
		Result: &protocol.AuthResult{
			Kind:  protocol.AuthSuccess,
			Token: tok.ID,
			PeerID: &protocol.PeerID{
				Fingerprint: fp,
				Name:        key.Comment,
			},
		},
	})
}

func (s *Session) issueToken(peerFP string) (Token, error) {
	id, err := generateTokenID()
	if err != nil {
		return Token{}, err
	}
	now := time.Now()
	tok := Token{
		ID:              id,
		PeerFingerprint: peerFP,
		CreatedAt:       now,
		ExpiresAt:       now.Add(tokenTTL),
	}
	sig, err := s.key.Sign([]byte(tok.canonical()))
	if err != nil {
		return Token{}, err
	}
	tok.Signature = sig

	s.tokMu.Lock()
	s.tokens[id] = tok
	s.tokMu.Unlock()
	return tok, nil
}

// VerifyToken implements the four-step check: existence/expiry, field
// equality against the stored record, signature validity, returning
// the authenticated peer fingerprint.
func (s *Session) VerifyToken(id string, claimedFP string, createdAt, expiresAt time.Time, sig []byte) (string, error) {
	s.tokMu.Lock()
	stored, ok := s.tokens[id]
	s.tokMu.Unlock()
	if !ok {
		return ``, ErrAuthenticationFailed
	}
	if time.Now().After(stored.ExpiresAt) {
		return ``, ErrAuthenticationFailed
	}
	if stored.PeerFingerprint != claimedFP || !stored.CreatedAt.Equal(createdAt) || !stored.ExpiresAt.Equal(expiresAt) {
		return ``, ErrAuthenticationFailed
	}
	if !identity.Verify(s.key.Public, []byte(stored.canonical()), sig) {
		return ``, ErrAuthenticationFailed
	}
	return stored.PeerFingerprint, nil
}

func (s *Session) logAuthFailure(reason string) {
	s.log.Warn("session: authentication failed", logging.KV("reason", reason))
}
