/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package trust is the Trust Store (C3): a Trust-On-First-Use registry
// of peer fingerprints persisted as a JSON document keyed by
// fingerprint. Once a fingerprint is recorded, the decision is never
// re-prompted.
package trust

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio"
)

const fileMode = 0o600
const dirMode = 0o700

// Decision is the outcome of a prompt callback invocation.
type Decision int

const (
	Reject Decision = iota
	Trust
	Ignore
)

// PromptFunc asks the operator (or an automated policy) what to do
// about a newly seen peer. The default production implementation reads
// y/n/i from the terminal; tests and headless deployments substitute
// their own.
type PromptFunc func(peerID, fingerprint string) Decision

// Status records what the store knows about one fingerprint.
type Status struct {
	Fingerprint string     `json:"fingerprint"`
	PeerID      string     `json:"peer_id"`
	PeerName    string     `json:"peer_name"`
	FirstSeen   time.Time  `json:"first_seen"`
	TrustedAt   *time.Time `json:"trusted_at,omitempty"`
	IsTrusted   bool       `json:"is_trusted"`
}

// Store is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	path   string
	byFp   map[string]Status
	Prompt PromptFunc
}

// Open loads path (a missing file yields an empty store, never an
// error).
func Open(path string, prompt PromptFunc) (*Store, error) {
	s := &Store{path: path, byFp: make(map[string]Status), Prompt: prompt}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &s.byFp); err != nil {
		return nil, err
	}
	return s, nil
}

// IsTrusted reports whether fp has a recorded trust=true decision.
func (s *Store) IsTrusted(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byFp[fp]
	return ok && st.IsTrusted
}

// ProcessPeer implements the TOFU decision tree: trusted fingerprints
// pass silently, previously-rejected fingerprints fail silently, and
// everything else goes to the prompt callback.
func (s *Store) ProcessPeer(peerID, peerName, fp string) (bool, error) {
	s.mu.Lock()
	if st, ok := s.byFp[fp]; ok {
		trusted := st.IsTrusted
		s.mu.Unlock()
		return trusted, nil
	}
	s.mu.Unlock()

	decision := s.Prompt(peerID, fp)
	now := time.Now()

	switch decision {
	case Trust:
		s.mu.Lock()
		s.byFp[fp] = Status{
			Fingerprint: fp,
			PeerID:      peerID,
			PeerName:    peerName,
			FirstSeen:   now,
			TrustedAt:   &now,
			IsTrusted:   true,
		}
		s.mu.Unlock()
		return true, s.persist()
	case Reject:
		s.mu.Lock()
		s.byFp[fp] = Status{
			Fingerprint: fp,
			PeerID:      peerID,
			PeerName:    peerName,
			FirstSeen:   now,
			IsTrusted:   false,
		}
		s.mu.Unlock()
		return false, s.persist()
	default: // Ignore: do not persist, will be asked again
		return false, nil
	}
}

func (s *Store) persist() error {
	s.mu.Lock()
	b, err := json.MarshalIndent(s.byFp, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), dirMode); err != nil {
		return err
	}
	return renameio.WriteFile(s.path, b, fileMode)
}

// TerminalPrompt reads a y/n/i answer from stdin; it is the default
// production PromptFunc.
func TerminalPrompt(peerID, fingerprint string) Decision {
	fmt.Printf("Trust peer %s (%s)? [y/n/i]: ", peerID, fingerprint)
	var answer string
	if _, err := fmt.Scanln(&answer); err != nil {
		return Ignore
	}
	switch answer {
	case "y", "Y":
		return Trust
	case "n", "N":
		return Reject
	default:
		return Ignore
	}
}
