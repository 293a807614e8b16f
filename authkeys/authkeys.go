/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package authkeys is the Authorized-Key Set (C2): an in-memory,
// fingerprint-indexed collection round-trippable with the OpenSSH
// authorized_keys file format.
package authkeys

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio"
	"golang.org/x/crypto/ssh"

	"github.com/clipsync/clipsync/identity"
	"github.com/clipsync/clipsync/internal/logging"
)

const (
	fileMode = 0o600
	dirMode  = 0o700
	banner   = "# ClipSync authorized keys - managed automatically, only valid key lines are kept on rewrite\n"
)

// Key is one authorized entry: an Ed25519 public key plus the OpenSSH
// comment and option tokens it was parsed with (or will be written
// with).
type Key struct {
	Public  ed25519.PublicKey
	Comment string
	Options []string
}

func (k Key) Fingerprint() string { return identity.Fingerprint(k.Public) }

// Set is safe for concurrent use; every mutating method re-derives the
// fingerprint index.
type Set struct {
	mu   sync.RWMutex
	keys map[string]Key // fingerprint -> Key
	log  *logging.Logger
}

// New returns an empty Set. log may be nil, in which case a discard
// logger is used.
func New(log *logging.Logger) *Set {
	if log == nil {
		log = logging.NewDiscard()
	}
	return &Set{keys: make(map[string]Key), log: log}
}

// LoadFromFile parses path, skipping invalid lines with a warning
// rather than failing the whole load.
func LoadFromFile(path string, log *logging.Logger) (*Set, error) {
	s := New(log)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	s.parse(b)
	return s, nil
}

func (s *Set) parse(b []byte) {
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == `` || strings.HasPrefix(line, "#") {
			continue
		}
		key, err := parseLine(line)
		if err != nil {
			s.log.Warn("skipping invalid authorized_keys line",
				logging.KV("line", lineNo), logging.KVErr(err))
			continue
		}
		s.mu.Lock()
		s.keys[key.Fingerprint()] = key
		s.mu.Unlock()
	}
}

// parseLine splits an authorized_keys line into options, key, comment.
// ssh.ParseAuthorizedKey already honors quoted option segments and
// locates the ssh-/ecdsa- key-type token, so it is the parser of
// record; this wrapper rejects non-Ed25519 key types explicitly.
func parseLine(line string) (Key, error) {
	pub, comment, options, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return Key{}, fmt.Errorf("parse: %w", err)
	}
	crypto, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return Key{}, identity.ErrUnsupportedType
	}
	edPub, ok := crypto.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return Key{}, identity.ErrUnsupportedType
	}
	return Key{Public: edPub, Comment: comment, Options: options}, nil
}

// AddKey inserts k, idempotent on fingerprint: a second insert of the
// same fingerprint leaves the set (and its later serialization)
// unchanged in content, only refreshing comment/options.
func (s *Set) AddKey(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.Fingerprint()] = k
}

// Contains reports whether fp is a member.
func (s *Set) Contains(fp string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[fp]
	return ok
}

// Lookup returns the key for fp, if present.
func (s *Set) Lookup(fp string) (Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[fp]
	return k, ok
}

// Remove deletes fp from the set.
func (s *Set) Remove(fp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, fp)
}

// Len reports the number of authorized keys.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// SaveToFile writes the banner header followed by each key, one per
// line, creating the parent directory if absent.
func (s *Set) SaveToFile(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteString(banner)
	for _, k := range s.keys {
		line, err := formatLine(k)
		if err != nil {
			return err
		}
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	return renameio.WriteFile(path, buf.Bytes(), fileMode)
}

func formatLine(k Key) (string, error) {
	sshPub, err := ssh.NewPublicKey(k.Public)
	if err != nil {
		return ``, err
	}
	keyPart := strings.TrimRight(string(ssh.MarshalAuthorizedKey(sshPub)), "\n")
	var b strings.Builder
	if len(k.Options) > 0 {
		b.WriteString(strings.Join(k.Options, ","))
		b.WriteString(" ")
	}
	b.WriteString(keyPart)
	if k.Comment != `` {
		b.WriteString(" ")
		b.WriteString(k.Comment)
	}
	return b.String(), nil
}
