/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package identity is the Key & Identity Store. It owns the device's
// Ed25519 keypair: generation, on-disk persistence as PKCS8 PEM plus a
// one-line OpenSSH public key, parsing of OpenSSH-v1 private key blocks,
// fingerprinting, and detached signing.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Typed parse/load failures, surfaced distinctly per the load contract:
// an encrypted key must never be mistaken for a missing one.
var (
	ErrEncrypted               = errors.New("identity: private key is encrypted")
	ErrUnsupportedType         = errors.New("identity: unsupported key type")
	ErrMalformed               = errors.New("identity: malformed key file")
	ErrMultipleKeysUnsupported = errors.New("identity: file contains more than one key")
	ErrInvalidCheck            = errors.New("identity: invalid openssh check values")
	ErrInvalidPadding          = errors.New("identity: invalid openssh padding")
	ErrUnsupportedKeyType      = errors.New("identity: operation requires an Ed25519 key")
)

const (
	opensshMagic = "openssh-key-v1\x00"
	pemBlockType = "PRIVATE KEY"

	privateKeyMode = 0o600
	publicKeyMode  = 0o644
	keyDirMode     = 0o700
)

// KeyPair is the sole key type the core supports.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
	Comment string
}

// Generate creates a fresh Ed25519 keypair using a CSPRNG.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// Fingerprint returns "SHA256:" + unpadded-base64(sha256(pub)), the
// canonical identity hash used across every component.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

func (k *KeyPair) Fingerprint() string { return Fingerprint(k.Public) }

// AuthorizedKeyLine renders the public key in OpenSSH single-line form,
// e.g. "ssh-ed25519 AAAA... comment".
func (k *KeyPair) AuthorizedKeyLine() (string, error) {
	return MarshalAuthorizedKeyLine(k.Public, k.Comment)
}

// MarshalAuthorizedKeyLine builds the OpenSSH text form of an Ed25519
// public key, grounded on golang.org/x/crypto/ssh's wire marshaling.
func MarshalAuthorizedKeyLine(pub ed25519.PublicKey, comment string) (string, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("identity: marshal public key: %w", err)
	}
	line := strings.TrimRight(string(ssh.MarshalAuthorizedKey(sshPub)), "\n")
	if comment != `` {
		line = line + " " + comment
	}
	return line, nil
}

// ParseAuthorizedKeyLine parses a single OpenSSH authorized_keys-style
// public key line (no options prefix; callers that need option parsing
// use the authkeys package instead).
func ParseAuthorizedKeyLine(line string) (ed25519.PublicKey, string, error) {
	sshPub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, ``, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	crypto, ok := sshPub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, ``, ErrUnsupportedType
	}
	pub, ok := crypto.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, ``, ErrUnsupportedType
	}
	return pub, comment, nil
}

// Sign produces a detached Ed25519 signature over msg.
func (k *KeyPair) Sign(msg []byte) ([]byte, error) {
	if len(k.Private) != ed25519.PrivateKeySize {
		return nil, ErrUnsupportedKeyType
	}
	return ed25519.Sign(k.Private, msg), nil
}

// Verify reports whether sig is a valid Ed25519 signature over msg under
// pub. It never errors: a mismatch, or a pub that is not an Ed25519
// key of the right length, yields false.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Load detects and parses either an OpenSSH-v1 private key block or a
// PKCS8 PEM file at path.
func Load(path string) (*KeyPair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(b); block != nil {
		switch block.Type {
		case pemBlockType:
			return parsePKCS8(block.Bytes)
		case "OPENSSH PRIVATE KEY":
			return parseOpenSSHPrivateKey(block.Bytes)
		default:
			return nil, fmt.Errorf("%w: unrecognized PEM block %q", ErrUnsupportedType, block.Type)
		}
	}
	if strings.HasPrefix(string(b), opensshMagic) {
		return parseOpenSSHPrivateKey(b)
	}
	return nil, ErrMalformed
}

// Save writes the PKCS8-encoded private key and a one-line OpenSSH
// public key next to it, creating the parent directory if needed.
func Save(dir, name string, k *KeyPair) error {
	if err := os.MkdirAll(dir, keyDirMode); err != nil {
		return err
	}
	privPath := filepath.Join(dir, name)
	pubPath := privPath + ".pub"

	der, err := marshalPKCS8(k)
	if err != nil {
		return err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der})
	if err := os.WriteFile(privPath, pemBytes, privateKeyMode); err != nil {
		return err
	}

	line, err := k.AuthorizedKeyLine()
	if err != nil {
		return err
	}
	return os.WriteFile(pubPath, []byte(line+"\n"), publicKeyMode)
}
