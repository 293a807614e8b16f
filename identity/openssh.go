/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package identity

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// wireReader walks the length-prefixed "string" fields used throughout
// the openssh-key-v1 container, per PROTOCOL.key.
type wireReader struct {
	buf []byte
	off int
}

func (r *wireReader) remaining() int { return len(r.buf) - r.off }

func (r *wireReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, ErrMalformed
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *wireReader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// str reads a length-prefixed byte string ("string" in SSH wire format).
func (r *wireReader) str() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	return r.bytes(int(n))
}

// parseOpenSSHPrivateKey implements the byte-level contract: magic,
// cipher/kdf/kdfoptions, key count (must be 1), public blob, then the
// private section with its duplicated check values and PKCS7-style
// incrementing padding.
func parseOpenSSHPrivateKey(data []byte) (*KeyPair, error) {
	if len(data) < len(opensshMagic) || string(data[:len(opensshMagic)]) != opensshMagic {
		return nil, ErrMalformed
	}
	r := &wireReader{buf: data[len(opensshMagic):]}

	cipherName, err := r.str()
	if err != nil {
		return nil, err
	}
	if _, err := r.str(); err != nil { // kdfname
		return nil, err
	}
	if _, err := r.str(); err != nil { // kdfoptions
		return nil, err
	}
	if string(cipherName) != "none" {
		return nil, ErrEncrypted
	}

	numKeys, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if numKeys != 1 {
		return nil, ErrMultipleKeysUnsupported
	}

	if _, err := r.str(); err != nil { // public key blob, unused: derived from private section
		return nil, err
	}

	privBlob, err := r.str()
	if err != nil {
		return nil, err
	}
	return parsePrivateSection(privBlob)
}

func parsePrivateSection(blob []byte) (*KeyPair, error) {
	pr := &wireReader{buf: blob}

	check1, err := pr.uint32()
	if err != nil {
		return nil, err
	}
	check2, err := pr.uint32()
	if err != nil {
		return nil, err
	}
	if check1 != check2 {
		return nil, ErrInvalidCheck
	}

	keyType, err := pr.str()
	if err != nil {
		return nil, err
	}
	if string(keyType) != ssh.KeyAlgoED25519 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, keyType)
	}

	pub, err := pr.str()
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, ErrMalformed
	}
	privWithPub, err := pr.str()
	if err != nil || len(privWithPub) != ed25519.PrivateKeySize {
		return nil, ErrMalformed
	}
	comment, err := pr.str()
	if err != nil {
		return nil, err
	}

	if err := checkPadding(pr.buf[pr.off:]); err != nil {
		return nil, err
	}

	priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(priv, privWithPub)
	pubKey := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pubKey, pub)

	return &KeyPair{Private: priv, Public: pubKey, Comment: string(comment)}, nil
}

// checkPadding verifies the trailing bytes form 1, 2, 3, ... as required
// by the block-cipher padding scheme (always present even with "none").
func checkPadding(pad []byte) error {
	for i, b := range pad {
		if int(b) != i+1 {
			return ErrInvalidPadding
		}
	}
	return nil
}
