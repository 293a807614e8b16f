/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package history

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/renameio"
)

const (
	keySize   = 32
	nonceSize = 12
	keyMode   = 0o600
	keyDir    = 0o700
)

var ErrInsecurePermissions = errors.New("history: key file permissions are not user-only")

// LoadOrCreateKey reads the 32-byte AES-256-GCM key at path, generating
// it with a CSPRNG on first run. Permission bits other than user-only
// are refused rather than silently tolerated.
func LoadOrCreateKey(path string) ([32]byte, error) {
	var key [32]byte
	if fi, err := os.Stat(path); err == nil {
		if runtime.GOOS != "windows" && fi.Mode().Perm()&0o077 != 0 {
			return key, ErrInsecurePermissions
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return key, err
		}
		if len(b) != keySize {
			return key, fmt.Errorf("history: key file %s has unexpected length %d", path, len(b))
		}
		copy(key[:], b)
		return key, nil
	}

	if _, err := rand.Read(key[:]); err != nil {
		return key, err
	}
	if err := os.MkdirAll(filepath.Dir(path), keyDir); err != nil {
		return key, err
	}
	if err := renameio.WriteFile(path, key[:], keyMode); err != nil {
		return key, err
	}
	return key, nil
}

func encrypt(key [32]byte, plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

func decrypt(key [32]byte, ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}
