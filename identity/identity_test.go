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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateProducesValidKeyPair(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	assert.Len(t, kp.Public, ed25519.PublicKeySize)
	assert.Len(t, kp.Private, ed25519.PrivateKeySize)
}

func TestFingerprintStableAndPrefixed(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	fp1 := kp.Fingerprint()
	fp2 := Fingerprint(kp.Public)
	assert.Equal(t, fp1, fp2)
	assert.Regexp(t, `^SHA256:[A-Za-z0-9+/]+$`, fp1)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	msg := []byte("sync this clipboard payload")
	sig, err := kp.Sign(msg)
	require.NoError(t, err)
	assert.True(t, Verify(kp.Public, msg, sig))
	assert.False(t, Verify(kp.Public, []byte("different message"), sig))
}

func TestSaveLoadPKCS8RoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	kp.Comment = "test@clipsync"

	dir := t.TempDir()
	require.NoError(t, Save(dir, "id_ed25519", kp))

	loaded, err := Load(filepath.Join(dir, "id_ed25519"))
	require.NoError(t, err)
	assert.Equal(t, kp.Public, loaded.Public)
	assert.Equal(t, kp.Private, loaded.Private)
}

func TestAuthorizedKeyLineRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	kp.Comment = "alice@laptop"

	line, err := kp.AuthorizedKeyLine()
	require.NoError(t, err)

	pub, comment, err := ParseAuthorizedKeyLine(line)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, pub)
	assert.Equal(t, "alice@laptop", comment)
}

func TestParseOpenSSHPrivateKeyRejectsEncrypted(t *testing.T) {
	raw := buildOpenSSHBlob(t, "aes256-ctr", validPrivateSection(t))
	_, err := parseOpenSSHPrivateKey(raw)
	assert.ErrorIs(t, err, ErrEncrypted)
}

func TestParseOpenSSHPrivateKeyRejectsMultipleKeys(t *testing.T) {
	blob := validPrivateSection(t)
	raw := buildOpenSSHBlobN(t, "none", blob, 2)
	_, err := parseOpenSSHPrivateKey(raw)
	assert.ErrorIs(t, err, ErrMultipleKeysUnsupported)
}

func TestParseOpenSSHPrivateKeyRejectsBadPadding(t *testing.T) {
	blob := validPrivateSection(t)
	blob[len(blob)-1] = 0xFF
	raw := buildOpenSSHBlob(t, "none", blob)
	_, err := parseOpenSSHPrivateKey(raw)
	assert.ErrorIs(t, err, ErrInvalidPadding)
}

func TestParseOpenSSHPrivateKeyRejectsBadCheck(t *testing.T) {
	blob := validPrivateSection(t)
	blob[3] ^= 0xFF // perturb the first checkint so the two differ
	raw := buildOpenSSHBlob(t, "none", blob)
	_, err := parseOpenSSHPrivateKey(raw)
	assert.ErrorIs(t, err, ErrInvalidCheck)
}

func TestParseOpenSSHPrivateKeyValid(t *testing.T) {
	blob := validPrivateSection(t)
	raw := buildOpenSSHBlob(t, "none", blob)
	kp, err := parseOpenSSHPrivateKey(raw)
	require.NoError(t, err)
	assert.Len(t, kp.Public, ed25519.PublicKeySize)
}

// --- test helpers constructing a minimal openssh-key-v1 container ---

func validPrivateSection(t *testing.T) []byte {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var buf []byte
	buf = appendUint32(buf, 0x01020304)
	buf = appendUint32(buf, 0x01020304)
	buf = appendString(buf, []byte("ssh-ed25519"))
	buf = appendString(buf, pub)
	buf = appendString(buf, priv)
	buf = appendString(buf, []byte("test@clipsync"))
	buf = append(buf, 1, 2, 3) // padding bytes 1,2,3; checkPadding validates them even for "none"
	return buf
}

func buildOpenSSHBlob(t *testing.T, cipher string, privSection []byte) []byte {
	return buildOpenSSHBlobN(t, cipher, privSection, 1)
}

func buildOpenSSHBlobN(t *testing.T, cipher string, privSection []byte, numKeys uint32) []byte {
	t.Helper()
	var buf []byte
	buf = append(buf, []byte(opensshMagic)...)
	buf = appendString(buf, []byte(cipher))
	buf = appendString(buf, []byte("none"))
	buf = appendString(buf, []byte(""))
	buf = appendUint32(buf, numKeys)
	for i := uint32(0); i < numKeys; i++ {
		buf = appendString(buf, []byte("dummy-pub-blob"))
	}
	buf = appendString(buf, privSection)
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendString(buf, s []byte) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
