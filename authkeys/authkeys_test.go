/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package authkeys

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipsync/clipsync/identity"
)

func genKey(t *testing.T, comment string) (Key, string) {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)
	kp.Comment = comment
	line, err := kp.AuthorizedKeyLine()
	require.NoError(t, err)
	return Key{Public: kp.Public, Comment: comment}, line
}

func TestAddKeyIdempotent(t *testing.T) {
	s := New(nil)
	k, _ := genKey(t, "alice")
	s.AddKey(k)
	s.AddKey(k)
	assert.Equal(t, 1, s.Len())
}

func TestParseSkipsBlankAndCommentLines(t *testing.T) {
	_, line := genKey(t, "bob")
	doc := "# a comment\n\n" + line + "\n"
	s := New(nil)
	s.parse([]byte(doc))
	assert.Equal(t, 1, s.Len())
}

func TestParseSkipsInvalidLineWithoutFailing(t *testing.T) {
	_, line := genKey(t, "carol")
	doc := "not a valid key line at all\n" + line + "\n"
	s := New(nil)
	s.parse([]byte(doc))
	assert.Equal(t, 1, s.Len())
}

func TestSaveToFileRoundTrip(t *testing.T) {
	k1, _ := genKey(t, "alice")
	k2, _ := genKey(t, "bob")
	s := New(nil)
	s.AddKey(k1)
	s.AddKey(k2)

	path := filepath.Join(t.TempDir(), "authorized_keys")
	require.NoError(t, s.SaveToFile(path))

	loaded, err := LoadFromFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())
	assert.True(t, loaded.Contains(k1.Fingerprint()))
	assert.True(t, loaded.Contains(k2.Fingerprint()))
}

func TestLoadFromFileMissingReturnsEmptySet(t *testing.T) {
	s, err := LoadFromFile(filepath.Join(t.TempDir(), "nope"), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestOptionsRoundTrip(t *testing.T) {
	k, line := genKey(t, "dave")
	k.Options = []string{`no-port-forwarding`, `command="echo hi"`}
	opted := `no-port-forwarding,command="echo hi" ` + line
	s := New(nil)
	s.parse([]byte(opted))
	got, ok := s.Lookup(k.Fingerprint())
	require.True(t, ok)
	assert.ElementsMatch(t, []string{`no-port-forwarding`, `command="echo hi"`}, got.Options)
}
