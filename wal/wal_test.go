// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	rec := Encode(KindNodeUpdate, []byte("payload"))
	got, n, err := Decode(rec)
	require.NoError(t, err)
	assert.Equal(t, len(rec), n)
	assert.Equal(t, KindNodeUpdate, got.Kind)
	assert.Equal(t, []byte("payload"), got.Payload)
}

func TestDecodeChecksumMismatch(t *testing.T) {
	rec := Encode(KindNodeDeletion, []byte("abc"))
	rec[len(rec)-1] ^= 0xFF
	_, _, err := Decode(rec)
	assert.Error(t, err)
	assert.False(t, IsTornWrite(err))
}

func TestDecodeTornWrite(t *testing.T) {
	rec := Encode(KindNodeDeletion, []byte("abc"))
	torn := rec[:len(rec)-3]
	_, _, err := Decode(torn)
	assert.True(t, IsTornWrite(err))
}

func TestWALAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(Config{Path: path, SyncMode: SyncOnCommit})
	require.NoError(t, err)

	_, err = w.Append(Encode(KindNodeUpdate, []byte("v1")))
	require.NoError(t, err)
	_, err = w.Append(EncodeCommit(42))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var kinds []Kind
	lastCommit, err := Replay(path, func(r Record) error {
		kinds = append(kinds, r.Kind)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindNodeUpdate, KindCommit}, kinds)
	assert.Greater(t, lastCommit, int64(0))
}

func TestReplayTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(Config{Path: path, SyncMode: SyncAlways})
	require.NoError(t, err)
	_, err = w.Append(EncodeCommit(1))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var seen int
	lastCommit, err := Replay(path, func(Record) error {
		seen++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
	assert.NoError(t, TruncateToLastCommit(path, lastCommit))
}
