// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package pkindex

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelindar/nodestore/storage"
)

func alwaysVisible(Offset) bool { return true }

func TestCommitInsertAndLookup(t *testing.T) {
	idx := New(Config{})
	require.NoError(t, idx.CommitInsert("alpha", 7, alwaysVisible))

	off, ok := idx.Lookup("alpha", alwaysVisible)
	assert.True(t, ok)
	assert.Equal(t, Offset(7), off)

	_, ok = idx.Lookup("beta", alwaysVisible)
	assert.False(t, ok)
}

func TestCommitInsertDuplicate(t *testing.T) {
	idx := New(Config{})
	require.NoError(t, idx.CommitInsert("k", 1, alwaysVisible))
	assert.ErrorIs(t, idx.CommitInsert("k", 2, alwaysVisible), ErrDuplicateKey)
}

func TestVisibilityPredicateFiltersTombstonedRows(t *testing.T) {
	idx := New(Config{})
	require.NoError(t, idx.CommitInsert("k", 1, alwaysVisible))

	// A caller whose predicate rejects offset 1 (a tombstoned row) must see
	// NOT_FOUND, and a second insert of the same key must not collide.
	dead := func(off Offset) bool { return off != 1 }
	_, ok := idx.Lookup("k", dead)
	assert.False(t, ok)

	require.NoError(t, idx.CommitInsert("k", 9, dead))
	off, ok := idx.Lookup("k", dead)
	assert.True(t, ok)
	assert.Equal(t, Offset(9), off)
}

func TestDelete(t *testing.T) {
	idx := New(Config{})
	require.NoError(t, idx.CommitInsert("k", 1, alwaysVisible))
	assert.True(t, idx.Delete("k"))
	assert.False(t, idx.Delete("k"))

	_, ok := idx.Lookup("k", alwaysVisible)
	assert.False(t, ok)
	assert.Zero(t, idx.Len())
}

func TestTombstoneSlotReused(t *testing.T) {
	idx := New(Config{InitialCapacity: 16})
	require.NoError(t, idx.CommitInsert("a", 1, alwaysVisible))
	require.NoError(t, idx.CommitInsert("b", 2, alwaysVisible))
	require.True(t, idx.Delete("a"))

	require.NoError(t, idx.CommitInsert("c", 3, alwaysVisible))
	off, ok := idx.Lookup("b", alwaysVisible)
	assert.True(t, ok)
	assert.Equal(t, Offset(2), off)
	off, ok = idx.Lookup("c", alwaysVisible)
	assert.True(t, ok)
	assert.Equal(t, Offset(3), off)
}

func TestChainExtensionKeepsEntries(t *testing.T) {
	idx := New(Config{InitialCapacity: 8, LoadFactorMax: 0.75})
	primary := idx.primary

	// Overfill the primary range several times over, forcing the slot-page
	// chain to extend repeatedly.
	n := 3 * primary
	for i := 0; i < n; i++ {
		require.NoError(t, idx.CommitInsert(fmt.Sprintf("key-%d", i), Offset(i), alwaysVisible))
	}
	assert.Equal(t, n, idx.Len())
	assert.LessOrEqual(t, idx.LoadFactor(), 0.75)
	assert.Greater(t, len(idx.slots), primary)

	// Extension never rehashes: the home range is fixed, so every entry is
	// still reachable from its original home slot.
	assert.Equal(t, primary, idx.primary)
	for i := 0; i < n; i++ {
		off, ok := idx.Lookup(fmt.Sprintf("key-%d", i), alwaysVisible)
		require.True(t, ok, "key-%d lost during chain extension", i)
		assert.Equal(t, Offset(i), off)
	}
}

func TestOversizedKeys(t *testing.T) {
	idx := New(Config{})
	long := string(make([]byte, inlineKeyLimit*4))
	require.NoError(t, idx.CommitInsert(long, 5, alwaysVisible))
	off, ok := idx.Lookup(long, alwaysVisible)
	assert.True(t, ok)
	assert.Equal(t, Offset(5), off)
}

func TestCheckpointLoadRoundtrip(t *testing.T) {
	pager, err := storage.Open(storage.Config{InMemory: true})
	require.NoError(t, err)

	idx := New(Config{})
	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, idx.CommitInsert(fmt.Sprintf("key-%d", i), Offset(i), alwaysVisible))
	}
	require.True(t, idx.Delete("key-13"))

	root, err := idx.Checkpoint(pager)
	require.NoError(t, err)
	require.NotEqual(t, storage.NilPage, root)

	loaded, err := Load(pager, root, Config{})
	require.NoError(t, err)
	assert.Equal(t, idx.Len(), loaded.Len())
	for i := 0; i < n; i++ {
		if i == 13 {
			_, ok := loaded.Lookup("key-13", alwaysVisible)
			assert.False(t, ok)
			continue
		}
		off, ok := loaded.Lookup(fmt.Sprintf("key-%d", i), alwaysVisible)
		require.True(t, ok)
		assert.Equal(t, Offset(i), off)
	}
}

func TestUncommittedBitHelpers(t *testing.T) {
	off := MakeUncommitted(42)
	assert.True(t, IsUncommitted(off))
	assert.Equal(t, uint64(42), LocalRow(off))
	assert.False(t, IsUncommitted(42))
}
