// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelindar/nodestore/fixtures"
	"github.com/kelindar/nodestore/txn"
)

func fileDB(t *testing.T, path string) (*Database, *NodeTable) {
	t.Helper()
	db, err := OpenDatabase(New(
		WithPath(path),
		func(c *Config) {
			c.NodeGroupCapacity = testCapacity
			c.SegmentCapacity = testCapacity
		},
	))
	require.NoError(t, err)
	table, err := db.OpenTable(fixtures.Players(1))
	require.NoError(t, err)
	require.NoError(t, db.Recover())
	return db, table
}

func TestCheckpointAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, table := fileDB(t, path)
	tx := mustBegin(t, db, txn.ModeReadWrite)
	_, _, err := table.InsertBatch(tx, fixtures.Rows(1, 2*testCapacity))
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))

	wrote, err := db.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.True(t, wrote)
	require.NoError(t, db.Close())

	db, table = fileDB(t, path)
	defer db.Close()

	assert.Equal(t, 2*testCapacity, table.groups.GetNumTotalRows())
	read := mustBegin(t, db, txn.ModeReadOnly)
	for pk := int64(1); pk <= int64(2*testCapacity); pk++ {
		off, found, err := table.LookupByKey(read, pk)
		require.NoError(t, err)
		require.True(t, found, "pk %d missing after reopen", pk)
		assert.Equal(t, uint64(pk-1), off)
	}
}

func TestCheckpointIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, table := fileDB(t, path)
	defer db.Close()

	tx := mustBegin(t, db, txn.ModeReadWrite)
	_, _, err := table.InsertBatch(tx, fixtures.Rows(1, 4))
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))

	wrote, err := db.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.True(t, wrote)

	// Nothing changed since; the second call observes hasChanges == false.
	wrote, err = db.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.False(t, wrote)
}

func TestRecoveryReplaysWALOnlyCommits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, table := fileDB(t, path)
	tx := mustBegin(t, db, txn.ModeReadWrite)
	_, _, err := table.InsertBatch(tx, fixtures.Rows(1, testCapacity))
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))
	_, err = db.Checkpoint(context.Background())
	require.NoError(t, err)

	// Second batch commits to the WAL only; no checkpoint follows, leaving
	// recovery as the only way back.
	tx = mustBegin(t, db, txn.ModeReadWrite)
	_, _, err = table.InsertBatch(tx, fixtures.Rows(100, 4))
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))
	require.NoError(t, db.Close())

	db, table = fileDB(t, path)
	defer db.Close()

	assert.Equal(t, testCapacity+4, table.Stats().NumRows)
	read := mustBegin(t, db, txn.ModeReadOnly)
	for _, pk := range []int64{1, int64(testCapacity), 100, 103} {
		_, found, err := table.LookupByKey(read, pk)
		require.NoError(t, err)
		assert.True(t, found, "pk %d missing after recovery", pk)
	}
}

func TestRecoveryDropsUncommittedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, table := fileDB(t, path)
	tx := mustBegin(t, db, txn.ModeReadWrite)
	_, _, err := table.InsertBatch(tx, fixtures.Rows(1, 4))
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))
	require.NoError(t, db.Close())

	intactSize := walSize(t, path)

	// Simulate a crash mid-append: a record header that claims more bytes
	// than the file holds.
	f, err := os.OpenFile(path+".wal", os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	var torn [6]byte
	binary.LittleEndian.PutUint32(torn[0:4], 100)
	torn[4] = 1
	_, err = f.Write(torn[:])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	db, table = fileDB(t, path)
	defer db.Close()

	// The committed rows replay; the torn tail is truncated away.
	assert.Equal(t, 4, table.Stats().NumRows)
	assert.Equal(t, intactSize, walSize(t, path))
}

func walSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path + ".wal")
	require.NoError(t, err)
	return info.Size()
}

func TestRecoveryReplaysDeletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, table := fileDB(t, path)
	tx := mustBegin(t, db, txn.ModeReadWrite)
	_, _, err := table.InsertBatch(tx, fixtures.Rows(1, 4))
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))

	tx = mustBegin(t, db, txn.ModeReadWrite)
	off, found, err := table.LookupByKey(tx, int64(2))
	require.NoError(t, err)
	require.True(t, found)
	deleted, err := table.Delete(tx, off, int64(2))
	require.NoError(t, err)
	require.True(t, deleted)
	require.NoError(t, db.Commit(tx))
	require.NoError(t, db.Close())

	db, table = fileDB(t, path)
	defer db.Close()

	assert.Equal(t, 3, table.Stats().NumRows)
	read := mustBegin(t, db, txn.ModeReadOnly)
	_, found, err = table.LookupByKey(read, int64(2))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRecoveryReplaysUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, table := fileDB(t, path)
	tx := mustBegin(t, db, txn.ModeReadWrite)
	_, _, err := table.InsertBatch(tx, fixtures.Rows(1, 2))
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))

	tx = mustBegin(t, db, txn.ModeReadWrite)
	off, _, err := table.LookupByKey(tx, int64(1))
	require.NoError(t, err)
	require.NoError(t, table.Update(tx, off, 1, "renamed"))
	require.NoError(t, db.Commit(tx))
	require.NoError(t, db.Close())

	db, table = fileDB(t, path)
	defer db.Close()

	read := mustBegin(t, db, txn.ModeReadOnly)
	off, found, err := table.LookupByKey(read, int64(1))
	require.NoError(t, err)
	require.True(t, found)
	values := make([]any, 1)
	nulls := make([]bool, 1)
	ok, err := table.Lookup(read, off, []int{1}, values, nulls)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "renamed", values[0])
}

func TestReadOnlyAfterFatalError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, _ := fileDB(t, path)
	defer db.Close()

	db.fail(newErr(KindCorruption, "synthetic"))
	assert.True(t, db.ReadOnly())

	_, err := db.Begin(txn.ModeReadWrite)
	assert.Error(t, err)

	_, err = db.Begin(txn.ModeReadOnly)
	assert.NoError(t, err)
}
