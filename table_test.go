// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelindar/nodestore/chunk"
	"github.com/kelindar/nodestore/fixtures"
	"github.com/kelindar/nodestore/pkindex"
	"github.com/kelindar/nodestore/txn"
)

// testCapacity keeps node groups tiny so group/segment boundaries are
// crossed with a handful of rows.
const testCapacity = 8

func testDB(t *testing.T) (*Database, *NodeTable) {
	t.Helper()
	db, err := OpenDatabase(New(
		WithInMemory(true),
		func(c *Config) {
			c.NodeGroupCapacity = testCapacity
			c.SegmentCapacity = testCapacity
		},
	))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	table, err := db.OpenTable(fixtures.Players(1))
	require.NoError(t, err)
	return db, table
}

func row(pk int64, name string) []any {
	return []any{pk, name, 1.0, true}
}

func mustBegin(t *testing.T, db *Database, mode txn.Mode) *txn.Txn {
	t.Helper()
	tx, err := db.Begin(mode)
	require.NoError(t, err)
	return tx
}

func TestInsertDuplicatePKSameTxn(t *testing.T) {
	db, table := testDB(t)

	tx := mustBegin(t, db, txn.ModeReadWrite)
	_, err := table.Insert(tx, row(7, "A"))
	require.NoError(t, err)

	_, err = table.Insert(tx, row(7, "B"))
	assert.ErrorIs(t, err, ErrDuplicatePK)
	assert.Contains(t, err.Error(), "7")

	require.NoError(t, db.Rollback(tx))

	read := mustBegin(t, db, txn.ModeReadOnly)
	_, found, err := table.LookupByKey(read, int64(7))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInsertNullPK(t *testing.T) {
	db, table := testDB(t)

	tx := mustBegin(t, db, txn.ModeReadWrite)
	_, err := table.Insert(tx, []any{nil, "A", 1.0, true})
	assert.ErrorIs(t, err, ErrNullPK)
	require.NoError(t, db.Rollback(tx))
}

func TestTombstoneReinsert(t *testing.T) {
	db, table := testDB(t)

	t1 := mustBegin(t, db, txn.ModeReadWrite)
	_, err := table.Insert(t1, row(9, "X"))
	require.NoError(t, err)
	require.NoError(t, db.Commit(t1))

	t2 := mustBegin(t, db, txn.ModeReadWrite)
	off, found, err := table.LookupByKey(t2, int64(9))
	require.NoError(t, err)
	require.True(t, found)
	deleted, err := table.Delete(t2, off, int64(9))
	require.NoError(t, err)
	require.True(t, deleted)
	require.NoError(t, db.Commit(t2))

	t3 := mustBegin(t, db, txn.ModeReadWrite)
	_, err = table.Insert(t3, row(9, "Y"))
	require.NoError(t, err)
	require.NoError(t, db.Commit(t3))

	t4 := mustBegin(t, db, txn.ModeReadOnly)
	off, found, err = table.LookupByKey(t4, int64(9))
	require.NoError(t, err)
	require.True(t, found)

	values := make([]any, 2)
	nulls := make([]bool, 2)
	ok, err := table.Lookup(t4, off, []int{0, 1}, values, nulls)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Y", values[1])
	assert.Equal(t, 1, table.Stats().NumRows)
}

func TestDeleteAlreadyDeleted(t *testing.T) {
	db, table := testDB(t)

	t1 := mustBegin(t, db, txn.ModeReadWrite)
	_, err := table.Insert(t1, row(1, "A"))
	require.NoError(t, err)
	require.NoError(t, db.Commit(t1))

	t2 := mustBegin(t, db, txn.ModeReadWrite)
	off, _, err := table.LookupByKey(t2, int64(1))
	require.NoError(t, err)
	deleted, err := table.Delete(t2, off, int64(1))
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = table.Delete(t2, off, int64(1))
	require.NoError(t, err)
	assert.False(t, deleted)
	require.NoError(t, db.Commit(t2))
}

func TestScanSnapshotStability(t *testing.T) {
	db, table := testDB(t)

	writer := mustBegin(t, db, txn.ModeReadWrite)
	_, _, err := table.InsertBatch(writer, fixtures.Rows(1, 5))
	require.NoError(t, err)
	require.NoError(t, db.Commit(writer))

	// Reader pins its snapshot before the second writer commits.
	reader := mustBegin(t, db, txn.ModeReadOnly)

	writer = mustBegin(t, db, txn.ModeReadWrite)
	_, _, err = table.InsertBatch(writer, fixtures.Rows(100, 20))
	require.NoError(t, err)
	require.NoError(t, db.Commit(writer))

	assert.Equal(t, 5, scanCount(t, table, reader))

	// A fresh snapshot observes both batches.
	assert.Equal(t, 25, scanCount(t, table, mustBegin(t, db, txn.ModeReadOnly)))
}

// scanCount drains a committed scan and returns how many rows it yields.
func scanCount(t *testing.T, table *NodeTable, tx *txn.Txn) int {
	t.Helper()
	var state ScanState
	table.InitScanState(tx, &state, SourceCommitted, -1, []int{0})
	vectors := [][]any{make([]any, 4)}
	nulls := [][]bool{make([]bool, 4)}
	total := 0
	for {
		n, err := table.ScanInternal(tx, &state, vectors, nulls)
		require.NoError(t, err)
		if n == 0 {
			return total
		}
		total += n
	}
}

func TestBulkInsertRollback(t *testing.T) {
	db, table := testDB(t)

	before := table.Stats().NumRows
	pkLen := table.indexes.pk().idx.Len()

	tx := mustBegin(t, db, txn.ModeReadWrite)
	rows := fixtures.Rows(1, 3*testCapacity)
	_, _, err := table.InsertBatch(tx, rows)
	require.NoError(t, err)
	require.NoError(t, db.Rollback(tx))

	assert.Equal(t, before, table.Stats().NumRows)
	assert.Equal(t, pkLen, table.indexes.pk().idx.Len())
	assert.Equal(t, 0, table.groups.GetNumTotalRows())

	read := mustBegin(t, db, txn.ModeReadOnly)
	for pk := int64(1); pk <= int64(3*testCapacity); pk++ {
		_, found, err := table.LookupByKey(read, pk)
		require.NoError(t, err)
		assert.False(t, found, "pk %d survived rollback", pk)
	}
}

func TestUpdatePKColumn(t *testing.T) {
	db, table := testDB(t)

	t1 := mustBegin(t, db, txn.ModeReadWrite)
	_, err := table.Insert(t1, row(5, "A"))
	require.NoError(t, err)
	require.NoError(t, db.Commit(t1))

	t2 := mustBegin(t, db, txn.ModeReadWrite)
	off, found, err := table.LookupByKey(t2, int64(5))
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, table.Update(t2, off, 0, int64(11)))
	require.NoError(t, db.Commit(t2))

	read := mustBegin(t, db, txn.ModeReadOnly)
	_, found, err = table.LookupByKey(read, int64(5))
	require.NoError(t, err)
	assert.False(t, found)

	got, found, err := table.LookupByKey(read, int64(11))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, off, got)

	values := make([]any, 1)
	nulls := make([]bool, 1)
	ok, err := table.Lookup(read, got, []int{1}, values, nulls)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", values[0])
}

func TestUpdatePKSameValueNoop(t *testing.T) {
	db, table := testDB(t)

	t1 := mustBegin(t, db, txn.ModeReadWrite)
	_, err := table.Insert(t1, row(5, "A"))
	require.NoError(t, err)
	require.NoError(t, db.Commit(t1))

	lenBefore := table.indexes.pk().idx.Len()

	t2 := mustBegin(t, db, txn.ModeReadWrite)
	off, _, err := table.LookupByKey(t2, int64(5))
	require.NoError(t, err)
	require.NoError(t, table.Update(t2, off, 0, int64(5)))
	require.NoError(t, db.Commit(t2))

	assert.Equal(t, lenBefore, table.indexes.pk().idx.Len())

	read := mustBegin(t, db, txn.ModeReadOnly)
	got, found, err := table.LookupByKey(read, int64(5))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, off, got)
}

func TestNonPKUpdateAndRollback(t *testing.T) {
	db, table := testDB(t)

	t1 := mustBegin(t, db, txn.ModeReadWrite)
	_, err := table.Insert(t1, row(1, "before"))
	require.NoError(t, err)
	require.NoError(t, db.Commit(t1))

	t2 := mustBegin(t, db, txn.ModeReadWrite)
	off, _, err := table.LookupByKey(t2, int64(1))
	require.NoError(t, err)
	require.NoError(t, table.Update(t2, off, 1, "after"))
	require.NoError(t, db.Rollback(t2))

	read := mustBegin(t, db, txn.ModeReadOnly)
	values := make([]any, 1)
	nulls := make([]bool, 1)
	ok, err := table.Lookup(read, off, []int{1}, values, nulls)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "before", values[0])
}

func TestDeleteRollbackRestoresRow(t *testing.T) {
	db, table := testDB(t)

	t1 := mustBegin(t, db, txn.ModeReadWrite)
	_, err := table.Insert(t1, row(1, "A"))
	require.NoError(t, err)
	require.NoError(t, db.Commit(t1))

	t2 := mustBegin(t, db, txn.ModeReadWrite)
	off, _, err := table.LookupByKey(t2, int64(1))
	require.NoError(t, err)
	deleted, err := table.Delete(t2, off, int64(1))
	require.NoError(t, err)
	require.True(t, deleted)
	require.NoError(t, db.Rollback(t2))

	read := mustBegin(t, db, txn.ModeReadOnly)
	_, found, err := table.LookupByKey(read, int64(1))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, table.Stats().NumRows)
}

func TestNodeGroupCapacityBoundary(t *testing.T) {
	db, table := testDB(t)

	tx := mustBegin(t, db, txn.ModeReadWrite)
	_, _, err := table.InsertBatch(tx, fixtures.Rows(1, testCapacity))
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))

	assert.Equal(t, 1, table.groups.NumGroups())
	assert.True(t, table.groups.GetNodeGroup(0).Full())

	tx = mustBegin(t, db, txn.ModeReadWrite)
	_, _, err = table.InsertBatch(tx, fixtures.Rows(100, 1))
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))

	assert.Equal(t, 2, table.groups.NumGroups())
	assert.Equal(t, testCapacity+1, table.groups.GetNumTotalRows())
}

func TestGlobalOffsetIdentity(t *testing.T) {
	db, table := testDB(t)

	tx := mustBegin(t, db, txn.ModeReadWrite)
	start, end, err := table.InsertBatch(tx, fixtures.Rows(1, 2*testCapacity))
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))
	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(2*testCapacity-1), end)

	read := mustBegin(t, db, txn.ModeReadOnly)
	for pk := int64(1); pk <= int64(2*testCapacity); pk++ {
		off, found, err := table.LookupByKey(read, pk)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(pk-1), off)
	}
}

func TestReadYourWrites(t *testing.T) {
	db, table := testDB(t)

	tx := mustBegin(t, db, txn.ModeReadWrite)
	off, err := table.Insert(tx, row(42, "staged"))
	require.NoError(t, err)
	assert.True(t, pkindex.IsUncommitted(off))

	values := make([]any, 2)
	nulls := make([]bool, 2)
	ok, err := table.Lookup(tx, off, []int{0, 1}, values, nulls)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), values[0])
	assert.Equal(t, "staged", values[1])

	// Another snapshot must not see the staged row.
	read := mustBegin(t, db, txn.ModeReadOnly)
	_, found, err := table.LookupByKey(read, int64(42))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, db.Commit(tx))
}

func TestScanWithPredicate(t *testing.T) {
	db, table := testDB(t)

	tx := mustBegin(t, db, txn.ModeReadWrite)
	for pk := int64(1); pk <= 6; pk++ {
		_, err := table.Insert(tx, row(pk, "p"))
		require.NoError(t, err)
	}
	require.NoError(t, db.Commit(tx))

	read := mustBegin(t, db, txn.ModeReadOnly)
	var state ScanState
	table.InitScanState(read, &state, SourceCommitted, -1, []int{0})
	state.Predicates = []ColumnPredicate{{
		ColumnID: 0,
		Predicate: func(value any, isNull bool) bool {
			return !isNull && value.(int64)%2 == 0
		},
	}}
	vectors := [][]any{make([]any, 8)}
	nulls := [][]bool{make([]bool, 8)}
	total := 0
	for {
		n, err := table.ScanInternal(read, &state, vectors, nulls)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		for i := 0; i < n; i++ {
			assert.Zero(t, vectors[0][i].(int64)%2)
		}
		total += n
	}
	assert.Equal(t, 3, total)
}

func TestAddColumnBackfill(t *testing.T) {
	db, table := testDB(t)

	tx := mustBegin(t, db, txn.ModeReadWrite)
	_, _, err := table.InsertBatch(tx, fixtures.Rows(1, testCapacity+2))
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))

	require.NoError(t, table.AddColumn(chunk.Int32, int32(99)))

	read := mustBegin(t, db, txn.ModeReadOnly)
	values := make([]any, 1)
	nulls := make([]bool, 1)
	for _, off := range []uint64{0, uint64(testCapacity + 1)} {
		ok, err := table.Lookup(read, off, []int{4}, values, nulls)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int32(99), values[0])
	}
}

func TestVacuumReclaimsTrailingTombstones(t *testing.T) {
	db, table := testDB(t)

	tx := mustBegin(t, db, txn.ModeReadWrite)
	_, _, err := table.InsertBatch(tx, fixtures.Rows(1, 4))
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))

	tx = mustBegin(t, db, txn.ModeReadWrite)
	for _, pk := range []int64{3, 4} {
		off, found, err := table.LookupByKey(tx, pk)
		require.NoError(t, err)
		require.True(t, found)
		deleted, err := table.Delete(tx, off, pk)
		require.NoError(t, err)
		require.True(t, deleted)
	}
	require.NoError(t, db.Commit(tx))

	reclaimed, err := table.Vacuum(db.clock.Committed())
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed)
	assert.Equal(t, 2, table.groups.GetNumTotalRows())

	read := mustBegin(t, db, txn.ModeReadOnly)
	for _, pk := range []int64{3, 4} {
		_, found, err := table.LookupByKey(read, pk)
		require.NoError(t, err)
		assert.False(t, found)
	}
	for _, pk := range []int64{1, 2} {
		_, found, err := table.LookupByKey(read, pk)
		require.NoError(t, err)
		assert.True(t, found)
	}
}

func TestVacuumSkipsInteriorTombstones(t *testing.T) {
	db, table := testDB(t)

	tx := mustBegin(t, db, txn.ModeReadWrite)
	_, _, err := table.InsertBatch(tx, fixtures.Rows(1, 4))
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))

	// Tombstone an interior row; its space must stay occupied so offsets of
	// the rows behind it never move.
	tx = mustBegin(t, db, txn.ModeReadWrite)
	off, _, err := table.LookupByKey(tx, int64(2))
	require.NoError(t, err)
	_, err = table.Delete(tx, off, int64(2))
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))

	reclaimed, err := table.Vacuum(db.clock.Committed())
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
	assert.Equal(t, 4, table.groups.GetNumTotalRows())
}
