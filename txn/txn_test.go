// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockAssignsMonotonicIDs(t *testing.T) {
	c := NewClock(0)
	a := c.Begin(ModeReadWrite)
	b := c.Begin(ModeReadWrite)
	assert.Less(t, a.ID(), b.ID())
}

func TestSnapshotTracksCommittedHighWater(t *testing.T) {
	c := NewClock(0)
	w := c.Begin(ModeReadWrite)
	early := c.Begin(ModeReadOnly)

	commitTS := c.NextTS()
	w.Commit(commitTS)
	c.Advance(commitTS)

	late := c.Begin(ModeReadOnly)
	assert.Less(t, early.Snapshot(), commitTS)
	assert.GreaterOrEqual(t, late.Snapshot(), commitTS)
}

func TestObserveFastForwards(t *testing.T) {
	c := NewClock(0)
	c.Observe(100)
	assert.Equal(t, ID(100), c.Committed())
	tx := c.Begin(ModeReadWrite)
	assert.Greater(t, tx.ID(), ID(100))
}

func TestCheckpointSnapshotDominates(t *testing.T) {
	c := NewClock(5)
	ck := c.Begin(ModeCheckpoint)
	assert.Equal(t, StartTS, ck.Snapshot())
	assert.True(t, ck.IsVisible(4, NotDeleted))
	assert.True(t, ck.IsVisible(1_000_000, NotDeleted))
}

func TestVisibilityRule(t *testing.T) {
	c := NewClock(10)
	tx := c.Begin(ModeReadOnly)
	snap := tx.Snapshot()

	// Inserted at or before the snapshot, never deleted.
	assert.True(t, tx.IsVisible(snap, NotDeleted))
	// Inserted after the snapshot by someone else (snap+2 avoids colliding
	// with tx's own id, which Begin assigned snap+1).
	assert.False(t, tx.IsVisible(snap+2, NotDeleted))
	// Deleted after the snapshot: still visible to this reader.
	assert.True(t, tx.IsVisible(snap-1, snap+2))
	// Deleted at or before the snapshot.
	assert.False(t, tx.IsVisible(snap-1, snap))
}

func TestOwnWritesVisible(t *testing.T) {
	c := NewClock(3)
	tx := c.Begin(ModeReadWrite)

	// A row this transaction inserted carries its own id as insertionTS.
	assert.True(t, tx.IsVisible(tx.ID(), NotDeleted))
	// A row this transaction tombstoned is gone from its own viewpoint.
	assert.False(t, tx.IsVisible(1, tx.ID()))
}

func TestWALGatingByMode(t *testing.T) {
	c := NewClock(0)
	assert.True(t, c.Begin(ModeReadWrite).ShouldLogToWAL())
	assert.False(t, c.Begin(ModeReadOnly).ShouldLogToWAL())
	assert.False(t, c.Begin(ModeRecovery).ShouldLogToWAL())

	w := c.Begin(ModeReadWrite)
	w.DisableWAL()
	assert.False(t, w.ShouldLogToWAL())
}

type recordingHandler struct {
	calls []string
}

func (h *recordingHandler) RollbackInsert(nodeGroupIdx int, startRow, numRows int) error {
	h.calls = append(h.calls, "insert")
	return nil
}

func (h *recordingHandler) RestoreDeletionTS(nodeGroupIdx int, rowInGroup int, numRows int, was ID) error {
	h.calls = append(h.calls, "delete")
	return nil
}

func (h *recordingHandler) RestoreColumnValue(nodeGroupIdx int, rowInGroup int, columnID int, old any) error {
	h.calls = append(h.calls, "update")
	return nil
}

func TestUndoRollbackReverseOrder(t *testing.T) {
	h := &recordingHandler{}
	var u Undo
	u.PushInsert(1, h, 0, 0, 4)
	u.PushDelete(1, h, 0, 2, NotDeleted)
	u.PushUpdate(1, h, 0, 3, 1, "old")
	require.Equal(t, 3, u.Len())

	require.NoError(t, u.Rollback())
	assert.Equal(t, []string{"update", "delete", "insert"}, h.calls)
	assert.Zero(t, u.Len())
}

func TestUndoClear(t *testing.T) {
	h := &recordingHandler{}
	var u Undo
	u.PushInsert(1, h, 0, 0, 1)
	u.Clear()
	require.NoError(t, u.Rollback())
	assert.Empty(t, h.calls)
}
