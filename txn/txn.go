// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

// Package txn implements transaction identity, snapshot visibility, the
// undo buffer and WAL gating: many tables share one Clock, and each
// transaction carries its own snapshot, mode and reverse log.
package txn

import (
	"sync/atomic"
)

// ID is a 63-bit monotonically assigned transaction identifier.
type ID uint64

// NotDeleted is the sentinel deletionTS for a row that has never been
// tombstoned. It has exactly one meaning — "this row has no deleting
// transaction" — and is used nowhere else; a never-written slot is
// distinguished by its separate insertionTS instead.
const NotDeleted ID = ^ID(0)

// StartTS is a sentinel newer than any transaction snapshot could ever be,
// used to make a checkpoint transaction's snapshot dominate every committed
// writer.
const StartTS ID = ^ID(0) - 1

// Mode is the operating mode of a transaction.
type Mode uint8

const (
	ModeReadOnly Mode = iota
	ModeReadWrite
	ModeCheckpoint
	ModeRecovery
)

// State is the lifecycle state of a transaction.
type State uint8

const (
	StateActive State = iota
	StateCommitted
	StateRolledBack
)

// Clock allocates monotonically increasing transaction ids and tracks the
// high-water mark of committed transactions new readers snapshot against.
type Clock struct {
	next atomic.Uint64
	committed atomic.Uint64
}

// NewClock returns a Clock starting after the given last-known commit id,
// e.g. recovered from a WAL replay (0 for a brand-new database).
func NewClock(lastCommitted uint64) *Clock {
	c := &Clock{}
	c.next.Store(lastCommitted + 1)
	c.committed.Store(lastCommitted)
	return c
}

// Begin allocates a fresh transaction id and snapshot for the given mode.
func (c *Clock) Begin(mode Mode) *Txn {
	id := ID(c.next.Add(1) - 1)
	snap := ID(c.committed.Load())
	if mode == ModeCheckpoint {
		snap = StartTS
	}
	return &Txn{
		id: id,
		snapshot: snap,
		mode: mode,
		state: StateActive,
		logToWAL: mode == ModeReadWrite,
	}
}

// Committed returns the current committed-transaction high-water mark.
func (c *Clock) Committed() ID {
	return ID(c.committed.Load())
}

// NextTS allocates a fresh timestamp from the same sequence Begin draws
// transaction ids from, used as a commitTS so commit order and id order
// never interleave.
func (c *Clock) NextTS() ID {
	return ID(c.next.Add(1) - 1)
}

// Observe fast-forwards the clock past an externally discovered commit
// timestamp (WAL replay during recovery), so ids handed out afterwards never
// collide with replayed history.
func (c *Clock) Observe(commitTS ID) {
	for {
		cur := c.next.Load()
		if uint64(commitTS) < cur {
			break
		}
		if c.next.CompareAndSwap(cur, uint64(commitTS)+1) {
			break
		}
	}
	c.Advance(commitTS)
}

// Advance publishes commitTS as the new committed high-water mark. Called
// once per successful commit, after WAL fsync.
func (c *Clock) Advance(commitTS ID) {
	for {
		cur := c.committed.Load()
		if uint64(commitTS) <= cur {
			return
		}
		if c.committed.CompareAndSwap(cur, uint64(commitTS)) {
			return
		}
	}
}

// Txn is a single transaction's identity, snapshot, mode and undo buffer.
type Txn struct {
	id ID
	commitTS ID
	snapshot ID
	mode Mode
	state State
	logToWAL bool
	undo Undo
	hasChanges bool
}

// ID returns the transaction's own id (used as insertionTS/deletionTS until
// commit rewrites it to commitTS).
func (t *Txn) ID() ID { return t.id }

// Snapshot returns the committed-transaction high-water mark this
// transaction reads against.
func (t *Txn) Snapshot() ID { return t.snapshot }

// Mode reports the transaction's operating mode.
func (t *Txn) Mode() Mode { return t.mode }

// State reports the transaction's lifecycle state.
func (t *Txn) State() State { return t.state }

// ShouldLogToWAL reports whether this transaction is configured to produce
// WAL records at all; per-operation state can additionally opt out.
func (t *Txn) ShouldLogToWAL() bool { return t.logToWAL }

// DisableWAL turns off WAL logging for this transaction (used for recovery
// replay, which must not re-log what it's replaying).
func (t *Txn) DisableWAL() { t.logToWAL = false }

// MarkDirty records that this transaction has made at least one change,
// mirroring Node Table's hasChanges flag.
func (t *Txn) MarkDirty() { t.hasChanges = true }

// HasChanges reports whether MarkDirty was ever called.
func (t *Txn) HasChanges() bool { return t.hasChanges }

// Undo returns the transaction's undo buffer for callers to append records.
func (t *Txn) Undo() *Undo { return &t.undo }

// IsVisible implements the snapshot visibility rule: a row is visible to t
// iff its insertionTS happened at or before t's snapshot and it either was
// never deleted or was deleted strictly after t's snapshot. A transaction
// always sees rows it inserted itself and never sees rows it deleted itself.
func (t *Txn) IsVisible(insertionTS, deletionTS ID) bool {
	if insertionTS > t.snapshot && insertionTS != t.id {
		return false
	}
	if deletionTS == NotDeleted {
		return true
	}
	if deletionTS == t.id {
		return false
	}
	return deletionTS > t.snapshot
}

// Commit transitions the transaction to committed with the given commit
// timestamp; callers still must run the commit protocol themselves (drain
// local tables, rewrite insertionTS/deletionTS, advance the Clock).
func (t *Txn) Commit(commitTS ID) {
	t.commitTS = commitTS
	t.state = StateCommitted
}

// CommitTS returns the timestamp assigned at Commit, or the transaction's own
// id before commit (used while insertionTS/deletionTS still carry txnID).
func (t *Txn) CommitTS() ID {
	if t.state == StateCommitted {
		return t.commitTS
	}
	return t.id
}

// Rollback transitions the transaction to rolled-back. Callers walk Undo()
// in reverse afterwards.
func (t *Txn) Rollback() {
	t.state = StateRolledBack
}
