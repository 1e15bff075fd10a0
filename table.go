// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kelindar/nodestore/chunk"
	"github.com/kelindar/nodestore/codec"
	"github.com/kelindar/nodestore/pkindex"
	"github.com/kelindar/nodestore/storage"
	"github.com/kelindar/nodestore/txn"
	"github.com/kelindar/nodestore/wal"
)

// NodeTable is the public facade of the storage engine: it orchestrates
// inserts, updates, deletes, point lookups, scans, checkpoints and
// rollbacks over one table, owning its columns, its primary-key index, and
// every opaque secondary index registered against it.
type NodeTable struct {
	mu sync.RWMutex // guards groups/local/hasChanges; readers of already-checkpointed groups stay lock-free through groups' own locking, this just protects NodeTable's own bookkeeping
	wm sync.Mutex // the single write lock requires: held for the duration of one write transaction

	log *zap.Logger

	tableID uint64
	schema []chunk.Type
	pkColumnID int

	groupCapacity int
	segmentCapacity int

	groups *NodeGroupCollection
	indexes *indexRegistry
	local *LocalTable

	wal *wal.WAL

	hasChanges bool

	// activeTxn tracks which transaction currently holds wm, so a caller
	// accidentally reusing a stale *txn.Txn after commit/rollback is caught
	// rather than silently corrupting the next writer's local table.
	activeTxn txn.ID
	haveTxn bool
}

// NewNodeTable creates an empty table over schema with pkColumnID
// identifying the primary-key column. w may be nil (no WAL logging, e.g. a
// recovery-mode or in-memory-only table).
func NewNodeTable(tableID uint64, schema []chunk.Type, pkColumnID int, cfg Config, w *wal.WAL) *NodeTable {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	groupCap := cfg.NodeGroupCapacity
	segCap := cfg.SegmentCapacity
	if segCap <= 0 {
		segCap = groupCap
	}
	pkIdx := pkindex.New(pkindex.Config{LoadFactorMax: cfg.PKIndexLoadFactorMax})
	return &NodeTable{
		log: log,
		tableID: tableID,
		schema: append([]chunk.Type(nil), schema...),
		pkColumnID: pkColumnID,
		groupCapacity: groupCap,
		segmentCapacity: segCap,
		groups: NewNodeGroupCollection(schema, groupCap, segCap),
		indexes: newIndexRegistry(log, pkIdx),
		wal: w,
	}
}

// TableID returns the table's stable numeric identifier.
func (t *NodeTable) TableID() uint64 { return t.tableID }

// RegisterIndex adds an opaque secondary index driven alongside the PK index.
func (t *NodeTable) RegisterIndex(idx Index) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexes.Register(idx)
}

// visibleTo builds the offset predicate threaded through every PK-index
// call: a committed offset is visible per tx's snapshot; an uncommitted
// offset is visible iff it was written by tx itself and is still live in
// the local table.
func (t *NodeTable) visibleTo(tx *txn.Txn) pkindex.VisibleFunc {
	return func(off pkindex.Offset) bool {
		if pkindex.IsUncommitted(off) {
			return t.ownsLocal(tx) && t.local.IsVisible(pkindex.LocalRow(off))
		}
		g, row, ok := t.groups.locate(off)
		if !ok {
			return false
		}
		return g.IsVisible(row, tx.IsVisible)
	}
}

// committedLive is the visibility predicate commit-time PK installation
// uses: the candidate entry blocks the insert only if its row is still live
// in committed storage (not tombstoned). A tombstoned row's leftover index
// entry must never collide with a fresh insert of the same key.
func (t *NodeTable) committedLive(off pkindex.Offset) bool {
	if pkindex.IsUncommitted(off) {
		return false
	}
	g, row, ok := t.groups.locate(off)
	if !ok {
		return false
	}
	_, del, ok := g.TimestampsAt(row)
	return ok && del == txn.NotDeleted
}

// ownsLocal reports whether tx is the writer the Local Table belongs to —
// uncommitted rows are visible to their own transaction only. Caller holds
// at least t.mu read-locked.
func (t *NodeTable) ownsLocal(tx *txn.Txn) bool {
	return t.local != nil && t.haveTxn && t.activeTxn == tx.ID()
}

// wroteBy reports whether tx is this table's currently bound writer,
// letting a multi-table commit skip tables the transaction never touched.
func (t *NodeTable) wroteBy(tx *txn.Txn) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.haveTxn && t.activeTxn == tx.ID()
}

// beginWrite acquires the single write lock and binds tx as the active
// writer, lazily creating its Local Table staging area.
func (t *NodeTable) beginWrite(tx *txn.Txn) {
	t.wm.Lock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.haveTxn || t.activeTxn != tx.ID() {
		t.local = NewLocalTable(t.schema, t.groupCapacity, t.segmentCapacity, t.pkColumnID)
		t.activeTxn = tx.ID()
		t.haveTxn = true
	}
}

func (t *NodeTable) endWrite() {
	t.wm.Unlock()
}

// Insert appends columnValues (one value per schema column, PK included) to
// the Local Table, insert contract. It never touches
// the committed Primary Key Index — that only happens at Commit via
// commitInsert — but it does check for a colliding *visible* key, both
// against already-committed rows and against other rows this same
// transaction has already staged.
func (t *NodeTable) Insert(tx *txn.Txn, columnValues []any) (pkindex.Offset, error) {
	t.beginWrite(tx)
	defer t.endWrite()

	pkVal := columnValues[t.pkColumnID]
	if pkVal == nil {
		return 0, ErrNullPK
	}
	pkKey, err := chunk.KeyString(t.schema[t.pkColumnID], pkVal)
	if err != nil {
		return 0, wrapErr(KindTypeMismatch, err, "insert: invalid primary key value")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, found := t.indexes.pk().idx.Lookup(pkKey, t.visibleTo(tx)); found {
		return 0, wrapErr(KindDuplicatePK, ErrDuplicatePK, "duplicate primary key %q", pkKey)
	}
	if _, dup := t.local.ValidateUniquenessConstraint(pkKey); dup {
		return 0, wrapErr(KindDuplicatePK, ErrDuplicatePK, "duplicate primary key %q", pkKey)
	}

	off, err := t.local.Insert(columnValues, pkKey, tx.ID())
	if err != nil {
		return 0, err
	}

	// Stage first, then log: the row already exists in the Local Table by
	// the time the WAL record is appended, matching the commit protocol's
	// own ordering.
	if tx.ShouldLogToWAL() && t.wal != nil {
		payload, err := EncodeValues(t.tableID, t.schema, columnValues)
		if err != nil {
			return 0, wrapErr(KindWAL, err, "insert: encode WAL payload")
		}
		rec := wal.Encode(wal.KindTableInsertion, payload)
		if _, err := t.wal.Append(rec); err != nil {
			return 0, wrapErr(KindWAL, err, "insert: WAL append failed")
		}
	}

	tx.MarkDirty()
	t.hasChanges = true
	return off, nil
}

// Update overwrites columnID's value at nodeOffset, in place for a committed
// row or against the Local Table for an uncommitted one.
// Updating the primary-key column re-validates uniqueness first and keeps
// the Primary Key Index in sync for already-committed rows.
func (t *NodeTable) Update(tx *txn.Txn, nodeOffset pkindex.Offset, columnID int, value any) error {
	t.beginWrite(tx)
	defer t.endWrite()

	t.mu.Lock()
	defer t.mu.Unlock()

	isPK := columnID == t.pkColumnID
	var newKey string
	if isPK {
		if value == nil {
			return ErrNullPK
		}
		var err error
		newKey, err = chunk.KeyString(t.schema[t.pkColumnID], value)
		if err != nil {
			return wrapErr(KindTypeMismatch, err, "update: invalid primary key value")
		}
		if _, found := t.indexes.pk().idx.Lookup(newKey, func(off pkindex.Offset) bool {
			return off != nodeOffset && t.visibleTo(tx)(off)
		}); found {
			return wrapErr(KindDuplicatePK, ErrDuplicatePK, "duplicate primary key %q", newKey)
		}
		if _, dup := t.local.ValidateUniquenessConstraint(newKey); dup {
			return wrapErr(KindDuplicatePK, ErrDuplicatePK, "duplicate primary key %q", newKey)
		}
	}

	if pkindex.IsUncommitted(nodeOffset) {
		local := pkindex.LocalRow(nodeOffset)
		old, err := t.local.Update(local, columnID, value)
		if err != nil {
			return err
		}
		if isPK {
			oldKey, kerr := chunk.KeyString(t.schema[t.pkColumnID], old)
			if kerr == nil {
				t.local.mu.Lock()
				delete(t.local.pk, oldKey)
				t.local.pk[newKey] = local
				t.local.mu.Unlock()
			}
		}
	} else {
		g, rowInGroup, ok := t.groups.locate(nodeOffset)
		if !ok {
			return ErrOutOfRange
		}
		groupIdx, _ := t.groups.splitOffset(nodeOffset)
		old, err := g.Update(rowInGroup, columnID, value)
		if err != nil {
			return err
		}
		tx.Undo().PushUpdate(t.tableID, t, groupIdx, rowInGroup, columnID, old)
		if isPK {
			oldKey, kerr := chunk.KeyString(t.schema[t.pkColumnID], old)
			if kerr == nil {
				t.indexes.pk().idx.Delete(oldKey)
			}
			if err := t.indexes.pk().idx.CommitInsert(newKey, nodeOffset, t.visibleTo(tx)); err != nil {
				return wrapErr(KindDuplicatePK, err, "duplicate primary key %q", newKey)
			}
		}
		if tx.ShouldLogToWAL() && t.wal != nil {
			payload, err := EncodeNodeUpdate(t.tableID, uint32(columnID), nodeOffset, t.schema[columnID], value)
			if err != nil {
				return wrapErr(KindWAL, err, "update: encode WAL payload")
			}
			rec := wal.Encode(wal.KindNodeUpdate, payload)
			if _, err := t.wal.Append(rec); err != nil {
				return wrapErr(KindWAL, err, "update: WAL append failed")
			}
		}
	}

	tx.MarkDirty()
	t.hasChanges = true
	return nil
}

// Delete tombstones nodeOffset, returning false if the row was already
// invisible or already deleted. The Primary Key
// Index entry is left in place: invariant 3 only requires that a lookup
// under a caller-supplied visibility predicate fail to resolve a tombstoned
// row, which visibleTo already guarantees without a physical index mutation.
func (t *NodeTable) Delete(tx *txn.Txn, nodeOffset pkindex.Offset, pkValue any) (bool, error) {
	t.beginWrite(tx)
	defer t.endWrite()

	t.mu.Lock()
	defer t.mu.Unlock()

	if pkindex.IsUncommitted(nodeOffset) {
		ok := t.local.Delete(pkindex.LocalRow(nodeOffset), tx.ID())
		if ok {
			tx.MarkDirty()
			t.hasChanges = true
		}
		return ok, nil
	}

	g, rowInGroup, ok := t.groups.locate(nodeOffset)
	if !ok {
		return false, ErrOutOfRange
	}
	groupIdx, _ := t.groups.splitOffset(nodeOffset)
	oldDel, deleted := g.Delete(rowInGroup, tx.ID(), tx.IsVisible)
	if !deleted {
		return false, nil
	}
	tx.Undo().PushDelete(t.tableID, t, groupIdx, rowInGroup, oldDel)

	if tx.ShouldLogToWAL() && t.wal != nil {
		pkBytes, err := EncodeScalar(t.schema[t.pkColumnID], pkValue)
		if err != nil {
			return false, wrapErr(KindWAL, err, "delete: encode WAL payload")
		}
		payload := encodeNodeDeletionPayload(t.tableID, nodeOffset, pkBytes)
		rec := wal.Encode(wal.KindNodeDeletion, payload)
		if _, err := t.wal.Append(rec); err != nil {
			return false, wrapErr(KindWAL, err, "delete: WAL append failed")
		}
	}

	tx.MarkDirty()
	t.hasChanges = true
	return true, nil
}

// AddColumn appends a new Column across every existing Node Group (not just
// the tail), backfilled with defaultValue.
func (t *NodeTable) AddColumn(tp chunk.Type, defaultValue any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.groups.AddColumn(tp, defaultValue); err != nil {
		return err
	}
	if t.local != nil {
		if err := t.local.AddColumn(tp, defaultValue); err != nil {
			return err
		}
	}
	t.schema = append(t.schema, tp)
	t.hasChanges = true
	return nil
}

// HasChanges reports whether anything has been written to the table since
// its last checkpoint.
func (t *NodeTable) HasChanges() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hasChanges
}

// ----------------------------------------------------------------------
// txn.Handler implementation — resolved from the undo buffer's polymorphic
// capability rather than a raw pointer back to
// this table.
// ----------------------------------------------------------------------

// RollbackInsert undoes an InsertInfo undo record: it first evicts any
// Primary Key Index entries this insert installed (RollbackPKIndexInsert),
// then truncates the affected Node Group back to startRow
// (RollbackGroupCollectionInsert). This path is only reached for inserts
// that went directly into committed storage ahead of commit — the bulk
// InsertBatch path (table_commit.go) — since ordinary Insert only ever
// touches the Local Table, which rollback simply drops wholesale.
func (t *NodeTable) RollbackInsert(nodeGroupIdx int, startRow, numRows int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.rollbackPKIndexInsertLocked(nodeGroupIdx, startRow, numRows); err != nil {
		return err
	}
	return t.rollbackGroupCollectionInsertLocked(numRows)
}

// RestoreDeletionTS implements the DeleteInfo undo record's rollback.
func (t *NodeTable) RestoreDeletionTS(nodeGroupIdx, rowInGroup, numRows int, was txn.ID) error {
	t.mu.RLock()
	g := t.groups.GetNodeGroup(nodeGroupIdx)
	t.mu.RUnlock()
	if g == nil {
		return ErrOutOfRange
	}
	return g.RestoreDeletionTS(rowInGroup, numRows, was)
}

// RestoreColumnValue implements the UpdateInfo undo record's rollback,
// including restoring the Primary Key Index if the undone update was to the
// PK column itself.
func (t *NodeTable) RestoreColumnValue(nodeGroupIdx, rowInGroup, columnID int, old any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.groups.GetNodeGroup(nodeGroupIdx)
	if g == nil {
		return ErrOutOfRange
	}
	current, _, err := g.ValueAt(rowInGroup, columnID)
	if err != nil {
		return err
	}
	if err := g.RestoreColumnValue(rowInGroup, columnID, old); err != nil {
		return err
	}
	if columnID == t.pkColumnID {
		offset := uint64(nodeGroupIdx)*uint64(t.groupCapacity) + uint64(rowInGroup)
		if newKey, kerr := chunk.KeyString(t.schema[columnID], current); kerr == nil {
			t.indexes.pk().idx.Delete(newKey)
		}
		if oldKey, kerr := chunk.KeyString(t.schema[columnID], old); kerr == nil {
			_ = t.indexes.pk().idx.CommitInsert(oldKey, offset, t.committedLive)
		}
	}
	return nil
}

// rollbackPKIndexInsertLocked implements RollbackPKDeleter:
// it builds the [start,start+numRows) global offset range anchored at
// (nodeGroupIdx, startRow), scans that range's PK column values from
// committed groups — spanning node groups when the range does — and for
// every value that currently resolves to the same offset via Lookup,
// deletes it. Caller holds t.mu.
func (t *NodeTable) rollbackPKIndexInsertLocked(nodeGroupIdx, startRow, numRows int) error {
	base := uint64(nodeGroupIdx)*uint64(t.groupCapacity) + uint64(startRow)
	for i := 0; i < numRows; i++ {
		offset := base + uint64(i)
		g, rowInGroup, ok := t.groups.locate(offset)
		if !ok {
			continue
		}
		val, null, err := g.ValueAt(rowInGroup, t.pkColumnID)
		if err != nil || null {
			continue
		}
		key, err := chunk.KeyString(t.schema[t.pkColumnID], val)
		if err != nil {
			continue
		}
		if found, ok := t.indexes.pk().idx.Lookup(key, nil); ok && found == offset {
			t.indexes.pk().idx.Delete(key)
		}
		t.indexes.rollbackSecondaries(key)
	}
	return nil
}

// rollbackGroupCollectionInsertLocked shrinks the collection's tail by
// numRows, the bare row-count-driven undo of a direct-to-global insert.
// Caller holds t.mu.
func (t *NodeTable) rollbackGroupCollectionInsertLocked(numRows int) error {
	return t.groups.RollbackInsert(numRows)
}

// Checkpoint rewrites every column through the Shadow File and Page Manager,
// checkpoints every registered index, and clears hasChanges. It reports whether anything was written.
func (t *NodeTable) Checkpoint(pager *storage.Pager, sf *storage.ShadowFile, cdc codec.Codec) (wrote bool, root storage.PageID, pkRoot storage.PageID, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasChanges {
		return false, storage.NilPage, storage.NilPage, nil
	}

	t.log.Info("checkpoint begin", zap.Uint64("table_id", t.tableID))

	groupsRoot, err := t.groups.Checkpoint(pager, sf, cdc)
	if err != nil {
		return false, storage.NilPage, storage.NilPage, wrapErr(KindInvariantViolation, err, "checkpoint: groups")
	}
	pkRoot, err = t.indexes.pk().idx.Checkpoint(pager)
	if err != nil {
		return false, storage.NilPage, storage.NilPage, wrapErr(KindInvariantViolation, err, "checkpoint: pk index")
	}
	for _, idx := range t.indexes.secondaries() {
		if _, err := idx.Checkpoint(pager); err != nil {
			t.log.Warn("secondary index checkpoint failed", zap.String("index", idx.Name()), zap.Error(err))
		}
	}

	t.hasChanges = false
	t.log.Info("checkpoint end", zap.Uint64("table_id", t.tableID))
	return true, groupsRoot, pkRoot, nil
}

// RollbackCheckpoint undoes a partially-applied checkpoint by marking the
// table dirty again so the next checkpoint attempt retries. The Shadow
// File's own rollback is the caller's responsibility (it is shared across
// every table in the same checkpoint transaction).
func (t *NodeTable) RollbackCheckpoint(pager *storage.Pager) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = pager
	// Pages the failed run staged were never swapped into the primary file,
	// and the root pointer never moved, so nothing references them; they stay
	// allocated and are not returned to the free list. Freeing eagerly here
	// would risk freeing a segment's
	// previous — still live — chain when the failure happened before that
	// segment was reached.
	t.hasChanges = true
	return nil
}

// aggregateErrs is a small go.uber.org/multierr convenience used when
// rolling back several tables' checkpoints at once (db.go).
func aggregateErrs(errs...error) error {
	return multierr.Combine(errs...)
}
