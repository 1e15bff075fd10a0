// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import (
	"bytes"

	"github.com/kelindar/iostream"
	"go.uber.org/zap"

	"github.com/kelindar/nodestore/chunk"
	"github.com/kelindar/nodestore/pkindex"
	"github.com/kelindar/nodestore/txn"
	"github.com/kelindar/nodestore/wal"
)

// ----------------------------------------------------------------------
// WAL payload wire format. EncodeValues/DecodeValues, EncodeNodeUpdate and
// EncodeScalar/encodeNodeDeletionPayload give wal.Record.Payload a concrete
// shape (gob is used only for List/Struct values) matching wal/record.go's TableInsertionPayload /
// NodeUpdatePayload / NodeDeletionPayload field lists, framed with the same
// github.com/kelindar/iostream writer/reader pair the rest of the engine
// uses for its on-disk directories (pkindex/checkpoint.go,
// nodegroup_collection.go's collectionMeta).
// ----------------------------------------------------------------------

// EncodeValues frames a single row insert as a one-row TableInsertionPayload.
func EncodeValues(tableID uint64, schema []chunk.Type, columnValues []any) ([]byte, error) {
	return EncodeValuesBatch(tableID, schema, [][]any{columnValues})
}

// EncodeValuesBatch frames a run of rows (InsertBatch's bulk-COPY path) as
// one TableInsertionPayload: tableID, a reserved tableType byte, the row
// count, then each row's columns in schema order.
func EncodeValuesBatch(tableID uint64, schema []chunk.Type, rows [][]any) ([]byte, error) {
	var buf bytes.Buffer
	w := iostream.NewWriter(&buf)
	if err := w.WriteUvarint(tableID); err != nil {
		return nil, err
	}
	if err := w.WriteUvarint(0); err != nil { // tableType: reserved for a future catalog-driven tag
		return nil, err
	}
	if err := w.WriteUvarint(uint64(len(rows))); err != nil {
		return nil, err
	}
	for _, row := range rows {
		for i, t := range schema {
			if err := writeValue(w, t, row[i]); err != nil {
				return nil, err
			}
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValues parses a TableInsertionPayload back into its table id and
// row-major values, against schema (the recovering table's current column
// list, scenario 4's replay contract).
func DecodeValues(payload []byte, schema []chunk.Type) (tableID uint64, rows [][]any, err error) {
	r := iostream.NewReader(bytes.NewReader(payload))
	tableID, err = r.ReadUvarint()
	if err != nil {
		return 0, nil, err
	}
	if _, err = r.ReadUvarint(); err != nil { // tableType, unused
		return 0, nil, err
	}
	numRows, err := r.ReadUvarint()
	if err != nil {
		return 0, nil, err
	}
	rows = make([][]any, numRows)
	for i := range rows {
		row := make([]any, len(schema))
		for j, t := range schema {
			v, err := readValue(r, t)
			if err != nil {
				return 0, nil, err
			}
			row[j] = v
		}
		rows[i] = row
	}
	return tableID, rows, nil
}

// EncodeNodeUpdate frames a NodeUpdatePayload: tableID, columnID, nodeOffset,
// then the new value under colType.
func EncodeNodeUpdate(tableID uint64, columnID uint32, nodeOffset uint64, colType chunk.Type, value any) ([]byte, error) {
	var buf bytes.Buffer
	w := iostream.NewWriter(&buf)
	if err := w.WriteUvarint(tableID); err != nil {
		return nil, err
	}
	if err := w.WriteUvarint(uint64(columnID)); err != nil {
		return nil, err
	}
	if err := w.WriteUvarint(nodeOffset); err != nil {
		return nil, err
	}
	if err := writeValue(w, colType, value); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeNodeUpdate is EncodeNodeUpdate's mirror image.
func DecodeNodeUpdate(payload []byte, colType chunk.Type) (tableID uint64, columnID uint32, nodeOffset uint64, value any, err error) {
	r := iostream.NewReader(bytes.NewReader(payload))
	if tableID, err = r.ReadUvarint(); err != nil {
		return
	}
	var col uint64
	if col, err = r.ReadUvarint(); err != nil {
		return
	}
	columnID = uint32(col)
	if nodeOffset, err = r.ReadUvarint(); err != nil {
		return
	}
	value, err = readValue(r, colType)
	return
}

// EncodeScalar frames a bare scalar value (used for the deletion record's
// PK snapshot) under colType.
func EncodeScalar(colType chunk.Type, value any) ([]byte, error) {
	var buf bytes.Buffer
	w := iostream.NewWriter(&buf)
	if err := writeValue(w, colType, value); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeScalar is EncodeScalar's mirror image.
func DecodeScalar(payload []byte, colType chunk.Type) (any, error) {
	r := iostream.NewReader(bytes.NewReader(payload))
	return readValue(r, colType)
}

// encodeNodeDeletionPayload frames a NodeDeletionPayload: tableID,
// nodeOffset, then the PK value's already-encoded scalar bytes verbatim.
// Writes to an in-memory buffer never fail, so unlike its siblings above
// this returns no error, matching wal.Encode's own signature.
func encodeNodeDeletionPayload(tableID uint64, nodeOffset uint64, pkBytes []byte) []byte {
	var buf bytes.Buffer
	w := iostream.NewWriter(&buf)
	_ = w.WriteUvarint(tableID)
	_ = w.WriteUvarint(nodeOffset)
	_ = w.WriteString(string(pkBytes))
	_ = w.Flush()
	return buf.Bytes()
}

// decodeNodeDeletionPayload is encodeNodeDeletionPayload's mirror image.
func decodeNodeDeletionPayload(payload []byte) (tableID uint64, nodeOffset uint64, pkBytes []byte, err error) {
	r := iostream.NewReader(bytes.NewReader(payload))
	if tableID, err = r.ReadUvarint(); err != nil {
		return
	}
	if nodeOffset, err = r.ReadUvarint(); err != nil {
		return
	}
	s, err := r.ReadString()
	if err != nil {
		return
	}
	pkBytes = []byte(s)
	return
}

// ----------------------------------------------------------------------
// Commit / Rollback / InsertBatch: the three write-transaction
// orchestration paths beyond the per-call Insert/Update/Delete already in
// table.go.
// ----------------------------------------------------------------------

// Commit drains the Local Table into committed storage, installs every
// staged row's Primary Key Index entry, rewrites insertionTS/deletionTS
// stamped with tx's own id to commitTS, appends a CommitRecord, and clears
// both the Local Table and the undo buffer.
// It assumes the caller already chose tx's commitTS (typically via the
// table's or database's shared txn.Clock) before calling. Multi-table
// transactions go through Database.Commit instead, which runs commitStaged
// on every written table and appends one CommitRecord for the lot.
func (t *NodeTable) Commit(tx *txn.Txn, commitTS txn.ID) error {
	t.beginWrite(tx)
	defer t.endWrite()

	if err := t.commitStaged(tx, commitTS); err != nil {
		return err
	}
	if tx.ShouldLogToWAL() && t.wal != nil {
		if _, err := t.wal.Append(wal.EncodeCommit(uint64(commitTS))); err != nil {
			return wrapErr(KindWAL, err, "commit: WAL commit record append failed")
		}
	}
	tx.Commit(commitTS)
	tx.Undo().Clear()
	return nil
}

// commitStaged performs this one table's share of the commit protocol: drain
// the Local Table into committed storage, install PK entries, and rewrite
// insertionTS/deletionTS stamped with tx's id to commitTS. It does NOT
// finalize tx, clear the undo buffer, or append the CommitRecord — the
// caller (Commit above, or Database.Commit across many tables) does that
// exactly once per transaction.
func (t *NodeTable) commitStaged(tx *txn.Txn, commitTS txn.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.local == nil || t.local.NumRows() == 0 {
		// Nothing staged locally; direct writes (InsertBatch, Update,
		// Delete) still need their timestamps rewritten below.
		t.applyCommitTSLocked(tx, commitTS)
		t.haveTxn = false
		return nil
	}

	// Drain every segment of the local collection into the committed
	// collection wholesale, remembering each absorbed range's start so the Primary Key
	// Index can be installed against final global offsets.
	localGroups := t.local.Groups()
	counts := make([]int, 0, localGroups.NumGroups())
	startOffsets := make([]uint64, 0, localGroups.NumGroups())
	for i := 0; i < localGroups.NumGroups(); i++ {
		g := localGroups.GetNodeGroup(i)
		if g.NumRows() == 0 {
			continue
		}
		for segIdx := 0; ; segIdx++ {
			seg := g.segmentAt(segIdx)
			if seg == nil {
				break
			}
			start, err := t.groups.AppendGroup(nil, seg)
			if err != nil {
				return wrapErr(KindInvariantViolation, err, "commit: drain local segment")
			}
			counts = append(counts, seg.Len())
			startOffsets = append(startOffsets, start)
		}
	}

	// Install Primary Key Index entries for every still-live local row,
	// translating its local offset to the final committed offset via the
	// local->global offset map built above.
	localToGlobal := make(map[uint64]uint64, t.local.NumRows())
	var cursor uint64
	for i, count := range counts {
		for j := 0; j < count; j++ {
			localToGlobal[cursor+uint64(j)] = startOffsets[i] + uint64(j)
		}
		cursor += uint64(count)
	}

	installErr := t.local.PKEntries(func(pkKey string, localRow uint64) error {
		globalOff, ok := localToGlobal[localRow]
		if !ok {
			return wrapErr(KindInvariantViolation, nil, "commit: local row %d missing from drained ranges", localRow)
		}
		if err := t.indexes.pk().idx.CommitInsert(pkKey, globalOff, t.committedLive); err != nil {
			return wrapErr(KindDuplicatePK, err, "commit: duplicate primary key %q", pkKey)
		}
		for _, idx := range t.indexes.secondaries() {
			if err := idx.CommitInsert(pkKey, globalOff, t.committedLive); err != nil {
				t.log.Warn("secondary index commit failed", zap.String("index", idx.Name()), zap.Error(err))
			}
		}
		return nil
	})
	if installErr != nil {
		return installErr
	}

	// Rewrite insertionTS/deletionTS entries still stamped with tx's own id
	// to commitTS: the drained local ranges just absorbed above, plus every
	// (nodeGroup, rowInGroup) range an undo record already names for a
	// direct committed-storage write this transaction made (InsertBatch,
	// Update, Delete).
	for i, count := range counts {
		groupIdx, rowInGroup := t.groups.splitOffset(startOffsets[i])
		g := t.groups.GetNodeGroup(groupIdx)
		if g != nil {
			g.ApplyFuncToChunkedGroups(rowInGroup, count, tx.ID(), commitTS)
		}
	}
	t.applyCommitTSLocked(tx, commitTS)

	t.local.Clear()
	t.haveTxn = false
	t.hasChanges = true
	return nil
}

// applyCommitTSLocked rewrites insertionTS/deletionTS for every
// (nodeGroup, rowInGroup) range this transaction's undo records name on this
// table — the direct committed-storage writes (InsertBatch, Update, Delete)
// that bypass the Local Table. Caller holds t.mu.
func (t *NodeTable) applyCommitTSLocked(tx *txn.Txn, commitTS txn.ID) {
	tx.Undo().Each(func(r txn.Record) {
		if r.TableID != t.tableID {
			return
		}
		switch r.Kind {
		case txn.KindInsert:
			// A bulk insert's row range can span node groups; walk it by
			// global offset so every group gets its share rewritten.
			offset := uint64(r.NodeGroup)*uint64(t.groupCapacity) + uint64(r.RowInGroup)
			remaining := r.NumRows
			for remaining > 0 {
				g, rowInGroup, ok := t.groups.locate(offset)
				if !ok {
					break
				}
				n := g.NumRows() - rowInGroup
				if n > remaining {
					n = remaining
				}
				if n <= 0 {
					break
				}
				g.ApplyFuncToChunkedGroups(rowInGroup, n, tx.ID(), commitTS)
				offset += uint64(n)
				remaining -= n
			}
		case txn.KindDelete, txn.KindUpdate:
			g := t.groups.GetNodeGroup(r.NodeGroup)
			if g != nil {
				g.ApplyFuncToChunkedGroups(r.RowInGroup, 1, tx.ID(), commitTS)
			}
		}
	})
}

// Rollback undoes every effect tx made — both direct writes to committed
// storage (via the undo buffer's Handler dispatch) and anything staged in
// the Local Table (dropped wholesale, since every local row belongs only to
// this transaction) — and releases the write lock.
func (t *NodeTable) Rollback(tx *txn.Txn) error {
	t.beginWrite(tx)
	defer t.endWrite()

	if err := tx.Undo().Rollback(); err != nil {
		return wrapErr(KindInvariantViolation, err, "rollback: undo buffer replay failed")
	}
	tx.Rollback()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local != nil {
		t.local.Clear()
	}
	t.haveTxn = false
	return nil
}

// InsertBatch is the bulk-COPY streaming path: rows are appended directly
// to committed storage and their Primary Key Index
// entries installed immediately, bypassing the Local Table entirely. Because
// these rows are visible to any concurrently-snapshotting reader the instant
// they're appended (well before this transaction commits), rollback of an
// in-flight InsertBatch needs the genuine undo machinery RollbackInsert
// drives (evict the PK entries it just installed, then truncate the rows
// back off); an ordinary per-row Insert never needs this because it only
// ever touches the Local Table, which rollback simply discards.
func (t *NodeTable) InsertBatch(tx *txn.Txn, rows [][]any) (startOffset, endOffset pkindex.Offset, err error) {
	t.beginWrite(tx)
	defer t.endWrite()

	if len(rows) == 0 {
		return 0, 0, nil
	}

	keys := make([]string, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for i, row := range rows {
		pkVal := row[t.pkColumnID]
		if pkVal == nil {
			return 0, 0, ErrNullPK
		}
		key, kerr := chunk.KeyString(t.schema[t.pkColumnID], pkVal)
		if kerr != nil {
			return 0, 0, wrapErr(KindTypeMismatch, kerr, "insertBatch: invalid primary key value")
		}
		if _, dup := seen[key]; dup {
			return 0, 0, wrapErr(KindDuplicatePK, ErrDuplicatePK, "duplicate primary key %q within batch", key)
		}
		seen[key] = struct{}{}
		keys[i] = key
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range keys {
		if _, found := t.indexes.pk().idx.Lookup(key, t.visibleTo(tx)); found {
			return 0, 0, wrapErr(KindDuplicatePK, ErrDuplicatePK, "duplicate primary key %q", key)
		}
	}

	start, end, err := t.groups.AppendToLastNodeGroupAndFlushWhenFull(rows, tx.ID())
	if err != nil {
		return 0, 0, err
	}
	numRows := len(rows)

	for i, key := range keys {
		off := start + uint64(i)
		if err := t.indexes.pk().idx.CommitInsert(key, off, t.committedLive); err != nil {
			groupIdx, rowInGroup := t.groups.splitOffset(start)
			_ = t.rollbackPKIndexInsertLocked(groupIdx, rowInGroup, i)
			_ = t.rollbackGroupCollectionInsertLocked(numRows)
			return 0, 0, wrapErr(KindDuplicatePK, err, "insertBatch: duplicate primary key %q", key)
		}
	}

	groupIdx, rowInGroup := t.groups.splitOffset(start)
	tx.Undo().PushInsert(t.tableID, t, groupIdx, rowInGroup, numRows)

	if tx.ShouldLogToWAL() && t.wal != nil {
		payload, perr := EncodeValuesBatch(t.tableID, t.schema, rows)
		if perr != nil {
			return 0, 0, wrapErr(KindWAL, perr, "insertBatch: encode WAL payload")
		}
		rec := wal.Encode(wal.KindTableInsertion, payload)
		if _, werr := t.wal.Append(rec); werr != nil {
			return 0, 0, wrapErr(KindWAL, werr, "insertBatch: WAL append failed")
		}
	}

	tx.MarkDirty()
	t.hasChanges = true
	return start, end, nil
}
