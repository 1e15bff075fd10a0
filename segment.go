// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/kelindar/smutex"

	"github.com/kelindar/nodestore/chunk"
	"github.com/kelindar/nodestore/codec"
	"github.com/kelindar/nodestore/storage"
	"github.com/kelindar/nodestore/txn"
)

// Segment is a chunked node group: a fixed-capacity, dense slab holding one
// Column Chunk per table column plus a per-row insertionTS and deletionTS.
// Once full it is sealed; a Node Group opens a fresh segment for further
// appends.
type Segment struct {
	schema []chunk.Type
	columns []chunk.Chunk
	insertionTS []txn.ID
	deletionTS []txn.ID
	numRows int
	capacity int

	// lock shards writer serialization per column. tsLock separately guards
	// the insertionTS/deletionTS arrays and numRows, since every row touches
	// them regardless of which column is being written.
	lock *smutex.SMutex128
	tsLock smutex.SMutex128

	lastCheckpoint []storage.PageID
}

// NewSegment allocates an empty segment with one chunk per schema entry.
func NewSegment(schema []chunk.Type, capacity int) *Segment {
	columns := make([]chunk.Chunk, len(schema))
	for i, t := range schema {
		columns[i] = chunk.New(t, capacity)
	}
	return &Segment{
		schema: append([]chunk.Type(nil), schema...),
		columns: columns,
		insertionTS: make([]txn.ID, 0, capacity),
		deletionTS: make([]txn.ID, 0, capacity),
		capacity: capacity,
		lock: new(smutex.SMutex128),
	}
}

// Len reports the number of rows (including tombstoned ones) in the segment.
func (s *Segment) Len() int { return s.numRows }

// Cap reports the segment's fixed row capacity.
func (s *Segment) Cap() int { return s.capacity }

// Full reports whether the segment has no remaining row capacity.
func (s *Segment) Full() bool { return s.numRows >= s.capacity }

// AppendRow appends one row built from columnValues (one value per schema
// column, nil for NULL), stamping insertionTS and leaving deletionTS at
// txn.NotDeleted. It returns the new row's index within the segment.
func (s *Segment) AppendRow(columnValues []any, insertionTS txn.ID) (int, error) {
	if s.Full() {
		return 0, ErrChunkFull
	}
	if len(columnValues) != len(s.columns) {
		return 0, wrapErr(KindTypeMismatch, chunk.ErrTypeMismatch, "segment: expected %d column values, got %d", len(s.columns), len(columnValues))
	}
	for i, c := range s.columns {
		shard := uint(i % 128)
		s.lock.Lock(shard)
		_, err := c.Append(columnValues[i])
		s.lock.Unlock(shard)
		if err != nil {
			return 0, translateChunkErr(err)
		}
	}
	s.tsLock.Lock(0)
	row := s.numRows
	s.insertionTS = append(s.insertionTS, insertionTS)
	s.deletionTS = append(s.deletionTS, txn.NotDeleted)
	s.numRows++
	s.tsLock.Unlock(0)
	return row, nil
}

// Scan fills outVectors[i]/outNulls[i] for each requested column id, for rows
// [startRow, startRow+count) local to the segment.
func (s *Segment) Scan(startRow, count int, columnIDs []int, outVectors [][]any, outNulls [][]bool) error {
	if startRow < 0 || count < 0 || startRow+count > s.numRows {
		return ErrOutOfRange
	}
	for k, col := range columnIDs {
		if col < 0 || col >= len(s.columns) {
			return ErrOutOfRange
		}
		if err := s.columns[col].Scan(startRow, count, outVectors[k], outNulls[k]); err != nil {
			return translateChunkErr(err)
		}
	}
	return nil
}

// ValueAt reads a single value for one column at rowInSegment.
func (s *Segment) ValueAt(rowInSegment, columnID int) (any, bool, error) {
	out := make([]any, 1)
	nulls := make([]bool, 1)
	if err := s.Scan(rowInSegment, 1, []int{columnID}, [][]any{out}, [][]bool{nulls}); err != nil {
		return nil, false, err
	}
	return out[0], nulls[0], nil
}

// Update overwrites rowInSegment's value for columnID, returning the value
// that was there before (for the caller's undo-buffer UpdateInfo record).
func (s *Segment) Update(rowInSegment, columnID int, value any) (old any, err error) {
	if rowInSegment < 0 || rowInSegment >= s.numRows {
		return nil, ErrOutOfRange
	}
	if columnID < 0 || columnID >= len(s.columns) {
		return nil, ErrOutOfRange
	}
	shard := uint(columnID % 128)
	s.lock.Lock(shard)
	defer s.lock.Unlock(shard)

	outs := make([]any, 1)
	nulls := make([]bool, 1)
	if err := s.columns[columnID].Scan(rowInSegment, 1, outs, nulls); err != nil {
		return nil, translateChunkErr(err)
	}
	if nulls[0] {
		old = nil
	} else {
		old = outs[0]
	}
	if err := s.columns[columnID].Update(rowInSegment, value); err != nil {
		return nil, translateChunkErr(err)
	}
	return old, nil
}

// IsVisible reports whether rowInSegment is visible under the caller's
// predicate.
func (s *Segment) IsVisible(rowInSegment int, visible func(insertionTS, deletionTS txn.ID) bool) bool {
	s.tsLock.Lock(0)
	defer s.tsLock.Unlock(0)
	if rowInSegment < 0 || rowInSegment >= s.numRows {
		return false
	}
	return visible(s.insertionTS[rowInSegment], s.deletionTS[rowInSegment])
}

// TimestampsAt returns the raw insertionTS/deletionTS pair for a row,
// without applying a visibility predicate — used by scan's own filtering
// loop and by checkpoint/rollback bookkeeping.
func (s *Segment) TimestampsAt(rowInSegment int) (insertionTS, deletionTS txn.ID) {
	s.tsLock.Lock(0)
	defer s.tsLock.Unlock(0)
	return s.insertionTS[rowInSegment], s.deletionTS[rowInSegment]
}

// Delete tombstones rowInSegment with txnID, returning true only if the row
// was visible to the caller and not already deleted. The prior deletionTS is returned for the undo buffer.
func (s *Segment) Delete(rowInSegment int, txnID txn.ID, visible func(insertionTS, deletionTS txn.ID) bool) (oldDeletionTS txn.ID, ok bool) {
	s.tsLock.Lock(0)
	defer s.tsLock.Unlock(0)
	if rowInSegment < 0 || rowInSegment >= s.numRows {
		return 0, false
	}
	ins, del := s.insertionTS[rowInSegment], s.deletionTS[rowInSegment]
	if !visible(ins, del) {
		return 0, false
	}
	old := del
	s.deletionTS[rowInSegment] = txnID
	return old, true
}

// RestoreColumnValue writes back a value previously captured by Update,
// backing NodeTable's txn.Handler rollback of an UpdateInfo record.
func (s *Segment) RestoreColumnValue(rowInSegment, columnID int, old any) error {
	if columnID < 0 || columnID >= len(s.columns) {
		return ErrOutOfRange
	}
	shard := uint(columnID % 128)
	s.lock.Lock(shard)
	defer s.lock.Unlock(shard)
	return translateChunkErr(s.columns[columnID].Update(rowInSegment, old))
}

// CountTombstones reports how many rows in the segment carry a deletionTS
// other than txn.NotDeleted, regardless of visibility to any one snapshot —
// an operator-facing raw count (stats.go), not a transactional read.
func (s *Segment) CountTombstones() int {
	s.tsLock.Lock(0)
	defer s.tsLock.Unlock(0)
	n := 0
	for _, d := range s.deletionTS {
		if d != txn.NotDeleted {
			n++
		}
	}
	return n
}

// ApplyCommitTS rewrites insertionTS/deletionTS entries equal to txnID to
// commitTS, for every row in [startRow, startRow+count).
func (s *Segment) ApplyCommitTS(startRow, count int, txnID, commitTS txn.ID) {
	s.tsLock.Lock(0)
	defer s.tsLock.Unlock(0)
	end := startRow + count
	if end > s.numRows {
		end = s.numRows
	}
	for i := startRow; i < end; i++ {
		if s.insertionTS[i] == txnID {
			s.insertionTS[i] = commitTS
		}
		if s.deletionTS[i] == txnID {
			s.deletionTS[i] = commitTS
		}
	}
}

// RestoreDeletionTSRange sets deletionTS back to was for every row in
// [startRow, startRow+count) — the DeleteInfo undo record's bulk form.
func (s *Segment) RestoreDeletionTSRange(startRow, count int, was txn.ID) {
	s.tsLock.Lock(0)
	defer s.tsLock.Unlock(0)
	end := startRow + count
	if end > s.numRows {
		end = s.numRows
	}
	for i := startRow; i < end; i++ {
		s.deletionTS[i] = was
	}
}

// Truncate shrinks the segment back to n rows, used by a Node Group's
// rollbackInsert on its (only ever partially truncated) tail segment. Column
// Chunks have no native shrink operation, so the surviving prefix is rebuilt into
// fresh chunks — acceptable since this path only runs on a bulk-insert
// rollback or a Vacuum pass, not on the per-row hot path.
func (s *Segment) Truncate(n int) error {
	s.tsLock.Lock(0)
	defer s.tsLock.Unlock(0)
	if n < 0 || n > s.numRows {
		return ErrOutOfRange
	}
	if n == s.numRows {
		return nil
	}
	for i, old := range s.columns {
		fresh := chunk.New(s.schema[i], s.capacity)
		if n > 0 {
			vals := make([]any, n)
			nulls := make([]bool, n)
			if err := old.Scan(0, n, vals, nulls); err != nil {
				return translateChunkErr(err)
			}
			for j := 0; j < n; j++ {
				if nulls[j] {
					if _, err := fresh.Append(nil); err != nil {
						return translateChunkErr(err)
					}
					continue
				}
				if _, err := fresh.Append(vals[j]); err != nil {
					return translateChunkErr(err)
				}
			}
		}
		old.Reclaim()
		s.columns[i] = fresh
	}
	s.insertionTS = append(s.insertionTS[:0:0], s.insertionTS[:n]...)
	s.deletionTS = append(s.deletionTS[:0:0], s.deletionTS[:n]...)
	s.numRows = n
	return nil
}

// AddColumn extends the segment with a new column, backfilling every
// existing row with defaultValue.
func (s *Segment) AddColumn(t chunk.Type, defaultValue any) error {
	s.tsLock.Lock(0)
	defer s.tsLock.Unlock(0)
	c := chunk.New(t, s.capacity)
	for i := 0; i < s.numRows; i++ {
		if _, err := c.Append(defaultValue); err != nil {
			return translateChunkErr(err)
		}
	}
	s.columns = append(s.columns, c)
	s.schema = append(s.schema, t)
	return nil
}

// Reclaim releases every column's backing storage, used when a segment is
// dropped wholesale (full-range rollbackInsert truncation, or vacuum).
func (s *Segment) Reclaim() {
	for _, c := range s.columns {
		c.Reclaim()
	}
}

// Flush serialises the segment (timestamps then every column, in schema
// order) and stages the result through sf as a page chain. It returns the chain's root page id.
func (s *Segment) Flush(pager *storage.Pager, sf *storage.ShadowFile, cdc codec.Codec) (storage.PageID, error) {
	s.tsLock.Lock(0)
	n := s.numRows
	ins := append([]txn.ID(nil), s.insertionTS...)
	del := append([]txn.ID(nil), s.deletionTS...)
	s.tsLock.Unlock(0)

	var buf bytes.Buffer
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(n))
	buf.Write(hdr[:])
	for i := 0; i < n; i++ {
		var pair [16]byte
		binary.LittleEndian.PutUint64(pair[0:8], uint64(ins[i]))
		binary.LittleEndian.PutUint64(pair[8:16], uint64(del[i]))
		buf.Write(pair[:])
	}
	for _, c := range s.columns {
		if _, err := c.Flush(&buf, cdc); err != nil {
			return storage.NilPage, err
		}
	}

	root, ids, err := writeChain(pager, sf, buf.Bytes())
	if err != nil {
		return storage.NilPage, err
	}
	s.lastCheckpoint = ids
	return root, nil
}

// LoadSegment reconstructs a segment previously written by Flush.
func LoadSegment(pager *storage.Pager, root storage.PageID, schema []chunk.Type, capacity int, cdc codec.Codec) (*Segment, error) {
	raw, ids, err := readChain(pager, root)
	if err != nil {
		return nil, err
	}
	seg := NewSegment(schema, capacity)
	if len(raw) == 0 {
		return seg, nil
	}
	r := bytes.NewReader(raw)
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint64(hdr[:]))
	seg.insertionTS = make([]txn.ID, n)
	seg.deletionTS = make([]txn.ID, n)
	for i := 0; i < n; i++ {
		var pair [16]byte
		if _, err := io.ReadFull(r, pair[:]); err != nil {
			return nil, err
		}
		seg.insertionTS[i] = txn.ID(binary.LittleEndian.Uint64(pair[0:8]))
		seg.deletionTS[i] = txn.ID(binary.LittleEndian.Uint64(pair[8:16]))
	}
	seg.numRows = n
	for _, c := range seg.columns {
		// Each chunk header starts with the codec tag its writer used.
		var tag [4]byte
		if _, err := r.ReadAt(tag[:], r.Size()-int64(r.Len())); err != nil {
			return nil, err
		}
		if err := c.Load(r, codec.ByKind(codec.Kind(binary.LittleEndian.Uint32(tag[:])))); err != nil {
			return nil, err
		}
	}
	seg.lastCheckpoint = ids
	return seg, nil
}

// ReclaimStorage frees every page used by the segment's previous checkpoint.
func (s *Segment) ReclaimStorage(pager *storage.Pager) {
	freeChain(pager, s.lastCheckpoint)
	s.lastCheckpoint = nil
}

// translateChunkErr maps a chunk sentinel error to the matching *Error
// kind, so callers above the segment see stable error categories.
func translateChunkErr(err error) error {
	switch err {
	case nil:
		return nil
	case chunk.ErrFull:
		return ErrChunkFull
	case chunk.ErrOutOfRange:
		return ErrOutOfRange
	case chunk.ErrTypeMismatch:
		return ErrTypeMismatch
	default:
		return err
	}
}
