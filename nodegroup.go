// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import (
	"sync"

	"github.com/kelindar/nodestore/chunk"
	"github.com/kelindar/nodestore/codec"
	"github.com/kelindar/nodestore/storage"
	"github.com/kelindar/nodestore/txn"
)

// NodeGroup is the mutable unit of appending: an ordered list of segments,
// only the tail of which is writable. Earlier segments stay immutable until
// a checkpoint coalesces them.
type NodeGroup struct {
	mu sync.RWMutex
	schema []chunk.Type
	capacity int // NODE_GROUP_CAPACITY
	segCap int // capacity of each segment; segments sum to at most capacity
	segments []*Segment
	numRows int
}

// NewNodeGroup creates an empty node group ready to accept its first segment.
func NewNodeGroup(schema []chunk.Type, capacity, segmentCapacity int) *NodeGroup {
	return &NodeGroup{
		schema: append([]chunk.Type(nil), schema...),
		capacity: capacity,
		segCap: segmentCapacity,
	}
}

// NumRows reports the group's logical row count (including tombstones).
func (g *NodeGroup) NumRows() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.numRows
}

// Full reports whether the group has reached NODE_GROUP_CAPACITY.
func (g *NodeGroup) Full() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.numRows >= g.capacity
}

// tailLocked returns the writable tail segment, creating one if the group is
// empty or the existing tail is full. Caller holds g.mu (write lock).
func (g *NodeGroup) tailLocked() *Segment {
	if len(g.segments) == 0 || g.segments[len(g.segments)-1].Full() {
		remaining := g.capacity - g.numRows
		cap := g.segCap
		if remaining < cap {
			cap = remaining
		}
		if cap <= 0 {
			return nil
		}
		g.segments = append(g.segments, NewSegment(g.schema, cap))
	}
	return g.segments[len(g.segments)-1]
}

// Append appends one row to the group's writable tail segment, creating a
// new segment when the tail is full or absent. It returns the row's local
// offset within the group.
func (g *NodeGroup) Append(columnValues []any, insertionTS txn.ID) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.numRows >= g.capacity {
		return 0, wrapErr(KindInvariantViolation, nil, "nodegroup: at capacity (%d rows)", g.capacity)
	}
	tail := g.tailLocked()
	if tail == nil {
		return 0, wrapErr(KindInvariantViolation, nil, "nodegroup: no room for a new segment")
	}
	rowInSeg, err := tail.AppendRow(columnValues, insertionTS)
	if err != nil {
		return 0, err
	}
	rowInGroup := g.numRows
	g.numRows++
	_ = rowInSeg
	return rowInGroup, nil
}

// AppendSegment absorbs a whole foreign segment wholesale — the commit
// path drains a Local Table this way, far cheaper than copying rows one at
// a time. It is only valid while the group still has capacity for the
// segment's full row count. A partially-filled current
// tail is sealed in place: the absorbed segment becomes the new tail, and
// the old tail stays immutable from here on.
func (g *NodeGroup) AppendSegment(seg *Segment) (startRow int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.numRows+seg.Len() > g.capacity {
		return 0, wrapErr(KindInvariantViolation, nil, "nodegroup: segment would overflow capacity")
	}
	startRow = g.numRows
	g.segments = append(g.segments, seg)
	g.numRows += seg.Len()
	return startRow, nil
}

// TimestampsAt returns the raw insertionTS/deletionTS pair at rowInGroup,
// bypassing any visibility predicate — used by vacuum's horizon check and
// by checkpoint bookkeeping.
func (g *NodeGroup) TimestampsAt(rowInGroup int) (insertionTS, deletionTS txn.ID, ok bool) {
	g.mu.RLock()
	segIdx, rowInSeg, located := g.locateLocked(rowInGroup)
	g.mu.RUnlock()
	if !located {
		return 0, 0, false
	}
	ins, del := g.segments[segIdx].TimestampsAt(rowInSeg)
	return ins, del, true
}

// locateLocked maps a group-local row to its (segmentIdx, rowInSegment) pair via a
// prefix sum over segment sizes. Caller
// holds g.mu.
func (g *NodeGroup) locateLocked(rowInGroup int) (segIdx, rowInSeg int, ok bool) {
	if rowInGroup < 0 {
		return 0, 0, false
	}
	base := 0
	for i, seg := range g.segments {
		if rowInGroup < base+seg.Len() {
			return i, rowInGroup - base, true
		}
		base += seg.Len()
	}
	return 0, 0, false
}

// Update writes value to columnID at rowInGroup, returning the prior value.
func (g *NodeGroup) Update(rowInGroup, columnID int, value any) (old any, err error) {
	g.mu.RLock()
	segIdx, rowInSeg, ok := g.locateLocked(rowInGroup)
	g.mu.RUnlock()
	if !ok {
		return nil, ErrOutOfRange
	}
	return g.segments[segIdx].Update(rowInSeg, columnID, value)
}

// ValueAt reads a single (value, isNull) pair at rowInGroup for columnID.
func (g *NodeGroup) ValueAt(rowInGroup, columnID int) (any, bool, error) {
	g.mu.RLock()
	segIdx, rowInSeg, ok := g.locateLocked(rowInGroup)
	g.mu.RUnlock()
	if !ok {
		return nil, false, ErrOutOfRange
	}
	return g.segments[segIdx].ValueAt(rowInSeg, columnID)
}

// Delete tombstones rowInGroup with txnID under the given visibility
// predicate, returning the prior deletionTS for the undo buffer.
func (g *NodeGroup) Delete(rowInGroup int, txnID txn.ID, visible func(insertionTS, deletionTS txn.ID) bool) (old txn.ID, ok bool) {
	g.mu.RLock()
	segIdx, rowInSeg, located := g.locateLocked(rowInGroup)
	g.mu.RUnlock()
	if !located {
		return 0, false
	}
	return g.segments[segIdx].Delete(rowInSeg, txnID, visible)
}

// IsVisible reports whether rowInGroup is visible under the predicate.
func (g *NodeGroup) IsVisible(rowInGroup int, visible func(insertionTS, deletionTS txn.ID) bool) bool {
	g.mu.RLock()
	segIdx, rowInSeg, ok := g.locateLocked(rowInGroup)
	g.mu.RUnlock()
	if !ok {
		return false
	}
	return g.segments[segIdx].IsVisible(rowInSeg, visible)
}

// segmentAt returns the segment at idx within the group, or nil if out of
// range, used by the commit drain path to move whole segments out of a Local
// Table's collection and into committed storage.
func (g *NodeGroup) segmentAt(idx int) *Segment {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if idx < 0 || idx >= len(g.segments) {
		return nil
	}
	return g.segments[idx]
}

// countTombstones sums CountTombstones across every segment, for stats.go.
func (g *NodeGroup) countTombstones() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, seg := range g.segments {
		n += seg.CountTombstones()
	}
	return n
}

// RestoreDeletionTS backs NodeTable's txn.Handler rollback of a DeleteInfo
// undo record.
func (g *NodeGroup) RestoreDeletionTS(rowInGroup, numRows int, was txn.ID) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	remaining := numRows
	row := rowInGroup
	for remaining > 0 {
		segIdx, rowInSeg, ok := g.locateLocked(row)
		if !ok {
			return ErrOutOfRange
		}
		seg := g.segments[segIdx]
		n := seg.Len() - rowInSeg
		if n > remaining {
			n = remaining
		}
		seg.RestoreDeletionTSRange(rowInSeg, n, was)
		row += n
		remaining -= n
	}
	return nil
}

// RestoreColumnValue backs NodeTable's txn.Handler rollback of an UpdateInfo
// undo record.
func (g *NodeGroup) RestoreColumnValue(rowInGroup, columnID int, old any) error {
	g.mu.RLock()
	segIdx, rowInSeg, ok := g.locateLocked(rowInGroup)
	g.mu.RUnlock()
	if !ok {
		return ErrOutOfRange
	}
	return g.segments[segIdx].RestoreColumnValue(rowInSeg, columnID, old)
}

// ApplyFuncToChunkedGroups rewrites insertionTS/deletionTS entries equal to
// txnID to commitTS across [startRow, startRow+count), spanning segments as
// needed.
func (g *NodeGroup) ApplyFuncToChunkedGroups(startRow, count int, txnID, commitTS txn.ID) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	remaining := count
	row := startRow
	for remaining > 0 {
		segIdx, rowInSeg, ok := g.locateLocked(row)
		if !ok {
			return
		}
		seg := g.segments[segIdx]
		n := seg.Len() - rowInSeg
		if n > remaining {
			n = remaining
		}
		seg.ApplyCommitTS(rowInSeg, n, txnID, commitTS)
		row += n
		remaining -= n
	}
}

// RollbackInsert truncates the group back to firstRowToUndo, freeing
// segments whose entire row range is truncated and shortening the
// partially-truncated tail segment. No WAL interaction; the caller already
// decided this rollback is durable.
func (g *NodeGroup) RollbackInsert(firstRowToUndo int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if firstRowToUndo >= g.numRows {
		return nil
	}
	base := 0
	kept := g.segments[:0:0]
	for _, seg := range g.segments {
		segEnd := base + seg.Len()
		switch {
		case segEnd <= firstRowToUndo:
			// Entirely before the truncation point: keep as-is.
			kept = append(kept, seg)
		case base >= firstRowToUndo:
			// Entirely truncated away.
			seg.Reclaim()
		default:
			// Partially truncated tail segment.
			if err := seg.Truncate(firstRowToUndo - base); err != nil {
				return err
			}
			kept = append(kept, seg)
		}
		base = segEnd
	}
	g.segments = kept
	g.numRows = firstRowToUndo
	return nil
}

// AddColumn extends every segment in the group with a new column,
// backfilled with defaultValue.
func (g *NodeGroup) AddColumn(t chunk.Type, defaultValue any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.schema = append(g.schema, t)
	for _, seg := range g.segments {
		if err := seg.AddColumn(t, defaultValue); err != nil {
			return err
		}
	}
	return nil
}

// groupMeta is the on-disk directory entry for one node group's checkpoint:
// the root page id of every segment plus each segment's row count, enough to
// reconstruct the group on load without rescanning the whole file.
type groupMeta struct {
	segmentRoots []storage.PageID
	segmentLens []int
}

// Checkpoint flushes every segment through the Shadow File and Page Manager,
// returning a directory of per-segment root page ids.
func (g *NodeGroup) Checkpoint(pager *storage.Pager, sf *storage.ShadowFile, cdc codec.Codec) (groupMeta, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	meta := groupMeta{
		segmentRoots: make([]storage.PageID, len(g.segments)),
		segmentLens: make([]int, len(g.segments)),
	}
	for i, seg := range g.segments {
		root, err := seg.Flush(pager, sf, cdc)
		if err != nil {
			return groupMeta{}, err
		}
		meta.segmentRoots[i] = root
		meta.segmentLens[i] = seg.Len()
	}
	return meta, nil
}

// LoadNodeGroup reconstructs a node group from a previously written
// directory entry.
func LoadNodeGroup(pager *storage.Pager, meta groupMeta, schema []chunk.Type, capacity, segmentCapacity int, cdc codec.Codec) (*NodeGroup, error) {
	g := NewNodeGroup(schema, capacity, segmentCapacity)
	for i, root := range meta.segmentRoots {
		seg, err := LoadSegment(pager, root, schema, segmentCapacity, cdc)
		if err != nil {
			return nil, err
		}
		g.segments = append(g.segments, seg)
		g.numRows += seg.Len()
		_ = meta.segmentLens[i]
	}
	return g, nil
}

// ReclaimStorage frees every segment's previous checkpoint pages, called
// once a newer checkpoint generation of the group supersedes it.
func (g *NodeGroup) ReclaimStorage(pager *storage.Pager) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, seg := range g.segments {
		seg.ReclaimStorage(pager)
	}
}
