// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import (
	"bytes"
	"sync"

	"github.com/kelindar/iostream"

	"github.com/kelindar/nodestore/chunk"
	"github.com/kelindar/nodestore/codec"
	"github.com/kelindar/nodestore/storage"
	"github.com/kelindar/nodestore/txn"
)

// NodeGroupCollection is the append-only list of Node Groups forming a
// whole table: grow-only, tail-append, one lock guarding the append path
// while older groups stay lock-free for readers.
type NodeGroupCollection struct {
	mu sync.RWMutex
	schema []chunk.Type
	groupCapacity int
	segmentCapacity int
	groups []*NodeGroup
}

// NewNodeGroupCollection creates an empty collection over schema.
func NewNodeGroupCollection(schema []chunk.Type, groupCapacity, segmentCapacity int) *NodeGroupCollection {
	return &NodeGroupCollection{
		schema: append([]chunk.Type(nil), schema...),
		groupCapacity: groupCapacity,
		segmentCapacity: segmentCapacity,
	}
}

// GetNumTotalRows returns the collection's total logical row count across
// every group. Monotonic within a single transaction; rollback restores it
// exactly.
func (c *NodeGroupCollection) GetNumTotalRows() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, g := range c.groups {
		total += g.NumRows()
	}
	return total
}

// GetNodeGroup returns the group at idx, or nil if out of range.
func (c *NodeGroupCollection) GetNodeGroup(idx int) *NodeGroup {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if idx < 0 || idx >= len(c.groups) {
		return nil
	}
	return c.groups[idx]
}

// NumGroups reports how many node groups the collection currently holds.
func (c *NodeGroupCollection) NumGroups() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.groups)
}

// tailLocked returns the collection's writable tail group, creating a fresh
// one if the collection is empty or the current tail is full. Caller holds
// c.mu (write lock).
func (c *NodeGroupCollection) tailLocked() *NodeGroup {
	if len(c.groups) == 0 || c.groups[len(c.groups)-1].Full() {
		c.groups = append(c.groups, NewNodeGroup(c.schema, c.groupCapacity, c.segmentCapacity))
	}
	return c.groups[len(c.groups)-1]
}

// globalOffset converts a (groupIdx, offsetInGroup) pair to the global row
// offset: groupIdx*groupCapacity + offsetInGroup. The identity holds even
// after deletion, since tombstones keep occupying their rows.
func (c *NodeGroupCollection) globalOffset(groupIdx, offsetInGroup int) uint64 {
	return uint64(groupIdx)*uint64(c.groupCapacity) + uint64(offsetInGroup)
}

// Append appends one row, creating a new tail group when the current tail is
// full. It returns the row's global offset.
func (c *NodeGroupCollection) Append(columnValues []any, insertionTS txn.ID) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.tailLocked()
	groupIdx := len(c.groups) - 1
	rowInGroup, err := g.Append(columnValues, insertionTS)
	if err != nil {
		return 0, err
	}
	return c.globalOffset(groupIdx, rowInGroup), nil
}

// AppendGroup absorbs a whole foreign segment onto the tail group (or into
// a fresh group when the segment would overflow the tail); the commit path
// drains a Local Table through it. columnIDs is accepted for callers that
// remap columns, but a drained segment is always built over the same
// schema, so no remapping happens here.
func (c *NodeGroupCollection) AppendGroup(columnIDs []int, seg *Segment) (startOffset uint64, err error) {
	_ = columnIDs
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.groups) == 0 || c.groups[len(c.groups)-1].NumRows()+seg.Len() > c.groupCapacity {
		c.groups = append(c.groups, NewNodeGroup(c.schema, c.groupCapacity, c.segmentCapacity))
	}
	groupIdx := len(c.groups) - 1
	g := c.groups[groupIdx]
	rowInGroup, err := g.AppendSegment(seg)
	if err != nil {
		return 0, err
	}
	return c.globalOffset(groupIdx, rowInGroup), nil
}

// AppendToLastNodeGroupAndFlushWhenFull is the bulk-COPY streaming path: it
// appends every row in columnValues (row-major, one slice of per-column
// values per row) to the tail group, spilling into additional groups as
// each fills, and returns the inclusive start/end global offsets of the
// whole batch.
func (c *NodeGroupCollection) AppendToLastNodeGroupAndFlushWhenFull(columnValues [][]any, insertionTS txn.ID) (startOffset, endOffset uint64, err error) {
	if len(columnValues) == 0 {
		return 0, 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.tailLocked()
	groupIdx := len(c.groups) - 1
	first := true
	for _, row := range columnValues {
		if g.Full() {
			c.groups = append(c.groups, NewNodeGroup(c.schema, c.groupCapacity, c.segmentCapacity))
			groupIdx = len(c.groups) - 1
			g = c.groups[groupIdx]
		}
		rowInGroup, appendErr := g.Append(row, insertionTS)
		if appendErr != nil {
			return 0, 0, appendErr
		}
		off := c.globalOffset(groupIdx, rowInGroup)
		if first {
			startOffset = off
			first = false
		}
		endOffset = off
	}
	return startOffset, endOffset, nil
}

// splitOffset maps a global offset to its (groupIdx, offsetInGroup) pair.
func (c *NodeGroupCollection) splitOffset(offset uint64) (groupIdx, offsetInGroup int) {
	return int(offset / uint64(c.groupCapacity)), int(offset % uint64(c.groupCapacity))
}

// RollbackInsert shrinks the collection's tail by rowsToUndo rows, spanning
// whole groups if the rollback reaches further back than the current tail
// group alone holds.
func (c *NodeGroupCollection) RollbackInsert(rowsToUndo int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := rowsToUndo
	for remaining > 0 && len(c.groups) > 0 {
		tail := c.groups[len(c.groups)-1]
		n := tail.NumRows()
		if n <= remaining {
			c.groups = c.groups[:len(c.groups)-1]
			remaining -= n
			continue
		}
		if err := tail.RollbackInsert(n - remaining); err != nil {
			return err
		}
		remaining = 0
	}
	return nil
}

// AddColumn extends every existing group (not just the tail) with a new
// column, backfilled with defaultValue across every existing row.
func (c *NodeGroupCollection) AddColumn(t chunk.Type, defaultValue any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schema = append(c.schema, t)
	for _, g := range c.groups {
		if err := g.AddColumn(t, defaultValue); err != nil {
			return err
		}
	}
	return nil
}

// collectionMeta is the on-disk directory for a whole collection's
// checkpoint: one groupMeta per group, framed the same way as the WAL and
// page-directory encodings the rest of the engine uses.
type collectionMeta struct {
	groups []groupMeta
}

func (m collectionMeta) encode() ([]byte, error) {
	var buf bytes.Buffer
	w := iostream.NewWriter(&buf)
	if err := w.WriteUvarint(uint64(len(m.groups))); err != nil {
		return nil, err
	}
	for _, g := range m.groups {
		if err := w.WriteUvarint(uint64(len(g.segmentRoots))); err != nil {
			return nil, err
		}
		for i, root := range g.segmentRoots {
			if err := w.WriteUvarint(uint64(root)); err != nil {
				return nil, err
			}
			if err := w.WriteUvarint(uint64(g.segmentLens[i])); err != nil {
				return nil, err
			}
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeCollectionMeta(raw []byte) (collectionMeta, error) {
	r := iostream.NewReader(bytes.NewReader(raw))
	numGroups, err := r.ReadUvarint()
	if err != nil {
		return collectionMeta{}, err
	}
	meta := collectionMeta{groups: make([]groupMeta, numGroups)}
	for i := range meta.groups {
		numSegs, err := r.ReadUvarint()
		if err != nil {
			return collectionMeta{}, err
		}
		gm := groupMeta{
			segmentRoots: make([]storage.PageID, numSegs),
			segmentLens: make([]int, numSegs),
		}
		for j := range gm.segmentRoots {
			root, err := r.ReadUvarint()
			if err != nil {
				return collectionMeta{}, err
			}
			n, err := r.ReadUvarint()
			if err != nil {
				return collectionMeta{}, err
			}
			gm.segmentRoots[j] = storage.PageID(root)
			gm.segmentLens[j] = int(n)
		}
		meta.groups[i] = gm
	}
	return meta, nil
}

// Checkpoint flushes every group through the Shadow File and Page Manager,
// then stages the resulting directory itself as one more page chain,
// returning its root page id.
func (c *NodeGroupCollection) Checkpoint(pager *storage.Pager, sf *storage.ShadowFile, cdc codec.Codec) (storage.PageID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta := collectionMeta{groups: make([]groupMeta, len(c.groups))}
	for i, g := range c.groups {
		gm, err := g.Checkpoint(pager, sf, cdc)
		if err != nil {
			return storage.NilPage, err
		}
		meta.groups[i] = gm
	}
	raw, err := meta.encode()
	if err != nil {
		return storage.NilPage, err
	}
	root, _, err := writeChain(pager, sf, raw)
	return root, err
}

// LoadNodeGroupCollection reconstructs a collection from a directory root
// previously returned by Checkpoint.
func LoadNodeGroupCollection(pager *storage.Pager, root storage.PageID, schema []chunk.Type, groupCapacity, segmentCapacity int, cdc codec.Codec) (*NodeGroupCollection, error) {
	c := NewNodeGroupCollection(schema, groupCapacity, segmentCapacity)
	raw, _, err := readChain(pager, root)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return c, nil
	}
	meta, err := decodeCollectionMeta(raw)
	if err != nil {
		return nil, err
	}
	for _, gm := range meta.groups {
		g, err := LoadNodeGroup(pager, gm, schema, groupCapacity, segmentCapacity, cdc)
		if err != nil {
			return nil, err
		}
		c.groups = append(c.groups, g)
	}
	return c, nil
}

// ReclaimStorage frees every group's previous checkpoint pages.
func (c *NodeGroupCollection) ReclaimStorage(pager *storage.Pager) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, g := range c.groups {
		g.ReclaimStorage(pager)
	}
}

// locate resolves a global offset to its owning group and row-in-group,
// exposed for Node Table / scan orchestration.
func (c *NodeGroupCollection) locate(offset uint64) (group *NodeGroup, rowInGroup int, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	groupIdx, rowInGroup := c.splitOffset(offset)
	if groupIdx < 0 || groupIdx >= len(c.groups) {
		return nil, 0, false
	}
	return c.groups[groupIdx], rowInGroup, true
}
