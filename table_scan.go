// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import (
	"github.com/kelindar/bitmap"

	"github.com/kelindar/nodestore/chunk"
	"github.com/kelindar/nodestore/pkindex"
	"github.com/kelindar/nodestore/txn"
)

// Source identifies which collection a ScanState is bound against.
type Source uint8

const (
	SourceNone Source = iota
	SourceCommitted
	SourceUncommitted
)

// ColumnPredicate is a simple per-column pushdown filter, evaluated before
// materialisation.
type ColumnPredicate struct {
	ColumnID int
	Predicate func(value any, isNull bool) bool
}

// ScanState carries everything a resumable scan needs: the bound source and
// node group, per-row cursors, output column ids, optional predicates and
// semi-mask, and the segment-level iteration cursor scanNext advances.
type ScanState struct {
	Source Source

	// committed-scan fields
	nodeGroupIdx int
	group *NodeGroup
	startRow int // next unread row within the bound group

	// uncommitted-scan fields
	localStart int

	ColumnIDs []int
	Predicates []ColumnPredicate
	SemiMask bitmap.Bitmap // optional: only these global offsets are selected
	initialized bool
}

// initScanState binds state to the source's first group/offset. The source
// argument picks the collection; initialOffset, when non-negative, resumes
// mid-collection (a global offset for SourceCommitted, a local row for
// SourceUncommitted).
func (t *NodeTable) initScanState(state *ScanState, source Source, initialOffset int64, columnIDs []int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state.Source = source
	state.ColumnIDs = columnIDs
	state.initialized = true

	switch source {
	case SourceCommitted:
		groupIdx, rowInGroup := 0, 0
		if initialOffset >= 0 {
			groupIdx, rowInGroup = t.groups.splitOffset(uint64(initialOffset))
		}
		state.nodeGroupIdx = groupIdx
		state.group = t.groups.GetNodeGroup(groupIdx)
		state.startRow = rowInGroup
	case SourceUncommitted:
		state.localStart = 0
		if initialOffset >= 0 {
			state.localStart = int(pkindex.LocalRow(uint64(initialOffset)))
		}
	}
}

// InitScanState is the executor-facing binding entry point: it prepares
// state to iterate the given source, optionally resuming from initialOffset.
func (t *NodeTable) InitScanState(tx *txn.Txn, state *ScanState, source Source, initialOffset int64, columnIDs []int) {
	_ = tx
	t.initScanState(state, source, initialOffset, columnIDs)
}

// ScanInternal fills output vectors with the next batch, returning how many
// rows were materialised; zero means the bound source is exhausted.
func (t *NodeTable) ScanInternal(tx *txn.Txn, state *ScanState, outVectors [][]any, outNulls [][]bool) (int, error) {
	return t.scanInternal(tx, state, outVectors, outNulls)
}

// scanInternal fills outVectors/outNulls with the next batch of up to
// len(outVectors[0]) rows, skipping rows invisible to tx or, for a committed
// scan, excluded by SemiMask/Predicates; an uncommitted scan filters by
// visibility only and does not apply SemiMask or Predicates. It returns the
// number of rows materialised; zero means the bound source is exhausted.
func (t *NodeTable) scanInternal(tx *txn.Txn, state *ScanState, outVectors [][]any, outNulls [][]bool) (int, error) {
	if len(outVectors) == 0 || len(outVectors[0]) == 0 {
		return 0, nil
	}
	capacity := len(outVectors[0])

	switch state.Source {
	case SourceUncommitted:
		return t.scanUncommitted(tx, state, capacity, outVectors, outNulls)
	default:
		return t.scanCommitted(tx, state, capacity, outVectors, outNulls)
	}
}

func (t *NodeTable) scanCommitted(tx *txn.Txn, state *ScanState, capacity int, outVectors [][]any, outNulls [][]bool) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	filled := 0
	for filled < capacity {
		if state.group == nil {
			return filled, nil
		}
		if state.startRow >= state.group.NumRows() {
			state.nodeGroupIdx++
			state.group = t.groups.GetNodeGroup(state.nodeGroupIdx)
			state.startRow = 0
			continue
		}

		rowInGroup := state.startRow
		state.startRow++
		globalOffset := uint64(state.nodeGroupIdx)*uint64(t.groupCapacity) + uint64(rowInGroup)

		if state.SemiMask != nil && !state.SemiMask.Contains(uint32(globalOffset)) {
			continue
		}
		if !state.group.IsVisible(rowInGroup, tx.IsVisible) {
			continue
		}
		if !t.rowMatchesPredicates(state, state.group, rowInGroup) {
			continue
		}
		for k, col := range state.ColumnIDs {
			v, null, err := state.group.ValueAt(rowInGroup, col)
			if err != nil {
				return 0, err
			}
			outVectors[k][filled] = v
			outNulls[k][filled] = null
		}
		filled++
	}
	return filled, nil
}

func (t *NodeTable) scanUncommitted(tx *txn.Txn, state *ScanState, capacity int, outVectors [][]any, outNulls [][]bool) (int, error) {
	t.mu.RLock()
	owned := t.ownsLocal(tx)
	local := t.local
	t.mu.RUnlock()
	if !owned {
		return 0, nil
	}
	total := local.NumRows()

	filled := 0
	for filled < capacity && state.localStart < total {
		row := state.localStart
		state.localStart++
		if !local.IsVisible(uint64(row)) {
			continue
		}
		for k, col := range state.ColumnIDs {
			v, null, err := local.ValueAt(uint64(row), col)
			if err != nil {
				return 0, err
			}
			outVectors[k][filled] = v
			outNulls[k][filled] = null
		}
		filled++
	}
	return filled, nil
}

func (t *NodeTable) rowMatchesPredicates(state *ScanState, g *NodeGroup, rowInGroup int) bool {
	for _, p := range state.Predicates {
		v, null, err := g.ValueAt(rowInGroup, p.ColumnID)
		if err != nil || !p.Predicate(v, null) {
			return false
		}
	}
	return true
}

// Lookup resolves a single Node Offset to its row values, iff visible to tx
//. A NULL/invalid id returns false without error.
func (t *NodeTable) Lookup(tx *txn.Txn, nodeOffset pkindex.Offset, columnIDs []int, outValues []any, outNulls []bool) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if pkindex.IsUncommitted(nodeOffset) {
		if !t.ownsLocal(tx) {
			return false, nil
		}
		local := pkindex.LocalRow(nodeOffset)
		if !t.local.IsVisible(local) {
			return false, nil
		}
		for k, col := range columnIDs {
			v, null, err := t.local.ValueAt(local, col)
			if err != nil {
				return false, err
			}
			outValues[k] = v
			outNulls[k] = null
		}
		return true, nil
	}

	g, rowInGroup, ok := t.groups.locate(nodeOffset)
	if !ok || !g.IsVisible(rowInGroup, tx.IsVisible) {
		return false, nil
	}
	for k, col := range columnIDs {
		v, null, err := g.ValueAt(rowInGroup, col)
		if err != nil {
			return false, err
		}
		outValues[k] = v
		outNulls[k] = null
	}
	return true, nil
}

// LookupMultiple resolves a selection of offsets, applying Lookup to each
// position and returning a parallel bool slice of which resolved.
func (t *NodeTable) LookupMultiple(tx *txn.Txn, offsets []pkindex.Offset, columnIDs []int, outVectors [][]any, outNulls [][]bool) ([]bool, error) {
	found := make([]bool, len(offsets))
	for i, off := range offsets {
		row := make([]any, len(columnIDs))
		nulls := make([]bool, len(columnIDs))
		ok, err := t.Lookup(tx, off, columnIDs, row, nulls)
		if err != nil {
			return nil, err
		}
		found[i] = ok
		if ok {
			for k := range columnIDs {
				outVectors[k][i] = row[k]
				outNulls[k][i] = nulls[k]
			}
		}
	}
	return found, nil
}

// LookupByKey resolves a primary-key value to its visible Node Offset,
// checking the Local Table first (an uncommitted row this transaction just
// staged shadows any committed row) and then the committed Primary Key
// Index.
func (t *NodeTable) LookupByKey(tx *txn.Txn, pkValue any) (pkindex.Offset, bool, error) {
	key, err := chunk.KeyString(t.schema[t.pkColumnID], pkValue)
	if err != nil {
		return 0, false, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.ownsLocal(tx) {
		if off, ok := t.local.Lookup(key); ok && t.local.IsVisible(pkindex.LocalRow(off)) {
			return off, true, nil
		}
	}
	off, ok := t.indexes.pk().idx.Lookup(key, t.visibleTo(tx))
	return off, ok, nil
}
