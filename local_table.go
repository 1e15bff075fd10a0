// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import (
	"sync"

	"github.com/kelindar/nodestore/chunk"
	"github.com/kelindar/nodestore/pkindex"
	"github.com/kelindar/nodestore/txn"
)

// LocalTable is the per-transaction staging area: a Node Group Collection
// private to the transaction, plus an in-memory PK → local-row-offset map.
// Every offset it hands out has the high bit set
// (pkindex.MakeUncommitted), so a caller can always tell an uncommitted row
// apart from a committed one without consulting any other state.
type LocalTable struct {
	mu sync.RWMutex
	schema []chunk.Type
	groups *NodeGroupCollection
	pk map[string]uint64 // pk string -> local offset (no high bit set yet)
	pkColumn int
}

// NewLocalTable creates an empty local table mirroring schema, with pkColumn
// identifying which column holds the primary key.
func NewLocalTable(schema []chunk.Type, groupCapacity, segmentCapacity, pkColumn int) *LocalTable {
	return &LocalTable{
		schema: append([]chunk.Type(nil), schema...),
		groups: NewNodeGroupCollection(schema, groupCapacity, segmentCapacity),
		pk: make(map[string]uint64),
		pkColumn: pkColumn,
	}
}

// ValidateUniquenessConstraint reports whether pkKey already exists within
// the local table itself, returning the colliding uncommitted offset if
// so.
func (lt *LocalTable) ValidateUniquenessConstraint(pkKey string) (offset pkindex.Offset, dup bool) {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	local, ok := lt.pk[pkKey]
	if !ok {
		return 0, false
	}
	return pkindex.MakeUncommitted(local), true
}

// Insert appends a row to the local collection and records its PK, returning
// the uncommitted Node Offset (high bit set) the caller threads back through
// every subsequent index.
func (lt *LocalTable) Insert(columnValues []any, pkKey string, insertionTS txn.ID) (pkindex.Offset, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if _, dup := lt.pk[pkKey]; dup {
		return 0, ErrDuplicatePK
	}
	local, err := lt.groups.Append(columnValues, insertionTS)
	if err != nil {
		return 0, err
	}
	lt.pk[pkKey] = local
	return pkindex.MakeUncommitted(local), nil
}

// Lookup resolves pkKey to its uncommitted Node Offset, if present.
func (lt *LocalTable) Lookup(pkKey string) (pkindex.Offset, bool) {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	local, ok := lt.pk[pkKey]
	if !ok {
		return 0, false
	}
	return pkindex.MakeUncommitted(local), true
}

// ValueAt reads a single column's value for a local row (offset already
// stripped of its uncommitted bit by the caller).
func (lt *LocalTable) ValueAt(localRow uint64, columnID int) (any, bool, error) {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	g, rowInGroup, ok := lt.groups.locate(localRow)
	if !ok {
		return nil, false, ErrOutOfRange
	}
	return g.ValueAt(rowInGroup, columnID)
}

// Update overwrites a local row's column value in place, returning the prior
// value for the caller's undo bookkeeping (local-table writes are undone
// wholesale by dropping the table on rollback, but callers may still want
// the prior value for a read-your-writes check within the same txn).
func (lt *LocalTable) Update(localRow uint64, columnID int, value any) (old any, err error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	g, rowInGroup, ok := lt.groups.locate(localRow)
	if !ok {
		return nil, ErrOutOfRange
	}
	return g.Update(rowInGroup, columnID, value)
}

// Delete tombstones a local row. Since every local row was inserted by this
// same transaction, the "visible to caller" predicate is trivially true —
// only "not already deleted" matters.
func (lt *LocalTable) Delete(localRow uint64, txnID txn.ID) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	g, rowInGroup, ok := lt.groups.locate(localRow)
	if !ok {
		return false
	}
	_, ok = g.Delete(rowInGroup, txnID, func(insertionTS, deletionTS txn.ID) bool {
		return deletionTS == txn.NotDeleted
	})
	return ok
}

// IsVisible reports whether a local row is visible (i.e. not itself
// tombstoned within this same transaction — every local row was inserted by
// the owning transaction, so insertionTS is never the blocker).
func (lt *LocalTable) IsVisible(localRow uint64) bool {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	g, rowInGroup, ok := lt.groups.locate(localRow)
	if !ok {
		return false
	}
	return g.IsVisible(rowInGroup, func(insertionTS, deletionTS txn.ID) bool {
		return deletionTS == txn.NotDeleted
	})
}

// NumRows reports the local table's total row count (including local
// tombstones).
func (lt *LocalTable) NumRows() int {
	return lt.groups.GetNumTotalRows()
}

// Scan fills outVectors for [startRow, startRow+count) of local rows,
// skipping the uncommitted/committed distinction entirely since every row
// here is by definition uncommitted.
func (lt *LocalTable) Scan(startRow, count int, columnIDs []int, outVectors [][]any, outNulls [][]bool) error {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	for i := 0; i < count; i++ {
		g, rowInGroup, ok := lt.groups.locate(uint64(startRow + i))
		if !ok {
			return ErrOutOfRange
		}
		for k, col := range columnIDs {
			v, null, err := g.ValueAt(rowInGroup, col)
			if err != nil {
				return err
			}
			outVectors[k][i] = v
			outNulls[k][i] = null
		}
	}
	return nil
}

// Groups exposes the underlying collection for the commit drain path
// (table_commit.go absorbs whole segments out of it).
func (lt *LocalTable) Groups() *NodeGroupCollection { return lt.groups }

// AddColumn extends the local table's schema, mirroring a concurrent
// addColumn against the committed table (rare: a DDL change mid-transaction
// is serialized behind the single write lock, so in practice this only runs
// against an empty local table).
func (lt *LocalTable) AddColumn(t chunk.Type, defaultValue any) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.schema = append(lt.schema, t)
	return lt.groups.AddColumn(t, defaultValue)
}

// Clear drops every local row and PK entry, called at commit completion
// after the drain into the global collection.
func (lt *LocalTable) Clear() {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.groups = NewNodeGroupCollection(lt.schema, lt.groups.groupCapacity, lt.groups.segmentCapacity)
	lt.pk = make(map[string]uint64)
}

// PKEntries iterates every live (non-tombstoned) local row's PK key and
// local offset, feeding the commit path's index installation.
func (lt *LocalTable) PKEntries(yield func(pkKey string, localRow uint64) error) error {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	for pkKey, local := range lt.pk {
		g, rowInGroup, ok := lt.groups.locate(local)
		if !ok {
			continue
		}
		if !g.IsVisible(rowInGroup, func(insertionTS, deletionTS txn.ID) bool {
			return deletionTS == txn.NotDeleted
		}) {
			continue
		}
		if err := yield(pkKey, local); err != nil {
			return err
		}
	}
	return nil
}
