// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import (
	"go.uber.org/zap"

	"github.com/kelindar/nodestore/chunk"
	"github.com/kelindar/nodestore/txn"
)

// Vacuum reclaims trailing rows whose tombstones are at or before horizon (the
// oldest snapshot any active reader holds): their Primary Key Index entries
// are evicted and the rows truncated off the collection tail. Only trailing
// rows are eligible — purging from the middle would shift the global offset
// identity every committed row's address depends on, so interior tombstones
// keep occupying space until they become trailing.
//
// It returns how many rows were reclaimed. Vacuum serializes itself against
// writers by taking the table's write lock.
func (t *NodeTable) Vacuum(horizon txn.ID) (int, error) {
	t.wm.Lock()
	defer t.wm.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	total := t.groups.GetNumTotalRows()
	purgeable := 0
	for row := total - 1; row >= 0; row-- {
		g, rowInGroup, ok := t.groups.locate(uint64(row))
		if !ok {
			break
		}
		_, del, ok := g.TimestampsAt(rowInGroup)
		if !ok || del == txn.NotDeleted || del > horizon {
			break
		}
		purgeable++
	}
	if purgeable == 0 {
		return 0, nil
	}

	// Evict each purged row's PK entry first, while the row data is still
	// addressable; only entries that still resolve to the purged offset are
	// touched, the same discipline rollbackPKIndexInsertLocked follows.
	for row := total - purgeable; row < total; row++ {
		g, rowInGroup, ok := t.groups.locate(uint64(row))
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
		if found, ok := t.indexes.pk().idx.Lookup(key, nil); ok && found == uint64(row) {
			t.indexes.pk().idx.Delete(key)
		}
		t.indexes.rollbackSecondaries(key)
	}

	if err := t.groups.RollbackInsert(purgeable); err != nil {
		return 0, err
	}
	t.hasChanges = true
	t.log.Info("vacuum reclaimed trailing tombstones",
		zap.Uint64("table_id", t.tableID), zap.Int("rows", purgeable))
	return purgeable, nil
}
