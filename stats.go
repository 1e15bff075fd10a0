// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import "github.com/dustin/go-humanize"

// TableStats is a read-only operator-facing snapshot of a table's row,
// group and tombstone counts plus its pending WAL bytes.
type TableStats struct {
	NumRows int
	NumNodeGroups int
	NumTombstones int
	WALBytesPending int64
}

// String renders stats for operator-facing output (cmd/nodestorectl stats).
func (s TableStats) String() string {
	return "rows=" + humanize.Comma(int64(s.NumRows)) +
		" nodeGroups=" + humanize.Comma(int64(s.NumNodeGroups)) +
		" tombstones=" + humanize.Comma(int64(s.NumTombstones)) +
		" walPending=" + humanize.Bytes(uint64(s.WALBytesPending))
}

// Stats computes a fresh TableStats snapshot.
func (t *NodeTable) Stats() TableStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := TableStats{
		NumNodeGroups: t.groups.NumGroups(),
	}
	for i := 0; i < t.groups.NumGroups(); i++ {
		g := t.groups.GetNodeGroup(i)
		tombstones := g.countTombstones()
		stats.NumRows += g.NumRows() - tombstones
		stats.NumTombstones += tombstones
	}
	if t.wal != nil {
		stats.WALBytesPending = t.wal.Size()
	}
	return stats
}
