// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import (
	"go.uber.org/zap"

	"github.com/kelindar/nodestore/pkindex"
	"github.com/kelindar/nodestore/storage"
)

// Index is the opaque secondary-index contract: an optional extra index a
// table can register beyond its Primary Key Index. NodeTable drives every
// registered Index through the same commit/rollback/checkpoint hooks as the
// PK index, but only the PK index's own rollback path is required to be
// correct — an opaque Index's Rollback is best-effort and failures there
// are logged, not propagated.
type Index interface {
	// Name identifies the index for logging and catalog lookups.
	Name() string
	// CommitInsert installs an entry for a newly committed row.
	CommitInsert(key string, value pkindex.Offset, visible pkindex.VisibleFunc) error
	// Lookup resolves key to a visible offset, if any.
	Lookup(key string, visible pkindex.VisibleFunc) (pkindex.Offset, bool)
	// Checkpoint persists the index through pager, returning its root page id.
	Checkpoint(pager *storage.Pager) (storage.PageID, error)
	// Rollback undoes entries installed by a transaction that is being
	// rolled back; best-effort for every index except the PK index itself.
	Rollback(key string) error
}

// pkIndexAdapter wraps *pkindex.Index so it satisfies the Index interface,
// letting NodeTable drive the PK index through the exact same registry loop
// as any opaque secondary index, while still special-casing it as the one
// index whose Rollback result cannot be ignored (table_commit.go does that
// special-casing, not this adapter).
type pkIndexAdapter struct {
	idx *pkindex.Index
}

func (a *pkIndexAdapter) Name() string { return "pk" }

func (a *pkIndexAdapter) CommitInsert(key string, value pkindex.Offset, visible pkindex.VisibleFunc) error {
	return a.idx.CommitInsert(key, value, visible)
}

func (a *pkIndexAdapter) Lookup(key string, visible pkindex.VisibleFunc) (pkindex.Offset, bool) {
	return a.idx.Lookup(key, visible)
}

func (a *pkIndexAdapter) Checkpoint(pager *storage.Pager) (storage.PageID, error) {
	return a.idx.Checkpoint(pager)
}

func (a *pkIndexAdapter) Rollback(key string) error {
	a.idx.Delete(key)
	return nil
}

// indexRegistry holds every index a table drives, with the PK index always
// at position 0.
type indexRegistry struct {
	log     *zap.Logger
	indexes []Index
}

func newIndexRegistry(log *zap.Logger, pk *pkindex.Index) *indexRegistry {
	return &indexRegistry{log: log, indexes: []Index{&pkIndexAdapter{idx: pk}}}
}

// Register adds an opaque secondary index, driven from here on by every
// commit/rollback/checkpoint the table performs.
func (r *indexRegistry) Register(idx Index) {
	r.indexes = append(r.indexes, idx)
}

// pk returns the mandatory PK index adapter at position 0.
func (r *indexRegistry) pk() *pkIndexAdapter {
	return r.indexes[0].(*pkIndexAdapter)
}

// secondaries returns every registered index beyond the PK index.
func (r *indexRegistry) secondaries() []Index {
	if len(r.indexes) <= 1 {
		return nil
	}
	return r.indexes[1:]
}

// rollbackSecondaries best-effort rolls back key from every secondary index,
// logging (not propagating) any failure.
func (r *indexRegistry) rollbackSecondaries(key string) {
	for _, idx := range r.secondaries() {
		if err := idx.Rollback(key); err != nil {
			r.log.Warn("secondary index rollback failed",
				zap.String("index", idx.Name()), zap.Error(err))
		}
	}
}
