// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

// Package catalog models the catalog contract the storage engine consumes:
// a read-only provider of table and column metadata. The real catalog lives
// outside this module; this package only defines the shape it must satisfy,
// plus an in-memory implementation good enough for tests, examples and the
// operator CLI.
package catalog

import (
	"fmt"

	"github.com/kelindar/nodestore/chunk"
)

// Property is one ordered column of a table entry: name, physical type and
// the column id the storage engine addresses it by.
type Property struct {
	Name     string
	Type     chunk.Type
	ColumnID int
}

// TableEntry describes one node table: its stable id, ordered properties,
// and the name of the primary-key column. The engine treats entries as
// read-only during steady state and as the authoritative column ordering at
// checkpoint.
type TableEntry struct {
	TableID    uint64
	Name       string
	Properties []Property
	PrimaryKey string

	// droppedColumnIDs feeds VacuumColumnIDs: columns removed by DDL whose
	// chunks a vacuum pass may reclaim.
	droppedColumnIDs []int
}

// NewTableEntry builds an entry over the given ordered properties, assigning
// each property its position as column id (any ColumnID passed in is
// overwritten).
func NewTableEntry(tableID uint64, name string, primaryKey string, props ...Property) (*TableEntry, error) {
	e := &TableEntry{TableID: tableID, Name: name, PrimaryKey: primaryKey}
	for i, p := range props {
		if p.Name == "" {
			return nil, fmt.Errorf("catalog: table %q property %d has no name", name, i)
		}
		p.ColumnID = i
		e.Properties = append(e.Properties, p)
	}
	if _, err := e.PKColumnID(); err != nil {
		return nil, err
	}
	return e, nil
}

// PKColumnID resolves the primary-key column name to its column id, checking
// the type belongs to the hashable subset a PK column is allowed to use.
func (e *TableEntry) PKColumnID() (int, error) {
	for _, p := range e.Properties {
		if p.Name != e.PrimaryKey {
			continue
		}
		if !p.Type.IsHashable() {
			return 0, fmt.Errorf("catalog: table %q primary key %q has non-hashable type %s", e.Name, e.PrimaryKey, p.Type)
		}
		return p.ColumnID, nil
	}
	return 0, fmt.Errorf("catalog: table %q has no property %q", e.Name, e.PrimaryKey)
}

// Schema returns the physical types in property order, the shape the storage
// engine builds its column chunks from.
func (e *TableEntry) Schema() []chunk.Type {
	types := make([]chunk.Type, len(e.Properties))
	for i, p := range e.Properties {
		types[i] = p.Type
	}
	return types
}

// DropColumn records a column as dropped so a later vacuum can reclaim its
// chunks. The property list keeps its slot to preserve column-id stability.
func (e *TableEntry) DropColumn(columnID int) {
	e.droppedColumnIDs = append(e.droppedColumnIDs, columnID)
}

// VacuumColumnIDs returns the column ids a vacuum pass may reclaim.
func (e *TableEntry) VacuumColumnIDs() []int {
	return append([]int(nil), e.droppedColumnIDs...)
}

// Catalog is an in-memory registry of table entries keyed by table id.
type Catalog struct {
	entries map[uint64]*TableEntry
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{entries: make(map[uint64]*TableEntry)}
}

// Add registers an entry, replacing any previous entry with the same id.
func (c *Catalog) Add(e *TableEntry) {
	c.entries[e.TableID] = e
}

// Get resolves a table id to its entry.
func (c *Catalog) Get(tableID uint64) (*TableEntry, bool) {
	e, ok := c.entries[tableID]
	return e, ok
}
