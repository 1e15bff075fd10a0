// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

// Package fixtures generates sample rows for tests, benchmarks and the
// operator CLI.
package fixtures

import (
	"fmt"

	"github.com/kelindar/xxrand"

	"github.com/kelindar/nodestore/catalog"
	"github.com/kelindar/nodestore/chunk"
)

// Players returns the catalog entry the fixtures below generate rows for: a
// small "players" node table keyed by an int64 id.
func Players(tableID uint64) *catalog.TableEntry {
	entry, err := catalog.NewTableEntry(tableID, "players", "id",
		catalog.Property{Name: "id", Type: chunk.Int64},
		catalog.Property{Name: "name", Type: chunk.String},
		catalog.Property{Name: "balance", Type: chunk.Double},
		catalog.Property{Name: "active", Type: chunk.Bool},
	)
	if err != nil {
		panic(err)
	}
	return entry
}

var races = []string{"dwarf", "elf", "human", "orc"}
var classes = []string{"mage", "ranger", "rogue", "sorcerer"}

// Rows generates n player rows with primary keys [startPK, startPK+n).
func Rows(startPK int64, n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{
			startPK + int64(i),
			Name(),
			float64(xxrand.Uint32n(10000)) / 100,
			xxrand.Uint32n(2) == 0,
		}
	}
	return rows
}

// Name produces a random "race-class-nnn" player name.
func Name() string {
	return fmt.Sprintf("%s-%s-%d",
		races[xxrand.Uint32n(uint32(len(races)))],
		classes[xxrand.Uint32n(uint32(len(classes)))],
		xxrand.Uint32n(1000))
}
