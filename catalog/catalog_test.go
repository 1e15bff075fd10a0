// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelindar/nodestore/chunk"
)

func TestNewTableEntry(t *testing.T) {
	e, err := NewTableEntry(1, "players", "id",
		Property{Name: "id", Type: chunk.Int64},
		Property{Name: "name", Type: chunk.String},
	)
	require.NoError(t, err)

	pk, err := e.PKColumnID()
	require.NoError(t, err)
	assert.Equal(t, 0, pk)
	assert.Equal(t, []chunk.Type{chunk.Int64, chunk.String}, e.Schema())
}

func TestNewTableEntryRejectsNonHashablePK(t *testing.T) {
	_, err := NewTableEntry(1, "bad", "payload",
		Property{Name: "payload", Type: chunk.Struct},
	)
	assert.Error(t, err)
}

func TestNewTableEntryRejectsMissingPK(t *testing.T) {
	_, err := NewTableEntry(1, "bad", "nope",
		Property{Name: "id", Type: chunk.Int64},
	)
	assert.Error(t, err)
}

func TestVacuumColumnIDs(t *testing.T) {
	e, err := NewTableEntry(1, "players", "id",
		Property{Name: "id", Type: chunk.Int64},
		Property{Name: "legacy", Type: chunk.String},
	)
	require.NoError(t, err)
	assert.Empty(t, e.VacuumColumnIDs())

	e.DropColumn(1)
	assert.Equal(t, []int{1}, e.VacuumColumnIDs())
}

func TestCatalogRegistry(t *testing.T) {
	c := New()
	e, err := NewTableEntry(7, "players", "id", Property{Name: "id", Type: chunk.Int64})
	require.NoError(t, err)
	c.Add(e)

	got, ok := c.Get(7)
	assert.True(t, ok)
	assert.Equal(t, e, got)

	_, ok = c.Get(8)
	assert.False(t, ok)
}
