// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelindar/nodestore/chunk"
)

func TestEncodeDecodeValuesBatch(t *testing.T) {
	schema := []chunk.Type{chunk.Int64, chunk.String, chunk.Double, chunk.Bool}
	rows := [][]any{
		{int64(1), "alice", 1.5, true},
		{int64(-7), "", 0.0, false},
		{int64(3), nil, 2.25, true},
	}

	payload, err := EncodeValuesBatch(42, schema, rows)
	require.NoError(t, err)

	tableID, decoded, err := DecodeValues(payload, schema)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), tableID)
	assert.Equal(t, rows, decoded)
}

func TestEncodeDecodeNodeUpdate(t *testing.T) {
	payload, err := EncodeNodeUpdate(9, 2, 123, chunk.Double, 6.5)
	require.NoError(t, err)

	tableID, columnID, offset, value, err := DecodeNodeUpdate(payload, chunk.Double)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), tableID)
	assert.Equal(t, uint32(2), columnID)
	assert.Equal(t, uint64(123), offset)
	assert.Equal(t, 6.5, value)
}

func TestEncodeDecodeDeletionPayload(t *testing.T) {
	pkBytes, err := EncodeScalar(chunk.Int64, int64(77))
	require.NoError(t, err)

	payload := encodeNodeDeletionPayload(4, 200, pkBytes)
	tableID, offset, gotPK, err := decodeNodeDeletionPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), tableID)
	assert.Equal(t, uint64(200), offset)

	pk, err := DecodeScalar(gotPK, chunk.Int64)
	require.NoError(t, err)
	assert.Equal(t, int64(77), pk)
}

func TestScalarNegativeAndEdgeValues(t *testing.T) {
	for _, v := range []int64{0, -1, 1, -1 << 62, 1<<62 - 1} {
		raw, err := EncodeScalar(chunk.Int64, v)
		require.NoError(t, err)
		got, err := DecodeScalar(raw, chunk.Int64)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestScalarInt128AndInternalID(t *testing.T) {
	iv := chunk.Int128Value{Hi: -5, Lo: 900}
	raw, err := EncodeScalar(chunk.Int128, iv)
	require.NoError(t, err)
	got, err := DecodeScalar(raw, chunk.Int128)
	require.NoError(t, err)
	assert.Equal(t, iv, got)

	id := chunk.InternalIDValue{TableID: 3, Offset: 17}
	raw, err = EncodeScalar(chunk.InternalID, id)
	require.NoError(t, err)
	got, err = DecodeScalar(raw, chunk.InternalID)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}
