// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package chunk

import (
	"bytes"
	"testing"

	"github.com/kelindar/bitmap"
	"github.com/stretchr/testify/assert"

	"github.com/kelindar/nodestore/codec"
)

func TestNumericChunkAppendScan(t *testing.T) {
	c := New(Int64, 8)
	row, err := c.Append(int64(42))
	assert.NoError(t, err)
	assert.Equal(t, 0, row)

	_, err = c.Append(nil)
	assert.NoError(t, err)

	out := make([]any, 2)
	nulls := make([]bool, 2)
	assert.NoError(t, c.Scan(0, 2, out, nulls))
	assert.Equal(t, int64(42), out[0])
	assert.False(t, nulls[0])
	assert.True(t, nulls[1])
}

func TestNumericChunkFull(t *testing.T) {
	c := New(Int32, 1)
	_, err := c.Append(int32(1))
	assert.NoError(t, err)
	_, err = c.Append(int32(2))
	assert.ErrorIs(t, err, ErrFull)
}

func TestNumericChunkTypeMismatch(t *testing.T) {
	c := New(Float, 1)
	_, err := c.Append("not a number")
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestNumericChunkUpdate(t *testing.T) {
	c := New(UInt8, 4)
	row, _ := c.Append(uint8(1))
	assert.NoError(t, c.Update(row, uint8(9)))
	out := make([]any, 1)
	nulls := make([]bool, 1)
	assert.NoError(t, c.Scan(row, 1, out, nulls))
	assert.Equal(t, uint8(9), out[0])
}

func TestNumericChunkFlushLoad(t *testing.T) {
	c := New(Double, 4)
	c.Append(1.5)
	c.Append(nil)
	c.Append(3.25)

	var buf bytes.Buffer
	cd := codec.Plain{}
	_, err := c.Flush(&buf, cd)
	assert.NoError(t, err)

	loaded := New(Double, 4)
	assert.NoError(t, loaded.Load(&buf, cd))
	assert.Equal(t, 3, loaded.Len())

	out := make([]any, 3)
	nulls := make([]bool, 3)
	assert.NoError(t, loaded.Scan(0, 3, out, nulls))
	assert.Equal(t, 1.5, out[0])
	assert.True(t, nulls[1])
	assert.Equal(t, 3.25, out[2])
}

func TestBoolChunk(t *testing.T) {
	c := New(Bool, 4)
	c.Append(true)
	c.Append(false)
	c.Append(nil)

	out := make([]any, 3)
	nulls := make([]bool, 3)
	assert.NoError(t, c.Scan(0, 3, out, nulls))
	assert.Equal(t, true, out[0])
	assert.Equal(t, false, out[1])
	assert.True(t, nulls[2])
}

func TestStringChunkAppendUpdate(t *testing.T) {
	c := New(String, 4)
	row, err := c.Append("alpha")
	assert.NoError(t, err)
	assert.NoError(t, c.Update(row, "beta"))

	out := make([]any, 1)
	nulls := make([]bool, 1)
	assert.NoError(t, c.Scan(row, 1, out, nulls))
	assert.Equal(t, "beta", out[0])
}

func TestStringChunkFlushLoad(t *testing.T) {
	c := New(String, 4)
	c.Append("hello")
	c.Append("world")

	var buf bytes.Buffer
	cd := codec.S2Codec{}
	_, err := c.Flush(&buf, cd)
	assert.NoError(t, err)

	loaded := New(String, 4)
	assert.NoError(t, loaded.Load(&buf, cd))

	out := make([]any, 2)
	nulls := make([]bool, 2)
	assert.NoError(t, loaded.Scan(0, 2, out, nulls))
	assert.Equal(t, "hello", out[0])
	assert.Equal(t, "world", out[1])
}

func TestInt128Chunk(t *testing.T) {
	c := New(Int128, 2)
	v := Int128Value{Hi: 1, Lo: 2}
	row, err := c.Append(v)
	assert.NoError(t, err)

	out := make([]any, 1)
	nulls := make([]bool, 1)
	assert.NoError(t, c.Scan(row, 1, out, nulls))
	assert.Equal(t, v, out[0])
}

func TestInternalIDChunk(t *testing.T) {
	c := New(InternalID, 2)
	v := InternalIDValue{TableID: 7, Offset: 99}
	row, err := c.Append(v)
	assert.NoError(t, err)

	out := make([]any, 1)
	nulls := make([]bool, 1)
	assert.NoError(t, c.Scan(row, 1, out, nulls))
	assert.Equal(t, v, out[0])
}

func TestAnyChunkListRoundtrip(t *testing.T) {
	c := New(List, 2)
	row, err := c.Append([]interface{}{1, 2, 3})
	assert.NoError(t, err)

	out := make([]any, 1)
	nulls := make([]bool, 1)
	assert.NoError(t, c.Scan(row, 1, out, nulls))
	assert.Equal(t, []interface{}{1, 2, 3}, out[0])
}

func TestTypeIsHashable(t *testing.T) {
	assert.True(t, Int64.IsHashable())
	assert.True(t, String.IsHashable())
	assert.False(t, List.IsHashable())
	assert.False(t, Struct.IsHashable())
}

func TestNumericChunkFilter(t *testing.T) {
	c := newNumericChunk[int64](Int64, 8)
	for i := int64(0); i < 6; i++ {
		c.Append(i)
	}

	var index bitmap.Bitmap
	index.Grow(5)
	for i := uint32(0); i < 6; i++ {
		index.Set(i)
	}
	c.Filter(index, func(v int64) bool { return v%2 == 0 })

	assert.Equal(t, 3, index.Count())
	assert.True(t, index.Contains(0))
	assert.False(t, index.Contains(1))
	assert.True(t, index.Contains(4))
}

func TestCompare(t *testing.T) {
	lt, err := Compare(Int64, int64(1), int64(2))
	assert.NoError(t, err)
	assert.Equal(t, -1, lt)

	eq, err := Compare(String, "a", "a")
	assert.NoError(t, err)
	assert.Equal(t, 0, eq)

	gt, err := Compare(Double, 2.5, 1.0)
	assert.NoError(t, err)
	assert.Equal(t, 1, gt)

	_, err = Compare(Int64, int64(1), nil)
	assert.Error(t, err)
}

func TestKeyStringDistinguishesTypes(t *testing.T) {
	a, err := KeyString(Int64, int64(42))
	assert.NoError(t, err)
	b, err := KeyString(String, "42")
	assert.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = KeyString(List, []interface{}{1})
	assert.Error(t, err)
}
