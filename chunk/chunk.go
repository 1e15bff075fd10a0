// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package chunk

import (
	"encoding/binary"
	"errors"
	"io"
	"unsafe"

	"github.com/kelindar/bitmap"
	"github.com/kelindar/simd"

	"github.com/kelindar/nodestore/codec"
)

// Sentinel errors returned by a Chunk. Callers translate these into the
// engine's kinded errors; chunk itself stays free of the orchestrator's
// error vocabulary to avoid an import cycle.
var (
	ErrFull = errors.New("chunk: full")
	ErrOutOfRange = errors.New("chunk: out of range")
	ErrTypeMismatch = errors.New("chunk: type mismatch")
)

// Chunk is the column chunk contract: append, scan, update, flush and
// reclaim, keyed purely by a row index local to the chunk. A Chunk carries
// no visibility information — callers enforce it.
type Chunk interface {
	// Type returns the chunk's physical type tag.
	Type() Type
	// Len returns the number of rows currently appended.
	Len() int
	// Cap returns the chunk's fixed capacity.
	Cap() int
	// Append adds one value (nil means NULL) and returns its row index.
	Append(value any) (row int, err error)
	// Scan fills out[0:count] (and nulls[0:count]) starting at startRow.
	Scan(startRow, count int, out []any, nulls []bool) error
	// Update overwrites the value at rowInChunk.
	Update(rowInChunk int, value any) error
	// NullAt reports whether the row holds NULL.
	NullAt(row int) bool
	// Flush serialises the chunk (optionally compressed) to w.
	Flush(w io.Writer, c codec.Codec) (int64, error)
	// Load replaces the chunk's contents by deserialising from r.
	Load(r io.Reader, c codec.Codec) error
	// Reclaim releases the chunk's backing storage (post-rollback or
	// post-checkpoint-reclaim).
	Reclaim()
}

// New creates an empty chunk of the given physical type and fixed
// capacity (a power of two).
func New(t Type, capacity int) Chunk {
	switch t {
	case Bool:
		return newBoolChunk(capacity)
	case Int8:
		return newNumericChunk[int8](t, capacity)
	case Int16:
		return newNumericChunk[int16](t, capacity)
	case Int32:
		return newNumericChunk[int32](t, capacity)
	case Int64, Date, Timestamp, TimestampTz, Interval:
		return newNumericChunk[int64](t, capacity)
	case UInt8:
		return newNumericChunk[uint8](t, capacity)
	case UInt16:
		return newNumericChunk[uint16](t, capacity)
	case UInt32:
		return newNumericChunk[uint32](t, capacity)
	case UInt64:
		return newNumericChunk[uint64](t, capacity)
	case Float:
		return newNumericChunk[float32](t, capacity)
	case Double:
		return newNumericChunk[float64](t, capacity)
	case String:
		return newStringChunk(capacity)
	case Int128:
		return newInt128Chunk(capacity)
	case InternalID:
		return newInternalIDChunk(capacity)
	case List, Struct:
		return newAnyChunk(t, capacity)
	default:
		panic("chunk: unsupported type " + t.String())
	}
}

// --------------------------- Numeric ----------------------------

// numericChunk is a fixed-capacity vector for any type satisfying
// simd.Number: a value slice paired with a fill bitmap for presence.
type numericChunk[T simd.Number] struct {
	typ Type
	fill bitmap.Bitmap // non-NULL marker, one bit per row
	data []T
	n int
}

func newNumericChunk[T simd.Number](t Type, capacity int) *numericChunk[T] {
	return &numericChunk[T]{
		typ: t,
		fill: make(bitmap.Bitmap, 0, (capacity+63)/64),
		data: make([]T, capacity),
	}
}

func (c *numericChunk[T]) Type() Type { return c.typ }
func (c *numericChunk[T]) Len() int { return c.n }
func (c *numericChunk[T]) Cap() int { return len(c.data) }

func (c *numericChunk[T]) Append(value any) (int, error) {
	if c.n >= len(c.data) {
		return 0, ErrFull
	}
	row := c.n
	c.n++
	if value == nil {
		return row, nil
	}
	v, ok := coerceNumber[T](value)
	if !ok {
		c.n--
		return 0, ErrTypeMismatch
	}
	c.data[row] = v
	c.fill.Set(uint32(row))
	return row, nil
}

func (c *numericChunk[T]) Scan(startRow, count int, out []any, nulls []bool) error {
	if startRow < 0 || startRow+count > c.n {
		return ErrOutOfRange
	}
	for i := 0; i < count; i++ {
		row := startRow + i
		if c.fill.Contains(uint32(row)) {
			out[i] = c.data[row]
			nulls[i] = false
		} else {
			out[i] = nil
			nulls[i] = true
		}
	}
	return nil
}

func (c *numericChunk[T]) Update(row int, value any) error {
	if row < 0 || row >= c.n {
		return ErrOutOfRange
	}
	if value == nil {
		c.fill.Remove(uint32(row))
		var zero T
		c.data[row] = zero
		return nil
	}
	v, ok := coerceNumber[T](value)
	if !ok {
		return ErrTypeMismatch
	}
	c.data[row] = v
	c.fill.Set(uint32(row))
	return nil
}

func (c *numericChunk[T]) NullAt(row int) bool {
	return row < 0 || row >= c.n || !c.fill.Contains(uint32(row))
}

func (c *numericChunk[T]) Reclaim() {
	c.data = nil
	c.fill = nil
	c.n = 0
}

// Flush writes the fill bitmap followed by the raw value slice.
func (c *numericChunk[T]) Flush(w io.Writer, cd codec.Codec) (int64, error) {
	cw := cd.NewWriter(w)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(cd.Kind()))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(c.n))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	n, err := writeBitmaps(cw, c.fill)
	if err != nil {
		cw.Close()
		return int64(len(hdr)) + n, err
	}
	raw := numericBytes(c.data[:c.n])
	m, err := cw.Write(raw)
	if cerr := cw.Close(); err == nil {
		err = cerr
	}
	return int64(len(hdr)) + n + int64(m), err
}

func (c *numericChunk[T]) Load(r io.Reader, cd codec.Codec) error {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	c.n = int(binary.LittleEndian.Uint32(hdr[4:8]))
	cr := cd.NewReader(r)
	bitmaps, err := readBitmaps(cr, 1)
	if err != nil {
		return err
	}
	c.fill = bitmaps[0]
	raw := numericBytes(c.data)
	if _, err := io.ReadFull(cr, raw[:c.n*int(unsafe.Sizeof(c.data[0]))]); err != nil {
		return err
	}
	return nil
}

// numericBytes reinterprets a numeric slice as its raw byte representation
// for a flat, zero-copy on-disk encoding.
func numericBytes[T simd.Number](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	sz := int(unsafe.Sizeof(data[0]))
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*sz)
}

// Filter evaluates predicate over the rows selected by index, narrowing
// index in place to rows that are both present (non-NULL) and match. This
// is the hook column-predicate sets push down into before
// materialisation.
func (c *numericChunk[T]) Filter(index bitmap.Bitmap, predicate func(T) bool) {
	index.Filter(func(row uint32) bool {
		return c.fill.Contains(row) && predicate(c.data[row])
	})
}

// coerceNumber accepts the value either as T directly or as any other
// numeric kind representable for T's width.
func coerceNumber[T simd.Number](value any) (T, bool) {
	switch v := value.(type) {
	case T:
		return v, true
	case int:
		return T(v), true
	case int8:
		return T(v), true
	case int16:
		return T(v), true
	case int32:
		return T(v), true
	case int64:
		return T(v), true
	case uint:
		return T(v), true
	case uint8:
		return T(v), true
	case uint16:
		return T(v), true
	case uint32:
		return T(v), true
	case uint64:
		return T(v), true
	case float32:
		return T(v), true
	case float64:
		return T(v), true
	default:
		var zero T
		return zero, false
	}
}
