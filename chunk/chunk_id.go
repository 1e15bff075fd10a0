// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package chunk

import (
	"encoding/binary"
	"io"

	"github.com/kelindar/bitmap"

	"github.com/kelindar/nodestore/codec"
)

// int128Chunk and internalIDChunk both store a fixed-width two-word value
// per row; they share layout with numericChunk but can't satisfy
// simd.Number, so they get their own small, non-generic implementation,
// following column_numeric.go's fill+data pair pattern by hand.

type int128Chunk struct {
	fill bitmap.Bitmap
	data []Int128Value
	n    int
	cap  int
}

func newInt128Chunk(capacity int) *int128Chunk {
	return &int128Chunk{
		fill: make(bitmap.Bitmap, 0, (capacity+63)/64),
		data: make([]Int128Value, capacity),
		cap:  capacity,
	}
}

func (c *int128Chunk) Type() Type { return Int128 }
func (c *int128Chunk) Len() int   { return c.n }
func (c *int128Chunk) Cap() int   { return c.cap }

func (c *int128Chunk) Append(value any) (int, error) {
	if c.n >= c.cap {
		return 0, ErrFull
	}
	row := c.n
	c.n++
	if value == nil {
		return row, nil
	}
	v, ok := value.(Int128Value)
	if !ok {
		c.n--
		return 0, ErrTypeMismatch
	}
	c.data[row] = v
	c.fill.Set(uint32(row))
	return row, nil
}

func (c *int128Chunk) Scan(startRow, count int, out []any, nulls []bool) error {
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

func (c *int128Chunk) Update(row int, value any) error {
	if row < 0 || row >= c.n {
		return ErrOutOfRange
	}
	if value == nil {
		c.fill.Remove(uint32(row))
		c.data[row] = Int128Value{}
		return nil
	}
	v, ok := value.(Int128Value)
	if !ok {
		return ErrTypeMismatch
	}
	c.data[row] = v
	c.fill.Set(uint32(row))
	return nil
}

func (c *int128Chunk) NullAt(row int) bool {
	return row < 0 || row >= c.n || !c.fill.Contains(uint32(row))
}

func (c *int128Chunk) Reclaim() {
	c.fill = nil
	c.data = nil
	c.n = 0
}

func (c *int128Chunk) Flush(w io.Writer, cd codec.Codec) (int64, error) {
	cw := cd.NewWriter(w)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(cd.Kind()))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(c.n))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	total := int64(len(hdr))
	n, err := writeBitmaps(cw, c.fill)
	total += n
	if err != nil {
		cw.Close()
		return total, err
	}
	for i := 0; i < c.n; i++ {
		var vb [16]byte
		binary.LittleEndian.PutUint64(vb[0:8], uint64(c.data[i].Hi))
		binary.LittleEndian.PutUint64(vb[8:16], c.data[i].Lo)
		if _, err := cw.Write(vb[:]); err != nil {
			cw.Close()
			return total, err
		}
		total += 16
	}
	err = cw.Close()
	return total, err
}

func (c *int128Chunk) Load(r io.Reader, cd codec.Codec) error {
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
	for i := 0; i < c.n; i++ {
		var vb [16]byte
		if _, err := io.ReadFull(cr, vb[:]); err != nil {
			return err
		}
		c.data[i] = Int128Value{
			Hi: int64(binary.LittleEndian.Uint64(vb[0:8])),
			Lo: binary.LittleEndian.Uint64(vb[8:16]),
		}
	}
	return nil
}

// internalIDChunk stores a (tableID, offset) pair per row; it is the
// physical type backing a node offset that must be addressed across tables
// (list-of-node-ids properties, foreign references).
type internalIDChunk struct {
	fill bitmap.Bitmap
	data []InternalIDValue
	n    int
	cap  int
}

func newInternalIDChunk(capacity int) *internalIDChunk {
	return &internalIDChunk{
		fill: make(bitmap.Bitmap, 0, (capacity+63)/64),
		data: make([]InternalIDValue, capacity),
		cap:  capacity,
	}
}

func (c *internalIDChunk) Type() Type { return InternalID }
func (c *internalIDChunk) Len() int   { return c.n }
func (c *internalIDChunk) Cap() int   { return c.cap }

func (c *internalIDChunk) Append(value any) (int, error) {
	if c.n >= c.cap {
		return 0, ErrFull
	}
	row := c.n
	c.n++
	if value == nil {
		return row, nil
	}
	v, ok := value.(InternalIDValue)
	if !ok {
		c.n--
		return 0, ErrTypeMismatch
	}
	c.data[row] = v
	c.fill.Set(uint32(row))
	return row, nil
}

func (c *internalIDChunk) Scan(startRow, count int, out []any, nulls []bool) error {
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

func (c *internalIDChunk) Update(row int, value any) error {
	if row < 0 || row >= c.n {
		return ErrOutOfRange
	}
	if value == nil {
		c.fill.Remove(uint32(row))
		c.data[row] = InternalIDValue{}
		return nil
	}
	v, ok := value.(InternalIDValue)
	if !ok {
		return ErrTypeMismatch
	}
	c.data[row] = v
	c.fill.Set(uint32(row))
	return nil
}

func (c *internalIDChunk) NullAt(row int) bool {
	return row < 0 || row >= c.n || !c.fill.Contains(uint32(row))
}

func (c *internalIDChunk) Reclaim() {
	c.fill = nil
	c.data = nil
	c.n = 0
}

func (c *internalIDChunk) Flush(w io.Writer, cd codec.Codec) (int64, error) {
	cw := cd.NewWriter(w)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(cd.Kind()))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(c.n))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	total := int64(len(hdr))
	n, err := writeBitmaps(cw, c.fill)
	total += n
	if err != nil {
		cw.Close()
		return total, err
	}
	for i := 0; i < c.n; i++ {
		var vb [16]byte
		binary.LittleEndian.PutUint64(vb[0:8], c.data[i].TableID)
		binary.LittleEndian.PutUint64(vb[8:16], c.data[i].Offset)
		if _, err := cw.Write(vb[:]); err != nil {
			cw.Close()
			return total, err
		}
		total += 16
	}
	err = cw.Close()
	return total, err
}

func (c *internalIDChunk) Load(r io.Reader, cd codec.Codec) error {
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
	for i := 0; i < c.n; i++ {
		var vb [16]byte
		if _, err := io.ReadFull(cr, vb[:]); err != nil {
			return err
		}
		c.data[i] = InternalIDValue{
			TableID: binary.LittleEndian.Uint64(vb[0:8]),
			Offset:  binary.LittleEndian.Uint64(vb[8:16]),
		}
	}
	return nil
}
