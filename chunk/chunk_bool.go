// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package chunk

import (
	"encoding/binary"
	"io"

	"github.com/kelindar/bitmap"

	"github.com/kelindar/nodestore/codec"
)

// boolChunk packs one bit per row for the value plus one bit per row for
// presence: a fill list and a value list as two parallel bitmaps.
type boolChunk struct {
	fill bitmap.Bitmap
	data bitmap.Bitmap
	n    int
	cap  int
}

func newBoolChunk(capacity int) *boolChunk {
	words := (capacity + 63) / 64
	return &boolChunk{
		fill: make(bitmap.Bitmap, 0, words),
		data: make(bitmap.Bitmap, 0, words),
		cap:  capacity,
	}
}

func (c *boolChunk) Type() Type { return Bool }
func (c *boolChunk) Len() int   { return c.n }
func (c *boolChunk) Cap() int   { return c.cap }

func (c *boolChunk) Append(value any) (int, error) {
	if c.n >= c.cap {
		return 0, ErrFull
	}
	row := c.n
	c.n++
	if value == nil {
		return row, nil
	}
	v, ok := value.(bool)
	if !ok {
		c.n--
		return 0, ErrTypeMismatch
	}
	c.fill.Set(uint32(row))
	if v {
		c.data.Set(uint32(row))
	}
	return row, nil
}

func (c *boolChunk) Scan(startRow, count int, out []any, nulls []bool) error {
	if startRow < 0 || startRow+count > c.n {
		return ErrOutOfRange
	}
	for i := 0; i < count; i++ {
		row := uint32(startRow + i)
		if c.fill.Contains(row) {
			out[i] = c.data.Contains(row)
			nulls[i] = false
		} else {
			out[i] = nil
			nulls[i] = true
		}
	}
	return nil
}

func (c *boolChunk) Update(row int, value any) error {
	if row < 0 || row >= c.n {
		return ErrOutOfRange
	}
	if value == nil {
		c.fill.Remove(uint32(row))
		c.data.Remove(uint32(row))
		return nil
	}
	v, ok := value.(bool)
	if !ok {
		return ErrTypeMismatch
	}
	c.fill.Set(uint32(row))
	if v {
		c.data.Set(uint32(row))
	} else {
		c.data.Remove(uint32(row))
	}
	return nil
}

func (c *boolChunk) NullAt(row int) bool {
	return row < 0 || row >= c.n || !c.fill.Contains(uint32(row))
}

func (c *boolChunk) Reclaim() {
	c.fill = nil
	c.data = nil
	c.n = 0
}

func (c *boolChunk) Flush(w io.Writer, cd codec.Codec) (int64, error) {
	cw := cd.NewWriter(w)
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(cd.Kind()))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(c.n))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(c.fill)))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	n, err := writeBitmaps(cw, c.fill, c.data)
	if cerr := cw.Close(); err == nil {
		err = cerr
	}
	return int64(len(hdr)) + n, err
}

func (c *boolChunk) Load(r io.Reader, cd codec.Codec) error {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	c.n = int(binary.LittleEndian.Uint32(hdr[4:8]))
	words := int(binary.LittleEndian.Uint32(hdr[8:12]))
	cr := cd.NewReader(r)
	bitmaps, err := readBitmaps(cr, 2)
	if err != nil {
		return err
	}
	_ = words // word count is redundant with the per-bitmap length prefix
	c.fill, c.data = bitmaps[0], bitmaps[1]
	return nil
}

// writeBitmaps/readBitmaps are shared by boolChunk and stringChunk's null
// tracking; kept here next to their first use.
func writeBitmaps(w io.Writer, bitmaps ...bitmap.Bitmap) (int64, error) {
	var total int64
	for _, b := range bitmaps {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return total, err
		}
		total += 4
		for _, word := range b {
			var wb [8]byte
			binary.LittleEndian.PutUint64(wb[:], uint64(word))
			if _, err := w.Write(wb[:]); err != nil {
				return total, err
			}
			total += 8
		}
	}
	return total, nil
}

// readBitmaps reads exactly count length-prefixed bitmaps in sequence.
func readBitmaps(r io.Reader, count int) ([]bitmap.Bitmap, error) {
	out := make([]bitmap.Bitmap, count)
	for i := range out {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		words := int(binary.LittleEndian.Uint32(lenBuf[:]))
		b := make(bitmap.Bitmap, words)
		for j := 0; j < words; j++ {
			var wb [8]byte
			if _, err := io.ReadFull(r, wb[:]); err != nil {
				return nil, err
			}
			b[j] = uint64(binary.LittleEndian.Uint64(wb[:]))
		}
		out[i] = b
	}
	return out, nil
}
