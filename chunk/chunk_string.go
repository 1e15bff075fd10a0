// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package chunk

import (
	"encoding/binary"
	"io"

	"github.com/kelindar/bitmap"

	"github.com/kelindar/nodestore/codec"
)

// stringChunk stores variable-length values as a flat byte buffer indexed
// by per-row (offset, length) pairs, plus a fill bitmap for presence.
type stringChunk struct {
	fill   bitmap.Bitmap
	data   []byte
	spans  []span
	n      int
	cap    int
}

type span struct {
	off, len uint32
}

func newStringChunk(capacity int) *stringChunk {
	return &stringChunk{
		fill:  make(bitmap.Bitmap, 0, (capacity+63)/64),
		spans: make([]span, capacity),
		cap:   capacity,
	}
}

func (c *stringChunk) Type() Type { return String }
func (c *stringChunk) Len() int   { return c.n }
func (c *stringChunk) Cap() int   { return c.cap }

func (c *stringChunk) Append(value any) (int, error) {
	if c.n >= c.cap {
		return 0, ErrFull
	}
	row := c.n
	c.n++
	if value == nil {
		return row, nil
	}
	s, ok := asString(value)
	if !ok {
		c.n--
		return 0, ErrTypeMismatch
	}
	c.spans[row] = span{off: uint32(len(c.data)), len: uint32(len(s))}
	c.data = append(c.data, s...)
	c.fill.Set(uint32(row))
	return row, nil
}

func (c *stringChunk) Scan(startRow, count int, out []any, nulls []bool) error {
	if startRow < 0 || startRow+count > c.n {
		return ErrOutOfRange
	}
	for i := 0; i < count; i++ {
		row := startRow + i
		if c.fill.Contains(uint32(row)) {
			s := c.spans[row]
			out[i] = string(c.data[s.off : s.off+s.len])
			nulls[i] = false
		} else {
			out[i] = nil
			nulls[i] = true
		}
	}
	return nil
}

// Update appends the new value to the tail of the backing buffer and
// repoints the row's span, leaving the old bytes as reclaimable slack
// rather than shifting the byte buffer in place.
func (c *stringChunk) Update(row int, value any) error {
	if row < 0 || row >= c.n {
		return ErrOutOfRange
	}
	if value == nil {
		c.fill.Remove(uint32(row))
		c.spans[row] = span{}
		return nil
	}
	s, ok := asString(value)
	if !ok {
		return ErrTypeMismatch
	}
	c.spans[row] = span{off: uint32(len(c.data)), len: uint32(len(s))}
	c.data = append(c.data, s...)
	c.fill.Set(uint32(row))
	return nil
}

func (c *stringChunk) NullAt(row int) bool {
	return row < 0 || row >= c.n || !c.fill.Contains(uint32(row))
}

func (c *stringChunk) Reclaim() {
	c.fill = nil
	c.data = nil
	c.spans = nil
	c.n = 0
}

func (c *stringChunk) Flush(w io.Writer, cd codec.Codec) (int64, error) {
	cw := cd.NewWriter(w)
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(cd.Kind()))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(c.n))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(c.data)))
	binary.LittleEndian.PutUint32(hdr[12:16], 0)
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
		var sb [8]byte
		binary.LittleEndian.PutUint32(sb[0:4], c.spans[i].off)
		binary.LittleEndian.PutUint32(sb[4:8], c.spans[i].len)
		if _, err := cw.Write(sb[:]); err != nil {
			cw.Close()
			return total, err
		}
		total += 8
	}
	m, err := cw.Write(c.data)
	total += int64(m)
	if cerr := cw.Close(); err == nil {
		err = cerr
	}
	return total, err
}

func (c *stringChunk) Load(r io.Reader, cd codec.Codec) error {
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	c.n = int(binary.LittleEndian.Uint32(hdr[4:8]))
	dataLen := int(binary.LittleEndian.Uint32(hdr[8:12]))
	cr := cd.NewReader(r)
	bitmaps, err := readBitmaps(cr, 1)
	if err != nil {
		return err
	}
	c.fill = bitmaps[0]
	c.spans = make([]span, c.cap)
	for i := 0; i < c.n; i++ {
		var sb [8]byte
		if _, err := io.ReadFull(cr, sb[:]); err != nil {
			return err
		}
		c.spans[i] = span{off: binary.LittleEndian.Uint32(sb[0:4]), len: binary.LittleEndian.Uint32(sb[4:8])}
	}
	c.data = make([]byte, dataLen)
	if _, err := io.ReadFull(cr, c.data); err != nil {
		return err
	}
	return nil
}

func asString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}
