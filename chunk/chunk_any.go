// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package chunk

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"

	"github.com/kelindar/bitmap"

	"github.com/kelindar/nodestore/codec"
)

// anyChunk is the List/Struct fallback: it stores each value gob-encoded
// in a flat byte buffer indexed by span, the same "raw bytes + spans" shape
// as stringChunk, since neither LIST nor STRUCT values are fixed-width or
// hashable. gob is the one encoding the standard library offers for
// arbitrary Go values without requiring every caller to pre-register a
// schema.
type anyChunk struct {
	typ   Type
	fill  bitmap.Bitmap
	data  []byte
	spans []span
	n     int
	cap   int
}

func newAnyChunk(t Type, capacity int) *anyChunk {
	return &anyChunk{
		typ:   t,
		fill:  make(bitmap.Bitmap, 0, (capacity+63)/64),
		spans: make([]span, capacity),
		cap:   capacity,
	}
}

func init() {
	// Register the shapes callers are expected to hand List/Struct columns
	// (decoded JSON-like values) so gob can round-trip them through the
	// interface{} Scan/Append boundary.
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
}

func (c *anyChunk) Type() Type { return c.typ }
func (c *anyChunk) Len() int   { return c.n }
func (c *anyChunk) Cap() int   { return c.cap }

func (c *anyChunk) Append(value any) (int, error) {
	if c.n >= c.cap {
		return 0, ErrFull
	}
	row := c.n
	c.n++
	if value == nil {
		return row, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&value); err != nil {
		c.n--
		return 0, ErrTypeMismatch
	}
	c.spans[row] = span{off: uint32(len(c.data)), len: uint32(buf.Len())}
	c.data = append(c.data, buf.Bytes()...)
	c.fill.Set(uint32(row))
	return row, nil
}

func (c *anyChunk) Scan(startRow, count int, out []any, nulls []bool) error {
	if startRow < 0 || startRow+count > c.n {
		return ErrOutOfRange
	}
	for i := 0; i < count; i++ {
		row := startRow + i
		if !c.fill.Contains(uint32(row)) {
			out[i] = nil
			nulls[i] = true
			continue
		}
		s := c.spans[row]
		var v any
		if err := gob.NewDecoder(bytes.NewReader(c.data[s.off : s.off+s.len])).Decode(&v); err != nil {
			return wrapCorruption(err)
		}
		out[i] = v
		nulls[i] = false
	}
	return nil
}

func (c *anyChunk) Update(row int, value any) error {
	if row < 0 || row >= c.n {
		return ErrOutOfRange
	}
	if value == nil {
		c.fill.Remove(uint32(row))
		c.spans[row] = span{}
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&value); err != nil {
		return ErrTypeMismatch
	}
	c.spans[row] = span{off: uint32(len(c.data)), len: uint32(buf.Len())}
	c.data = append(c.data, buf.Bytes()...)
	c.fill.Set(uint32(row))
	return nil
}

func (c *anyChunk) NullAt(row int) bool {
	return row < 0 || row >= c.n || !c.fill.Contains(uint32(row))
}

func (c *anyChunk) Reclaim() {
	c.fill = nil
	c.data = nil
	c.spans = nil
	c.n = 0
}

func (c *anyChunk) Flush(w io.Writer, cd codec.Codec) (int64, error) {
	cw := cd.NewWriter(w)
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(cd.Kind()))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(c.n))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(c.data)))
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

func (c *anyChunk) Load(r io.Reader, cd codec.Codec) error {
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

func wrapCorruption(err error) error {
	return &corruptionError{cause: err}
}

// corruptionError lets table.go recognise a decode failure and translate it
// into nodestore.ErrCorruption without chunk importing the root package.
type corruptionError struct{ cause error }

func (e *corruptionError) Error() string { return "chunk: corrupt value: " + e.cause.Error() }
func (e *corruptionError) Unwrap() error { return e.cause }
func (e *corruptionError) Corrupted() bool { return true }
