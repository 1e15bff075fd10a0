// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import (
	"bytes"
	"encoding/gob"
	"math"

	"github.com/kelindar/iostream"

	"github.com/kelindar/nodestore/chunk"
)

// writeValue serialises one column value as [null(uvarint 0/1), payload] onto
// w, dispatching on t the same tagged-variant way chunk.Compare/chunk.KeyString
// do. chunk.List/chunk.Struct reuse the gob fallback chunk.anyChunk already
// relies on, since neither is fixed-width or hashable.
func writeValue(w *iostream.Writer, t chunk.Type, v any) error {
	if v == nil {
		return w.WriteUvarint(1)
	}
	if err := w.WriteUvarint(0); err != nil {
		return err
	}
	switch t {
	case chunk.Bool:
		b := uint64(0)
		if v.(bool) {
			b = 1
		}
		return w.WriteUvarint(b)
	case chunk.Int8, chunk.Int16, chunk.Int32, chunk.Int64, chunk.Date, chunk.Timestamp, chunk.TimestampTz, chunk.Interval:
		return w.WriteUvarint(zigzagEncode(toInt64Any(v)))
	case chunk.UInt8, chunk.UInt16, chunk.UInt32, chunk.UInt64:
		return w.WriteUvarint(toUint64Any(v))
	case chunk.Float:
		return w.WriteUvarint(uint64(math.Float32bits(v.(float32))))
	case chunk.Double:
		return w.WriteUvarint(math.Float64bits(v.(float64)))
	case chunk.String:
		return w.WriteString(v.(string))
	case chunk.Int128:
		iv := v.(chunk.Int128Value)
		if err := w.WriteUvarint(zigzagEncode(iv.Hi)); err != nil {
			return err
		}
		return w.WriteUvarint(iv.Lo)
	case chunk.InternalID:
		iv := v.(chunk.InternalIDValue)
		if err := w.WriteUvarint(iv.TableID); err != nil {
			return err
		}
		return w.WriteUvarint(iv.Offset)
	case chunk.List, chunk.Struct:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
			return wrapErr(KindTypeMismatch, err, "wire: gob-encode value")
		}
		return w.WriteString(buf.String())
	default:
		return wrapErr(KindTypeMismatch, nil, "wire: unsupported type %s", t)
	}
}

// readValue is writeValue's mirror image.
func readValue(r *iostream.Reader, t chunk.Type) (any, error) {
	isNull, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if isNull == 1 {
		return nil, nil
	}
	switch t {
	case chunk.Bool:
		b, err := r.ReadUvarint()
		return b == 1, err
	case chunk.Int8, chunk.Int16, chunk.Int32, chunk.Int64, chunk.Date, chunk.Timestamp, chunk.TimestampTz, chunk.Interval:
		raw, err := r.ReadUvarint()
		if err != nil {
			return nil, err
		}
		return fromInt64Any(t, zigzagDecode(raw)), nil
	case chunk.UInt8, chunk.UInt16, chunk.UInt32, chunk.UInt64:
		raw, err := r.ReadUvarint()
		if err != nil {
			return nil, err
		}
		return fromUint64Any(t, raw), nil
	case chunk.Float:
		raw, err := r.ReadUvarint()
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(uint32(raw)), nil
	case chunk.Double:
		raw, err := r.ReadUvarint()
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(raw), nil
	case chunk.String:
		return r.ReadString()
	case chunk.Int128:
		hiRaw, err := r.ReadUvarint()
		if err != nil {
			return nil, err
		}
		lo, err := r.ReadUvarint()
		if err != nil {
			return nil, err
		}
		return chunk.Int128Value{Hi: zigzagDecode(hiRaw), Lo: lo}, nil
	case chunk.InternalID:
		tableID, err := r.ReadUvarint()
		if err != nil {
			return nil, err
		}
		offset, err := r.ReadUvarint()
		if err != nil {
			return nil, err
		}
		return chunk.InternalIDValue{TableID: tableID, Offset: offset}, nil
	case chunk.List, chunk.Struct:
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		var v any
		if err := gob.NewDecoder(bytes.NewReader([]byte(s))).Decode(&v); err != nil {
			return nil, wrapCorruptionErr(err)
		}
		return v, nil
	default:
		return nil, wrapErr(KindTypeMismatch, nil, "wire: unsupported type %s", t)
	}
}

func zigzagEncode(v int64) uint64 { return uint64(v<<1) ^ uint64(v>>63) }
func zigzagDecode(u uint64) int64 { return int64(u>>1) ^ -int64(u&1) }

func toInt64Any(v any) int64 {
	switch x := v.(type) {
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case int:
		return int64(x)
	default:
		return 0
	}
}

func fromInt64Any(t chunk.Type, v int64) any {
	switch t {
	case chunk.Int8:
		return int8(v)
	case chunk.Int16:
		return int16(v)
	case chunk.Int32:
		return int32(v)
	default:
		return v
	}
}

func toUint64Any(v any) uint64 {
	switch x := v.(type) {
	case uint8:
		return uint64(x)
	case uint16:
		return uint64(x)
	case uint32:
		return uint64(x)
	case uint64:
		return x
	case uint:
		return uint64(x)
	default:
		return 0
	}
}

func fromUint64Any(t chunk.Type, v uint64) any {
	switch t {
	case chunk.UInt8:
		return uint8(v)
	case chunk.UInt16:
		return uint16(v)
	case chunk.UInt32:
		return uint32(v)
	default:
		return v
	}
}

// wrapCorruptionErr lifts chunk's Corrupted()-capable error into a nodestore
// KindCorruption error, the boundary translateChunkErr handles for in-memory
// column reads (segment.go) and this handles for WAL/scalar wire decoding.
func wrapCorruptionErr(err error) error {
	return wrapErr(KindCorruption, err, "wire: corrupt value")
}
