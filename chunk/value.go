// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package chunk

import "fmt"

// Compare orders two values of the same physical type, returning -1, 0 or
// 1, dispatching by match on the type tag. Column-predicate evaluation and
// the primary-key index both rely on it.
func Compare(t Type, a, b any) (int, error) {
	if a == nil || b == nil {
		return 0, fmt.Errorf("chunk: cannot compare NULL values")
	}
	switch t {
	case Int8, Int16, Int32, Int64, Date, Timestamp, TimestampTz, Interval:
		av, bv := toInt64(a), toInt64(b)
		return sign(av - bv), nil
	case UInt8, UInt16, UInt32, UInt64:
		av, bv := toUint64(a), toUint64(b)
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		default:
			return 0, nil
		}
	case Float, Double:
		av, bv := toFloat64(a), toFloat64(b)
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		default:
			return 0, nil
		}
	case String:
		av, bv := a.(string), b.(string)
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, fmt.Errorf("chunk: type %s is not orderable", t)
	}
}

// KeyString renders a hashable value as the canonical string form the
// primary-key index probes with.
func KeyString(t Type, v any) (string, error) {
	if v == nil {
		return "", fmt.Errorf("chunk: NULL is not a valid key")
	}
	if !t.IsHashable() {
		return "", fmt.Errorf("chunk: type %s is not a valid key type", t)
	}
	switch t {
	case String:
		s, ok := v.(string)
		if !ok {
			return "", ErrTypeMismatch
		}
		return s, nil
	case Int128:
		iv, ok := v.(Int128Value)
		if !ok {
			return "", ErrTypeMismatch
		}
		return fmt.Sprintf("i128:%d:%d", iv.Hi, iv.Lo), nil
	case InternalID:
		iv, ok := v.(InternalIDValue)
		if !ok {
			return "", ErrTypeMismatch
		}
		return fmt.Sprintf("nid:%d:%d", iv.TableID, iv.Offset), nil
	case Float, Double:
		return fmt.Sprintf("f:%v", toFloat64(v)), nil
	case UInt8, UInt16, UInt32, UInt64:
		return fmt.Sprintf("u:%d", toUint64(v)), nil
	default:
		return fmt.Sprintf("i:%d", toInt64(v)), nil
	}
}

func sign(d int64) int {
	switch {
	case d < 0:
		return -1
	case d > 0:
		return 1
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	default:
		return 0
	}
}

func toUint64(v any) uint64 {
	switch x := v.(type) {
	case uint:
		return uint64(x)
	case uint8:
		return uint64(x)
	case uint16:
		return uint64(x)
	case uint32:
		return uint64(x)
	case uint64:
		return x
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch x := v.(type) {
	case float32:
		return float64(x)
	case float64:
		return x
	default:
		return 0
	}
}
