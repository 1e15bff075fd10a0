// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

// Package chunk implements the column chunk: a fixed-capacity, typed
// vector of values with a null bitmap and a data-type-aware
// append/scan/update/flush surface. A chunk carries no visibility
// information; callers enforce it.
package chunk

import "fmt"

// Type tags the physical representation of a column; append/scan/compare
// dispatch on the tag rather than on interface inheritance.
type Type uint8

// Supported physical types.
const (
	Bool Type = iota
	Int8
	Int16
	Int32
	Int64
	UInt8
	UInt16
	UInt32
	UInt64
	Float
	Double
	String
	Date
	Timestamp
	TimestampTz
	Interval
	Int128
	InternalID
	List
	Struct
)

// String renders the physical type for diagnostics.
func (t Type) String() string {
	switch t {
	case Bool:
		return "BOOL"
	case Int8:
		return "INT8"
	case Int16:
		return "INT16"
	case Int32:
		return "INT32"
	case Int64:
		return "INT64"
	case UInt8:
		return "UINT8"
	case UInt16:
		return "UINT16"
	case UInt32:
		return "UINT32"
	case UInt64:
		return "UINT64"
	case Float:
		return "FLOAT"
	case Double:
		return "DOUBLE"
	case String:
		return "STRING"
	case Date:
		return "DATE"
	case Timestamp:
		return "TIMESTAMP"
	case TimestampTz:
		return "TIMESTAMP_TZ"
	case Interval:
		return "INTERVAL"
	case Int128:
		return "INT128"
	case InternalID:
		return "INTERNAL_ID"
	case List:
		return "LIST"
	case Struct:
		return "STRUCT"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// IsHashable reports whether the type belongs to the fixed hashable subset a
// primary-key column is allowed to use.
func (t Type) IsHashable() bool {
	switch t {
	case Int8, Int16, Int32, Int64, UInt8, UInt16, UInt32, UInt64,
		Float, Double, String, Date, Timestamp, TimestampTz, Interval,
		Int128, InternalID:
		return true
	default:
		return false
	}
}

// Int128Value represents a 128-bit integer as two 64-bit words.
type Int128Value struct {
	Hi int64
	Lo uint64
}

// InternalIDValue addresses a row anywhere in the database: a table id and
// a node offset within that table.
type InternalIDValue struct {
	TableID uint64
	Offset uint64
}
