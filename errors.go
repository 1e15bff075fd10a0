// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import (
	"errors"
	"fmt"
)

// Kind identifies a stable error category raised by the engine.
type Kind uint8

// Recognised error kinds.
const (
	KindUnknown Kind = iota
	KindDuplicatePK
	KindNullPK
	KindOutOfRange
	KindTypeMismatch
	KindCorruption
	KindChunkFull
	KindShadowFileRecovery
	KindWAL
	KindInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindDuplicatePK:
		return "DuplicatePK"
	case KindNullPK:
		return "NullPK"
	case KindOutOfRange:
		return "OutOfRange"
	case KindTypeMismatch:
		return "TypeMismatch"
	case KindCorruption:
		return "Corruption"
	case KindChunkFull:
		return "ChunkFull"
	case KindShadowFileRecovery:
		return "ShadowFileRecoveryError"
	case KindWAL:
		return "WALError"
	case KindInvariantViolation:
		return "InvariantViolation"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type raised throughout nodestore. It carries a
// stable Kind tag plus a human message, as required by 's "user-visible
// failures" clause.
type Error struct {
	Kind Kind
	Msg string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("nodestore: %s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("nodestore: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, ErrDuplicatePK) style checks against the sentinel
// wrappers below.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newErr(kind Kind, format string, args...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, cause error, format string, args...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// Sentinel values usable with errors.Is for kind-only matching.
var (
	ErrDuplicatePK = &Error{Kind: KindDuplicatePK}
	ErrNullPK = &Error{Kind: KindNullPK}
	ErrOutOfRange = &Error{Kind: KindOutOfRange}
	ErrTypeMismatch = &Error{Kind: KindTypeMismatch}
	ErrCorruption = &Error{Kind: KindCorruption}
	ErrChunkFull = &Error{Kind: KindChunkFull}
	ErrShadowFileRecovery = &Error{Kind: KindShadowFileRecovery}
	ErrWAL = &Error{Kind: KindWAL}
	ErrInvariantViolation = &Error{Kind: KindInvariantViolation}
)

// IsFatal reports whether an error kind aborts the owning transaction and
// marks the database read-only until restart, per 's propagation policy.
func IsFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindCorruption, KindShadowFileRecovery, KindWAL, KindInvariantViolation:
		return true
	default:
		return false
	}
}
