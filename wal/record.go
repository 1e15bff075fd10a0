// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

// Package wal implements the write-ahead log: length-prefixed,
// xxh3-checksummed records, fsync'd at commit, replayed and truncated at
// the last CommitRecord on recovery.
package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"
)

// Kind tags a WAL record's payload schema.
type Kind uint8

const (
	KindTableInsertion Kind = iota + 1
	KindNodeUpdate
	KindNodeDeletion
	KindCommit
)

// Record is one decoded WAL entry.
type Record struct {
	Kind Kind
	Payload []byte
	// CommitTS is only meaningful when Kind == KindCommit.
	CommitTS uint64
}

// TableInsertionPayload is the payload schema for KindTableInsertion.
type TableInsertionPayload struct {
	TableID uint64
	TableType uint8
	NumRows uint32
	// Properties holds the wire form produced by EncodeValues (gob only for
	// List/Struct values);
	// callers decode it with DecodeValues against the table's column types.
	Properties []byte
}

// NodeUpdatePayload is the payload schema for KindNodeUpdate.
type NodeUpdatePayload struct {
	TableID uint64
	ColumnID uint32
	NodeOffset uint64
	Value []byte
}

// NodeDeletionPayload is the payload schema for KindNodeDeletion.
type NodeDeletionPayload struct {
	TableID uint64
	NodeOffset uint64
	PKValue []byte
}

// Encode serialises one record as [length(u32) | kind(u8) | payload |
// checksum(u64)]; length covers kind+payload only.
func Encode(kind Kind, payload []byte) []byte {
	body := make([]byte, 1+len(payload))
	body[0] = byte(kind)
	copy(body[1:], payload)

	sum := xxh3.Hash(body)

	out := make([]byte, 4+len(body)+8)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	binary.LittleEndian.PutUint64(out[4+len(body):], sum)
	return out
}

// EncodeCommit serialises a CommitRecord: empty payload plus commitTS(u64)
// appended to the kind byte.
func EncodeCommit(commitTS uint64) []byte {
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], commitTS)
	return Encode(KindCommit, payload[:])
}

// Decode parses one [length|kind|payload|checksum] record starting at buf[0]
// and returns the record plus the number of bytes consumed. It returns an
// error if the checksum doesn't match or buf is too short for the declared
// length — the caller (recovery.go) treats either as "the tail is a torn
// write, stop here" rather than aborting the whole replay.
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < 4 {
		return Record{}, 0, errShort
	}
	length := int(binary.LittleEndian.Uint32(buf[0:4]))
	need := 4 + length + 8
	if length < 1 || len(buf) < need {
		return Record{}, 0, errShort
	}
	body := buf[4 : 4+length]
	wantSum := binary.LittleEndian.Uint64(buf[4+length : need])
	if xxh3.Hash(body) != wantSum {
		return Record{}, 0, errChecksum
	}

	rec := Record{Kind: Kind(body[0]), Payload: append([]byte(nil), body[1:]...)}
	if rec.Kind == KindCommit {
		if len(rec.Payload) < 8 {
			return Record{}, 0, errChecksum
		}
		rec.CommitTS = binary.LittleEndian.Uint64(rec.Payload)
	}
	return rec, need, nil
}

var (
	errShort = fmt.Errorf("wal: truncated record")
	errChecksum = fmt.Errorf("wal: checksum mismatch")
)

// IsTornWrite reports whether err indicates a partial trailing record rather
// than mid-stream corruption — recovery.go uses this to decide "truncate and
// continue" versus "surface ShadowFileRecoveryError/Corruption".
func IsTornWrite(err error) bool {
	return err == errShort
}
