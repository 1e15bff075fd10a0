// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package wal

import (
	"io"
	"os"
)

// Replay reads every complete record from the WAL file at path in order,
// invoking fn for each. It stops at the first torn trailing record (a
// partial write interrupted by a crash) and returns the byte offset just
// past the last CommitRecord seen, so the caller can truncate the partial
// tail away and reopen the database at its last committed state.
//
// A checksum mismatch on a record that is NOT the final one is treated as
// real corruption (not a torn write) and returned as an error; only a
// trailing short/torn record is swallowed.
func Replay(path string, fn func(Record) error) (lastCommitOffset int64, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var offset int64
	lastCommitOffset = -1
	for int(offset) < len(data) {
		rec, n, derr := Decode(data[offset:])
		if derr != nil {
			if IsTornWrite(derr) {
				break
			}
			return 0, derr
		}
		if err := fn(rec); err != nil {
			return 0, err
		}
		offset += int64(n)
		if rec.Kind == KindCommit {
			lastCommitOffset = offset
		}
	}
	if lastCommitOffset < 0 {
		lastCommitOffset = 0
	}
	return lastCommitOffset, nil
}

// TruncateToLastCommit reopens the WAL file at path and discards any bytes
// after lastCommitOffset, the recovery-time counterpart to WAL.Truncate
// (which discards the *head* at checkpoint time instead of the *tail* at
// crash-recovery time).
func TruncateToLastCommit(path string, lastCommitOffset int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	if err := f.Truncate(lastCommitOffset); err != nil {
		return err
	}
	_, err = f.Seek(0, io.SeekEnd)
	return err
}
