// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package wal

import (
	"bufio"
	"context"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// SyncMode controls how aggressively WAL writes are flushed to stable
// storage.
type SyncMode uint8

const (
	// SyncAlways fsyncs after every Append.
	SyncAlways SyncMode = iota
	// SyncOnCommit fsyncs only when a CommitRecord is appended.
	SyncOnCommit
)

// Config configures a WAL instance.
type Config struct {
	Path string
	SyncMode SyncMode
	CheckpointThresholdBytes int64
	// FsyncRateLimit caps fsync calls per second when SyncMode is
	// SyncAlways and many small transactions commit back to back; zero
	// disables the limiter.
	FsyncRateLimit int
}

// WAL is an append-only, fsync-gated record stream backing a single
// database. One WAL instance is shared across all tables so that record
// order matches global commit order.
type WAL struct {
	mu sync.Mutex
	file *os.File
	buf *bufio.Writer
	cfg Config
	written int64
	limiter *rate.Limiter
}

// Open opens (creating if necessary) the WAL file at cfg.Path for
// appending, positioned at EOF.
func Open(cfg Config) (*WAL, error) {
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	w := &WAL{
		file: f,
		buf: bufio.NewWriterSize(f, 64*1024),
		cfg: cfg,
		written: info.Size(),
	}
	if cfg.FsyncRateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.FsyncRateLimit), cfg.FsyncRateLimit)
	}
	return w, nil
}

// Append writes one already-encoded record (see Encode/EncodeCommit) and,
// depending on SyncMode, fsyncs before returning. Returns the new logical
// size of the WAL in bytes.
func (w *WAL) Append(rec []byte) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.buf.Write(rec); err != nil {
		return w.written, err
	}
	w.written += int64(len(rec))

	isCommit := len(rec) >= 5 && Kind(rec[4]) == KindCommit
	if w.cfg.SyncMode == SyncAlways || isCommit {
		if err := w.flushAndSync(); err != nil {
			return w.written, err
		}
	}
	return w.written, nil
}

func (w *WAL) flushAndSync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.limiter != nil {
		_ = w.limiter.Wait(context.Background())
	}
	return w.file.Sync()
}

// SyncSize re-reads the file's length into the WAL's bookkeeping, used
// after an external truncation (recovery dropping a torn tail) performed
// while this handle was already open.
func (w *WAL) SyncSize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return err
	}
	info, err := w.file.Stat()
	if err != nil {
		return err
	}
	w.written = info.Size()
	return nil
}

// Size reports the WAL's current logical length, used against
// checkpointThresholdBytes to decide whether a checkpoint is due.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// ShouldCheckpoint reports whether accumulated WAL bytes exceed the
// configured threshold.
func (w *WAL) ShouldCheckpoint() bool {
	if w.cfg.CheckpointThresholdBytes <= 0 {
		return false
	}
	return w.Size() >= w.cfg.CheckpointThresholdBytes
}

// Truncate discards the WAL up to (and including) the checkpoint marker at
// byte offset upTo, keeping only records appended after it.
func (w *WAL) Truncate(upTo int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.buf.Flush(); err != nil {
		return err
	}
	tail := make([]byte, w.written-upTo)
	if len(tail) > 0 {
		if _, err := w.file.ReadAt(tail, upTo); err != nil {
			return err
		}
	}
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Write(tail); err != nil {
		return err
	}
	if _, err := w.file.Seek(int64(len(tail)), 0); err != nil {
		return err
	}
	w.written = int64(len(tail))
	w.buf.Reset(w.file)
	return w.file.Sync()
}

// Close flushes and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
