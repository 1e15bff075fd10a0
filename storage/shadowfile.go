// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package storage

import (
	"encoding/binary"
	"os"
	"sync"
)

// ShadowFile stages dirty pages aside during a checkpoint so that a crash
// before the final metadata swap leaves the primary file's readable state
// untouched.
type ShadowFile struct {
	mu sync.Mutex
	path string
	file *os.File
	staged map[PageID]Page
	pager *Pager
}

// OpenShadowFile opens (truncating any stale contents) the shadow file next
// to pager's primary file.
func OpenShadowFile(path string, pager *Pager) (*ShadowFile, error) {
	if pager.cfg.InMemory {
		return &ShadowFile{path: path, staged: make(map[PageID]Page), pager: pager}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &ShadowFile{path: path, file: f, staged: make(map[PageID]Page), pager: pager}, nil
}

// Stage records pg as a pending page rewrite. It is durable in the shadow
// file after the next Flush, but invisible to ordinary Pager.Read callers
// until Commit performs the atomic swap.
func (s *ShadowFile) Stage(pg Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[pg.ID] = pg
	if s.pager.cfg.InMemory || s.file == nil {
		return nil
	}
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], uint64(pg.ID))
	if _, err := s.file.Write(idBuf[:]); err != nil {
		return err
	}
	buf := pg.encode(s.pager.PageSize())
	_, err := s.file.Write(buf)
	return err
}

// Flush fsyncs the shadow file so every staged page is durable before
// Commit begins swapping pages into the primary file — this is what makes
// the swap itself safe to interrupt.
func (s *ShadowFile) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

// Commit performs the second phase: write every staged page into the
// primary file at its true offset, fsync the primary file, then discard the
// shadow file. After Commit returns successfully the staged pages are
// visible to Pager.Read.
func (s *ShadowFile) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pg := range s.staged {
		if err := s.pager.Write(pg); err != nil {
			return err
		}
	}
	if err := s.pager.Sync(); err != nil {
		return err
	}
	return s.reset()
}

// Rollback discards all staged pages without touching the primary file,
// used by Node Table's rollbackCheckpoint.
func (s *ShadowFile) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reset()
}

func (s *ShadowFile) reset() error {
	s.staged = make(map[PageID]Page)
	if s.file == nil {
		return nil
	}
	if err := s.file.Truncate(0); err != nil {
		return err
	}
	_, err := s.file.Seek(0, 0)
	return err
}

// Recover reconciles an existing shadow file found at startup (left behind
// by a crash mid-checkpoint): every complete staged page it contains is
// replayed into the primary file exactly as Commit would, since Flush
// always runs before any swap step begins — so a shadow file on disk at
// startup is either empty (crash before first Stage) or fully flushed
// (crash during or after the swap), never partially written. A page that
// fails its checksum mid-file signals a torn write and stops the replay at
// that point (ShadowFileRecoveryError territory); pages that trailing torn
// write doesn't reach are replayed first, so no work done before the crash
// is lost.
func Recover(path string, pager *Pager) error {
	if pager.cfg.InMemory {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	pageSize := pager.PageSize()
	recordSize := 8 + pageSize
	for off := 0; off+recordSize <= len(data); off += recordSize {
		id := PageID(binary.LittleEndian.Uint64(data[off : off+8]))
		raw := data[off+8 : off+recordSize]
		dataLen := int(binary.LittleEndian.Uint32(raw[len(raw)-4:]))
		if dataLen < 0 || dataLen > len(raw)-pageHeaderSize {
			break
		}
		pg, err := decodePage(id, raw)
		if err != nil {
			break
		}
		if err := pager.Write(pg); err != nil {
			return err
		}
	}
	if err := pager.Sync(); err != nil {
		return err
	}
	return os.Remove(path)
}
