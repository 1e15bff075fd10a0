// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package storage

import (
	"encoding/binary"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	magic = uint64(0x4e4f4445_53544f52) // "NODESTOR"
	versionMajor = uint32(1)
	versionMinor = uint32(0)
	fileHeaderLen = 8 + 4 + 4 + 4 + 8 // magic | verMajor | verMinor | pageSize | rootMetaPage
)

// Config configures a Pager.
type Config struct {
	Path     string
	PageSize int // default 4096
	InMemory bool // skip Page Manager I/O entirely; pages live in a transient map
}

// Pager allocates and reclaims fixed-size pages and maintains an in-memory
// free list. The free list is not written to the file, so pages freed before
// a reopen are not reused after it. It mutex-protects the free list and
// allocation.
type Pager struct {
	mu sync.Mutex
	file *os.File
	mmapData []byte
	cfg Config
	freeList []PageID
	nextPage PageID
	rootMeta PageID
	mem map[PageID]Page // used when cfg.InMemory
}

// Open opens or creates the database file at cfg.Path and reads its header,
// or initializes a fresh header if the file is empty. When cfg.InMemory is
// set no file is touched and all pages live in a transient map.
func Open(cfg Config) (*Pager, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = 4096
	}
	p := &Pager{cfg: cfg, rootMeta: NilPage}
	if cfg.InMemory {
		p.mem = make(map[PageID]Page)
		return p, nil
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	p.file = f

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err := p.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		p.nextPage = 0
		return p, nil
	}
	if err := p.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	p.nextPage = PageID((info.Size() - fileHeaderLen) / int64(cfg.PageSize))
	return p, nil
}

func (p *Pager) writeHeader() error {
	var hdr [fileHeaderLen]byte
	binary.LittleEndian.PutUint64(hdr[0:8], magic)
	binary.LittleEndian.PutUint32(hdr[8:12], versionMajor)
	binary.LittleEndian.PutUint32(hdr[12:16], versionMinor)
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(p.cfg.PageSize))
	binary.LittleEndian.PutUint64(hdr[20:28], uint64(p.rootMeta))
	_, err := p.file.WriteAt(hdr[:], 0)
	return err
}

func (p *Pager) readHeader() error {
	var hdr [fileHeaderLen]byte
	if _, err := p.file.ReadAt(hdr[:], 0); err != nil {
		return err
	}
	if binary.LittleEndian.Uint64(hdr[0:8]) != magic {
		return ErrCorruption
	}
	p.cfg.PageSize = int(binary.LittleEndian.Uint32(hdr[16:20]))
	p.rootMeta = PageID(binary.LittleEndian.Uint64(hdr[20:28]))
	return nil
}

// RootMeta returns the page id of the root metadata page,
// or NilPage if none has been set yet.
func (p *Pager) RootMeta() PageID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rootMeta
}

// SetRootMeta records the root metadata page id and persists the header
// (called after a checkpoint writes fresh node-group/index metadata pages).
func (p *Pager) SetRootMeta(id PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rootMeta = id
	if p.cfg.InMemory {
		return nil
	}
	return p.writeHeader()
}

// Alloc reserves a page id, preferring a freed page over growing the file.
func (p *Pager) Alloc() PageID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.freeList); n > 0 {
		id := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return id
	}
	id := p.nextPage
	p.nextPage++
	return id
}

// Free returns a page to the in-memory free list for reuse by Alloc.
func (p *Pager) Free(id PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeList = append(p.freeList, id)
}

// Read loads and checksum-verifies the page at id.
func (p *Pager) Read(id PageID) (Page, error) {
	if p.cfg.InMemory {
		p.mu.Lock()
		defer p.mu.Unlock()
		pg, ok := p.mem[id]
		if !ok {
			return Page{}, ErrCorruption
		}
		return pg, nil
	}
	buf := make([]byte, p.cfg.PageSize)
	off := fileHeaderLen + int64(id)*int64(p.cfg.PageSize)
	if _, err := p.file.ReadAt(buf, off); err != nil {
		return Page{}, err
	}
	return decodePage(id, buf)
}

// Write persists pg at its own id, bypassing the Shadow File — used by
// ShadowFile.Commit's final swap step and by Recover, and by the PK index
// checkpoint for its freshly allocated pages. Column data goes through
// ShadowFile.Stage instead.
func (p *Pager) Write(pg Page) error {
	if p.cfg.InMemory {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.mem[pg.ID] = pg
		return nil
	}
	buf := pg.encode(p.cfg.PageSize)
	off := fileHeaderLen + int64(pg.ID)*int64(p.cfg.PageSize)
	_, err := p.file.WriteAt(buf, off)
	return err
}

// Sync flushes the primary file to stable storage.
func (p *Pager) Sync() error {
	if p.cfg.InMemory {
		return nil
	}
	return p.file.Sync()
}

// Close releases the underlying file (and any mmap region, if one was
// established via Mmap).
func (p *Pager) Close() error {
	if p.cfg.InMemory {
		return nil
	}
	if p.mmapData != nil {
		_ = unix.Munmap(p.mmapData)
		p.mmapData = nil
	}
	return p.file.Close()
}

// Mmap maps the primary file read-only for zero-copy scans of already
// checkpointed pages.
func (p *Pager) Mmap() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.InMemory {
		return nil, nil
	}
	if p.mmapData != nil {
		return p.mmapData, nil
	}
	info, err := p.file.Stat()
	if err != nil {
		return nil, err
	}
	data, err := unix.Mmap(int(p.file.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	p.mmapData = data
	return data, nil
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() int { return p.cfg.PageSize }
