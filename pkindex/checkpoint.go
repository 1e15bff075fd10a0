// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package pkindex

import (
	"bytes"
	"encoding/binary"

	"github.com/kelindar/iostream"

	"github.com/kelindar/nodestore/storage"
)

// nextPtrLen reserves the trailing bytes of every slot page's payload for
// the next page id in the chain (storage.NilPage terminates it).
const nextPtrLen = 8

// Checkpoint persists every live slot as a sequence of fixed-size slot
// pages through the Page Manager, as an iostream-framed, page-chained
// payload. It returns the id of the first page in the chain (NilPage if the
// index is empty), which the caller records in the table's metadata page.
func (idx *Index) Checkpoint(pager *storage.Pager) (storage.PageID, error) {
	idx.rw.RLock()
	var buf bytes.Buffer
	w := iostream.NewWriter(&buf)
	var live int
	for i := range idx.slots {
		if idx.slots[i].state == slotFilled {
			live++
		}
	}
	if err := w.WriteUvarint(uint64(live)); err != nil {
		idx.rw.RUnlock()
		return storage.NilPage, err
	}
	for i := range idx.slots {
		if idx.slots[i].state != slotFilled {
			continue
		}
		if err := w.WriteString(idx.slots[i].keyString()); err != nil {
			idx.rw.RUnlock()
			return storage.NilPage, err
		}
		if err := w.WriteUvarint(uint64(idx.slots[i].value)); err != nil {
			idx.rw.RUnlock()
			return storage.NilPage, err
		}
	}
	idx.rw.RUnlock()
	if err := w.Flush(); err != nil {
		return storage.NilPage, err
	}

	pageSize := pager.PageSize()
	if pageSize == 0 {
		pageSize = 4096
	}
	payload := pageSize - 12 - nextPtrLen // page.go's pageHeaderSize footer, minus our chain pointer

	raw := buf.Bytes()
	var pageIDs []storage.PageID
	for off := 0; off < len(raw); off += payload {
		pageIDs = append(pageIDs, pager.Alloc())
		if off+payload >= len(raw) {
			break
		}
	}
	if len(raw) == 0 {
		idx.rw.Lock()
		idx.lastCheckpoint = nil
		idx.rw.Unlock()
		return storage.NilPage, nil
	}

	for i, id := range pageIDs {
		off := i * payload
		end := off + payload
		if end > len(raw) {
			end = len(raw)
		}
		next := storage.NilPage
		if i+1 < len(pageIDs) {
			next = pageIDs[i+1]
		}
		data := make([]byte, end-off+nextPtrLen)
		copy(data, raw[off:end])
		binary.LittleEndian.PutUint64(data[end-off:], uint64(next))
		if err := pager.Write(storage.Page{ID: id, Data: data}); err != nil {
			return storage.NilPage, err
		}
	}

	idx.rw.Lock()
	idx.lastCheckpoint = pageIDs
	idx.rw.Unlock()
	return pageIDs[0], nil
}

// Load reconstructs an index previously written by Checkpoint, reading the
// slot-page chain starting at root (storage.NilPage means "empty index").
func Load(pager *storage.Pager, root storage.PageID, cfg Config) (*Index, error) {
	idx := New(cfg)
	if root == storage.NilPage {
		return idx, nil
	}

	var raw []byte
	var pageIDs []storage.PageID
	id := root
	for id != storage.NilPage {
		pg, err := pager.Read(id)
		if err != nil {
			return nil, err
		}
		if len(pg.Data) < nextPtrLen {
			return nil, storage.ErrCorruption
		}
		body := pg.Data[:len(pg.Data)-nextPtrLen]
		next := storage.PageID(binary.LittleEndian.Uint64(pg.Data[len(pg.Data)-nextPtrLen:]))
		raw = append(raw, body...)
		pageIDs = append(pageIDs, id)
		id = next
	}

	r := iostream.NewReader(bytes.NewReader(raw))
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		key, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		val, err := r.ReadUvarint()
		if err != nil {
			return nil, err
		}
		fp := fingerprint(key)
		idx.maybeExtendLocked()
		for !idx.claimSlot(fp, key, Offset(val)) {
			idx.extendLocked()
		}
	}
	idx.lastCheckpoint = pageIDs
	return idx, nil
}

// ReclaimStorage frees every page used by the index's previous checkpoint,
// once a newer checkpoint (or a rollback of one) supersedes it.
func (idx *Index) ReclaimStorage(pager *storage.Pager) {
	idx.rw.Lock()
	defer idx.rw.Unlock()
	for _, id := range idx.lastCheckpoint {
		pager.Free(id)
	}
	idx.lastCheckpoint = nil
}
