// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import (
	"encoding/binary"

	"github.com/kelindar/nodestore/storage"
)

// chainPtrLen reserves the trailing bytes of every page in a chain for the
// next page id (storage.NilPage terminates it). Segments and the Node Group
// Collection both serialise to a variable amount of bytes that rarely fits
// one page, so both spill across a page chain using this same shape;
// pkindex keeps its own copy of this idea (pkindex/checkpoint.go) since it
// cannot import this package without a cycle.
const chainPtrLen = 8

// writeChain splits raw across freshly allocated pages and stages every page
// through sf. It returns the root page id (NilPage
// if raw is empty) and the full list of page ids used, which the caller
// keeps around so a later checkpoint can free the previous generation.
func writeChain(pager *storage.Pager, sf *storage.ShadowFile, raw []byte) (storage.PageID, []storage.PageID, error) {
	if len(raw) == 0 {
		return storage.NilPage, nil, nil
	}
	pageSize := pager.PageSize()
	if pageSize == 0 {
		pageSize = 4096
	}
	payload := pageSize - 12 - chainPtrLen
	if payload <= 0 {
		payload = pageSize
	}

	var ids []storage.PageID
	for off := 0; off < len(raw); off += payload {
		ids = append(ids, pager.Alloc())
	}

	for i, id := range ids {
		off := i * payload
		end := off + payload
		if end > len(raw) {
			end = len(raw)
		}
		next := storage.NilPage
		if i+1 < len(ids) {
			next = ids[i+1]
		}
		data := make([]byte, end-off+chainPtrLen)
		copy(data, raw[off:end])
		binary.LittleEndian.PutUint64(data[end-off:], uint64(next))
		if err := sf.Stage(storage.Page{ID: id, Data: data}); err != nil {
			return storage.NilPage, nil, err
		}
	}
	return ids[0], ids, nil
}

// readChain walks a page chain written by writeChain and reassembles the raw
// buffer. root == storage.NilPage yields an empty, nil-error result.
func readChain(pager *storage.Pager, root storage.PageID) ([]byte, []storage.PageID, error) {
	if root == storage.NilPage {
		return nil, nil, nil
	}
	var raw []byte
	var ids []storage.PageID
	id := root
	for id != storage.NilPage {
		pg, err := pager.Read(id)
		if err != nil {
			return nil, nil, err
		}
		if len(pg.Data) < chainPtrLen {
			return nil, nil, wrapErr(KindCorruption, storage.ErrCorruption, "page chain: truncated page %d", id)
		}
		body := pg.Data[:len(pg.Data)-chainPtrLen]
		next := storage.PageID(binary.LittleEndian.Uint64(pg.Data[len(pg.Data)-chainPtrLen:]))
		raw = append(raw, body...)
		ids = append(ids, id)
		id = next
	}
	return raw, ids, nil
}

// freeChain frees every page in ids, used once a newer checkpoint generation
// supersedes an older one.
func freeChain(pager *storage.Pager, ids []storage.PageID) {
	for _, id := range ids {
		pager.Free(id)
	}
}
