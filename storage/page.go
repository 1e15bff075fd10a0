// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

// Package storage implements the Page Manager and the Shadow File:
// fixed-size page allocation with a free-list, and staging of dirty pages
// in a shadow file so a crash before commit leaves the primary file
// untouched.
package storage

import (
	"encoding/binary"
	"errors"

	"github.com/zeebo/xxh3"
)

// PageID addresses a fixed-size page within the database file.
type PageID uint64

// NilPage is the sentinel "no page" id.
const NilPage PageID = ^PageID(0)

const (
	// pageHeaderSize reserves a checksum(u64) + length(u32) footer inside
	// every page.
	pageHeaderSize = 12
)

// Page is one fixed-size unit of the on-disk file.
type Page struct {
	ID PageID
	Data []byte // length <= PageSize - pageHeaderSize
}

// checksum computes the page's xxh3 checksum over its data.
func (p *Page) checksum() uint64 {
	return xxh3.Hash(p.Data)
}

// encode serialises the page into a full PageSize-byte buffer:
// [data | checksum(u64) | length(u32)].
func (p *Page) encode(pageSize int) []byte {
	buf := make([]byte, pageSize)
	copy(buf, p.Data)
	binary.LittleEndian.PutUint64(buf[pageSize-pageHeaderSize:], p.checksum())
	binary.LittleEndian.PutUint32(buf[pageSize-4:], uint32(len(p.Data)))
	return buf
}

// decodePage parses a raw PageSize-byte buffer back into a Page, verifying
// its checksum. A mismatch surfaces as storage.ErrCorruption.
func decodePage(id PageID, buf []byte) (Page, error) {
	if len(buf) < pageHeaderSize {
		return Page{}, ErrCorruption
	}
	dataLen := int(binary.LittleEndian.Uint32(buf[len(buf)-4:]))
	if dataLen < 0 || dataLen > len(buf)-pageHeaderSize {
		return Page{}, ErrCorruption
	}
	data := buf[:dataLen]
	wantSum := binary.LittleEndian.Uint64(buf[len(buf)-pageHeaderSize : len(buf)-4])
	if xxh3.Hash(data) != wantSum {
		return Page{}, ErrCorruption
	}
	out := make([]byte, dataLen)
	copy(out, data)
	return Page{ID: id, Data: out}, nil
}

// ErrCorruption is returned whenever a page fails its checksum check on
// read, matching Corruption kind. The root nodestore package
// wraps this with its own *Error{Kind: KindCorruption}.
var ErrCorruption = errors.New("storage: page checksum mismatch")
