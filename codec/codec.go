// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

// Package codec provides the compression codec used when a Column Chunk
// flushes to a page or a node group serialises to disk. Encodings are
// tagged in the flushed header so a reader can decode regardless of the
// writer's default.
package codec

import (
	"io"

	"github.com/klauspost/compress/s2"
)

// Kind tags the encoding written in a flushed chunk's header.
type Kind uint8

// Recognised encodings.
const (
	None Kind = iota
	KindS2
)

// Codec compresses and decompresses a single flush unit. Implementations
// must be safe for concurrent use by distinct Writer/Reader pairs.
type Codec interface {
	Kind() Kind
	NewWriter(w io.Writer) io.WriteCloser
	NewReader(r io.Reader) io.Reader
}

// Plain is the identity codec: no compression, matching allowance
// for uncompressed chunks when the data doesn't benefit from s2 framing.
type Plain struct{}

func (Plain) Kind() Kind { return None }
func (Plain) NewWriter(w io.Writer) io.WriteCloser { return nopWriteCloser{w} }
func (Plain) NewReader(r io.Reader) io.Reader { return r }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// S2Codec wraps klauspost/compress/s2, a snappy-compatible block
// compressor with a better ratio at comparable speed.
type S2Codec struct{}

func (S2Codec) Kind() Kind { return KindS2 }

func (S2Codec) NewWriter(w io.Writer) io.WriteCloser {
	return s2.NewWriter(w)
}

func (S2Codec) NewReader(r io.Reader) io.Reader {
	return s2.NewReader(r)
}

// ByKind resolves a codec from its on-disk tag, used when loading a chunk
// whose header was written by a possibly different default codec.
func ByKind(k Kind) Codec {
	switch k {
	case KindS2:
		return S2Codec{}
	default:
		return Plain{}
	}
}
