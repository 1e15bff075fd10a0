// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package storage

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPagerAllocWriteRead(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(Config{Path: filepath.Join(dir, "db"), PageSize: 256})
	require.NoError(t, err)
	defer p.Close()

	id := p.Alloc()
	want := bytes.Repeat([]byte{0xAB}, 100)
	require.NoError(t, p.Write(Page{ID: id, Data: want}))

	got, err := p.Read(id)
	require.NoError(t, err)
	assert.Equal(t, want, got.Data)
}

func TestPagerFreeListReuse(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(Config{Path: filepath.Join(dir, "db"), PageSize: 256})
	require.NoError(t, err)
	defer p.Close()

	a := p.Alloc()
	p.Free(a)
	b := p.Alloc()
	assert.Equal(t, a, b)
}

func TestPagerDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(Config{Path: filepath.Join(dir, "db"), PageSize: 256})
	require.NoError(t, err)
	defer p.Close()

	id := p.Alloc()
	require.NoError(t, p.Write(Page{ID: id, Data: []byte("hello")}))

	// Corrupt one byte directly in the underlying file.
	off := int64(fileHeaderLen) + int64(id)*256
	_, err = p.file.WriteAt([]byte{0xFF}, off)
	require.NoError(t, err)

	_, err = p.Read(id)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestShadowFileCommitMakesPagesVisible(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(Config{Path: filepath.Join(dir, "db"), PageSize: 256})
	require.NoError(t, err)
	defer p.Close()

	sf, err := OpenShadowFile(filepath.Join(dir, "db.shadow"), p)
	require.NoError(t, err)

	id := p.Alloc()
	require.NoError(t, sf.Stage(Page{ID: id, Data: []byte("staged")}))
	require.NoError(t, sf.Flush())

	// Not yet visible in the primary file.
	_, err = p.Read(id)
	assert.Error(t, err)

	require.NoError(t, sf.Commit())
	got, err := p.Read(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("staged"), got.Data)
}

func TestShadowFileRollbackDiscardsStaged(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(Config{Path: filepath.Join(dir, "db"), PageSize: 256})
	require.NoError(t, err)
	defer p.Close()

	sf, err := OpenShadowFile(filepath.Join(dir, "db.shadow"), p)
	require.NoError(t, err)

	id := p.Alloc()
	require.NoError(t, sf.Stage(Page{ID: id, Data: []byte("doomed")}))
	require.NoError(t, sf.Rollback())

	_, err = p.Read(id)
	assert.Error(t, err)
}

func TestInMemoryPagerSkipsIO(t *testing.T) {
	p, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer p.Close()

	id := p.Alloc()
	require.NoError(t, p.Write(Page{ID: id, Data: []byte("mem")}))
	got, err := p.Read(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("mem"), got.Data)
}
