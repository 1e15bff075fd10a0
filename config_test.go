// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestConfigOptions(t *testing.T) {
	c := New(WithPath("custom.db"), WithInMemory(true))
	assert.Equal(t, "custom.db", c.Path)
	assert.True(t, c.InMemory)
	assert.Equal(t, 2048, c.NodeGroupCapacity)
}

func TestConfigValidateRejectsBadCapacity(t *testing.T) {
	for _, capacity := range []int{0, 3, 100, 1 << 17} {
		c := Default()
		c.NodeGroupCapacity = capacity
		assert.Error(t, c.Validate(), "capacity %d", capacity)
	}
	for _, capacity := range []int{1, 8, 2048, 65536} {
		c := Default()
		c.NodeGroupCapacity = capacity
		assert.NoError(t, c.Validate(), "capacity %d", capacity)
	}
}

func TestConfigMergeFillsZeroFields(t *testing.T) {
	c := Config{Path: "x.db"}
	merged, err := c.Merge(Default())
	require.NoError(t, err)
	assert.Equal(t, "x.db", merged.Path)
	assert.Equal(t, 2048, merged.NodeGroupCapacity)
	assert.Equal(t, 0.75, merged.PKIndexLoadFactorMax)
	assert.NotNil(t, merged.Logger)
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodestore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"path: from-yaml.db\nnodeGroupCapacity: 4096\nenableCompression: true\n"), 0o644))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-yaml.db", c.Path)
	assert.Equal(t, 4096, c.NodeGroupCapacity)
	assert.True(t, c.EnableCompression)
	assert.Equal(t, 4096, c.PageSize)
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodeGroupCapacity: [not a number"), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
