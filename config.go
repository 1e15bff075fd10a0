// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import (
	"os"

	"github.com/imdario/mergo"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kelindar/nodestore/pkg/opt"
)

// Config recognises every tunable the storage engine exposes, plus the
// logging and WAL sync policy layered on top. Zero-valued fields are filled
// from Default() by Merge; in-code construction goes through functional
// options (New) and file loading through LoadConfig.
type Config struct {
	// Path is the primary database file path. Ignored when InMemory is set.
	Path string `yaml:"path"`

	// NodeGroupCapacity is NODE_GROUP_CAPACITY: rows per Chunked Node Group.
	// Must be a power of two, ≤ 65536.
	NodeGroupCapacity int `yaml:"nodeGroupCapacity"`

	// SegmentCapacity bounds an individual segment; defaults to
	// NodeGroupCapacity (one segment per group until the collection's drain
	// path creates more — see DESIGN.md for the sizing rationale).
	SegmentCapacity int `yaml:"segmentCapacity"`

	// EnableCompression turns on type-specific s2 encoding on Column Chunk
	// flush (codec.S2Codec); otherwise codec.Plain is used.
	EnableCompression bool `yaml:"enableCompression"`

	// InMemory skips Page Manager I/O entirely; the PK index lives in a
	// transient arena.
	InMemory bool `yaml:"inMemory"`

	// PageSize is the fixed page size for the Page Manager (default 4 KiB).
	PageSize int `yaml:"pageSize"`

	// CheckpointThresholdBytes is the accumulated WAL byte count after which
	// a checkpoint is triggered.
	CheckpointThresholdBytes int64 `yaml:"checkpointThresholdBytes"`

	// PKIndexLoadFactorMax is the load-factor ceiling before the PK index
	// extends its slot-page chain.
	PKIndexLoadFactorMax float64 `yaml:"pkIndexLoadFactorMax"`

	// WALSyncMode selects when the WAL fsyncs (wal.SyncAlways / wal.SyncOnCommit).
	WALSyncMode int `yaml:"walSyncMode"`

	// Logger is the zap logger threaded through Database/NodeTable/Transaction
	// /storage.Pager/wal.WAL. Nil defaults to zap.NewNop().
	Logger *zap.Logger `yaml:"-"`
}

// Default returns the engine's built-in defaults, the merge target every
// partially-specified Config is completed against.
func Default() Config {
	return Config{
		Path: "nodestore.db",
		NodeGroupCapacity: 2048,
		SegmentCapacity: 2048,
		EnableCompression: false,
		InMemory: false,
		PageSize: 4096,
		CheckpointThresholdBytes: 64 << 20,
		PKIndexLoadFactorMax: 0.75,
		WALSyncMode: 0, // wal.SyncAlways
		Logger: zap.NewNop(),
	}
}

// New builds a Config from functional options applied over Default().
func New(opts...func(*Config)) Config {
	return opt.Configure(func(c *Config) { *c = Default() }, opts...)
}

// WithPath sets the database file path.
func WithPath(path string) func(*Config) {
	return func(c *Config) { c.Path = path }
}

// WithInMemory toggles in-memory (no Page Manager I/O) mode.
func WithInMemory(v bool) func(*Config) {
	return func(c *Config) { c.InMemory = v }
}

// WithLogger installs a structured logger.
func WithLogger(log *zap.Logger) func(*Config) {
	return func(c *Config) { c.Logger = log }
}

// Merge fills any zero-valued field of c from defaults.
func (c Config) Merge(defaults Config) (Config, error) {
	if err := mergo.Merge(&c, defaults); err != nil {
		return Config{}, wrapErr(KindInvariantViolation, err, "config: merge failed")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c, nil
}

// LoadConfig reads a YAML config file and merges it over Default(), using
// gopkg.in/yaml.v3.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, wrapErr(KindInvariantViolation, err, "config: invalid YAML at %s", path)
	}
	return c.Merge(Default())
}

// Validate checks the constraints a config must satisfy before it can be
// used to open a table.
func (c Config) Validate() error {
	if c.NodeGroupCapacity <= 0 || c.NodeGroupCapacity > 65536 || c.NodeGroupCapacity&(c.NodeGroupCapacity-1) != 0 {
		return newErr(KindInvariantViolation, "config: nodeGroupCapacity must be a power of two <= 65536, got %d", c.NodeGroupCapacity)
	}
	if c.PageSize <= 0 {
		return newErr(KindInvariantViolation, "config: pageSize must be positive, got %d", c.PageSize)
	}
	if c.PKIndexLoadFactorMax <= 0 || c.PKIndexLoadFactorMax > 1 {
		return newErr(KindInvariantViolation, "config: pkIndexLoadFactorMax must be in (0, 1], got %f", c.PKIndexLoadFactorMax)
	}
	return nil
}
