// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

// Package pkindex implements the primary key index: a persistent
// open-addressed hash table over the PK column, linear probing with
// tombstones, and a visibility-aware lookup contract so tombstoned rows
// never collide with a fresh insert of the same key.
package pkindex

import (
	"sync"
	"sync/atomic"

	"github.com/kelindar/intmap"
	"github.com/kelindar/smutex"
	"github.com/zeebo/xxh3"

	"github.com/kelindar/nodestore/storage"
)

// Offset is a global row offset. The high bit, when set, denotes an
// uncommitted row in a Local Table.
type Offset = uint64

const (
	uncommittedBit = uint64(1) << 63
	// NotFound is returned by Lookup when no visible entry matches.
	NotFound = ^Offset(0)
)

// IsUncommitted reports whether off addresses a Local Table row.
func IsUncommitted(off Offset) bool { return off&uncommittedBit != 0 }

// LocalRow strips the high bit, yielding a Local Table row index.
func LocalRow(off Offset) uint64 { return off &^ uncommittedBit }

// MakeUncommitted sets the high bit over a local row index.
func MakeUncommitted(row uint64) Offset { return row | uncommittedBit }

// slotState tags the lifecycle of one table slot.
type slotState uint8

const (
	slotEmpty slotState = iota
	slotFilled
	slotTombstone
)

type slot struct {
	state slotState
	fp uint64 // hash fingerprint, used to skip full key comparisons while probing
	key string // inline key, or empty if overflowed
	big []byte // overflow storage for keys longer than inlineKeyLimit
	value Offset
}

const inlineKeyLimit = 32

// Index is a persistent, open-addressed hash index over one table's PK
// column, laid out as a chain of fixed-size slot pages. A key's home slot
// is fixed within the primary page range for the index's whole lifetime;
// probing walks forward from there across page boundaries and, when the
// load factor ceiling is reached, a fresh slot page is appended to the
// tail of the chain and participates in probing. There is never a full
// rehash: existing entries stay in the slots they were installed in.
//
// Locking is slot-page-level for writers while readers stay lock-free at
// the slot level: slock shards writer serialization per slot page; rw
// additionally guards the rare structural change (extending the slot-page
// chain), which slot-level sharding cannot make safe on its own.
type Index struct {
	slock *smutex.SMutex128
	rw sync.RWMutex
	slots []slot
	primary int // home-slot range; fixed at construction so chain extension never moves an entry
	count atomic.Int64 // mutated under either a slock shard (fast path) or rw.Lock (slow path); always read through this atomic so the two paths can't tear it
	tombs atomic.Int64 // tombstone slots currently degrading probe chains; they count against the load factor since probes cannot stop at them
	loadFactorMax float64

	// seek caches a 32-bit key fingerprint → slot index mapping so a hot
	// lookup can jump straight to its slot. Every hit is verified against
	// the slot's own state, fingerprint and key before being trusted, so
	// stale entries (after deletes or collisions) are harmless. seekMu
	// guards the cache itself; it is never held while probing.
	seekMu sync.Mutex
	seek *intmap.Map

	lastCheckpoint []storage.PageID
}

const slotsPerPage = 512

func shardOf(slotIndex int) uint { return uint(slotIndex/slotsPerPage) % 128 }

// Config configures a new Index.
type Config struct {
	InitialCapacity int
	LoadFactorMax   float64 // defaults to 0.75
}

// New creates an empty index whose primary range covers the given initial
// capacity, rounded up to whole slot pages.
func New(cfg Config) *Index {
	if cfg.InitialCapacity <= 0 {
		cfg.InitialCapacity = 1024
	}
	if cfg.LoadFactorMax <= 0 {
		cfg.LoadFactorMax = 0.75
	}
	pages := (cfg.InitialCapacity + slotsPerPage - 1) / slotsPerPage
	numSlots := pages * slotsPerPage
	return &Index{
		slock: new(smutex.SMutex128),
		slots: make([]slot, numSlots),
		primary: numSlots,
		loadFactorMax: cfg.LoadFactorMax,
		seek: intmap.New(numSlots, 0.9),
	}
}

func fingerprint(key string) uint64 {
	return xxh3.HashString(key)
}

// probe returns the home slot for a fingerprint. The modulus is the fixed
// primary range, never the current chain length, so appending overflow
// pages cannot move any key's home.
func (idx *Index) probe(fp uint64) int {
	return int(fp % uint64(idx.primary))
}

// occupied counts the slots an insert scan cannot claim for free: live
// entries plus the tombstones still sitting in probe chains.
func (idx *Index) occupied() int64 {
	return idx.count.Load() + idx.tombs.Load()
}

// extendLocked appends one fresh slot page to the tail of the chain. The
// new page starts empty and is reached by probes walking off the end of
// the previous tail. Caller holds rw (write).
func (idx *Index) extendLocked() {
	idx.slots = append(idx.slots, make([]slot, slotsPerPage)...)
}

// maybeExtendLocked appends slot pages until one more insert fits under
// the load factor ceiling. Caller holds rw (write).
func (idx *Index) maybeExtendLocked() {
	for float64(idx.occupied()+1) > idx.loadFactorMax*float64(len(idx.slots)) {
		idx.extendLocked()
	}
}

func (s *slot) keyString() string {
	if s.big != nil {
		return string(s.big)
	}
	return s.key
}

// claimSlot walks the probe chain from fp's home slot and fills the first
// empty or tombstone slot. It reports false when the walk falls off the
// tail of the chain without finding one; the caller extends the chain and
// retries.
func (idx *Index) claimSlot(fp uint64, key string, value Offset) bool {
	for i := idx.probe(fp); i < len(idx.slots); i++ {
		if idx.slots[i].state == slotFilled {
			continue
		}
		if idx.slots[i].state == slotTombstone {
			idx.tombs.Add(-1)
		}
		idx.setSlot(i, fp, key, value)
		idx.count.Add(1)
		idx.cacheSeek(fp, i)
		return true
	}
	return false
}

func (idx *Index) setSlot(i int, fp uint64, key string, value Offset) {
	s := slot{state: slotFilled, fp: fp, value: value}
	if len(key) > inlineKeyLimit {
		s.big = []byte(key)
	} else {
		s.key = key
	}
	idx.slots[i] = s
}

// cacheSeek records where fp's key landed so the next lookup can jump
// straight there.
func (idx *Index) cacheSeek(fp uint64, slotIndex int) {
	idx.seekMu.Lock()
	idx.seek.Store(uint32(fp), uint32(slotIndex))
	idx.seekMu.Unlock()
}

// seekSlot consults the seek cache for fp, returning a candidate slot
// index to verify.
func (idx *Index) seekSlot(fp uint64) (int, bool) {
	idx.seekMu.Lock()
	i, ok := idx.seek.Load(uint32(fp))
	idx.seekMu.Unlock()
	return int(i), ok
}

// VisibleFunc decides, for a candidate offset, whether it is live from the
// caller's viewpoint.
type VisibleFunc func(offset Offset) bool

// CommitInsert installs an entry for a committed transaction. It fails with
// ErrDuplicateKey if a currently-visible entry with the same key already
// exists.
func (idx *Index) CommitInsert(key string, value Offset, visible VisibleFunc) error {
	fp := fingerprint(key)

	idx.rw.RLock()
	if float64(idx.occupied()+1) <= idx.loadFactorMax*float64(len(idx.slots)) {
		// Fast path: no chain extension needed, so only the home slot page
		// is serialized against other writers, not the whole table.
		shard := shardOf(idx.probe(fp))
		idx.slock.Lock(shard)
		_, dup := idx.lookupLocked(key, visible)
		claimed := false
		if !dup {
			claimed = idx.claimSlot(fp, key, value)
		}
		idx.slock.Unlock(shard)
		idx.rw.RUnlock()
		switch {
		case dup:
			return ErrDuplicateKey
		case claimed:
			return nil
		}
		// The walk fell off the tail of the chain; extend below.
	} else {
		idx.rw.RUnlock()
	}

	// Slow path: appending a slot page changes the chain every shard probes
	// into, so take the exclusive lock for the whole operation.
	idx.rw.Lock()
	defer idx.rw.Unlock()
	if _, ok := idx.lookupLocked(key, visible); ok {
		return ErrDuplicateKey
	}
	idx.maybeExtendLocked()
	for !idx.claimSlot(fp, key, value) {
		idx.extendLocked()
	}
	return nil
}

// Lookup returns the offset whose PK equals key AND for which visible
// reports true. Readers are lock-free at the slot level; the outer RWMutex
// only serializes against concurrent chain extension.
func (idx *Index) Lookup(key string, visible VisibleFunc) (Offset, bool) {
	idx.rw.RLock()
	defer idx.rw.RUnlock()
	return idx.lookupLocked(key, visible)
}

func (idx *Index) lookupLocked(key string, visible VisibleFunc) (Offset, bool) {
	if len(idx.slots) == 0 {
		return 0, false
	}
	fp := fingerprint(key)

	// Seek-cache hit: trust it only after verifying the slot still holds a
	// live, visible entry for this exact key; otherwise fall through to the
	// full probe (the key may live in another slot, e.g. a re-insert after
	// a delete).
	if i, ok := idx.seekSlot(fp); ok && i < len(idx.slots) {
		s := &idx.slots[i]
		if s.state == slotFilled && s.fp == fp && s.keyString() == key && (visible == nil || visible(s.value)) {
			return s.value, true
		}
	}

	for i := idx.probe(fp); i < len(idx.slots); i++ {
		s := &idx.slots[i]
		switch s.state {
		case slotEmpty:
			return 0, false
		case slotFilled:
			if s.fp == fp && s.keyString() == key && (visible == nil || visible(s.value)) {
				return s.value, true
			}
		}
	}
	return 0, false
}

// Delete removes a committed entry for key, used by RollbackPKDeleter, by
// primary-key updates and their rollback, and by Vacuum. The seek cache keeps any stale entry
// for the key; lookups verify against the slot before trusting it.
func (idx *Index) Delete(key string) bool {
	idx.rw.Lock()
	defer idx.rw.Unlock()

	fp := fingerprint(key)
	for i := idx.probe(fp); i < len(idx.slots); i++ {
		s := &idx.slots[i]
		switch s.state {
		case slotEmpty:
			return false
		case slotFilled:
			if s.fp == fp && s.keyString() == key {
				s.state = slotTombstone
				s.big = nil
				s.key = ""
				idx.count.Add(-1)
				idx.tombs.Add(1)
				return true
			}
		}
	}
	return false
}

// Len reports the number of live (non-tombstone) entries.
func (idx *Index) Len() int {
	idx.rw.RLock()
	defer idx.rw.RUnlock()
	return int(idx.count.Load())
}

// LoadFactor reports the current occupancy ratio against slot capacity.
func (idx *Index) LoadFactor() float64 {
	idx.rw.RLock()
	defer idx.rw.RUnlock()
	if len(idx.slots) == 0 {
		return 0
	}
	return float64(idx.count.Load()) / float64(len(idx.slots))
}

// ErrDuplicateKey is returned by CommitInsert on a visible collision.
var ErrDuplicateKey = errDuplicateKey{}

type errDuplicateKey struct{}

func (errDuplicateKey) Error() string { return "pkindex: duplicate key" }
