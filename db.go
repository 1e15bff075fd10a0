// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package nodestore

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kelindar/async"
	"github.com/kelindar/iostream"
	"go.uber.org/zap"

	"github.com/kelindar/nodestore/catalog"
	"github.com/kelindar/nodestore/codec"
	"github.com/kelindar/nodestore/pkindex"
	"github.com/kelindar/nodestore/storage"
	"github.com/kelindar/nodestore/txn"
	"github.com/kelindar/nodestore/wal"
)

// checkpointPollInterval is how often the background watcher compares
// accumulated WAL bytes against checkpointThresholdBytes.
const checkpointPollInterval = 5 * time.Second

// Database owns the shared machinery every Node Table in one database file
// hangs off: the Page Manager, the Shadow File, one WAL, one transaction
// Clock, and the table registry the undo buffer's Handler capability is
// resolved against. It is the StorageManager of the design notes.
type Database struct {
	mu     sync.RWMutex
	log    *zap.Logger
	cfg    Config
	pager  *storage.Pager
	shadow *storage.ShadowFile
	wal    *wal.WAL
	clock  *txn.Clock
	cdc    codec.Codec

	tables  map[uint64]*NodeTable
	entries map[uint64]*catalog.TableEntry
	roots   map[uint64]tableRoots

	// dirPages is the page chain holding the current table directory, freed
	// when the next checkpoint supersedes it.
	dirPages []storage.PageID

	// lastCommitTS is the committed high-water mark recovered from the
	// directory header, so a reopened database's clock starts past every
	// timestamp stamped into checkpointed rows.
	lastCommitTS uint64

	readOnly atomic.Bool

	watchCancel context.CancelFunc
	watch       async.Task
}

// tableRoots records where one table's last checkpoint landed.
type tableRoots struct {
	groups storage.PageID
	pk     storage.PageID
}

// OpenDatabase opens (creating if necessary) the database at cfg.Path,
// reconciling any shadow file a crash left behind and loading the table
// directory from the root metadata page. Tables themselves are materialised
// lazily by OpenTable, since their schemas come from the caller's catalog.
func OpenDatabase(cfg Config) (*Database, error) {
	cfg, err := cfg.Merge(Default())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	pager, err := storage.Open(storage.Config{Path: cfg.Path, PageSize: cfg.PageSize, InMemory: cfg.InMemory})
	if err != nil {
		return nil, err
	}
	if err := storage.Recover(cfg.Path+".shadow", pager); err != nil {
		pager.Close()
		return nil, wrapErr(KindShadowFileRecovery, err, "open: shadow file cannot be reconciled")
	}
	shadow, err := storage.OpenShadowFile(cfg.Path+".shadow", pager)
	if err != nil {
		pager.Close()
		return nil, err
	}

	db := &Database{
		log:     log,
		cfg:     cfg,
		pager:   pager,
		shadow:  shadow,
		cdc:     cfg.codec(),
		tables:  make(map[uint64]*NodeTable),
		entries: make(map[uint64]*catalog.TableEntry),
		roots:   make(map[uint64]tableRoots),
	}

	if !cfg.InMemory {
		w, err := wal.Open(wal.Config{
			Path:                     cfg.Path + ".wal",
			SyncMode:                 wal.SyncMode(cfg.WALSyncMode),
			CheckpointThresholdBytes: cfg.CheckpointThresholdBytes,
		})
		if err != nil {
			pager.Close()
			return nil, wrapErr(KindWAL, err, "open: WAL open failed")
		}
		db.wal = w
	}

	if err := db.loadDirectory(); err != nil {
		db.Close()
		return nil, err
	}
	db.clock = txn.NewClock(db.lastCommitTS)
	return db, nil
}

// codec resolves the configured compression codec.
func (c Config) codec() codec.Codec {
	if c.EnableCompression {
		return codec.S2Codec{}
	}
	return codec.Plain{}
}

// loadDirectory reads the table directory chain anchored at the pager's
// root metadata page.
func (db *Database) loadDirectory() error {
	root := db.pager.RootMeta()
	raw, ids, err := readChain(db.pager, root)
	if err != nil {
		return wrapErr(KindCorruption, err, "open: table directory unreadable")
	}
	db.dirPages = ids
	if len(raw) == 0 {
		return nil
	}
	r := iostream.NewReader(bytes.NewReader(raw))
	lastCommit, err := r.ReadUvarint()
	if err != nil {
		return wrapErr(KindCorruption, err, "open: table directory header")
	}
	db.lastCommitTS = lastCommit
	n, err := r.ReadUvarint()
	if err != nil {
		return wrapErr(KindCorruption, err, "open: table directory header")
	}
	for i := uint64(0); i < n; i++ {
		tableID, err := r.ReadUvarint()
		if err != nil {
			return wrapErr(KindCorruption, err, "open: table directory entry")
		}
		groupsRoot, err := r.ReadUvarint()
		if err != nil {
			return wrapErr(KindCorruption, err, "open: table directory entry")
		}
		pkRoot, err := r.ReadUvarint()
		if err != nil {
			return wrapErr(KindCorruption, err, "open: table directory entry")
		}
		db.roots[tableID] = tableRoots{groups: storage.PageID(groupsRoot), pk: storage.PageID(pkRoot)}
	}
	return nil
}

// encodeDirectory serialises the current roots map in table-id order.
func (db *Database) encodeDirectory() ([]byte, error) {
	ids := make([]uint64, 0, len(db.roots))
	for id := range db.roots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf bytes.Buffer
	w := iostream.NewWriter(&buf)
	if err := w.WriteUvarint(uint64(db.clock.Committed())); err != nil {
		return nil, err
	}
	if err := w.WriteUvarint(uint64(len(ids))); err != nil {
		return nil, err
	}
	for _, id := range ids {
		r := db.roots[id]
		if err := w.WriteUvarint(id); err != nil {
			return nil, err
		}
		if err := w.WriteUvarint(uint64(r.groups)); err != nil {
			return nil, err
		}
		if err := w.WriteUvarint(uint64(r.pk)); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// OpenTable materialises (or creates) the node table described by entry,
// loading its node groups and PK index from the last checkpoint if one
// exists. The entry's property order is authoritative for column ids.
func (db *Database) OpenTable(entry *catalog.TableEntry) (*NodeTable, error) {
	pkCol, err := entry.PKColumnID()
	if err != nil {
		return nil, wrapErr(KindInvariantViolation, err, "openTable: invalid catalog entry")
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.tables[entry.TableID]; ok {
		return t, nil
	}

	cfg := db.cfg
	cfg.Logger = db.log
	t := NewNodeTable(entry.TableID, entry.Schema(), pkCol, cfg, db.wal)

	if r, ok := db.roots[entry.TableID]; ok {
		groups, err := LoadNodeGroupCollection(db.pager, r.groups, entry.Schema(), cfg.NodeGroupCapacity, cfg.SegmentCapacity, db.cdc)
		if err != nil {
			return nil, wrapErr(KindCorruption, err, "openTable: node groups for table %d", entry.TableID)
		}
		idx, err := pkindex.Load(db.pager, r.pk, pkindex.Config{LoadFactorMax: cfg.PKIndexLoadFactorMax})
		if err != nil {
			return nil, wrapErr(KindCorruption, err, "openTable: pk index for table %d", entry.TableID)
		}
		t.groups = groups
		t.indexes = newIndexRegistry(db.log, idx)
		t.hasChanges = false
	}

	db.tables[entry.TableID] = t
	db.entries[entry.TableID] = entry
	return t, nil
}

// Table resolves a table id to its open NodeTable — the registry WAL replay
// resolves table ids through.
func (db *Database) Table(tableID uint64) (*NodeTable, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.tables[tableID]
	return t, ok
}

// tablesInOrder snapshots the registry sorted by table id, so commit and
// checkpoint walk tables in a deterministic order.
func (db *Database) tablesInOrder() []*NodeTable {
	db.mu.RLock()
	defer db.mu.RUnlock()
	ids := make([]uint64, 0, len(db.tables))
	for id := range db.tables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*NodeTable, len(ids))
	for i, id := range ids {
		out[i] = db.tables[id]
	}
	return out
}

// Begin starts a transaction in the given mode. Opening a write transaction
// against a database marked read-only (after a fatal error) fails.
func (db *Database) Begin(mode txn.Mode) (*txn.Txn, error) {
	if mode != txn.ModeReadOnly && db.readOnly.Load() {
		return nil, newErr(KindInvariantViolation, "database is read-only after a fatal error; restart to recover")
	}
	return db.clock.Begin(mode), nil
}

// Commit runs the commit protocol for tx across every table it wrote:
// assign a commitTS, drain each table's local storage and rewrite
// txn-stamped timestamps, append one CommitRecord (fsync'd), then advance
// the committed high-water mark so new snapshots observe the writes.
func (db *Database) Commit(tx *txn.Txn) error {
	commitTS := db.clock.NextTS()
	for _, t := range db.tablesInOrder() {
		if !t.wroteBy(tx) {
			continue
		}
		t.wm.Lock()
		err := t.commitStaged(tx, commitTS)
		t.wm.Unlock()
		if err != nil {
			db.fail(err)
			return err
		}
	}
	if tx.ShouldLogToWAL() && db.wal != nil && tx.HasChanges() {
		if _, err := db.wal.Append(wal.EncodeCommit(uint64(commitTS))); err != nil {
			err = wrapErr(KindWAL, err, "commit: WAL commit record append failed")
			db.fail(err)
			return err
		}
	}
	tx.Commit(commitTS)
	tx.Undo().Clear()
	db.clock.Advance(commitTS)
	return nil
}

// Rollback undoes every effect tx made across all tables: replay the undo
// buffer in reverse, then drop each written table's Local Table.
func (db *Database) Rollback(tx *txn.Txn) error {
	if err := tx.Undo().Rollback(); err != nil {
		err = wrapErr(KindInvariantViolation, err, "rollback: undo buffer replay failed")
		db.fail(err)
		return err
	}
	for _, t := range db.tablesInOrder() {
		if !t.wroteBy(tx) {
			continue
		}
		t.mu.Lock()
		if t.local != nil {
			t.local.Clear()
		}
		t.haveTxn = false
		t.mu.Unlock()
	}
	tx.Rollback()
	return nil
}

// Checkpoint flushes every changed table's column chunks through the Shadow
// File, writes a fresh table directory, atomically swaps it in, and
// truncates the WAL. A failure up to and including the primary file sync
// rolls back every table's checkpoint and reverts the shadow file, leaving
// the WAL untouched; a failure of the final WAL truncation is returned with
// wrote set to true, since the new root is already durable by then.
func (db *Database) Checkpoint(ctx context.Context) (wrote bool, err error) {
	_ = ctx
	if db.readOnly.Load() {
		return false, newErr(KindInvariantViolation, "database is read-only after a fatal error")
	}

	// The checkpoint transaction's snapshot dominates every committed
	// writer, recording which state this checkpoint covers. The snapshot is
	// an observability artifact: the quiescence that makes the flush safe
	// comes from each table's own locking (Checkpoint holds t.mu against
	// commitStaged), not from the snapshot itself.
	ck := db.clock.Begin(txn.ModeCheckpoint)
	db.log.Info("database checkpoint begin",
		zap.Uint64("snapshot", uint64(ck.Snapshot())),
		zap.Uint64("committed", uint64(db.clock.Committed())))

	tables := db.tablesInOrder()
	var touched []*NodeTable
	rollback := func() {
		for _, t := range touched {
			if rerr := t.RollbackCheckpoint(db.pager); rerr != nil {
				db.log.Warn("checkpoint rollback failed", zap.Uint64("table_id", t.TableID()), zap.Error(rerr))
			}
		}
		if rerr := db.shadow.Rollback(); rerr != nil {
			db.log.Warn("shadow file rollback failed", zap.Error(rerr))
		}
	}

	for _, t := range tables {
		w, groupsRoot, pkRoot, cerr := t.Checkpoint(db.pager, db.shadow, db.cdc)
		if cerr != nil {
			rollback()
			return false, cerr
		}
		if !w {
			continue
		}
		touched = append(touched, t)
		db.mu.Lock()
		db.roots[t.TableID()] = tableRoots{groups: groupsRoot, pk: pkRoot}
		db.mu.Unlock()
		wrote = true
	}
	if !wrote {
		return false, nil
	}

	db.mu.Lock()
	raw, derr := db.encodeDirectory()
	prevDir := db.dirPages
	db.mu.Unlock()
	if derr != nil {
		rollback()
		return false, wrapErr(KindInvariantViolation, derr, "checkpoint: encode table directory")
	}
	root, dirIDs, derr := writeChain(db.pager, db.shadow, raw)
	if derr != nil {
		rollback()
		return false, derr
	}

	// Two-phase swap: make every staged page durable in the shadow file,
	// copy into the primary file, then flip the root pointer.
	if err := db.shadow.Flush(); err != nil {
		rollback()
		return false, wrapErr(KindShadowFileRecovery, err, "checkpoint: shadow flush")
	}
	if err := db.shadow.Commit(); err != nil {
		rollback()
		return false, wrapErr(KindShadowFileRecovery, err, "checkpoint: shadow commit")
	}
	if err := db.pager.SetRootMeta(root); err != nil {
		rollback()
		return false, wrapErr(KindCorruption, err, "checkpoint: root metadata update")
	}
	if err := db.pager.Sync(); err != nil {
		rollback()
		return false, wrapErr(KindCorruption, err, "checkpoint: primary file sync")
	}

	db.mu.Lock()
	db.dirPages = dirIDs
	db.mu.Unlock()
	freeChain(db.pager, prevDir)

	if db.wal != nil {
		if err := db.wal.Truncate(db.wal.Size()); err != nil {
			return true, wrapErr(KindWAL, err, "checkpoint: WAL truncate")
		}
	}
	db.log.Info("database checkpoint complete",
		zap.Uint64("snapshot", uint64(ck.Snapshot())),
		zap.Int("tables", len(touched)))
	return true, nil
}

// Recover replays the WAL over the last checkpoint: every record up to the
// final CommitRecord is re-applied through recovery-mode transactions, then
// any torn tail is truncated away. Call after every table has been opened,
// since replay resolves table ids through the registry.
func (db *Database) Recover() error {
	if db.wal == nil {
		return nil
	}
	path := db.cfg.Path + ".wal"

	var pending []wal.Record
	var replayErr error
	lastCommit, err := wal.Replay(path, func(rec wal.Record) error {
		if rec.Kind != wal.KindCommit {
			pending = append(pending, rec)
			return nil
		}
		if replayErr = db.applyCommitted(pending, txn.ID(rec.CommitTS)); replayErr != nil {
			return replayErr
		}
		pending = pending[:0]
		return nil
	})
	if err != nil {
		return wrapErr(KindWAL, err, "recover: WAL replay failed")
	}
	// Records after the final CommitRecord belong to a transaction that
	// never committed; dropping them is the rollback.
	if err := wal.TruncateToLastCommit(path, lastCommit); err != nil {
		return wrapErr(KindWAL, err, "recover: WAL tail truncate failed")
	}
	if err := db.wal.SyncSize(); err != nil {
		return wrapErr(KindWAL, err, "recover: WAL size resync failed")
	}
	db.log.Info("recovery complete", zap.Int64("wal_bytes", lastCommit))
	return nil
}

// applyCommitted replays one committed transaction's records.
func (db *Database) applyCommitted(records []wal.Record, commitTS txn.ID) error {
	if len(records) == 0 {
		db.clock.Observe(commitTS)
		return nil
	}
	tx := db.clock.Begin(txn.ModeRecovery)
	touched := make(map[uint64]*NodeTable)

	for _, rec := range records {
		tableID, err := payloadTableID(rec.Payload)
		if err != nil {
			return wrapErr(KindCorruption, err, "recover: record table id")
		}
		t, ok := db.Table(tableID)
		if !ok {
			return newErr(KindInvariantViolation, "recover: WAL references unknown table %d; open it before Recover", tableID)
		}
		touched[tableID] = t

		switch rec.Kind {
		case wal.KindTableInsertion:
			_, rows, err := DecodeValues(rec.Payload, t.schema)
			if err != nil {
				return wrapErr(KindCorruption, err, "recover: insertion payload")
			}
			if _, _, err := t.InsertBatch(tx, rows); err != nil {
				return err
			}
		case wal.KindNodeUpdate:
			columnID, nodeOffset, value, err := decodeNodeUpdateFor(t, rec.Payload)
			if err != nil {
				return wrapErr(KindCorruption, err, "recover: update payload")
			}
			if err := t.Update(tx, nodeOffset, columnID, value); err != nil {
				return err
			}
		case wal.KindNodeDeletion:
			_, nodeOffset, pkBytes, err := decodeNodeDeletionPayload(rec.Payload)
			if err != nil {
				return wrapErr(KindCorruption, err, "recover: deletion payload")
			}
			pkVal, err := DecodeScalar(pkBytes, t.schema[t.pkColumnID])
			if err != nil {
				return wrapErr(KindCorruption, err, "recover: deletion pk value")
			}
			if _, err := t.Delete(tx, nodeOffset, pkVal); err != nil {
				return err
			}
		}
	}

	for _, t := range touched {
		t.wm.Lock()
		err := t.commitStaged(tx, commitTS)
		t.wm.Unlock()
		if err != nil {
			return err
		}
	}
	tx.Commit(commitTS)
	tx.Undo().Clear()
	db.clock.Observe(commitTS)
	return nil
}

// payloadTableID peeks the leading table id every payload kind starts with.
func payloadTableID(payload []byte) (uint64, error) {
	r := iostream.NewReader(bytes.NewReader(payload))
	return r.ReadUvarint()
}

// decodeNodeUpdateFor decodes a NodeUpdatePayload against t's schema; the
// column id inside the payload picks the value's type.
func decodeNodeUpdateFor(t *NodeTable, payload []byte) (columnID int, nodeOffset uint64, value any, err error) {
	r := iostream.NewReader(bytes.NewReader(payload))
	if _, err = r.ReadUvarint(); err != nil { // tableID, already peeked
		return
	}
	col, err := r.ReadUvarint()
	if err != nil {
		return
	}
	columnID = int(col)
	if columnID < 0 || columnID >= len(t.schema) {
		return 0, 0, nil, newErr(KindCorruption, "recover: update names column %d of %d", columnID, len(t.schema))
	}
	if nodeOffset, err = r.ReadUvarint(); err != nil {
		return
	}
	value, err = readValue(r, t.schema[columnID])
	return
}

// StartCheckpointWatcher spawns the background task that triggers a
// checkpoint whenever accumulated WAL bytes cross the configured threshold,
// polling on a fixed interval.
func (db *Database) StartCheckpointWatcher(ctx context.Context) {
	if db.wal == nil || db.cfg.CheckpointThresholdBytes <= 0 || db.watch != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	db.watchCancel = cancel
	db.watch = async.Repeat(ctx, checkpointPollInterval, func(taskCtx context.Context) (interface{}, error) {
		if !db.wal.ShouldCheckpoint() {
			return nil, nil
		}
		if _, err := db.Checkpoint(taskCtx); err != nil {
			db.log.Warn("threshold checkpoint failed", zap.Error(err))
		}
		return nil, nil
	})
}

// ShouldCheckpoint reports whether accumulated WAL bytes crossed the
// configured threshold, for callers driving checkpoints themselves.
func (db *Database) ShouldCheckpoint() bool {
	return db.wal != nil && db.wal.ShouldCheckpoint()
}

// fail marks the database read-only if err is one of the fatal kinds
// (Corruption, ShadowFileRecoveryError, WALError, InvariantViolation).
func (db *Database) fail(err error) {
	if IsFatal(err) {
		db.readOnly.Store(true)
		db.log.Error("fatal storage error; database is now read-only", zap.Error(err))
	}
}

// ReadOnly reports whether a fatal error has frozen the database.
func (db *Database) ReadOnly() bool { return db.readOnly.Load() }

// Close stops the checkpoint watcher and releases the WAL and page files.
func (db *Database) Close() error {
	if db.watchCancel != nil {
		db.watchCancel()
		db.watchCancel = nil
		db.watch = nil
	}
	var errs []error
	if db.wal != nil {
		errs = append(errs, db.wal.Close())
	}
	errs = append(errs, db.pager.Close())
	return aggregateErrs(errs...)
}
