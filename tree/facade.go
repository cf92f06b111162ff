package tree

import (
	"github.com/bitbased/archengine/common"
	"github.com/bitbased/archengine/errs"
	"github.com/bitbased/archengine/txn"
)

// Put, Get, Delete, Sync, Stats, and Compact let a *Tree stand in
// directly for common.StorageEngine: a single-key-at-a-time, autocommit
// facade over the real cursor API, so common/benchmark's harness can
// drive ArchEngine without knowing about sessions, cursors, or explicit
// transactions. Grounded on metadata/metadata.go's own Put/Get/Drop
// (itself a single-key autocommit wrapper over the same
// OpenCursor/Insert/Remove calls).
var _ common.StorageEngine = (*Tree)(nil)

// Put inserts or overwrites key, committing immediately.
func (t *Tree) Put(key, value []byte) error {
	tx := t.txns.Begin(txn.SnapshotIsolation)
	c := t.OpenCursor(tx)
	if err := c.Insert(key, value, true); err != nil {
		c.Close()
		tx.Rollback()
		return err
	}
	c.Close()
	if err := tx.Commit(); err != nil {
		return err
	}
	t.NoteCommitted(tx.ID())
	return nil
}

// Get returns key's value, or common.ErrKeyNotFound if absent.
func (t *Tree) Get(key []byte) ([]byte, error) {
	tx := t.txns.Begin(txn.ReadUncommitted)
	defer tx.Rollback()

	c := t.OpenCursor(tx)
	defer c.Close()

	if err := c.Search(key); err != nil {
		if errs.Classify(err) == errs.NotFound {
			return nil, common.ErrKeyNotFound
		}
		return nil, err
	}
	return append([]byte(nil), c.Value()...), nil
}

// Delete removes key, committing immediately.
func (t *Tree) Delete(key []byte) error {
	tx := t.txns.Begin(txn.SnapshotIsolation)
	c := t.OpenCursor(tx)
	if err := c.Remove(key); err != nil {
		c.Close()
		tx.Rollback()
		return err
	}
	c.Close()
	if err := tx.Commit(); err != nil {
		return err
	}
	t.NoteCommitted(tx.ID())
	return nil
}

// Sync forces dirty pages to disk by taking a checkpoint named "sync"
// (a Busy result is reported as success): the nearest single-call
// equivalent to common.StorageEngine's "ensure all data is persisted"
// contract, since a bare Tree (no conn/wal wrapper) has no log to fsync.
func (t *Tree) Sync() error {
	_, err := t.Checkpoint("sync", 0, 0)
	if err != nil && errs.Classify(err) == errs.Busy {
		return nil
	}
	return err
}

// Stats reports the subset of common.Stats a bare Tree can answer
// directly from its cache/block snapshots, for common/benchmark's
// generic harness.
func (t *Tree) Stats() common.Stats {
	cs := t.cache.Snapshot()
	bs := t.block.Snapshot()
	return common.Stats{
		NumSegments:   int(bs.AllocBytes / (1 << 20)),
		ActiveSegSize: int64(cs.BytesDirty.Load()),
		TotalDiskSize: int64(bs.FileSize),
	}
}

// Compact triggers a checkpoint under best-fit avail-list search, the
// same policy toggle conn.Session.Compact uses.
func (t *Tree) Compact() error {
	t.block.SetBestFit(true)
	defer t.block.SetBestFit(false)
	_, err := t.Checkpoint("compact", 0, 0)
	if err != nil && errs.Classify(err) == errs.Busy {
		return nil
	}
	return err
}
