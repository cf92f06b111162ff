package conn

import (
	"os"
	"sync/atomic"

	"github.com/bitbased/archengine/block"
	"github.com/bitbased/archengine/cache"
	"github.com/bitbased/archengine/config"
	"github.com/bitbased/archengine/errs"
	"github.com/bitbased/archengine/tree"
	"github.com/bitbased/archengine/txn"
	"github.com/bitbased/archengine/wal"
)

var nextTreeID atomic.Uint32

// create validates cfgStr against treeTable, rejects internal-only keys
// supplied by the caller, allocates a tree id, and persists the row via
// the metadata store, per spec.md §6's Session::create.
func (c *Connection) create(uri, cfgStr string) error {
	if _, ok, _ := c.meta.Get(uri); ok {
		return errs.New(errs.DuplicateKey, "uri already exists: "+uri, nil)
	}
	parsed, err := config.Parse(cfgStr)
	if err != nil {
		return err
	}
	if _, has := parsed["root"]; has {
		return errs.New(errs.Config, "root is an internal-only option", nil)
	}
	if _, has := parsed["wal_ckpt_lsn"]; has {
		return errs.New(errs.Config, "wal_ckpt_lsn is an internal-only option", nil)
	}
	if _, has := parsed["id"]; has {
		return errs.New(errs.Config, "id is an internal-only option", nil)
	}
	cfg, err := treeTable.Validate(parsed)
	if err != nil {
		return err
	}
	id := nextTreeID.Add(1)
	cfg["id"] = config.Value{Kind: config.KindInt, Int: int64(id)}

	if err := c.meta.Put(uri, cfg.String()); err != nil {
		return err
	}
	_, err = c.getOrOpenTree(uri)
	return err
}

// drop closes uri's tree (if open), removes its on-disk files, and
// deletes its metadata row, per Session::drop.
func (c *Connection) drop(uri string) error {
	c.mu.Lock()
	ot, open := c.trees[uri]
	delete(c.trees, uri)
	c.mu.Unlock()

	if open {
		c.collector.Unregister(uri)
		if err := c.closeTree(ot); err != nil {
			return err
		}
		os.Remove(blockPath(c.path, uri))
		os.Remove(walPath(c.path, uri))
		os.Remove(lookasidePath(c.path, uri))
	}
	return c.meta.Drop(uri)
}

// rename closes oldURI's tree (flushing it), moves its files to newURI's
// paths, and rewrites the metadata row, per Session::rename.
func (c *Connection) rename(oldURI, newURI string) error {
	if _, ok, _ := c.meta.Get(newURI); ok {
		return errs.New(errs.DuplicateKey, "uri already exists: "+newURI, nil)
	}

	c.mu.Lock()
	ot, open := c.trees[oldURI]
	if open {
		delete(c.trees, oldURI)
	}
	c.mu.Unlock()

	if open {
		c.collector.Unregister(oldURI)
		if err := c.closeTree(ot); err != nil {
			return err
		}
		if err := os.Rename(blockPath(c.path, oldURI), blockPath(c.path, newURI)); err != nil {
			return errs.Wrap(errs.Io, err, "renaming block file")
		}
		if _, err := os.Stat(walPath(c.path, oldURI)); err == nil {
			os.Rename(walPath(c.path, oldURI), walPath(c.path, newURI))
		}
		if _, err := os.Stat(lookasidePath(c.path, oldURI)); err == nil {
			os.Rename(lookasidePath(c.path, oldURI), lookasidePath(c.path, newURI))
		}
	}
	return c.meta.Rename(oldURI, newURI)
}

// getOrOpenTree returns uri's openTree, opening (and, if its WAL
// contains committed-but-not-checkpointed records, replaying) it on
// first access. Subsequent calls return the cached handle.
func (c *Connection) getOrOpenTree(uri string) (*openTree, error) {
	c.mu.Lock()
	if ot, ok := c.trees[uri]; ok {
		c.mu.Unlock()
		return ot, nil
	}
	c.mu.Unlock()

	rawCfg, ok, err := c.meta.Get(uri)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.NotFound, "no such uri: "+uri, nil)
	}
	parsed, err := config.Parse(rawCfg)
	if err != nil {
		return nil, err
	}
	cfg, err := treeTable.Validate(parsed)
	if err != nil {
		return nil, err
	}

	kind, err := resolveKind(cfgStr(cfg, "type"))
	if err != nil {
		return nil, err
	}
	comp, err := resolveCompressor(cfgStr(cfg, "compressor"))
	if err != nil {
		return nil, err
	}
	enc, err := resolveEncryptor(cfgStr(cfg, "encryption"))
	if err != nil {
		return nil, err
	}
	collator, err := resolveCollator(cfgStr(cfg, "collator"))
	if err != nil {
		return nil, err
	}

	bm, err := block.Open(block.Config{Path: blockPath(c.path, uri)})
	if err != nil {
		return nil, err
	}

	treeCfg := tree.Config{
		Kind:       kind,
		Collator:   collator,
		Compressor: comp,
		Encryptor:  enc,
		Cache:      cache.DefaultConfig((cfgInt(c.cfg, "cache_size") * cfgInt(cfg, "cache_share_pct")) / 100),
	}
	if cfgBool(cfg, "lookaside") {
		treeCfg.LookasidePath = lookasidePath(c.path, uri)
	}

	id := uint32(cfgInt(cfg, "id"))
	rootAddr := uint64(cfgInt(cfg, "root"))

	var t *tree.Tree
	if rootAddr != 0 {
		t, err = tree.Open(uri, id, rootAddr, treeCfg, bm, c.txns)
	} else {
		t, err = tree.New(uri, id, treeCfg, bm, c.txns)
	}
	if err != nil {
		bm.Close()
		return nil, err
	}

	w, err := wal.Open(walPath(c.path, uri))
	if err != nil {
		t.Close()
		return nil, err
	}

	ot := &openTree{uri: uri, tree: t, block: bm, wal: w, cfg: cfg}
	if err := c.replayWAL(ot); err != nil {
		t.Close()
		w.Close()
		return nil, err
	}

	t.StartEvictionWorkers(int(cfgInt(c.cfg, "eviction_workers")))

	c.mu.Lock()
	c.trees[uri] = ot
	c.mu.Unlock()
	c.collector.Register(uri, t.Cache(), bm)
	return ot, nil
}

// replayWAL applies every page-write record left in ot.wal (records
// older than the last durable checkpoint have already been archived by
// wal.Archive, per spec.md §8 scenario #4's "never fewer" guarantee).
func (c *Connection) replayWAL(ot *openTree) error {
	// Snapshot isolation so the replayed updates are globally visible
	// (NoteCommitted below) the instant replay finishes, the same as any
	// other committed write.
	tx := c.txns.Begin(txn.SnapshotIsolation)
	cur := ot.tree.OpenCursor(tx)

	var n int
	err := ot.wal.Scan(func(r wal.Record) error {
		if r.Type != wal.RecordPageWrite {
			return nil
		}
		key, value, tombstone, derr := decodeWALUpdate(r.Data)
		if derr != nil {
			return derr
		}
		n++
		if tombstone {
			if rerr := cur.Remove(key); rerr != nil && errs.Classify(rerr) != errs.NotFound {
				return rerr
			}
			return nil
		}
		return cur.Insert(key, value, true)
	})
	cur.Close()
	if err != nil {
		tx.Rollback()
		return err
	}
	if n == 0 {
		tx.Rollback()
		return nil
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	ot.tree.NoteCommitted(tx.ID())
	return nil
}
