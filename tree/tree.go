// Package tree wires page/, cache/, reconcile/, block/, and txn/ into
// spec.md §3's Tree entity and public Cursor contract. It owns the
// adapter between reconcile.Result and cache.ReconcileOutcome so cache/
// and reconcile/ never need to import one another.
package tree

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bitbased/archengine/block"
	"github.com/bitbased/archengine/cache"
	"github.com/bitbased/archengine/errs"
	"github.com/bitbased/archengine/page"
	"github.com/bitbased/archengine/plugin"
	"github.com/bitbased/archengine/reconcile"
	"github.com/bitbased/archengine/txn"
)

// Config holds the per-tree format descriptors and plugin bindings from
// spec.md §3's Tree entity row: "key/value format descriptors, collator,
// comparator, compressor, encryptor."
type Config struct {
	Kind          page.Kind
	Collator      plugin.Collator
	Compressor    plugin.Compressor
	RawCompressor plugin.Compressor
	Encryptor     plugin.Encryptor
	Cache         cache.Config

	// LookasidePath, if set, opens a durable cache.Lookaside store at
	// this path so the eviction server's lookaside kind actually
	// persists rows instead of silently dropping them.
	LookasidePath string
}

func (c Config) reconcileConfig() reconcile.Config {
	return reconcile.Config{
		Compressor:    c.Compressor,
		RawCompressor: c.RawCompressor,
		Encryptor:     c.Encryptor,
		IsColumn:      c.Kind.IsColumnStore(),
	}
}

// Tree is one named ordered collection, per spec.md §3: "created by
// schema op; one live tree per open handle; destroyed on close."
type Tree struct {
	Name string
	ID   uint32
	cfg  Config

	block *block.Manager
	txns  *txn.Manager
	cache *cache.Cache
	evict *cache.Server

	rootMu sync.RWMutex
	root   *page.Ref

	// flushLock is tree.flush_lock, spec.md §5: "serializes tree-walks
	// during reconciliation and checkpoint."
	flushLock page.FairLock

	recent *reconcile.RecentCache

	nextPageID   atomic.Uint64
	dirtyCounter atomic.Uint64

	maxTxnCommitted atomic.Uint64
	checkpointGen   atomic.Uint64

	checkpoints map[string]*block.Checkpoint
	ckptMu      sync.Mutex
}

// New creates a brand-new, empty tree: a single resident leaf page as
// its root, per spec.md §3's "Created by schema op."
func New(name string, id uint32, cfg Config, bm *block.Manager, txns *txn.Manager) (*Tree, error) {
	t, err := newTree(name, id, cfg, bm, txns)
	if err != nil {
		return nil, err
	}

	root := page.NewLeaf(t.nextPageID.Add(1), cfg.Kind)
	ref := &page.Ref{}
	ref.SetPage(root)
	t.root = ref
	return t, nil
}

// Open reopens an existing tree rooted at rootAddr (e.g. the address
// cookie recorded by metadata/'s turtle file or a prior checkpoint).
func Open(name string, id uint32, rootAddr uint64, cfg Config, bm *block.Manager, txns *txn.Manager) (*Tree, error) {
	t, err := newTree(name, id, cfg, bm, txns)
	if err != nil {
		return nil, err
	}
	ref := &page.Ref{Addr: rootAddr}
	ref.ForceState(page.RefDisk)
	t.root = ref
	return t, nil
}

func newTree(name string, id uint32, cfg Config, bm *block.Manager, txns *txn.Manager) (*Tree, error) {
	if cfg.Cache.MaxBytes == 0 {
		cfg.Cache = cache.DefaultConfig(64 << 20)
	}
	t := &Tree{
		Name:        name,
		ID:          id,
		cfg:         cfg,
		block:       bm,
		txns:        txns,
		recent:      reconcile.NewRecentCache(1024),
		checkpoints: make(map[string]*block.Checkpoint),
	}

	var la *cache.Lookaside
	if cfg.LookasidePath != "" {
		var err error
		la, err = cache.OpenLookaside(cfg.LookasidePath, cfg.Cache.Lookaside)
		if err != nil {
			return nil, err
		}
	}

	t.cache = cache.New(cfg.Cache, t.load, la)
	t.evict = cache.NewServer(t.cache, t.reconcileAdapter, txns, 1)
	return t, nil
}

// StartEvictionWorkers launches the tree's background eviction server;
// conn/ calls this once per opened tree, and Close stops it.
func (t *Tree) StartEvictionWorkers(nWorkers int) { t.evict.Start(context.Background(), nWorkers) }

// StopEviction halts the tree's background eviction server.
func (t *Tree) StopEviction() { t.evict.Stop() }

// Close stops eviction, reconciles the root under close flags so every
// dirty page is written out or spilled to lookaside, and closes the
// tree's block manager and lookaside store. conn.Connection.Close calls
// this (through closeTree) once per open tree.
func (t *Tree) Close() error {
	t.evict.Stop()

	t.rootMu.RLock()
	root := t.root
	t.rootMu.RUnlock()
	if root.State() == page.RefMem {
		p := root.Page()
		p.Latch.Lock()
		_, err := t.reconcileAdapter(p, cache.ReconcileFlags{Close: true, PermitRestore: true, PermitLookaside: true})
		p.Latch.Unlock()
		if err != nil {
			return err
		}
	}

	if la := t.cache.Lookaside(); la != nil {
		if err := la.Close(); err != nil {
			return err
		}
	}
	return t.block.Close()
}

// Cache exposes the tree's page cache, mainly so conn/ and stats/ can
// read its Snapshot.
func (t *Tree) Cache() *cache.Cache { return t.cache }

// Txns exposes the tree's MVCC manager so callers outside conn/ (the
// benchmark harness, standalone tools built directly atop *Tree) can
// begin transactions without needing a Session.
func (t *Tree) Txns() *txn.Manager { return t.txns }

// load implements cache.Loader: fetch addr's on-disk block and
// decode it back into a page.Page, the fault-in half of reconcile's
// write path.
func (t *Tree) load(addr uint64) (*page.Page, error) {
	buf, err := t.block.Read(addr, t.cfg.Compressor, t.cfg.Encryptor)
	if err != nil {
		return nil, err
	}
	id := t.nextPageID.Add(1)
	if t.cfg.Kind.IsLeaf() {
		return reconcile.BuildLeaf(id, t.cfg.Kind, buf)
	}
	return reconcile.BuildInternal(id, t.cfg.Kind, buf)
}

// OpenCursor returns a new cursor over this tree under tx's snapshot,
// per spec.md §4.1's public Cursor contract.
func (t *Tree) OpenCursor(tx *txn.Txn) *page.Cursor {
	t.rootMu.RLock()
	root := t.root
	t.rootMu.RUnlock()
	return page.NewCursor(t.cache, root, tx)
}

// EvictPressureCheck runs a bounded inline eviction pass if the cache is
// over its hard trigger, per spec.md §4.2: callers do this "before
// returning from cursor operations."
func (t *Tree) EvictPressureCheck() {
	if t.cache.OverTrigger() {
		t.evict.EvictPressure(4)
	}
}

// NoteCommitted records tx's committed id as the tree's new high-water
// mark, per spec.md §3's "max-txn committed" field.
func (t *Tree) NoteCommitted(id txn.ID) {
	for {
		cur := t.maxTxnCommitted.Load()
		if uint64(id) <= cur {
			return
		}
		if t.maxTxnCommitted.CompareAndSwap(cur, uint64(id)) {
			return
		}
	}
}

// reconcileAdapter is the cache.Reconciler this tree hands to its
// eviction server: it runs reconcile.Reconcile and converts the result
// into cache's view (cache.ReconcileOutcome), without either package
// importing the other.
func (t *Tree) reconcileAdapter(p *page.Page, flags cache.ReconcileFlags) (cache.ReconcileOutcome, error) {
	t.flushLock.RLock()
	defer t.flushLock.RUnlock()

	rflags := reconcile.Flags{
		Checkpoint:      flags.Checkpoint,
		Close:           flags.Close,
		PermitRestore:   flags.PermitRestore,
		PermitLookaside: flags.PermitLookaside,
	}
	result, err := reconcile.Reconcile(p, rflags, t.txns, t.block, t.recent, t.cfg.reconcileConfig())
	if err != nil {
		return cache.ReconcileOutcome{}, err
	}

	out := cache.ReconcileOutcome{
		Empty:     result.Empty,
		LeftDirty: result.LeftDirty,
	}
	if result.Empty || result.LeftDirty {
		return out, nil
	}

	if len(result.Boundaries) == 1 && result.Boundaries[0].Written {
		out.Single = true
		out.Addr = result.Boundaries[0].Addr
		p.Mod = page.ModRecord{Kind: page.ModReplace, Addr: out.Addr}
	} else {
		addrs := make([]uint64, 0, len(result.Boundaries))
		for _, b := range result.Boundaries {
			out.Boundaries = append(out.Boundaries, cache.BoundaryInfo{
				Addr:        b.Addr,
				PromotedKey: b.PromotedKey,
				StartRecno:  b.StartRecno,
			})
			addrs = append(addrs, b.Addr)
		}
		p.Mod = page.ModRecord{Kind: page.ModMultiBlock, Boundaries: addrs}
	}

	if !result.Boundaries[0].Written {
		for _, b := range result.Boundaries {
			restored, rerr := rebuildFromBoundary(t, p, b)
			if rerr != nil {
				return cache.ReconcileOutcome{}, rerr
			}
			out.RestoredPages = append(out.RestoredPages, restored)
		}
	}

	for _, la := range result.Lookaside {
		out.Lookaside = append(out.Lookaside, cache.LookasideStoreEntry{
			Key: cache.LookasideKey{
				TreeID:    t.ID,
				BlockAddr: p.ID,
				Counter:   t.dirtyCounter.Add(1),
				OnPageTxn: la.OnPageTxn,
				SourceKey: la.SourceKey,
			},
			Updates: convertSavedUpdates(la.Updates),
		})
	}

	return out, nil
}

func convertSavedUpdates(in []reconcile.SavedUpdate) []cache.SavedUpdate {
	out := make([]cache.SavedUpdate, len(in))
	for i, u := range in {
		out[i] = cache.SavedUpdate{TxnID: u.TxnID, Value: u.Value, Tombstone: u.Tombstone}
	}
	return out
}

// rebuildFromBoundary re-instantiates a split-restore boundary's kept
// image as a small in-memory page still carrying its unresolved
// updates, per spec.md §4.2's "Split-restore" eviction kind.
func rebuildFromBoundary(t *Tree, original *page.Page, b reconcile.Boundary) (*page.Page, error) {
	var p *page.Page
	var err error
	id := t.nextPageID.Add(1)
	if original.IsLeaf() {
		p, err = reconcile.BuildLeaf(id, t.cfg.Kind, b.Image)
	} else {
		p, err = reconcile.BuildInternal(id, t.cfg.Kind, b.Image)
	}
	if err != nil {
		return nil, err
	}
	if len(b.SavedUpdates) > 0 && len(p.Slots) > 0 {
		for _, su := range b.SavedUpdates {
			u := page.NewUpdate(su.TxnID, su.Value, su.Tombstone)
			p.Slots[0].Updates.Prepend(u)
		}
	}
	p.MarkDirty()
	return p, nil
}

// Checkpoint forces the root to reconcile under checkpoint flags and
// records the resulting cookie under name, per spec.md §4.3 step 7 and
// §4.4's checkpoint algorithm.
func (t *Tree) Checkpoint(name string, secs int64, nsecs int32) (*block.Checkpoint, error) {
	t.flushLock.Lock()
	defer t.flushLock.Unlock()

	t.rootMu.RLock()
	root := t.root
	t.rootMu.RUnlock()

	var rootAddr uint64
	if root.State() == page.RefMem {
		p := root.Page()
		p.Latch.Lock()
		result, err := reconcile.Reconcile(p, reconcile.Flags{Checkpoint: true, IsRoot: true}, t.txns, t.block, t.recent, t.cfg.reconcileConfig())
		p.Latch.Unlock()
		if err != nil {
			return nil, err
		}
		if result.LeftDirty {
			return nil, errs.New(errs.Busy, "root has updates not yet globally visible; retry checkpoint later", nil)
		}
		switch {
		case result.Empty:
			rootAddr = 0
		case len(result.Boundaries) == 1:
			rootAddr = result.Boundaries[0].Addr
			root.ClearPage(rootAddr)
			p.ClearDirty()
		default:
			// The root outgrew a single block: a real split needs to
			// happen one level up before the tree has a stable single
			// root block again. tree/ does not yet build new internal
			// root levels, so surface this rather than checkpoint a
			// partial root.
			return nil, errs.New(errs.Busy, "root split required before checkpoint; retry after a structural split", nil)
		}
	} else {
		rootAddr = root.Addr
	}

	gen := t.checkpointGen.Add(1)
	ck, err := t.block.Checkpoint(name, rootAddr, secs, nsecs, gen)
	if err != nil {
		return nil, err
	}

	t.ckptMu.Lock()
	t.checkpoints[name] = ck
	t.ckptMu.Unlock()
	return ck, nil
}

// ResolveCheckpoint folds the block manager's ckpt-available extents
// back into avail once name's checkpoint record is confirmed durable.
func (t *Tree) ResolveCheckpoint(name string) {
	t.block.Resolve()
}

// RootAddr returns the tree's current root address cookie, valid only
// when the root is not resident (State() == RefDisk); used by
// metadata/'s turtle file.
func (t *Tree) RootAddr() (uint64, bool) {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	if t.root.State() == page.RefDisk {
		return t.root.Addr, true
	}
	return 0, false
}
