// Package conn implements spec.md §6's Connection/Session: the
// process-wide handle (§9 "design it as an explicit value passed to
// every session, not a singleton"), per-tree lifecycle (create, drop,
// rename, open_cursor, begin_transaction, commit, rollback, checkpoint,
// verify, salvage, upgrade, compact, close), and the background task
// supervision spec.md §5 calls for (checkpoint, eviction workers,
// lookaside sweep).
//
// Grounded on lsm/lsm.go's channel-driven background workers
// (flushChan/compactionChan/closeChan + sync.WaitGroup), generalized
// here with golang.org/x/sync/errgroup for structured cancellation (the
// shape cuemby-warren/pkg/manager/manager.go's supervised-goroutine
// lifecycle also follows), and github.com/google/uuid for session ids.
package conn

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"

	"github.com/bitbased/archengine/block"
	"github.com/bitbased/archengine/cache"
	"github.com/bitbased/archengine/config"
	"github.com/bitbased/archengine/errs"
	"github.com/bitbased/archengine/logging"
	"github.com/bitbased/archengine/metadata"
	"github.com/bitbased/archengine/plugin"
	"github.com/bitbased/archengine/stats"
	"github.com/bitbased/archengine/tree"
	"github.com/bitbased/archengine/txn"
	"github.com/bitbased/archengine/wal"
)

const turtleFileName = "archengine.turtle"

// openTree bundles one named tree's entity group (§3 "Tree") with the
// conn-level collaborators spec.md's B-tree/cache/reconcile layers don't
// know about directly: its own block file and write-ahead log.
type openTree struct {
	uri   string
	tree  *tree.Tree
	block *block.Manager
	wal   *wal.WAL
	cfg   config.Config
}

// Connection is spec.md §6's `open(path, config) -> Connection`: the
// process-wide handle owning the metadata tree, every opened user tree,
// and the background tasks that keep them checkpointed and evicted.
type Connection struct {
	path string
	cfg  config.Config

	txns    *txn.Manager
	handler plugin.EventHandler
	log     logging.Logger

	metaBlock *block.Manager
	meta      *metadata.Store
	metaTree  *tree.Tree

	mu    sync.Mutex
	trees map[string]*openTree

	collector *stats.Collector

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	sessionsMu sync.Mutex
	sessions   map[uuid.UUID]*Session

	closed bool
	panics bool
}

// Open opens (creating if absent and create=true, the default) the
// connection rooted at path, per spec.md §6. configStr follows §6's
// config-string grammar and is validated against connectionTable.
func Open(path string, configStr string, handler plugin.EventHandler) (*Connection, error) {
	parsed, err := config.Parse(configStr)
	if err != nil {
		return nil, err
	}
	cfg, err := connectionTable.Validate(parsed)
	if err != nil {
		return nil, err
	}

	if handler == nil {
		handler = plugin.NoopEventHandler{}
	}
	logging.Init(logging.Config{Level: logging.Level(cfgStr(cfg, "log_level"))})
	log := logging.Component("conn")

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errs.Wrap(errs.Io, err, "creating connection directory %s", path)
	}

	turtlePath := filepath.Join(path, turtleFileName)
	turt, terr := metadata.ReadTurtle(turtlePath)
	create := cfgBool(cfg, "create")
	if terr != nil {
		if errs.Classify(terr) != errs.NotFound || !create {
			return nil, terr
		}
	}

	txns := txn.NewManager()

	metaBlock, err := block.Open(block.Config{Path: filepath.Join(path, "archengine.metadata.db")})
	if err != nil {
		return nil, err
	}

	metaCfg := tree.Config{Collator: plugin.ByteCollator{}, Cache: cache.DefaultConfig(8 << 20)}
	var metaTree *tree.Tree
	if terr == nil && turt.RootAddr != 0 {
		metaTree, err = tree.Open("metadata:", 0, turt.RootAddr, metaCfg, metaBlock, txns)
	} else {
		metaTree, err = tree.New("metadata:", 0, metaCfg, metaBlock, txns)
	}
	if err != nil {
		metaBlock.Close()
		return nil, err
	}
	metaTree.StartEvictionWorkers(1)

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	c := &Connection{
		path:      path,
		cfg:       cfg,
		txns:      txns,
		handler:   handler,
		log:       log,
		metaBlock: metaBlock,
		meta:      metadata.New(metaTree, txns),
		metaTree:  metaTree,
		trees:     make(map[string]*openTree),
		collector: stats.NewCollector(txns, time.Duration(cfgInt(cfg, "stats_interval_seconds"))*time.Second),
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
		sessions:  make(map[uuid.UUID]*Session),
	}
	c.collector.Register("metadata:", metaTree.Cache(), metaBlock)
	c.collector.Start()

	c.group.Go(func() error { c.checkpointLoop(gctx); return nil })
	c.group.Go(func() error { c.sweepLoop(gctx); return nil })
	c.group.Go(func() error { c.watermarkLoop(gctx); return nil })

	log.Info().Str("path", path).Msg("connection opened")
	return c, nil
}

// OpenSession returns a new Session bound to this Connection, per
// spec.md §6's Connection::open_session.
func (c *Connection) OpenSession() *Session {
	s := &Session{id: uuid.New(), conn: c, isolation: txn.SnapshotIsolation}
	c.sessionsMu.Lock()
	c.sessions[s.id] = s
	c.sessionsMu.Unlock()
	stats.SessionsOpenTotal.Inc()
	return s
}

func (c *Connection) closeSession(s *Session) {
	c.sessionsMu.Lock()
	delete(c.sessions, s.id)
	c.sessionsMu.Unlock()
	stats.SessionsOpenTotal.Dec()
}

// Close stops background tasks, closes every open tree and the metadata
// tree, and durably records the metadata tree's final root via the
// turtle file, per spec.md §6's Connection::close.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	trees := make([]*openTree, 0, len(c.trees))
	for _, ot := range c.trees {
		trees = append(trees, ot)
	}
	c.mu.Unlock()

	c.cancel()
	c.group.Wait()
	c.collector.Stop()

	var firstErr error
	noteErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, ot := range trees {
		if _, err := ot.tree.Checkpoint("close", time.Now().Unix(), 0); err != nil && errs.Classify(err) != errs.Busy {
			noteErr(err)
		} else {
			c.persistTreeRoot(ot)
		}
		noteErr(c.closeTree(ot))
	}

	if _, err := c.metaTree.Checkpoint("close", time.Now().Unix(), 0); err != nil && errs.Classify(err) != errs.Busy {
		noteErr(err)
	}
	noteErr(c.metaTree.Close())

	rootAddr, _ := c.metaTree.RootAddr()
	noteErr(metadata.WriteTurtle(filepath.Join(c.path, turtleFileName), metadata.Turtle{RootAddr: rootAddr}))

	c.log.Info().Msg("connection closed")
	return firstErr
}

// noteCommittedAll records id as the high-water mark on every currently
// open tree. A single session transaction may touch several trees'
// cursors before committing, and each tree's own NoteCommitted call is
// the only signal its eviction/reconcile paths have for "this id is now
// globally visible" (spec.md §3).
func (c *Connection) noteCommittedAll(id txn.ID) {
	c.mu.Lock()
	trees := make([]*openTree, 0, len(c.trees))
	for _, ot := range c.trees {
		trees = append(trees, ot)
	}
	c.mu.Unlock()

	for _, ot := range trees {
		ot.tree.NoteCommitted(id)
	}
	c.metaTree.NoteCommitted(id)
}

func (c *Connection) closeTree(ot *openTree) error {
	if err := ot.tree.Close(); err != nil {
		return err
	}
	if ot.wal != nil {
		if err := ot.wal.Close(); err != nil {
			return err
		}
	}
	return nil
}
