package conn

import (
	"context"
	"time"

	"github.com/bitbased/archengine/config"
	"github.com/bitbased/archengine/errs"
	"github.com/bitbased/archengine/stats"
	"github.com/bitbased/archengine/txn"
)

// checkpointLoop periodically checkpoints every open tree and the
// metadata tree, per spec.md §5's "checkpoint server: periodic, also
// triggerable on demand." checkpoint_interval_seconds=0 disables it;
// Session::checkpoint remains available for explicit, on-demand calls.
func (c *Connection) checkpointLoop(ctx context.Context) {
	secs := cfgInt(c.cfg, "checkpoint_interval_seconds")
	if secs <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(secs) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkpointAll()
		}
	}
}

func (c *Connection) checkpointAll() {
	c.mu.Lock()
	trees := make([]*openTree, 0, len(c.trees))
	for _, ot := range c.trees {
		trees = append(trees, ot)
	}
	c.mu.Unlock()

	now := time.Now().Unix()
	for _, ot := range trees {
		timer := stats.NewTimer()
		if _, err := ot.tree.Checkpoint("periodic", now, 0); err != nil {
			if errs.Classify(err) != errs.Busy {
				c.log.Error().Err(err).Str("uri", ot.uri).Msg("checkpoint failed")
			}
			continue
		}
		timer.ObserveSeconds(stats.CheckpointDuration.WithLabelValues(ot.uri))
		stats.CheckpointsTotal.WithLabelValues(ot.uri).Inc()
		c.persistTreeRoot(ot)
	}

	timer := stats.NewTimer()
	if _, err := c.metaTree.Checkpoint("periodic", now, 0); err == nil {
		timer.ObserveSeconds(stats.CheckpointDuration.WithLabelValues("metadata:"))
		stats.CheckpointsTotal.WithLabelValues("metadata:").Inc()
	}
}

// persistTreeRoot writes ot.tree's current root address back into its
// metadata row so a later reopen resumes from the checkpointed root
// rather than rebuilding an empty tree.
func (c *Connection) persistTreeRoot(ot *openTree) {
	rootAddr, ok := ot.tree.RootAddr()
	if !ok {
		return
	}
	ot.cfg["root"] = config.Value{Kind: config.KindInt, Int: int64(rootAddr)}
	if err := c.meta.Put(ot.uri, ot.cfg.String()); err != nil {
		c.log.Error().Err(err).Str("uri", ot.uri).Msg("persisting checkpoint root failed")
		return
	}
	if err := ot.wal.Archive(ot.wal.LastLSN()); err != nil {
		c.log.Error().Err(err).Str("uri", ot.uri).Msg("archiving WAL after checkpoint failed")
	}
}

// sweepLoop wakes every lookaside_sweep_interval_seconds (default 2) and
// notes a wakeup on every open tree's lookaside store; a store is swept
// only on the wakeups where NoteWakeup reports a full pass is due (every
// FullPassEvery wakeups). The lookaside file's size does not trigger a
// pass.
func (c *Connection) sweepLoop(ctx context.Context) {
	secs := cfgInt(c.cfg, "lookaside_sweep_interval_seconds")
	if secs <= 0 {
		secs = 2
	}
	ticker := time.NewTicker(time.Duration(secs) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepAll()
		}
	}
}

func (c *Connection) sweepAll() {
	c.mu.Lock()
	trees := make([]*openTree, 0, len(c.trees))
	for _, ot := range c.trees {
		trees = append(trees, ot)
	}
	c.mu.Unlock()

	oldest := c.txns.OldestID()
	for _, ot := range trees {
		la := ot.tree.Cache().Lookaside()
		if la == nil {
			continue
		}
		if fullPass := la.NoteWakeup(); !fullPass {
			continue
		}
		removed, err := la.Sweep(oldest)
		if err != nil {
			c.log.Error().Err(err).Str("uri", ot.uri).Msg("lookaside sweep failed")
			continue
		}
		if removed > 0 {
			stats.LookasideSweepRemovedTotal.WithLabelValues(ot.uri).Add(float64(removed))
		}
	}
}

// watermarkLoop periodically checks whether the oldest active
// transaction is stalling the global watermark, per
// txn.Manager.CheckWatermarkStall's logged-warning contract.
func (c *Connection) watermarkLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.txns.CheckWatermarkStall(txn.ID(10000))
		}
	}
}
