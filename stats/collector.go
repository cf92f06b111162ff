package stats

import (
	"sync"
	"time"

	"github.com/bitbased/archengine/block"
	"github.com/bitbased/archengine/cache"
	"github.com/bitbased/archengine/txn"
)

// Timer records an operation's duration against a prometheus histogram,
// grounded on cuemby-warren/pkg/metrics/metrics.go's Timer.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() Timer { return Timer{start: time.Now()} }

// ObserveSeconds records the elapsed time on h.
func (t Timer) ObserveSeconds(h prometheusObserver) { h.Observe(time.Since(t.start).Seconds()) }

// prometheusObserver is the single method Collect needs from a
// prometheus.Observer, kept narrow so this file doesn't have to import
// the client library just to accept one.
type prometheusObserver interface {
	Observe(float64)
}

// Collector periodically copies cache.Cache / block.Manager counters
// into the package's gauges, labeled by tree name. It owns no
// lifecycle beyond Start/Stop — Connection.Close calls Stop once.
type Collector struct {
	interval time.Duration
	txns     *txn.Manager

	mu    sync.Mutex
	trees map[string]registeredTree

	stopCh chan struct{}
	doneCh chan struct{}
}

type registeredTree struct {
	cache *cache.Cache
	block *block.Manager
}

// NewCollector builds a Collector polling every interval; Start uses 15s
// when interval is zero or negative. This is metrics polling, unrelated
// to the lookaside sweep cadence.
func NewCollector(txns *txn.Manager, interval time.Duration) *Collector {
	return &Collector{
		interval: interval,
		txns:     txns,
		trees:    make(map[string]registeredTree),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Register adds a tree to the poll set under name. conn/ calls this when
// it opens a tree (and for the metadata tree at Open), and calls
// Unregister when a tree is dropped or renamed.
func (c *Collector) Register(name string, ca *cache.Cache, bm *block.Manager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trees[name] = registeredTree{cache: ca, block: bm}
}

// Unregister removes name from the poll set and clears its gauges so a
// dropped tree's last values don't linger in /metrics.
func (c *Collector) Unregister(name string) {
	c.mu.Lock()
	delete(c.trees, name)
	c.mu.Unlock()

	CacheBytesInUse.DeleteLabelValues(name)
	CacheBytesDirty.DeleteLabelValues(name)
	CacheBytesInternal.DeleteLabelValues(name)
	CacheBytesOverflow.DeleteLabelValues(name)
	CachePagesInUse.DeleteLabelValues(name)
	LookasideRows.DeleteLabelValues(name)
	BlockFileSize.DeleteLabelValues(name)
	BlockAllocBytes.DeleteLabelValues(name)
	BlockAvailBytes.DeleteLabelValues(name)
	BlockDiscardBytes.DeleteLabelValues(name)
}

// Start launches the polling loop. Stop, or the process exiting, ends
// it; there is no cancellation token here. Connection starts it outside
// its errgroup and calls Stop from Close.
func (c *Collector) Start() {
	go func() {
		defer close(c.doneCh)
		if c.interval <= 0 {
			c.interval = 15 * time.Second
		}
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the polling loop and waits for its goroutine to exit.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) collect() {
	c.mu.Lock()
	snapshot := make(map[string]registeredTree, len(c.trees))
	for k, v := range c.trees {
		snapshot[k] = v
	}
	c.mu.Unlock()

	for name, rt := range snapshot {
		cs := rt.cache.Snapshot()
		CacheBytesInUse.WithLabelValues(name).Set(float64(cs.BytesInUse.Load()))
		CacheBytesDirty.WithLabelValues(name).Set(float64(cs.BytesDirty.Load()))
		CacheBytesInternal.WithLabelValues(name).Set(float64(cs.BytesInternal.Load()))
		CacheBytesOverflow.WithLabelValues(name).Set(float64(cs.BytesOverflow.Load()))
		CachePagesInUse.WithLabelValues(name).Set(float64(cs.PagesInUse.Load()))
		if la := rt.cache.Lookaside(); la != nil {
			LookasideRows.WithLabelValues(name).Set(float64(la.Len()))
		}

		if rt.block != nil {
			bs := rt.block.Snapshot()
			BlockFileSize.WithLabelValues(name).Set(float64(bs.FileSize))
			BlockAllocBytes.WithLabelValues(name).Set(float64(bs.AllocBytes))
			BlockAvailBytes.WithLabelValues(name).Set(float64(bs.AvailBytes))
			BlockDiscardBytes.WithLabelValues(name).Set(float64(bs.DiscardBytes))
		}
	}

	if c.txns != nil {
		TxnCurrentID.Set(float64(c.txns.CurrentID()))
		TxnOldestID.Set(float64(c.txns.OldestID()))
	}
}
