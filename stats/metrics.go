// Package stats exposes ArchEngine's ambient instrumentation as
// Prometheus metrics (SPEC_FULL.md §D.4: "session-level cursor
// statistics" beyond the bare common.Stats the teacher shipped). This is
// not the out-of-scope statistics-logging thread of spec.md §1 — it is
// just a set of gauges/counters that callers increment inline, and
// a small Collector that polls the point-in-time snapshots cache/ and
// block/ already expose.
//
// Grounded on cuemby-warren/pkg/metrics/metrics.go: package-level
// prometheus vars registered in init(), plus a Timer helper for
// histogram observations.
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache gauges, labeled by tree name, mirroring cache.Stats (§4.2).
	CacheBytesInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "archengine_cache_bytes_in_use", Help: "Resident page bytes currently tracked by the cache."},
		[]string{"tree"},
	)
	CacheBytesDirty = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "archengine_cache_bytes_dirty", Help: "Resident page bytes not yet reconciled to disk."},
		[]string{"tree"},
	)
	CacheBytesInternal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "archengine_cache_bytes_internal", Help: "Resident internal-page bytes."},
		[]string{"tree"},
	)
	CacheBytesOverflow = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "archengine_cache_bytes_overflow", Help: "Bytes pinned by overflow value cells awaiting global visibility."},
		[]string{"tree"},
	)
	CachePagesInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "archengine_cache_pages_in_use", Help: "Resident page count."},
		[]string{"tree"},
	)
	LookasideRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "archengine_lookaside_rows", Help: "Rows currently held in the lookaside store."},
		[]string{"tree"},
	)

	// Block-manager gauges, labeled by tree name (§4.4).
	BlockFileSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "archengine_block_file_size_bytes", Help: "Current file size of a tree's block file."},
		[]string{"tree"},
	)
	BlockAllocBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "archengine_block_alloc_bytes", Help: "Bytes in the alloc extent list."},
		[]string{"tree"},
	)
	BlockAvailBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "archengine_block_avail_bytes", Help: "Bytes in the avail extent list."},
		[]string{"tree"},
	)
	BlockDiscardBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "archengine_block_discard_bytes", Help: "Bytes in the discard extent list."},
		[]string{"tree"},
	)

	// Transaction-layer gauges (§4.5), connection-wide.
	TxnCurrentID = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "archengine_txn_current_id", Help: "Most recently assigned transaction id."},
	)
	TxnOldestID = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "archengine_txn_oldest_id", Help: "Oldest active transaction's snapshot.min watermark."},
	)

	// Cursor/session operation counters, labeled by tree + operation.
	CursorOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "archengine_cursor_operations_total", Help: "Cursor operations performed, by tree and operation kind."},
		[]string{"tree", "op"},
	)
	CursorOpErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "archengine_cursor_operation_errors_total", Help: "Cursor operations that returned an error, by tree, operation kind, and error kind."},
		[]string{"tree", "op", "kind"},
	)
	SessionsOpenTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "archengine_sessions_open", Help: "Currently open sessions on this connection."},
	)
	TransactionsActiveTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "archengine_transactions_active", Help: "Currently active (begun, not yet committed/rolled back) transactions."},
	)
	CheckpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "archengine_checkpoints_total", Help: "Checkpoints completed, by tree."},
		[]string{"tree"},
	)
	CheckpointDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "archengine_checkpoint_duration_seconds", Help: "Wall time spent in Tree.Checkpoint, by tree.", Buckets: prometheus.DefBuckets},
		[]string{"tree"},
	)
	EvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "archengine_evictions_total", Help: "Pages evicted, by tree and eviction kind (clean/reconcile/restore/lookaside)."},
		[]string{"tree", "kind"},
	)
	LookasideSweepRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "archengine_lookaside_sweep_removed_total", Help: "Lookaside rows removed by sweeps, by tree."},
		[]string{"tree"},
	)
)

func init() {
	prometheus.MustRegister(
		CacheBytesInUse, CacheBytesDirty, CacheBytesInternal, CacheBytesOverflow, CachePagesInUse,
		LookasideRows,
		BlockFileSize, BlockAllocBytes, BlockAvailBytes, BlockDiscardBytes,
		TxnCurrentID, TxnOldestID,
		CursorOpsTotal, CursorOpErrorsTotal,
		SessionsOpenTotal, TransactionsActiveTotal,
		CheckpointsTotal, CheckpointDuration,
		EvictionsTotal, LookasideSweepRemovedTotal,
	)
}

// Handler returns the Prometheus HTTP handler ArchEngine's CLI `stat`
// verb (or an embedding application) can mount to scrape these metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
