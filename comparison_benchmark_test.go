package main

import (
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/bitbased/archengine/block"
	"github.com/bitbased/archengine/cache"
	"github.com/bitbased/archengine/tree"
	"github.com/bitbased/archengine/txn"
)

// Benchmark configurations
const (
	smallDataset  = 1000
	mediumDataset = 10000
	largeDataset  = 100000
)

// newBenchTree opens a bare *tree.Tree (no conn/wal wrapper) at
// dir/data.db, suitable for a single-process benchmark run.
func newBenchTree(dir string) (*tree.Tree, error) {
	bm, err := block.Open(block.Config{Path: dir + "/data.db"})
	if err != nil {
		return nil, err
	}
	t, err := tree.New("benchmark:", 1, tree.Config{Cache: cache.DefaultConfig(64 << 20)}, bm, txn.NewManager())
	if err != nil {
		bm.Close()
		return nil, err
	}
	return t, nil
}

// BenchmarkWritePerformance measures ArchEngine write throughput across
// dataset sizes.
func BenchmarkWritePerformance(b *testing.B) {
	datasets := []struct {
		name string
		size int
	}{
		{"Small_1K", smallDataset},
		{"Medium_10K", mediumDataset},
		{"Large_100K", largeDataset},
	}

	for _, ds := range datasets {
		b.Run(fmt.Sprintf("ArchEngine_%s", ds.name), func(b *testing.B) {
			benchmarkArchEngineWrites(b, ds.size)
		})
	}
}

// BenchmarkReadPerformance measures ArchEngine read throughput against
// pre-populated data.
func BenchmarkReadPerformance(b *testing.B) {
	datasets := []struct {
		name string
		size int
	}{
		{"Small_1K", smallDataset},
		{"Medium_10K", mediumDataset},
	}

	for _, ds := range datasets {
		b.Run(fmt.Sprintf("ArchEngine_%s", ds.name), func(b *testing.B) {
			benchmarkArchEngineReads(b, ds.size)
		})
	}
}

// BenchmarkMixedWorkload tests realistic read/write mixes.
func BenchmarkMixedWorkload(b *testing.B) {
	workloads := []struct {
		name       string
		readRatio  float64
		writeRatio float64
	}{
		{"Read_Heavy_90_10", 0.9, 0.1},
		{"Balanced_50_50", 0.5, 0.5},
		{"Write_Heavy_10_90", 0.1, 0.9},
	}

	for _, wl := range workloads {
		b.Run(fmt.Sprintf("ArchEngine_%s", wl.name), func(b *testing.B) {
			benchmarkArchEngineMixed(b, mediumDataset, wl.readRatio)
		})
	}
}

func benchmarkArchEngineWrites(b *testing.B, numOps int) {
	dir := fmt.Sprintf("/tmp/bench-archengine-write-%d", time.Now().UnixNano())
	defer os.RemoveAll(dir)

	t, err := newBenchTree(dir)
	if err != nil {
		b.Fatal(err)
	}
	defer t.Close()

	b.ResetTimer()
	start := time.Now()

	for i := 0; i < numOps; i++ {
		key := []byte(fmt.Sprintf("key%010d", i))
		value := []byte(fmt.Sprintf("value%010d", i))
		if err := t.Put(key, value); err != nil {
			b.Fatal(err)
		}
	}

	elapsed := time.Since(start)
	b.StopTimer()

	opsPerSec := float64(numOps) / elapsed.Seconds()
	b.ReportMetric(opsPerSec, "ops/sec")
	b.ReportMetric(float64(elapsed.Milliseconds()), "total_ms")
}

func benchmarkArchEngineReads(b *testing.B, numKeys int) {
	dir := fmt.Sprintf("/tmp/bench-archengine-read-%d", time.Now().UnixNano())
	defer os.RemoveAll(dir)

	t, err := newBenchTree(dir)
	if err != nil {
		b.Fatal(err)
	}
	defer t.Close()

	// Populate
	for i := 0; i < numKeys; i++ {
		key := []byte(fmt.Sprintf("key%010d", i))
		value := []byte(fmt.Sprintf("value%010d", i))
		t.Put(key, value)
	}

	b.ResetTimer()
	start := time.Now()

	for i := 0; i < b.N; i++ {
		keyIdx := rand.Intn(numKeys)
		key := []byte(fmt.Sprintf("key%010d", keyIdx))
		if _, err := t.Get(key); err != nil {
			b.Fatal(err)
		}
	}

	elapsed := time.Since(start)
	b.StopTimer()

	opsPerSec := float64(b.N) / elapsed.Seconds()
	b.ReportMetric(opsPerSec, "ops/sec")
}

func benchmarkArchEngineMixed(b *testing.B, numKeys int, readRatio float64) {
	dir := fmt.Sprintf("/tmp/bench-archengine-mixed-%d", time.Now().UnixNano())
	defer os.RemoveAll(dir)

	t, err := newBenchTree(dir)
	if err != nil {
		b.Fatal(err)
	}
	defer t.Close()

	// Populate
	for i := 0; i < numKeys; i++ {
		key := []byte(fmt.Sprintf("key%010d", i))
		value := []byte(fmt.Sprintf("value%010d", i))
		t.Put(key, value)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if rand.Float64() < readRatio {
			keyIdx := rand.Intn(numKeys)
			key := []byte(fmt.Sprintf("key%010d", keyIdx))
			t.Get(key)
		} else {
			keyIdx := rand.Intn(numKeys * 2)
			key := []byte(fmt.Sprintf("key%010d", keyIdx))
			value := []byte(fmt.Sprintf("value%010d", keyIdx))
			t.Put(key, value)
		}
	}
}

// BenchmarkRangeScanCapability exercises forward cursor traversal over
// sorted sequential keys.
func BenchmarkRangeScanCapability(b *testing.B) {
	dir := fmt.Sprintf("/tmp/bench-archengine-range-%d", time.Now().UnixNano())
	defer os.RemoveAll(dir)

	t, err := newBenchTree(dir)
	if err != nil {
		b.Fatal(err)
	}
	defer t.Close()

	// Populate with sorted data
	for i := 0; i < 10000; i++ {
		key := []byte(fmt.Sprintf("key%010d", i))
		value := []byte(fmt.Sprintf("value%010d", i))
		t.Put(key, value)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tx := t.Txns().Begin(txn.SnapshotIsolation)
		cur := t.OpenCursor(tx)
		count := 0
		for cur.Next() {
			count++
		}
		cur.Close()
		tx.Rollback()
	}
}

// BenchmarkNegativeLookups measures the cost of misses against the
// B-tree's on-page search (no bloom filter — every miss walks the tree).
func BenchmarkNegativeLookups(b *testing.B) {
	dir := fmt.Sprintf("/tmp/bench-archengine-neg-%d", time.Now().UnixNano())
	defer os.RemoveAll(dir)

	t, err := newBenchTree(dir)
	if err != nil {
		b.Fatal(err)
	}
	defer t.Close()

	// Populate
	for i := 0; i < 10000; i++ {
		key := []byte(fmt.Sprintf("key%010d", i))
		value := []byte("value")
		t.Put(key, value)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := []byte(fmt.Sprintf("key%010d", 10000+i)) // Non-existent keys
		t.Get(key)
	}
}
