package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bitbased/archengine/block"
	"github.com/bitbased/archengine/cache"
	"github.com/bitbased/archengine/common"
	"github.com/bitbased/archengine/common/benchmark"
	"github.com/bitbased/archengine/tree"
	"github.com/bitbased/archengine/txn"
)

func main() {
	quick := flag.Bool("quick", false, "Run quick benchmarks (shorter duration)")
	workload := flag.String("workload", "all", "Workload to run (all, write-heavy, read-heavy, balanced, write-only)")
	duration := flag.Duration("duration", 60*time.Second, "Duration for each benchmark")
	concurrency := flag.Int("concurrency", 8, "Number of concurrent workers")
	flag.Parse()

	fmt.Println("ArchEngine Benchmark Suite")
	fmt.Println("================================")
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Concurrency: %d\n\n", *concurrency)

	var configs []benchmark.Config
	if *quick {
		configs = benchmark.QuickWorkloads()
	} else {
		configs = benchmark.StandardWorkloads()
	}

	// Apply custom duration and concurrency if specified
	if flag.Lookup("duration").Value.String() != flag.Lookup("duration").DefValue {
		for i := range configs {
			configs[i].Duration = *duration
		}
	}

	if flag.Lookup("concurrency").Value.String() != flag.Lookup("concurrency").DefValue {
		for i := range configs {
			configs[i].Concurrency = *concurrency
		}
	}

	// Filter workloads if specified
	if *workload != "all" {
		filtered := make([]benchmark.Config, 0)
		for _, config := range configs {
			if config.Name == *workload || string(config.WorkloadType) == *workload {
				filtered = append(filtered, config)
			}
		}
		if len(filtered) == 0 {
			fmt.Printf("Unknown workload: %s\n", *workload)
			os.Exit(1)
		}
		configs = filtered
	}

	runArchEngine(configs)
}

// newArchEngineTree opens a bare *tree.Tree (no conn/wal wrapper) at
// dir/data.db, suitable for a single-process benchmark run.
func newArchEngineTree(dir string) (*tree.Tree, *block.Manager, error) {
	bm, err := block.Open(block.Config{Path: dir + "/data.db"})
	if err != nil {
		return nil, nil, err
	}
	t, err := tree.New("benchmark:", 1, tree.Config{Cache: cache.DefaultConfig(64 << 20)}, bm, txn.NewManager())
	if err != nil {
		bm.Close()
		return nil, nil, err
	}
	t.StartEvictionWorkers(2)
	return t, bm, nil
}

func runArchEngine(configs []benchmark.Config) {
	fmt.Println("=== ArchEngine Benchmark ===\n")

	dir, err := os.MkdirTemp("", "benchmark-archengine-*")
	if err != nil {
		fmt.Printf("Failed to create temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	t, _, err := newArchEngineTree(dir)
	if err != nil {
		fmt.Printf("Failed to create ArchEngine tree: %v\n", err)
		os.Exit(1)
	}
	defer t.Close()

	results := runBenchmarks(t, "ArchEngine", configs)
	printSummaryTable(results)
}

func runBenchmarks(engine common.StorageEngine, name string, configs []benchmark.Config) []*benchmark.Result {
	results := make([]*benchmark.Result, 0)

	for _, config := range configs {
		fmt.Printf("\n=== Running: %s ===\n", config.Name)

		bench := benchmark.NewBenchmark(engine, config)
		result, err := bench.Run()
		if err != nil {
			fmt.Printf("Benchmark failed: %v\n", err)
			continue
		}

		results = append(results, result)
		printResult(result)
	}

	return results
}

func printResult(r *benchmark.Result) {
	fmt.Printf("\n--- Results ---\n")
	fmt.Printf("Throughput: %.0f ops/sec\n", r.OpsPerSec)
	fmt.Printf("Total Ops: %d (writes: %d, reads: %d)\n",
		r.TotalOps, r.WriteOps, r.ReadOps)

	if r.WriteOps > 0 {
		fmt.Printf("\nWrite Latency:\n")
		fmt.Printf("  Min:  %8s\n", r.WriteLatency.Min)
		fmt.Printf("  Mean: %8s\n", r.WriteLatency.Mean)
		fmt.Printf("  P50:  %8s\n", r.WriteLatency.P50)
		fmt.Printf("  P95:  %8s\n", r.WriteLatency.P95)
		fmt.Printf("  P99:  %8s\n", r.WriteLatency.P99)
		fmt.Printf("  P999: %8s\n", r.WriteLatency.P999)
		fmt.Printf("  Max:  %8s\n", r.WriteLatency.Max)
	}

	if r.ReadOps > 0 {
		fmt.Printf("\nRead Latency:\n")
		fmt.Printf("  Min:  %8s\n", r.ReadLatency.Min)
		fmt.Printf("  Mean: %8s\n", r.ReadLatency.Mean)
		fmt.Printf("  P50:  %8s\n", r.ReadLatency.P50)
		fmt.Printf("  P95:  %8s\n", r.ReadLatency.P95)
		fmt.Printf("  P99:  %8s\n", r.ReadLatency.P99)
		fmt.Printf("  P999: %8s\n", r.ReadLatency.P999)
		fmt.Printf("  Max:  %8s\n", r.ReadLatency.Max)
	}

	fmt.Printf("\nAmplification:\n")
	fmt.Printf("  Write: %.2fx\n", r.WriteAmplification)
	fmt.Printf("  Space: %.2fx\n", r.SpaceAmplification)
	fmt.Printf("\nDisk Usage: %.1f MB\n", r.TotalDiskMB)
}

func printSummaryTable(results []*benchmark.Result) {
	if len(results) == 0 {
		return
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("BENCHMARK SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf("\n%-25s %12s %12s %12s %12s\n",
		"Workload", "Throughput", "Write P99", "Read P99", "Write Amp")
	fmt.Println("--------------------------------------------------------------------------------")

	for _, r := range results {
		writeP99 := "N/A"
		if r.WriteOps > 0 {
			writeP99 = fmt.Sprintf("%s", r.WriteLatency.P99)
		}

		readP99 := "N/A"
		if r.ReadOps > 0 {
			readP99 = fmt.Sprintf("%s", r.ReadLatency.P99)
		}

		fmt.Printf("%-25s %10.0f/s %12s %12s %11.2fx\n",
			r.Config.Name,
			r.OpsPerSec,
			writeP99,
			readP99,
			r.WriteAmplification)
	}
}
