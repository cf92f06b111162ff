package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/bitbased/archengine/conn"
	"github.com/bitbased/archengine/plugin"
)

func main() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("ArchEngine Demo: MVCC B-Tree Storage Engine Core")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()
	fmt.Println("This demo showcases ArchEngine's storage engine core:")
	fmt.Println("  • Snapshot-isolated concurrent readers and writers")
	fmt.Println("  • Crash-consistent checkpoints via the block manager")
	fmt.Println("  • In-place page updates with bounded, evictable memory")
	fmt.Println()

	demoArchEngine()

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()
	fmt.Println("Use ArchEngine when:")
	fmt.Println("  ✓ You need concurrent readers that never block a writer")
	fmt.Println("  ✓ You need crash-consistent checkpoints, not just an append log")
	fmt.Println("  ✓ In-place page updates with bounded, evictable memory matter")
	fmt.Println()
}

func demoArchEngine() {
	fmt.Println("\n### ArchEngine B-Tree Demo ###")
	fmt.Println(strings.Repeat("-", 40))

	dir, err := os.MkdirTemp("", "demo-archengine-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	c, err := conn.Open(dir, "", plugin.NoopEventHandler{})
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	s := c.OpenSession()
	defer s.Close()

	const uri = "table:sessions"
	if err := s.Create(uri, "type=row"); err != nil {
		log.Fatal(err)
	}
	fmt.Println("✓ Created ArchEngine tree " + uri)

	cur, err := s.OpenCursor(uri)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("\n[Writing data]")
	testData := map[string]string{
		"session:2001": `{"user_id": 1001, "expires": "2024-12-31"}`,
		"session:2002": `{"user_id": 1002, "expires": "2024-12-31"}`,
		"config:app":   `{"version": "1.0", "debug": false}`,
		"config:db":    `{"host": "localhost", "port": 5432}`,
	}
	for key, value := range testData {
		cur.SetKey([]byte(key))
		cur.SetValue([]byte(value))
		if err := cur.Insert(true); err != nil {
			log.Printf("Error writing %s: %v", key, err)
		} else {
			fmt.Printf("  PUT %s\n", key)
		}
	}

	fmt.Println("\n[Reading data]")
	cur.SetKey([]byte("session:2001"))
	if err := cur.Search(); err != nil {
		log.Printf("Error reading: %v", err)
	} else {
		fmt.Printf("  GET session:2001 → %s\n", truncate(string(cur.GetValue()), 50))
	}

	// Update (in-place on the page; MVCC keeps the prior version
	// visible to any snapshot that already started)
	fmt.Println("\n[Updating data - in-place on the page, old value stays visible to older snapshots]")
	cur.SetKey([]byte("config:app"))
	cur.SetValue([]byte(`{"version": "2.0", "debug": true}`))
	if err := cur.Update(); err != nil {
		log.Printf("Error updating: %v", err)
	} else {
		fmt.Println("  UPDATE config:app → new version")
	}

	// Reset drops the cursor's autocommit read snapshot so the next
	// Search opens a fresh one that can see the just-committed update.
	cur.Reset()
	cur.SetKey([]byte("config:app"))
	if err := cur.Search(); err != nil {
		log.Printf("Error reading: %v", err)
	} else {
		fmt.Printf("  GET config:app → %s\n", truncate(string(cur.GetValue()), 50))
	}

	// Range scan via forward cursor traversal
	fmt.Println("\n[Range scan - session:* keys]")
	cur.Reset()
	count := 0
	for cur.Next() {
		key := string(cur.GetKey())
		if !strings.HasPrefix(key, "session:") {
			continue
		}
		fmt.Printf("    %s → %s\n", key, truncate(string(cur.GetValue()), 40))
		count++
	}
	fmt.Printf("  Total: %d keys in range\n", count)
	cur.Close()

	// Checkpoint and report counters
	fmt.Println("\n[Checkpoint + block-manager stats]")
	if err := s.Checkpoint(uri); err != nil {
		log.Printf("Error checkpointing: %v", err)
	} else {
		fmt.Println("  checkpoint committed")
	}
	st, err := s.Stat(uri)
	if err != nil {
		log.Printf("Error reading stats: %v", err)
	} else {
		fmt.Printf("  Pages in cache: %d\n", st.Cache.PagesInUse.Load())
		fmt.Printf("  Block file size: %d bytes\n", st.Block.FileSize)
		fmt.Printf("  Allocated bytes: %d\n", st.Block.AllocBytes)
	}

	fmt.Println("\n✓ ArchEngine advantages:")
	fmt.Println("  • Snapshot-isolated concurrent readers and writers")
	fmt.Println("  • Crash-consistent checkpoints via the block manager")
	fmt.Println("  • In-place page updates with bounded, evictable memory")
	fmt.Println("  • No compaction required for point workloads")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
