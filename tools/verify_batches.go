package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"

	"batchflow/config"
	"batchflow/db"
	"batchflow/filestore"
	"batchflow/logger"
)

// Reads every wal segment and, when the sqlite sink has a database on disk,
// checks that each logged batch is stored there with the same contents.
func main() {
	cfg := config.GetConfig()
	ctx := context.Background()

	walDir := filepath.Join(cfg.FileStore.BaseDir, filestore.WALDir)
	fmt.Printf("\n=== WAL segments in %s ===\n", walDir)
	segments, err := filestore.ListSegments(walDir)
	if err != nil {
		log.Fatalf("Failed to list segments: %v", err)
	}

	var store *db.SQLiteStore
	if _, err := os.Stat(cfg.SQLite.Path); err == nil {
		store, err = db.OpenSQLite(cfg.SQLite.Path, cfg.SQLite.Driver, logger.L())
		if err != nil {
			log.Fatalf("Failed to open sqlite store: %v", err)
		}
		defer store.Close()
	}

	var totalBatches, totalItems, mismatched int
	for _, seg := range segments {
		batches, err := filestore.ReadSegment(seg)
		if err != nil {
			log.Fatalf("Failed to read %s: %v", seg, err)
		}

		items := 0
		for _, b := range batches {
			items += b.Len()
			if store == nil {
				continue
			}
			stored, err := store.LoadBatch(ctx, b.ID)
			if err != nil {
				fmt.Printf("   ❌ batch %s: %v\n", b.ID, err)
				mismatched++
				continue
			}
			if !slices.Equal(stored.Contents(), b.Contents()) {
				fmt.Printf("   ❌ batch %s: contents differ (wal %d items, sqlite %d items)\n", b.ID, b.Len(), stored.Len())
				mismatched++
			}
		}
		fmt.Printf("✅ %s: %d batches, %d messages\n", filepath.Base(seg), len(batches), items)
		totalBatches += len(batches)
		totalItems += items
	}

	fmt.Printf("\nTotal: %d batches, %d messages in %d segments\n", totalBatches, totalItems, len(segments))

	if store != nil {
		batches, items, err := store.CountBatches(ctx)
		if err != nil {
			log.Fatalf("Failed to count sqlite batches: %v", err)
		}
		fmt.Printf("SQLite: %d batches, %d messages\n", batches, items)
	}

	if mismatched > 0 {
		log.Fatalf("%d batches did not match", mismatched)
	}
	fmt.Println("\n✨ Verification finished")
}
