// Command snops-migrate bumps pkg/storage's bbolt envelope schema versions
// offline, adapted from the teacher's cmd/warren-migrate: stdlib flag and
// log instead of cobra/zerolog, since this is a one-shot operator tool run
// against a stopped control plane rather than a long-lived service.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "./snops-data", "snops data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to back up the database before migration (default: <data-dir>/snops.db.backup)")
	target     = flag.Int("target-version", 2, "Schema version to migrate envelopes to")
)

// envelope mirrors pkg/storage's unexported wire format: every record is
// wrapped with the schema version it was written under.
type envelope struct {
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// bucket names must match pkg/storage/boltdb.go exactly; duplicated here
// rather than imported since the storage package keeps them unexported.
var buckets = []string{"agents", "environments", "storage", "cannons", "trackers"}

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("snops database migration tool - envelope schema bump")
	log.Println("=====================================================")

	dbPath := filepath.Join(*dataDir, "snops.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Target schema version: %d", *target)
	log.Printf("Dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	for _, name := range buckets {
		if err := bumpBucket(db, name, *target, *dryRun); err != nil {
			log.Fatalf("Migration failed on bucket %s: %v", name, err)
		}
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
	} else {
		log.Println("\n✓ Migration completed successfully!")
	}
}

// bumpBucket rewrites every envelope in name whose version is older than
// target to target, leaving the payload untouched. Envelopes already at or
// above target are left alone, so the tool is safe to run repeatedly.
func bumpBucket(db *bolt.DB, name string, target int, dryRun bool) error {
	bucketName := []byte(name)

	var total, stale int
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			log.Printf("✓ Bucket %q does not exist, skipping", name)
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			total++
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				log.Printf("⚠ Warning: skipping malformed record %s/%s: %v", name, k, err)
				return nil
			}
			if env.Version < target {
				stale++
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	log.Printf("Bucket %q: %d records, %d below target version", name, total, stale)
	if stale == 0 {
		return nil
	}
	if dryRun {
		log.Printf("[DRY RUN] Would bump %d records in %q to version %d", stale, name, target)
		return nil
	}

	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		migrated := 0
		err := b.ForEach(func(k, v []byte) error {
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return nil
			}
			if env.Version >= target {
				return nil
			}
			env.Version = target
			out, err := json.Marshal(env)
			if err != nil {
				return fmt.Errorf("re-encode %s/%s: %w", name, k, err)
			}
			if err := b.Put(k, out); err != nil {
				return fmt.Errorf("write %s/%s: %w", name, k, err)
			}
			migrated++
			return nil
		})
		if err != nil {
			return err
		}
		log.Printf("✓ Bumped %d/%d records in %q to version %d", migrated, stale, name, target)
		return nil
	})
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
