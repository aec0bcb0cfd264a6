// Package testingutil provides helpers shared by sqlitecluster's tests: a
// per-test temp-dir SQLite file and a Coordinator wired to it.
package testingutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Crazee/Bedrock"
)

// OpenDB opens a fresh Facade backed by a file in tb's temp directory,
// with its own freshly constructed Coordinator. Cleanup closes it
// automatically.
func OpenDB(tb testing.TB, opts sqlitecluster.Options) *sqlitecluster.DB {
	tb.Helper()

	if opts.Filename == "" {
		opts.Filename = filepath.Join(tb.TempDir(), "db.sqlite3")
	}
	if opts.Coordinator == nil {
		opts.Coordinator = sqlitecluster.NewCoordinator()
	}

	db, err := sqlitecluster.Open(context.Background(), opts)
	if err != nil {
		tb.Fatalf("open: %s", err)
	}
	tb.Cleanup(func() {
		if err := db.Close(); err != nil {
			tb.Errorf("close: %s", err)
		}
	})
	return db
}

// OpenSiblingDB opens a second Facade against path and coord, which the
// caller passes as db's own file and Coordinator, simulating a second
// writer goroutine sharing one cluster. db itself is not read. shardID
// selects the new Facade's own journal shard.
func OpenSiblingDB(tb testing.TB, db *sqlitecluster.DB, path string, shardID, maxShardID int, coord *sqlitecluster.Coordinator) *sqlitecluster.DB {
	tb.Helper()
	return OpenDB(tb, sqlitecluster.Options{
		Filename:    path,
		ShardID:     shardID,
		MaxShardID:  maxShardID,
		Coordinator: coord,
	})
}
