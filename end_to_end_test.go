package sqlitecluster_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Crazee/Bedrock"
	"github.com/Crazee/Bedrock/internal/testingutil"
)

// TestParallelPrepareSerialization exercises scenario 2 from the testable
// properties: two facades each run a full begin/write/prepare/commit cycle
// concurrently. The engine's own write lock (not Prepare) is what actually
// serializes them — whichever handle's Write reaches the lock first runs
// its whole cycle to completion before the other's Write can proceed — but
// the Coordinator must still hand out a contiguous pair of commit ids with
// no gap regardless of which handle wins that race.
func TestParallelPrepareSerialization(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "race.sqlite3")
	coord := sqlitecluster.NewCoordinator()

	db0 := testingutil.OpenDB(t, sqlitecluster.Options{Filename: path, ShardID: 0, MaxShardID: 1, Coordinator: coord})
	mustVerifyTable(t, db0)
	db1 := testingutil.OpenSiblingDB(t, db0, path, 1, 1, coord)

	var wg sync.WaitGroup
	wg.Add(2)

	run := func(db *sqlitecluster.DB, val int) {
		defer wg.Done()
		if err := db.BeginConcurrent(ctx); err != nil {
			t.Errorf("begin_concurrent: %s", err)
			return
		}
		if err := db.Write(ctx, fmt.Sprintf("INSERT INTO t (id, a) VALUES (%d, 'v')", val)); err != nil {
			t.Errorf("write: %s", err)
			return
		}
		if err := db.Prepare(ctx); err != nil {
			t.Errorf("prepare: %s", err)
			return
		}
		if _, err := db.Commit(ctx); err != nil {
			t.Errorf("commit: %s", err)
			return
		}
	}

	go run(db0, 1)
	go run(db1, 2)
	wg.Wait()

	if coord.CommitCount() != 2 {
		t.Fatalf("final commit count = %d, want 2", coord.CommitCount())
	}

	rows, err := db0.GetCommits(ctx, 1, 2)
	if err != nil {
		t.Fatalf("GetCommits: %s", err)
	}
	if len(rows) != 2 || rows[0].ID != 1 || rows[1].ID != 2 {
		t.Fatalf("GetCommits(1,2) = %+v, want ids {1,2} with no gap", rows)
	}
}

// TestWriteBlocksSiblingUntilCommit exercises the engine's own write lock
// across two facades sharing one Coordinator. The linked engine build grants
// only one connection the write lock at a time, so it is db1's first Write
// — not its Prepare — that blocks while db0 holds an open write transaction;
// once db0 commits, db1's Write is free to proceed and the rest of its
// cycle completes normally.
func TestWriteBlocksSiblingUntilCommit(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "block.sqlite3")
	coord := sqlitecluster.NewCoordinator()

	db0 := testingutil.OpenDB(t, sqlitecluster.Options{Filename: path, ShardID: 0, MaxShardID: 1, Coordinator: coord})
	mustVerifyTable(t, db0)
	db1 := testingutil.OpenSiblingDB(t, db0, path, 1, 1, coord)

	if err := db0.Begin(ctx); err != nil {
		t.Fatalf("db0 begin: %s", err)
	}
	if err := db0.Write(ctx, "INSERT INTO t (id, a) VALUES (1, 'x')"); err != nil {
		t.Fatalf("db0 write: %s", err)
	}

	if err := db1.BeginConcurrent(ctx); err != nil {
		t.Fatalf("db1 begin_concurrent: %s", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := db1.Write(shortCtx, "INSERT INTO t (id, a) VALUES (2, 'y')"); err == nil {
		t.Fatal("db1 write succeeded while db0 held an open write transaction")
	}
	if !db1.InsideTransaction() {
		t.Fatal("db1's transaction was discarded by a failed write; it should still be open for retry or rollback")
	}

	if err := db0.Prepare(ctx); err != nil {
		t.Fatalf("db0 prepare: %s", err)
	}
	if _, err := db0.Commit(ctx); err != nil {
		t.Fatalf("db0 commit: %s", err)
	}

	longCtx, cancel2 := context.WithTimeout(ctx, 2*time.Second)
	defer cancel2()
	if err := db1.Write(longCtx, "INSERT INTO t (id, a) VALUES (2, 'y')"); err != nil {
		t.Fatalf("db1 write after db0's commit: %s", err)
	}
	if err := db1.Prepare(ctx); err != nil {
		t.Fatalf("db1 prepare: %s", err)
	}
	if _, err := db1.Commit(ctx); err != nil {
		t.Fatalf("db1 commit: %s", err)
	}

	if coord.CommitCount() != 2 {
		t.Fatalf("final commit count = %d, want 2", coord.CommitCount())
	}
}
