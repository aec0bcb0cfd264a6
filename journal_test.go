package sqlitecluster

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openTestSQLDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.sqlite3")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open: %s", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestShardNameAndShardIDs(t *testing.T) {
	if got := shardName(-1); got != "journal" {
		t.Fatalf("shardName(-1) = %q, want %q", got, "journal")
	}
	if got := shardName(0); got != "journal0000" {
		t.Fatalf("shardName(0) = %q, want %q", got, "journal0000")
	}
	if got := shardName(12); got != "journal0012" {
		t.Fatalf("shardName(12) = %q, want %q", got, "journal0012")
	}

	ids := shardIDs(2)
	want := []int{-1, 0, 1, 2}
	if len(ids) != len(want) {
		t.Fatalf("shardIDs(2) = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("shardIDs(2) = %v, want %v", ids, want)
		}
	}
}

func TestEnsureJournalShardsCreatesAllShards(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLDB(t)

	if err := ensureJournalShards(ctx, db, 1); err != nil {
		t.Fatalf("ensureJournalShards: %s", err)
	}

	for _, name := range []string{"journal", "journal0000", "journal0001"} {
		if created, err := verifyOrCreateTable(ctx, db, name, fmtSchema(name)); err != nil {
			t.Fatalf("verify %s: %s", name, err)
		} else if created {
			t.Fatalf("verify %s reported created=true on a table ensureJournalShards should have made", name)
		}
	}
}

func fmtSchema(name string) string {
	return "CREATE TABLE " + name + " (id INTEGER PRIMARY KEY, query TEXT, hash TEXT)"
}

func TestVerifyOrCreateTableDetectsMismatch(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLDB(t)

	if _, err := db.ExecContext(ctx, "CREATE TABLE t (id INTEGER)"); err != nil {
		t.Fatalf("create: %s", err)
	}

	_, err := verifyOrCreateTable(ctx, db, "t", "CREATE TABLE t (id INTEGER, extra TEXT)")
	if err == nil {
		t.Fatal("verifyOrCreateTable accepted a mismatched schema")
	}
}

func TestAppendAndGetCommit(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLDB(t)

	if err := ensureJournalShards(ctx, db, 0); err != nil {
		t.Fatalf("ensureJournalShards: %s", err)
	}

	if err := appendJournalRow(ctx, db, "journal", 1, "INSERT INTO t VALUES(1);", "hash1"); err != nil {
		t.Fatalf("appendJournalRow: %s", err)
	}
	if err := appendJournalRow(ctx, db, "journal0000", 2, "INSERT INTO t VALUES(2);", "hash2"); err != nil {
		t.Fatalf("appendJournalRow: %s", err)
	}

	shards := []string{"journal", "journal0000"}

	query, hash, ok, err := getCommit(ctx, db, shards, 2)
	if err != nil {
		t.Fatalf("getCommit: %s", err)
	}
	if !ok || query != "INSERT INTO t VALUES(2);" || hash != "hash2" {
		t.Fatalf("getCommit(2) = (%q, %q, %v), want (INSERT INTO t VALUES(2);, hash2, true)", query, hash, ok)
	}

	if _, _, ok, err := getCommit(ctx, db, shards, 99); err != nil {
		t.Fatalf("getCommit: %s", err)
	} else if ok {
		t.Fatal("getCommit(99) reported ok=true for a nonexistent id")
	}

	maxID, maxHash, err := maxCommitIDAndHash(ctx, db, shards)
	if err != nil {
		t.Fatalf("maxCommitIDAndHash: %s", err)
	}
	if maxID != 2 || maxHash != "hash2" {
		t.Fatalf("maxCommitIDAndHash = (%d, %q), want (2, hash2)", maxID, maxHash)
	}

	rows, err := getCommits(ctx, db, shards, 1, 2)
	if err != nil {
		t.Fatalf("getCommits: %s", err)
	}
	if len(rows) != 2 || rows[0].ID != 1 || rows[1].ID != 2 {
		t.Fatalf("getCommits(1,2) = %+v, want ids [1,2] ascending", rows)
	}
}

func TestMaxCommitIDAndHashOnEmptyShards(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLDB(t)
	if err := ensureJournalShards(ctx, db, 0); err != nil {
		t.Fatalf("ensureJournalShards: %s", err)
	}

	id, hash, err := maxCommitIDAndHash(ctx, db, []string{"journal", "journal0000"})
	if err != nil {
		t.Fatalf("maxCommitIDAndHash: %s", err)
	}
	if id != 0 || hash != "" {
		t.Fatalf("maxCommitIDAndHash on empty shards = (%d, %q), want (0, \"\")", id, hash)
	}
}

func TestTruncateShardRespectsFloor(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLDB(t)
	if err := ensureJournalShards(ctx, db, -1); err != nil {
		t.Fatalf("ensureJournalShards: %s", err)
	}

	for id := uint64(1); id <= 10; id++ {
		if err := appendJournalRow(ctx, db, "journal", id, "q", "h"); err != nil {
			t.Fatalf("appendJournalRow(%d): %s", id, err)
		}
	}

	// maxJournalSize=3 would normally want to prune everything below 7,
	// but floor=5 (something in-flight still references commit 5) must
	// win.
	if err := truncateShard(ctx, db, "journal", 3, 5); err != nil {
		t.Fatalf("truncateShard: %s", err)
	}

	rows, err := getCommits(ctx, db, []string{"journal"}, 0, 100)
	if err != nil {
		t.Fatalf("getCommits: %s", err)
	}
	if len(rows) == 0 || rows[0].ID != 5 {
		t.Fatalf("after truncate, lowest remaining id = %v, want 5", rows)
	}
}

func TestUnionQuery(t *testing.T) {
	got := unionQuery([]string{"SELECT * FROM "}, true, []string{"journal", "journal0000"})
	want := "SELECT * FROM journal UNION SELECT * FROM journal0000"
	if got != want {
		t.Fatalf("unionQuery = %q, want %q", got, want)
	}
}
