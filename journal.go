package sqlitecluster

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// JournalRow is one row of a journal shard: the commit-id, the concatenated
// write statements committed at that id, and the running hash immediately
// after applying them.
type JournalRow struct {
	ID    uint64
	Query string
	Hash  string
}

// shardName returns the table name of the journal shard with the given id.
// -1 names the unsharded table "journal"; every other id names
// "journalNNNN", zero-padded to at least four digits.
func shardName(id int) string {
	if id == -1 {
		return "journal"
	}
	return fmt.Sprintf("journal%04d", id)
}

// shardIDs returns every shard id from -1 (the base "journal" table) up to
// and including maxShardID, in ascending order.
func shardIDs(maxShardID int) []int {
	ids := make([]int, 0, maxShardID+2)
	for id := -1; id <= maxShardID; id++ {
		ids = append(ids, id)
	}
	return ids
}

const journalSchemaSQL = "CREATE TABLE %s (id INTEGER PRIMARY KEY, query TEXT, hash TEXT)"

// execer is satisfied by *sql.DB, *sql.Conn, and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// verifyOrCreateTable verifies that a table named name exists with SQL text
// matching wantSQL (schema comparison is whitespace-insensitive). If the
// table is missing, it is created and (true, nil) is returned. If it exists
// with different SQL, ErrSchemaMismatch is returned.
func verifyOrCreateTable(ctx context.Context, x execer, name, wantSQL string) (created bool, err error) {
	var gotSQL string
	err = x.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&gotSQL)
	switch {
	case err == sql.ErrNoRows:
		if _, err := x.ExecContext(ctx, wantSQL); err != nil {
			return false, fmt.Errorf("create table %s: %w", name, err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("verify table %s: %w", name, err)
	case normalizeSQL(gotSQL) != normalizeSQL(wantSQL):
		return false, fmt.Errorf("%w: table %s", ErrSchemaMismatch, name)
	default:
		return false, nil
	}
}

// normalizeSQL collapses runs of whitespace so that cosmetic formatting
// differences don't register as a schema mismatch.
func normalizeSQL(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ensureJournalShards verifies (creating as necessary) every journal shard
// table from -1 up to maxShardID.
func ensureJournalShards(ctx context.Context, x execer, maxShardID int) error {
	for _, id := range shardIDs(maxShardID) {
		name := shardName(id)
		if _, err := verifyOrCreateTable(ctx, x, name, fmt.Sprintf(journalSchemaSQL, name)); err != nil {
			return err
		}
	}
	return nil
}

// unionQuery builds a UNION query across every named shard. For each shard
// name s, the per-shard fragment is parts[0] + s + parts[1] + s + ... +
// parts[len(parts)-1], with a trailing copy of s appended if append is
// true. The per-shard fragments are joined with "UNION".
//
// For example, unionQuery([]string{"SELECT * FROM "}, true, []string{"journal", "journal0000"})
// yields "SELECT * FROM journal UNION SELECT * FROM journal0000".
func unionQuery(parts []string, append bool, shardNames []string) string {
	assert(len(parts) > 0, "unionQuery requires at least one part")

	subqueries := make([]string, len(shardNames))
	for i, name := range shardNames {
		var b strings.Builder
		for j, part := range parts {
			b.WriteString(part)
			if j < len(parts)-1 {
				b.WriteString(name)
			}
		}
		if append {
			b.WriteString(name)
		}
		subqueries[i] = b.String()
	}
	return strings.Join(subqueries, " UNION ")
}

// maxCommitIDAndHash returns the highest commit-id and its associated hash
// across every journal shard in shardNames, or (0, "", nil) if every shard
// is empty.
func maxCommitIDAndHash(ctx context.Context, x execer, shardNames []string) (uint64, string, error) {
	query := unionQuery([]string{"SELECT id, hash FROM "}, true, shardNames)
	row := x.QueryRowContext(ctx, fmt.Sprintf("SELECT id, hash FROM (%s) ORDER BY id DESC LIMIT 1", query))

	var id uint64
	var hash string
	if err := row.Scan(&id, &hash); err == sql.ErrNoRows {
		return 0, "", nil
	} else if err != nil {
		return 0, "", fmt.Errorf("max commit id and hash: %w", err)
	}
	return id, hash, nil
}

// appendJournalRow inserts a single row into the named shard.
func appendJournalRow(ctx context.Context, x execer, shard string, id uint64, query, hash string) error {
	_, err := x.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id, query, hash) VALUES (?, ?, ?)", shard), id, query, hash)
	if err != nil {
		return fmt.Errorf("append journal row: shard=%s id=%d: %w", shard, id, err)
	}
	return nil
}

// getCommit looks up a single journal row by id across every shard in
// shardNames. ok is false if no row with that id exists.
func getCommit(ctx context.Context, x execer, shardNames []string, id uint64) (query, hash string, ok bool, err error) {
	q := unionQuery([]string{"SELECT query, hash FROM ", fmt.Sprintf(" WHERE id = %d", id)}, false, shardNames)
	row := x.QueryRowContext(ctx, q)
	if err := row.Scan(&query, &hash); err == sql.ErrNoRows {
		return "", "", false, nil
	} else if err != nil {
		return "", "", false, fmt.Errorf("get commit %d: %w", id, err)
	}
	return query, hash, true, nil
}

// getCommits returns every journal row with id in [from, to], across every
// shard in shardNames, sorted by id ascending.
func getCommits(ctx context.Context, x execer, shardNames []string, from, to uint64) ([]JournalRow, error) {
	q := unionQuery([]string{
		"SELECT id, query, hash FROM ",
		fmt.Sprintf(" WHERE id >= %d AND id <= %d", from, to),
	}, false, shardNames)

	rows, err := x.QueryContext(ctx, fmt.Sprintf("SELECT id, query, hash FROM (%s) ORDER BY id ASC", q))
	if err != nil {
		return nil, fmt.Errorf("get commits [%d,%d]: %w", from, to, err)
	}
	defer rows.Close()

	var out []JournalRow
	for rows.Next() {
		var r JournalRow
		if err := rows.Scan(&r.ID, &r.Query, &r.Hash); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// truncateShard removes rows from the local shard whose id is both older
// than maxJournalSize rows back from the current max, and strictly below
// floor. floor is the lowest commit-id still referenced by the in-flight
// registry (or the current commit count plus one, if the registry is empty); rows
// at or above floor are never pruned, per the conservative truncation
// policy described in DESIGN.md.
func truncateShard(ctx context.Context, x execer, shard string, maxJournalSize uint64, floor uint64) error {
	if maxJournalSize == 0 {
		return nil // truncation disabled
	}

	var maxID uint64
	err := x.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(id), 0) FROM %s", shard)).Scan(&maxID)
	if err != nil {
		return fmt.Errorf("truncate %s: read max id: %w", shard, err)
	}
	if maxID <= maxJournalSize {
		return nil
	}

	cutoff := maxID - maxJournalSize
	if floor < cutoff {
		cutoff = floor
	}
	if cutoff == 0 {
		return nil
	}

	if _, err := x.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id < ?", shard), cutoff); err != nil {
		return fmt.Errorf("truncate %s: %w", shard, err)
	}
	return nil
}
