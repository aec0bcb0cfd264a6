package sqlitecluster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// Options configures Open. Coordinator, if nil, causes Open to construct a
// fresh one for this process (useful for a single-process test or a
// standalone primary with no peers); in a real cluster the caller
// constructs exactly one Coordinator and passes it to every Facade.
type Options struct {
	Filename       string
	CacheSize      int           // SQLite page cache size, in pages; 0 leaves the engine default
	AutoCheckpoint int           // WAL auto-checkpoint threshold, in pages; 0 leaves the engine default
	BusyTimeout    time.Duration // how long a blocked write waits on another connection's lock; 0 defaults to 5s
	MaxJournalSize uint64        // rows beyond this, in the local shard, become eligible for truncation; 0 disables truncation
	ShardID        int           // -1 for the unsharded "journal" table, else this facade's own journalNNNN shard
	MaxShardID     int           // highest shard id to verify/union across; Open raises it to ShardID if lower
	Coordinator    *Coordinator

	// Now returns the current time; overridable for tests.
	Now func() time.Time
}

// DB is a per-goroutine handle onto a shared SQLite file. Reads and writes
// go through db's own engine connection; commits are serialized across
// every DB sharing the same Coordinator.
type DB struct {
	id          string // session id, for logs and metrics
	coordinator *Coordinator
	path        string
	shardID     int
	ownShard    string
	allShards   []string

	maxJournalSize uint64

	sqldb      *sql.DB
	driverName string

	whitelistMu sync.Mutex
	whitelist   Whitelist

	tx          txContext
	commitGuard *CommitGuard // held between a successful Prepare and the matching Commit/Rollback

	lastInsertRowID int64
	changeCount     int64 // running total of RowsAffected across this handle's lifetime
	lastWriteChange int64

	mu        sync.Mutex // guards lastError
	lastError error

	now func() time.Time

	name string // metric/log label; derived from path + shard
}

// Open opens (creating as necessary) the journal shards from -1 up to
// opts.MaxShardID, verifies their schema, and returns a Facade ready to
// read and write. The returned DB owns its own *sql.DB with exactly one
// connection, matching the embedded engine's single-writer contract.
func Open(ctx context.Context, opts Options) (*DB, error) {
	if opts.Filename == "" {
		return nil, fmt.Errorf("sqlitecluster: filename required")
	}
	if opts.MaxShardID < opts.ShardID {
		opts.MaxShardID = opts.ShardID
	}
	if opts.Coordinator == nil {
		Logger.Printf("WARNING: no coordinator supplied, constructing a process-local one (for testing only)")
		opts.Coordinator = NewCoordinator()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	busyTimeout := opts.BusyTimeout
	if busyTimeout == 0 {
		busyTimeout = 5 * time.Second
	}

	db := &DB{
		id:             uuid.New().String(),
		coordinator:    opts.Coordinator,
		path:           opts.Filename,
		shardID:        opts.ShardID,
		ownShard:       shardName(opts.ShardID),
		maxJournalSize: opts.MaxJournalSize,
		now:            now,
		name:           fmt.Sprintf("%s#%s", opts.Filename, shardName(opts.ShardID)),
	}
	for _, id := range shardIDs(opts.MaxShardID) {
		db.allShards = append(db.allShards, shardName(id))
	}

	db.driverName = registerAuthorizingDriver(db)

	sqldb, err := sql.Open(db.driverName, opts.Filename)
	if err != nil {
		return nil, fmt.Errorf("sqlitecluster: open %s: %w", opts.Filename, err)
	}
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	db.sqldb = sqldb

	if _, err := sqldb.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitecluster: set journal_mode: %w", err)
	}
	if _, err := sqldb.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds())); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitecluster: set busy_timeout: %w", err)
	}

	if opts.CacheSize != 0 {
		if _, err := sqldb.ExecContext(ctx, fmt.Sprintf("PRAGMA cache_size = %d", opts.CacheSize)); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitecluster: set cache_size: %w", err)
		}
	}
	if opts.AutoCheckpoint != 0 {
		if _, err := sqldb.ExecContext(ctx, fmt.Sprintf("PRAGMA wal_autocheckpoint = %d", opts.AutoCheckpoint)); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitecluster: set wal_autocheckpoint: %w", err)
		}
	}

	if err := ensureJournalShards(ctx, sqldb, opts.MaxShardID); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitecluster: ensure journal shards: %w", err)
	}

	maxID, hash, err := maxCommitIDAndHash(ctx, sqldb, db.allShards)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitecluster: read initial commit state: %w", err)
	}
	db.coordinator.seedFromJournal(maxID, hash)

	return db, nil
}

// Close releases the underlying engine connection. It does not roll back
// an in-progress transaction; callers must do that first.
func (db *DB) Close() error {
	if db.sqldb == nil {
		return nil
	}
	return db.sqldb.Close()
}

// Name returns a label identifying this facade (its path and shard) for
// logs and metrics.
func (db *DB) Name() string { return db.name }

// setLastError records err (which may be nil) as the facade's last error.
func (db *DB) setLastError(err error) error {
	db.mu.Lock()
	db.lastError = err
	db.mu.Unlock()
	return err
}

// LastError returns the error from the most recent operation that failed,
// or nil if the most recent operation succeeded.
func (db *DB) LastError() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.lastError
}

// InsideTransaction reports whether a begin has run without a matching
// commit or rollback.
func (db *DB) InsideTransaction() bool { return db.tx.insideTx }

// GetUncommittedQuery returns the concatenation of every write statement
// executed within the current, uncommitted transaction.
func (db *DB) GetUncommittedQuery() string { return db.tx.uncommittedQuery }

// GetUncommittedHash returns the hash the chain would advance to if the
// current transaction were committed right now. Empty until Prepare runs.
func (db *DB) GetUncommittedHash() string { return db.tx.uncommittedHash }

// GetCommitCount returns the coordinator's current commit-id counter.
func (db *DB) GetCommitCount() uint64 { return db.coordinator.CommitCount() }

// GetCommittedHash returns the coordinator's currently published committed
// hash.
func (db *DB) GetCommittedHash() string { return db.coordinator.CommittedHash() }

// GetLastInsertRowID returns the ROWID of the most recent insert performed
// through this handle.
func (db *DB) GetLastInsertRowID() int64 { return db.lastInsertRowID }

// GetChangeCount returns the total number of rows changed by writes
// performed through this handle over its lifetime.
func (db *DB) GetChangeCount() int64 { return db.changeCount }

// GetLastWriteChangeCount returns the number of rows changed by the most
// recent write statement performed through this handle.
func (db *DB) GetLastWriteChangeCount() int64 { return db.lastWriteChange }

// GetLastTransactionTiming returns the phase timings of the most recently
// completed transaction on this handle.
func (db *DB) GetLastTransactionTiming() Timings { return db.tx.last }

// Read performs a read-only query, inside or outside a transaction. It is
// filtered by the authorizer like any other statement, but never touches
// the journal or the commit-id counter.
func (db *DB) Read(ctx context.Context, query string) (*sql.Rows, error) {
	start := db.now()
	defer db.tx.record(&db.tx.current.Read, start)

	rows, err := db.sqldb.QueryContext(ctx, query)
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.Code == sqlite3.ErrAuth {
			return nil, db.setLastError(fmt.Errorf("read: %w: %w", ErrAuthorizationDenied, err))
		}
		return nil, db.setLastError(fmt.Errorf("read: %w", err))
	}
	db.setLastError(nil)
	return rows, nil
}

// ReadOne performs a read-only query and returns the first column of the
// first row, or "" if the query returned no rows.
func (db *DB) ReadOne(ctx context.Context, query string) (string, error) {
	rows, err := db.Read(ctx, query)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	if !rows.Next() {
		return "", rows.Err()
	}

	var raw sql.RawBytes
	if err := rows.Scan(&raw); err != nil {
		return "", db.setLastError(fmt.Errorf("read one: scan: %w", err))
	}
	return string(raw), nil
}

// Begin starts a new transaction with BEGIN. Fails with
// ErrAlreadyInTransaction if one is already open.
func (db *DB) Begin(ctx context.Context) error {
	return db.beginWith(ctx, false)
}

// BeginConcurrent starts a new transaction the same way Begin does (the
// linked engine build has no true BEGIN CONCURRENT; see Prepare), but also
// records this handle's PRAGMA data_version as a baseline. Prepare rechecks
// that baseline and fails with ErrConcurrentConflict if another connection
// committed in between, rather than silently proceeding against a stale
// read. It does not grant write/write concurrency with a sibling handle
// before either reaches Prepare: this handle's first Write still blocks on
// the engine's own file lock (bounded by the busy_timeout set in Open)
// until any other open write transaction ends.
func (db *DB) BeginConcurrent(ctx context.Context) error {
	return db.beginWith(ctx, true)
}

func (db *DB) beginWith(ctx context.Context, concurrent bool) error {
	if db.tx.insideTx {
		return db.setLastError(ErrAlreadyInTransaction)
	}

	start := db.now()
	if _, err := db.sqldb.ExecContext(ctx, "BEGIN"); err != nil {
		return db.setLastError(fmt.Errorf("begin: %w", err))
	}

	var baseDataVersion int64
	if concurrent {
		v, err := db.readDataVersion(ctx)
		if err != nil {
			db.sqldb.ExecContext(ctx, "ROLLBACK")
			return db.setLastError(fmt.Errorf("begin: read data_version: %w", err))
		}
		baseDataVersion = v
	}

	db.tx.begin()
	db.tx.concurrent = concurrent
	db.tx.baseDataVersion = baseDataVersion
	db.tx.record(&db.tx.current.Begin, start)
	return db.setLastError(nil)
}

// readDataVersion returns the current value of PRAGMA data_version, which
// increases whenever a connection other than this one commits a change to
// the database file.
func (db *DB) readDataVersion(ctx context.Context) (int64, error) {
	var v int64
	row := db.sqldb.QueryRowContext(ctx, "PRAGMA data_version")
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// Write adds a read/write statement to the current transaction. Requires
// an open transaction. Fails with ErrReadOnlyViolation under a whitelist,
// before the statement reaches the engine.
func (db *DB) Write(ctx context.Context, query string) error {
	if !db.tx.insideTx {
		return db.setLastError(ErrNotInTransaction)
	}
	if db.getWhitelist() != nil {
		return db.setLastError(ErrReadOnlyViolation)
	}

	start := db.now()
	result, err := db.sqldb.ExecContext(ctx, query)
	db.tx.record(&db.tx.current.Write, start)
	if err != nil {
		return db.setLastError(fmt.Errorf("write: %w", err))
	}

	if n, err := result.RowsAffected(); err == nil {
		db.lastWriteChange = n
		db.changeCount += n
	}
	if id, err := result.LastInsertId(); err == nil {
		db.lastInsertRowID = id
	}

	db.tx.appendWrite(query)
	dbWriteCount.WithLabelValues(db.name, db.id).Inc()
	return db.setLastError(nil)
}

// Prepare claims the next commit-id under the commit lock, computes the
// hash the chain will advance to, appends the accumulated write query to
// this facade's own journal shard, and registers the transaction in the
// coordinator's in-flight registry. The commit lock is held on return and
// is released by the matching Commit or Rollback.
func (db *DB) Prepare(ctx context.Context) error {
	if !db.tx.insideTx {
		return db.setLastError(ErrNotInTransaction)
	}

	start := db.now()

	if db.tx.concurrent {
		v, err := db.readDataVersion(ctx)
		if err != nil {
			Logger.Printf("sqlitecluster: %s[%s]: prepare: read data_version: %s", db.name, db.id, err)
			return db.setLastError(fmt.Errorf("prepare: read data_version: %w", err))
		}
		if v != db.tx.baseDataVersion {
			Logger.Printf("sqlitecluster: %s[%s]: prepare: concurrent conflict", db.name, db.id)
			return db.setLastError(ErrConcurrentConflict)
		}
	}

	guard, _, err := db.coordinator.Lock(ctx)
	if err != nil {
		Logger.Printf("sqlitecluster: %s[%s]: prepare: acquire commit lock: %s", db.name, db.id, err)
		return db.setLastError(fmt.Errorf("prepare: acquire commit lock: %w", err))
	}
	db.commitGuard = guard
	db.tx.holdsCommitLock = true

	committedHash := db.coordinator.CommittedHash()
	id := db.coordinator.nextCommitID()
	hash := chainHash(committedHash, db.tx.uncommittedQuery)

	if err := appendJournalRow(ctx, db.sqldb, db.ownShard, id, db.tx.uncommittedQuery, hash); err != nil {
		db.commitGuard.Unlock()
		db.commitGuard = nil
		db.tx.holdsCommitLock = false
		Logger.Printf("sqlitecluster: %s[%s]: prepare: %s", db.name, db.id, err)
		return db.setLastError(fmt.Errorf("prepare: %w", err))
	}

	db.coordinator.registerPrepared(id, db.tx.uncommittedQuery, hash)
	db.tx.preparedID = id
	db.tx.uncommittedHash = hash

	db.tx.record(&db.tx.current.Prepare, start)
	return db.setLastError(nil)
}

// Commit issues COMMIT to the engine. Requires Prepare to have run. On
// success, publishes the new commit-id and hash and releases the commit
// lock. On a busy/conflict result from the engine, the in-flight entry and
// the commit lock are both retained unchanged so the caller can retry
// Commit or call Rollback.
func (db *DB) Commit(ctx context.Context) (ResultCode, error) {
	if !db.tx.holdsCommitLock {
		return 0, db.setLastError(ErrNotPrepared)
	}

	start := db.now()
	_, execErr := db.sqldb.ExecContext(ctx, "COMMIT")
	db.tx.record(&db.tx.current.Commit, start)

	code, recognized := resultCodeFromErr(execErr)
	if !recognized {
		Logger.Printf("sqlitecluster: %s[%s]: commit: %s", db.name, db.id, execErr)
		return 0, db.setLastError(fmt.Errorf("commit: %w", execErr))
	}
	if code.Retryable() {
		// In-flight entry and commit lock both remain held; the caller
		// decides whether to retry Commit or call Rollback.
		return code, db.setLastError(execErr)
	}
	if execErr != nil {
		Logger.Printf("sqlitecluster: %s[%s]: commit: %s", db.name, db.id, execErr)
		return code, db.setLastError(fmt.Errorf("commit: %w", execErr))
	}

	db.coordinator.publishCommit(db.tx.preparedID, db.tx.uncommittedHash)
	dbCommitDurationSeconds.WithLabelValues(db.name, db.id).Observe(db.tx.current.Commit.Seconds())

	db.maybeTruncate(ctx)

	db.commitGuard.Unlock()
	db.commitGuard = nil
	db.tx.finish()
	return ResultOK, db.setLastError(nil)
}

// Rollback issues ROLLBACK to the engine, discards any in-flight entry
// from a prior Prepare, and releases the commit lock if held. It always
// leaves the facade in the Idle state, even when the engine's ROLLBACK
// fails; that engine error, if any, is returned.
func (db *DB) Rollback(ctx context.Context) error {
	start := db.now()
	_, execErr := db.sqldb.ExecContext(ctx, "ROLLBACK")
	db.tx.record(&db.tx.current.Rollback, start)

	if db.tx.holdsCommitLock {
		db.coordinator.forgetPrepared(db.tx.preparedID)
		db.commitGuard.Unlock()
		db.commitGuard = nil
	}
	if execErr != nil {
		Logger.Printf("sqlitecluster: %s[%s]: rollback: %s", db.name, db.id, execErr)
	}

	db.tx.finish()
	return db.setLastError(execErr)
}

// maybeTruncate prunes the local shard if it has grown past
// maxJournalSize, never removing a row still referenced by the in-flight
// registry. Must be called while the commit lock is held (Commit calls it
// before releasing the guard).
func (db *DB) maybeTruncate(ctx context.Context) {
	if db.maxJournalSize == 0 {
		return
	}
	floor := db.coordinator.truncationFloor()
	if err := truncateShard(ctx, db.sqldb, db.ownShard, db.maxJournalSize, floor); err != nil {
		Logger.Printf("sqlitecluster: %s: truncate: %s", db.name, err)
	}
}

// VerifyTable verifies that a table named name exists with SQL text
// matching schemaSQL (a full CREATE TABLE statement), creating it if
// missing. Returns created=true if the table had to be created, and fails
// with ErrSchemaMismatch if it exists with different SQL.
func (db *DB) VerifyTable(ctx context.Context, name, schemaSQL string) (ok, created bool, err error) {
	created, err = verifyOrCreateTable(ctx, db.sqldb, name, schemaSQL)
	if err != nil {
		return false, false, db.setLastError(err)
	}
	return true, created, db.setLastError(nil)
}

// AddColumn adds a column to an existing table. It is a no-op if the
// column already exists.
func (db *DB) AddColumn(ctx context.Context, table, column, colType string) error {
	rows, err := db.sqldb.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return db.setLastError(fmt.Errorf("add column: read schema: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var colName, colType2 string
		var notNull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &colName, &colType2, &notNull, &dfltValue, &pk); err != nil {
			return db.setLastError(fmt.Errorf("add column: scan schema: %w", err))
		}
		if colName == column {
			return db.setLastError(nil) // already present
		}
	}
	if err := rows.Err(); err != nil {
		return db.setLastError(fmt.Errorf("add column: read schema: %w", err))
	}

	_, err = db.sqldb.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, colType))
	if err != nil {
		return db.setLastError(fmt.Errorf("add column: %w", err))
	}
	return db.setLastError(nil)
}

// GetCommit looks up a single journal row by commit-id across every
// shard this facade is configured to union over.
func (db *DB) GetCommit(ctx context.Context, id uint64) (query, hash string, ok bool, err error) {
	query, hash, ok, err = getCommit(ctx, db.sqldb, db.allShards, id)
	if err != nil {
		return "", "", false, db.setLastError(err)
	}
	return query, hash, ok, db.setLastError(nil)
}

// GetCommits returns every journal row with id in [from, to], across every
// shard this facade is configured to union over, sorted ascending.
func (db *DB) GetCommits(ctx context.Context, from, to uint64) ([]JournalRow, error) {
	rows, err := getCommits(ctx, db.sqldb, db.allShards, from, to)
	if err != nil {
		return nil, db.setLastError(err)
	}
	return rows, db.setLastError(nil)
}
