package sqlitecluster

import (
	"strings"
	"time"
)

// Timings records the wall-clock duration of each phase of the most
// recently completed (or in-progress) transaction on a Facade.
type Timings struct {
	Begin, Read, Write, Prepare, Commit, Rollback time.Duration
}

// txContext holds the per-Facade state of one in-progress transaction:
// the accumulated write statements, the hash they would produce if
// committed, whether a begin/prepare has run, and phase timings. It holds
// no reference to the engine or the coordinator — those are driven from
// DB's methods, which read and mutate this struct directly.
type txContext struct {
	insideTx        bool
	holdsCommitLock bool

	concurrent      bool  // true if begun with BeginConcurrent
	baseDataVersion int64 // PRAGMA data_version at begin time, valid only if concurrent

	uncommittedQuery string
	uncommittedHash  string
	preparedID       uint64 // valid only while holdsCommitLock

	current Timings // accumulating for the in-progress transaction
	last    Timings // snapshot of the most recently completed transaction
}

// reset clears all per-transaction state, as begin() does on a fresh
// transaction and rollback()/commit() do once the transaction concludes.
func (tx *txContext) reset() {
	tx.insideTx = false
	tx.holdsCommitLock = false
	tx.concurrent = false
	tx.baseDataVersion = 0
	tx.uncommittedQuery = ""
	tx.uncommittedHash = ""
	tx.preparedID = 0
}

// begin marks the transaction as open and clears accumulated state. It
// does not check insideTx; callers must do that (Begin/BeginConcurrent
// return ErrAlreadyInTransaction before calling this).
func (tx *txContext) begin() {
	tx.reset()
	tx.insideTx = true
}

// appendWrite appends query to the accumulated uncommitted query text,
// adding a trailing semicolon if absent.
func (tx *txContext) appendWrite(query string) {
	if !strings.HasSuffix(strings.TrimSpace(query), ";") {
		query += ";"
	}
	tx.uncommittedQuery += query
}

// finish snapshots current into last and resets per-transaction state.
// Called by commit (on success) and rollback.
func (tx *txContext) finish() {
	tx.last = tx.current
	tx.current = Timings{}
	tx.reset()
}

// record adds the time elapsed since start to the named phase's duration
// for the current transaction.
func (tx *txContext) record(phase *time.Duration, start time.Time) {
	*phase += time.Since(start)
}
