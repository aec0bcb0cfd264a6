// Package sqlitecluster turns a per-goroutine SQLite handle into a
// primitive for a replicated cluster. It extends each local commit with a
// SHA-1 running hash, records every committed write statement in an
// append-only sharded journal so peers can replay it, and coordinates many
// concurrent writer goroutines so that commit identifiers stay strictly
// monotonic while statement execution itself runs in parallel.
//
// The network listener, the consensus/replication peer that drains the
// journal, request dispatch, configuration loading, and user-defined SQL
// functions are all out of scope; this package defines the local contract
// those layers rely on.
package sqlitecluster

import (
	"errors"
	"log"

	"github.com/mattn/go-sqlite3"
)

// Errors returned by the facade. Non-fatal errors leave the transaction
// recoverable; only ErrSchemaMismatch is fatal (to Open).
var (
	// ErrSchemaMismatch is returned by Open/VerifyTable when an existing
	// journal or user table exists with SQL differing from what was expected.
	ErrSchemaMismatch = errors.New("sqlitecluster: schema mismatch")

	// ErrAuthorizationDenied is returned (wrapped) by Read/ReadOne when the
	// authorizer rejects the statement, either because of a whitelist
	// violation or a disallowed action (ATTACH, PRAGMA, function call).
	ErrAuthorizationDenied = errors.New("sqlitecluster: authorization denied")

	// ErrAlreadyInTransaction is returned by Begin/BeginConcurrent when a
	// transaction is already open on this handle.
	ErrAlreadyInTransaction = errors.New("sqlitecluster: already in transaction")

	// ErrNotInTransaction is returned by Write/Prepare when no transaction
	// is open on this handle.
	ErrNotInTransaction = errors.New("sqlitecluster: not in transaction")

	// ErrReadOnlyViolation is returned by Write when the handle is in
	// whitelist (restrictive) mode.
	ErrReadOnlyViolation = errors.New("sqlitecluster: read-only violation")

	// ErrNotPrepared is returned by Commit when Prepare has not been called
	// for the current transaction.
	ErrNotPrepared = errors.New("sqlitecluster: transaction not prepared")

	// ErrConcurrentConflict is returned by Prepare when a transaction begun
	// with BeginConcurrent finds that another connection committed a change
	// since its snapshot was taken.
	ErrConcurrentConflict = errors.New("sqlitecluster: concurrent conflict")
)

// ResultCode is a raw SQLite result code, as returned by Commit. It lets
// callers distinguish ok/busy/conflict from the engine verbatim rather than
// collapsing every non-success case into a generic error.
type ResultCode int

// Result codes Commit may surface, mirrored from the driver's own ErrNo
// values so callers never have to import the driver package themselves.
var (
	ResultOK         = ResultCode(0)
	ResultBusy       = ResultCode(sqlite3.ErrBusy)
	ResultLocked     = ResultCode(sqlite3.ErrLocked)
	ResultIOErr      = ResultCode(sqlite3.ErrIoErr)
	ResultConstraint = ResultCode(sqlite3.ErrConstraint)
)

// String returns a human-readable name for the result code.
func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "OK"
	case ResultBusy:
		return "BUSY"
	case ResultLocked:
		return "LOCKED"
	case ResultIOErr:
		return "IOERR"
	case ResultConstraint:
		return "CONSTRAINT"
	default:
		return sqlite3.ErrNo(c).Error()
	}
}

// Retryable reports whether the result code represents a transient
// busy/locked condition that the caller may retry Commit against, as
// opposed to a hard failure that requires Rollback.
func (c ResultCode) Retryable() bool {
	return c == ResultBusy || c == ResultLocked
}

// Logger is where this package logs. Defaults to log.Default(); overwrite
// before calling Open to redirect or silence it.
var Logger = log.Default()

// resultCodeFromErr extracts the raw SQLite result code from err.
// Returns (ResultOK, true) for a nil err, (code, true) for a sqlite3.Error,
// and (0, false) for anything else (context cancellation, a closed
// connection, ...).
func resultCodeFromErr(err error) (ResultCode, bool) {
	if err == nil {
		return ResultOK, true
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return ResultCode(serr.Code), true
	}
	return 0, false
}

// assert panics if condition is false. Used only for invariants that
// indicate a programming error in this package; every recoverable runtime
// condition returns an error instead.
func assert(condition bool, msg string) {
	if !condition {
		panic("sqlitecluster: assertion failed: " + msg)
	}
}
