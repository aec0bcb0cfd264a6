package sqlitecluster

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/mattn/go-sqlite3"
)

// Whitelist maps table name to the set of column names readable on that
// table. A non-nil Whitelist puts a Facade into restrictive mode: only
// reads of listed (table, column) pairs succeed; writes, ATTACH, every
// PRAGMA other than data_version, and function calls are all denied
// outright, even for tables/columns not otherwise mentioned.
type Whitelist map[string]map[string]struct{}

// allows reports whether table.column is readable under w.
func (w Whitelist) allows(table, column string) bool {
	cols, ok := w[table]
	if !ok {
		return false
	}
	_, ok = cols[column]
	return ok
}

// SQLite authorizer action codes, from sqlite3.h's
// SQLITE_{CREATE,DROP,...} constants (https://www.sqlite.org/c3ref/c_alter_table.html).
// go-sqlite3 doesn't re-export these, so they're declared locally.
const (
	actionCreateIndex   = 1
	actionCreateTable   = 2
	actionDelete        = 9
	actionDropIndex     = 10
	actionDropTable     = 11
	actionInsert        = 18
	actionPragma        = 19
	actionRead          = 20
	actionSelect        = 21
	actionTransaction   = 22
	actionUpdate        = 23
	actionAttach        = 24
	actionDetach        = 25
	actionAlterTable    = 26
	actionCreateVTable  = 29
	actionDropVTable    = 30
	actionFunction      = 31
	actionSavepoint     = 32
	actionRecursive     = 33
)

// SQLite authorizer return codes.
const (
	authOK    = 0
	authDeny  = 1
	authIgnore = 2
)

// authorize is the per-statement access filter registered with the engine
// for this Facade: with no whitelist, everything is allowed; with a
// whitelist set, only reads of listed (table, column) pairs are allowed,
// and every write, ATTACH, PRAGMA (except PRAGMA data_version), and
// function call is denied regardless of which table or function it names.
func (db *DB) authorize(action int, arg1, arg2, arg3 string) int {
	wl := db.getWhitelist()
	if wl == nil {
		return authOK
	}

	switch action {
	case actionSelect, actionTransaction, actionSavepoint, actionRecursive:
		// Statement-shape bookkeeping actions carry no table/column of
		// their own; they're required to run any whitelisted read at all.
		return authOK
	case actionRead:
		if wl.allows(arg1, arg2) {
			return authOK
		}
	case actionPragma:
		// PRAGMA data_version is BeginConcurrent/Prepare's own internal
		// staleness probe, not a user-issued statement; it exposes no table
		// data and has no side effects, so it's exempt from whitelist denial.
		if arg1 == "data_version" {
			return authOK
		}
	}

	dbAuthorizationDeniedCount.WithLabelValues(db.name, db.id).Inc()
	return authDeny
}

// getWhitelist returns the currently set whitelist, or nil if none is set.
func (db *DB) getWhitelist() Whitelist {
	db.whitelistMu.Lock()
	defer db.whitelistMu.Unlock()
	return db.whitelist
}

// SetWhitelist puts the Facade into restrictive mode using wl, or clears
// restrictive mode if wl is nil.
func (db *DB) SetWhitelist(wl Whitelist) {
	db.whitelistMu.Lock()
	defer db.whitelistMu.Unlock()
	db.whitelist = wl
}

var (
	authDriverMu sync.Mutex
	authDriverN  int
)

// registerAuthorizingDriver registers a fresh database/sql driver whose
// ConnectHook wires db.authorize as the engine's authorizer callback, and
// returns the driver name to pass to sql.Open. Each Facade needs its own
// driver registration because go-sqlite3's ConnectHook is configured
// per-driver, not per-connection, and the authorizer closes over this
// specific Facade's whitelist.
func registerAuthorizingDriver(db *DB) string {
	authDriverMu.Lock()
	defer authDriverMu.Unlock()

	authDriverN++
	name := fmt.Sprintf("sqlite3_sqlitecluster_%d", authDriverN)
	sql.Register(name, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			conn.RegisterAuthorizer(db.authorize)
			return nil
		},
	})
	return name
}
