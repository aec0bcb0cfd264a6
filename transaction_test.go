package sqlitecluster

import "testing"

func TestTxContextAppendWriteAddsSemicolon(t *testing.T) {
	var tx txContext
	tx.begin()
	tx.appendWrite("INSERT INTO t VALUES(1)")
	tx.appendWrite("INSERT INTO t VALUES(2);")

	want := "INSERT INTO t VALUES(1);INSERT INTO t VALUES(2);"
	if tx.uncommittedQuery != want {
		t.Fatalf("uncommittedQuery = %q, want %q", tx.uncommittedQuery, want)
	}
}

func TestTxContextResetClearsState(t *testing.T) {
	var tx txContext
	tx.begin()
	tx.appendWrite("X")
	tx.preparedID = 5
	tx.holdsCommitLock = true
	tx.concurrent = true
	tx.baseDataVersion = 42

	tx.finish()

	if tx.insideTx || tx.holdsCommitLock || tx.concurrent || tx.baseDataVersion != 0 || tx.uncommittedQuery != "" || tx.uncommittedHash != "" || tx.preparedID != 0 {
		t.Fatalf("finish() left residual state: %+v", tx)
	}
}
