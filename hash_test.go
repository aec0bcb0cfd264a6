package sqlitecluster

import (
	"crypto/sha1"
	"encoding/hex"
	"testing"
)

func TestChainHash(t *testing.T) {
	want := func(prev, query string) string {
		sum := sha1.Sum([]byte(prev + query))
		return hex.EncodeToString(sum[:])
	}

	h1 := chainHash("", "INSERT INTO t VALUES(1);")
	if got := want("", "INSERT INTO t VALUES(1);"); h1 != got {
		t.Fatalf("chainHash(\"\", q) = %s, want %s", h1, got)
	}

	h2 := chainHash(h1, "INSERT INTO t VALUES(2);")
	if got := want(h1, "INSERT INTO t VALUES(2);"); h2 != got {
		t.Fatalf("chainHash(h1, q) = %s, want %s", h2, got)
	}

	if h1 == h2 {
		t.Fatal("distinct inputs produced the same hash")
	}
}
