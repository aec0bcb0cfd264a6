package sqlitecluster

import (
	"crypto/sha1"
	"encoding/hex"
)

// chainHash computes the running hash after applying query against the
// previous running hash prev: hash = SHA1(prev || query). prev is "" for
// the first commit. Returns a 40-char lowercase hex string.
func chainHash(prev, query string) string {
	h := sha1.New()
	h.Write([]byte(prev))
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}
