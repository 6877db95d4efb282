package util

import (
	"crypto/rand"
	"encoding/hex"
)

const idBytes = 16

// NewID returns a 32-character hex identifier drawn from crypto/rand.
// A non-empty prefix namespaces it, e.g. NewID("pg") -> "pg_3f1a...".
func NewID(prefix string) string {
	var b [idBytes]byte
	_, _ = rand.Read(b[:])
	id := hex.EncodeToString(b[:])
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
