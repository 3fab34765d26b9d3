// Package crypto implements content digests for canonical payloads.
package crypto

import (
	"bytes"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// DigestLen is the size of a payload digest in bytes.
const DigestLen = blake2b.Size256

// Digest returns the BLAKE2b-256 sum of b.
func Digest(b []byte) []byte {
	sum := blake2b.Sum256(b)
	return sum[:]
}

// DigestJSON hashes the JSON encoding of v. Map keys are encoded in sorted
// order, so equal payloads produce equal digests.
func DigestJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Digest(b), nil
}

// Equal reports whether two digests match. Empty digests never match.
func Equal(a, b []byte) bool {
	return len(a) == DigestLen && bytes.Equal(a, b)
}
