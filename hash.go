package auditledger

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// GenesisHash is the hash_prev of the first entry of every chain: hex(SHA-256("")).
var GenesisHash = hashHex(nil)

// LinkHash computes hash_self = hex(SHA-256(hashPrev || canonical)).
func LinkHash(hashPrev string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(hashPrev))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeHash recomputes hash_self for e from its own hash_prev.
func ComputeHash(e LogEntry) (string, error) {
	c, err := Canonical(e)
	if err != nil {
		return "", err
	}
	return LinkHash(e.HashPrev, c), nil
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// constantTimeEqual performs constant-time comparison of two hex digests.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
