package billing

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
)

// IdempotencyKey derives the Idempotency-Key for an outbound provider call
// from the operation name and its semantic inputs. The key is a pure function
// of those inputs; no clock or randomness enters it, so a retry of the same
// logical operation carries the same key across process restarts and the
// provider deduplicates it.
//
// Inputs are length-framed before hashing so ("ab", "c") and ("a", "bc")
// produce different keys.
func IdempotencyKey(operation string, parts ...string) string {
	h := sha256.New()
	writeFramed(h, operation)
	for _, p := range parts {
		writeFramed(h, p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeFramed(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
