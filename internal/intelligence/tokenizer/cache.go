package tokenizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// PairCache stores unpadded pair encodings across processes. Failures are
// logged by the tokenizer and never fail an encode.
type PairCache interface {
	// GetEncodings returns the cached encodings for the keys it holds.
	GetEncodings(ctx context.Context, keys []string) (map[string]*Encoding, error)
	SetEncodings(ctx context.Context, items map[string]*Encoding) error
}

// PairKey derives the cache key of a pair for a tokenizer fingerprint.
func PairKey(fingerprint, first, second string, truncate bool) string {
	h := sha256.New()
	h.Write([]byte(first))
	h.Write([]byte{0})
	h.Write([]byte(second))
	if truncate {
		h.Write([]byte{1})
	}
	return fingerprint + ":" + hex.EncodeToString(h.Sum(nil))
}
