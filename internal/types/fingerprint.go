package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// RequestFingerprint canonically identifies the (method, params, resolved
// block) triple that a cacheable read depends on. Two requests share a
// fingerprint iff they must produce identical results against identical
// chain state. Requests whose block tag could not be resolved to a
// concrete hash must not be fingerprinted; callers signal this by leaving
// BlockHash zero and Resolved false, and the cache layer refuses to key
// unresolved requests.
type RequestFingerprint struct {
	Method           string
	NormalizedParams string
	BlockHash        common.Hash
	Resolved         bool
}

// Key renders the fingerprint into a stable cache key. It is deliberately
// a plain string rather than a struct so it can be used directly as a map
// key and as a singleflight group key.
func (f RequestFingerprint) Key() string {
	h := sha256.New()
	h.Write([]byte(f.Method))
	h.Write([]byte{0})
	h.Write([]byte(f.NormalizedParams))
	h.Write([]byte{0})
	h.Write(f.BlockHash[:])
	return hex.EncodeToString(h.Sum(nil))
}

func (f RequestFingerprint) String() string {
	return fmt.Sprintf("%s(%s)@%s", f.Method, f.NormalizedParams, f.BlockHash)
}

// Cacheable reports whether this fingerprint may be used to key a
// ResponseCache entry: the block tag must have resolved to a concrete
// hash.
func (f RequestFingerprint) Cacheable() bool {
	return f.Resolved
}
