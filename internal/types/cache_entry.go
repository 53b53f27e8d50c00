package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CacheEntry is one cached JSON-RPC result. Size is tracked separately
// from len(Payload) because callers may want to account for header
// overhead without re-measuring the byte slice on every accounting pass.
type CacheEntry struct {
	Fingerprint    RequestFingerprint
	Payload        []byte
	Size           int
	InsertedAt     time.Time
	PinnedBlock    common.Hash
	HasPinnedBlock bool
}

// NewCacheEntry builds a CacheEntry, computing Size from len(payload) plus
// a small fixed header overhead so empty-looking results still cost
// something against the byte budget.
func NewCacheEntry(fp RequestFingerprint, payload []byte, pinned common.Hash, hasPinned bool) CacheEntry {
	const headerOverhead = 64
	return CacheEntry{
		Fingerprint:    fp,
		Payload:        payload,
		Size:           len(payload) + headerOverhead,
		InsertedAt:     time.Now(),
		PinnedBlock:    pinned,
		HasPinnedBlock: hasPinned,
	}
}
