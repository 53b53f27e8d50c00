// Package types holds the small, dependency-free value types shared across
// the gateway's internal packages: saved blocks, request fingerprints and
// cache entries. None of these types carry behavior beyond what their
// invariants require.
package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SavedBlock is an immutable record of a block header observed from an
// upstream, either via a newHeads push or a successful eth_getBlockByHash/
// Number call. number and hash never change after construction; age is
// derived from a monotonic clock captured at construction time.
type SavedBlock struct {
	hash       common.Hash
	number     uint64
	parentHash common.Hash
	receivedAt time.Time
}

// NewSavedBlock constructs a SavedBlock, stamping receivedAt with the
// current monotonic time.
func NewSavedBlock(hash common.Hash, number uint64, parentHash common.Hash) SavedBlock {
	return SavedBlock{
		hash:       hash,
		number:     number,
		parentHash: parentHash,
		receivedAt: time.Now(),
	}
}

func (b SavedBlock) Hash() common.Hash       { return b.hash }
func (b SavedBlock) Number() uint64          { return b.number }
func (b SavedBlock) ParentHash() common.Hash { return b.parentHash }

// Age reports how long ago this block was observed.
func (b SavedBlock) Age() time.Duration { return time.Since(b.receivedAt) }

func (b SavedBlock) IsZero() bool { return b.hash == (common.Hash{}) }
