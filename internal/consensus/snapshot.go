// Package consensus implements the ConsensusTracker (spec.md §4.3): it
// watches every Connection's head and publishes an atomically-swapped
// SyncedConnections snapshot that the Router and SubscriptionHub read
// without ever blocking the writer. This is the teacher's
// "reference-counted snapshot with atomic swap" pattern (libevm/rpcroute
// Server.frontier, atomic.Pointer[[]*backend]), generalized from a single
// frontier height to a full synced-set computation with weight and
// lexicographic tie-breaks.
package consensus

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/rpcmesh/gateway/internal/conn"
	"github.com/rpcmesh/gateway/internal/types"
)

// Snapshot is the immutable, atomically-published view of which
// connections currently agree on a head block.
type Snapshot struct {
	HeadBlock types.SavedBlock
	HasHead   bool
	Conns     []*conn.Connection
}

// Synced reports whether any connections passed the consensus thresholds.
func (s *Snapshot) Synced() bool {
	return s != nil && len(s.Conns) > 0
}

var emptySnapshot = &Snapshot{}

// HeadHash is a convenience accessor used by block-tag resolution.
func (s *Snapshot) HeadHash() (common.Hash, bool) {
	if s == nil || !s.HasHead {
		return common.Hash{}, false
	}
	return s.HeadBlock.Hash(), true
}
