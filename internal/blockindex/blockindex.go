// Package blockindex maintains the canonical-ish map of recently seen
// block hashes and numbers used to resolve block tags and to detect
// reorgs (spec.md §4.2). There is a single writer (whichever goroutine
// observes a new head) guarded by a mutex; readers take a short read
// lock, which is cheap because lookups never allocate beyond the
// returned value.
package blockindex

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rpcmesh/gateway/internal/conn"
	"github.com/rpcmesh/gateway/internal/types"
)

// OrphanNotifier is notified when a previously-tracked hash is orphaned by
// a reorg, so dependents (ResponseCache) can evict pinned entries.
type OrphanNotifier interface {
	OnOrphaned(hash common.Hash)
}

// Index is the BlockIndex. Retention is driven by the deepest
// block-data-limit of any healthy connection plus a fixed slack,
// configured via SetRetention.
type Index struct {
	mu sync.RWMutex

	byHash   map[common.Hash]types.SavedBlock
	byNumber map[uint64]map[common.Hash]struct{}

	retention uint64 // number of blocks of history to retain, in addition to slack
	slack     uint64
	maxNumber uint64

	log log.Logger

	notifiersMu sync.Mutex
	notifiers   []OrphanNotifier
}

const defaultSlack = 8

// New constructs an empty Index with a default retention window. Callers
// normally grow the retention window via SetRetention once connection
// block-data-limits are known.
func New() *Index {
	return &Index{
		byHash:    make(map[common.Hash]types.SavedBlock),
		byNumber:  make(map[uint64]map[common.Hash]struct{}),
		retention: 256,
		slack:     defaultSlack,
		log:       log.New("component", "blockindex"),
	}
}

// SetRetention updates the retention window to be at least blocks deep,
// growing it but never shrinking it (a shrink could evict data a slower
// caller still needs).
func (idx *Index) SetRetention(blocks uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if blocks > idx.retention {
		idx.retention = blocks
	}
}

// Subscribe registers n to be notified when a hash is orphaned.
func (idx *Index) Subscribe(n OrphanNotifier) {
	idx.notifiersMu.Lock()
	defer idx.notifiersMu.Unlock()
	idx.notifiers = append(idx.notifiers, n)
}

// OnHead implements conn.HeadObserver by recording the observed head.
// Which connection reported it doesn't matter to the index: any
// connection's view of the chain is as good as another's for the purpose
// of resolving block tags and detecting reorgs.
func (idx *Index) OnHead(_ *conn.Connection, head types.SavedBlock, prevHead types.SavedBlock) {
	idx.Insert(head, prevHead)
}

// Insert records b, idempotently on b.Hash(). It detects a reorg when the
// connection's previously reported head (prevHead) has a number >= b's
// and a different hash, orphaning prevHead's branch and notifying
// subscribers. Insert is safe to call concurrently; callers do not need
// external synchronization.
func (idx *Index) Insert(b types.SavedBlock, prevHead types.SavedBlock) {
	idx.mu.Lock()
	var orphaned common.Hash
	var didOrphan bool

	if _, ok := idx.byHash[b.Hash()]; !ok {
		idx.byHash[b.Hash()] = b
		set := idx.byNumber[b.Number()]
		if set == nil {
			set = make(map[common.Hash]struct{})
			idx.byNumber[b.Number()] = set
		}
		set[b.Hash()] = struct{}{}
		if b.Number() > idx.maxNumber {
			idx.maxNumber = b.Number()
		}
	}

	if !prevHead.IsZero() && prevHead.Number() >= b.Number() && prevHead.Hash() != b.Hash() {
		orphaned = prevHead.Hash()
		didOrphan = true
	}

	idx.evictLocked()
	idx.mu.Unlock()

	if didOrphan {
		idx.log.Debug("marking branch orphaned", "hash", orphaned, "newHead", b.Hash())
		idx.notifiersMu.Lock()
		ns := append([]OrphanNotifier(nil), idx.notifiers...)
		idx.notifiersMu.Unlock()
		for _, n := range ns {
			n.OnOrphaned(orphaned)
		}
	}
}

// evictLocked drops blocks older than the retention window. Callers must
// hold idx.mu for writing.
func (idx *Index) evictLocked() {
	if idx.maxNumber <= idx.retention+idx.slack {
		return
	}
	floor := idx.maxNumber - idx.retention - idx.slack
	for num, hashes := range idx.byNumber {
		if num >= floor {
			continue
		}
		for h := range hashes {
			delete(idx.byHash, h)
		}
		delete(idx.byNumber, num)
	}
}

// ByHash looks up a block by hash in O(1).
func (idx *Index) ByHash(hash common.Hash) (types.SavedBlock, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	b, ok := idx.byHash[hash]
	return b, ok
}

// ByNumber returns every known hash at the given height (the forks).
func (idx *Index) ByNumber(number uint64) []common.Hash {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set := idx.byNumber[number]
	out := make([]common.Hash, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

// Has reports whether hash is known to the index at all (regardless of
// whether it is still canonical).
func (idx *Index) Has(hash common.Hash) bool {
	_, ok := idx.ByHash(hash)
	return ok
}
