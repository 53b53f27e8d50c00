package consensus

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rpcmesh/gateway/internal/conn"
	"github.com/rpcmesh/gateway/internal/types"
)

// Config carries the consensus thresholds from spec.md §6.
type Config struct {
	MinSyncedRPCs   int
	MinSumSoftLimit float64
	MaxLagBlocks    uint64
}

func (c Config) withDefaults() Config {
	if c.MaxLagBlocks == 0 {
		c.MaxLagBlocks = 3
	}
	return c
}

// Tracker computes and atomically publishes Snapshot. The per-connection
// debounce (spec.md §4.3: "debounced at ≤1 update per 100ms per
// connection") is implemented as a single rebuild goroutine woken by a
// buffered trigger channel, never rebuilding more often than the debounce
// window regardless of how many connections fire concurrently.
type Tracker struct {
	cfg Config
	log log.Logger

	mu    sync.RWMutex
	conns []*conn.Connection

	published atomic.Pointer[Snapshot]

	trigger chan struct{}
	quit    chan struct{}
	done    sync.WaitGroup
}

const debounceWindow = 100 * time.Millisecond

func New(cfg Config) *Tracker {
	t := &Tracker{
		cfg:     cfg.withDefaults(),
		log:     log.New("component", "consensus"),
		trigger: make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	t.published.Store(emptySnapshot)
	t.done.Add(1)
	go t.loop()
	return t
}

// Register adds a connection to the tracked set. Safe to call before or
// after Close; after Close the connection is still recorded, but no
// rebuild runs.
func (t *Tracker) Register(c *conn.Connection) {
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	t.requestRebuild()
}

// Unregister drops a connection from the tracked set, used when config
// hot-reload removes a backend. Safe to call after Close.
func (t *Tracker) Unregister(c *conn.Connection) {
	t.mu.Lock()
	for i, existing := range t.conns {
		if existing == c {
			t.conns = append(t.conns[:i], t.conns[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	t.requestRebuild()
}

// OnHead implements conn.HeadObserver. It never blocks: a full rebuild is
// deferred to the debounced background loop.
func (t *Tracker) OnHead(c *conn.Connection, head types.SavedBlock, prevHead types.SavedBlock) {
	t.requestRebuild()
}

func (t *Tracker) requestRebuild() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

func (t *Tracker) loop() {
	defer t.done.Done()
	for {
		select {
		case <-t.quit:
			return
		case <-t.trigger:
			t.rebuild()
			select {
			case <-time.After(debounceWindow):
			case <-t.quit:
				return
			}
			// Drain any triggers that arrived during the settle window so
			// they don't cause an immediate extra rebuild.
			select {
			case <-t.trigger:
			default:
			}
		}
	}
}

// Snapshot returns the current published snapshot. Never blocks.
func (t *Tracker) Snapshot() *Snapshot {
	return t.published.Load()
}

// Close stops the background loop.
func (t *Tracker) Close() {
	close(t.quit)
	t.done.Wait()
}

type candidate struct {
	hash    common.Hash
	number  uint64
	weight  float64
	members []*conn.Connection
}

// rebuild implements the algorithm in spec.md §4.3 steps 1-5.
func (t *Tracker) rebuild() {
	t.mu.RLock()
	conns := append([]*conn.Connection(nil), t.conns...)
	t.mu.RUnlock()

	byHash := make(map[common.Hash]*candidate)
	for _, c := range conns {
		if c.State() != conn.Healthy {
			continue
		}
		head := c.Head()
		if head.IsZero() {
			continue
		}
		cand := byHash[head.Hash()]
		if cand == nil {
			cand = &candidate{hash: head.Hash(), number: head.Number()}
			byHash[head.Hash()] = cand
		}
		cand.weight += c.SoftLimit()
		cand.members = append(cand.members, c)
	}

	minSynced := t.cfg.MinSyncedRPCs
	var best *candidate
	for _, cand := range byHash {
		if len(cand.members) < minSynced {
			continue
		}
		if cand.weight < t.cfg.MinSumSoftLimit {
			continue
		}
		if best == nil {
			best = cand
			continue
		}
		switch {
		case cand.number != best.number:
			if cand.number > best.number {
				best = cand
			}
		case cand.weight != best.weight:
			if cand.weight > best.weight {
				best = cand
			}
		default:
			if lexLess(cand.hash, best.hash) {
				best = cand
			}
		}
	}

	if best == nil {
		t.published.Store(emptySnapshot)
		return
	}

	members := append([]*conn.Connection(nil), best.members...)
	sort.Slice(members, func(i, j int) bool {
		if members[i].Tier() != members[j].Tier() {
			return members[i].Tier() < members[j].Tier()
		}
		return members[i].Latency() < members[j].Latency()
	})

	head := types.NewSavedBlock(best.hash, best.number, common.Hash{})
	snap := &Snapshot{
		HeadBlock: head,
		HasHead:   true,
		Conns:     members,
	}
	t.published.Store(snap)

	for _, c := range conns {
		lagging := t.isLagging(c, best.number)
		c.SetLagging(lagging)
	}
}

func (t *Tracker) isLagging(c *conn.Connection, consensusNumber uint64) bool {
	h := c.Head()
	if h.IsZero() {
		return false
	}
	return consensusNumber > h.Number() && consensusNumber-h.Number() > t.cfg.MaxLagBlocks
}

func lexLess(a, b common.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
