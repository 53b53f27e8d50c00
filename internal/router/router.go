// Package router implements Router (spec.md §4.5): the entry point for
// non-subscription requests. It classifies the method, resolves block
// tags, consults the ResponseCache, selects candidate connections from
// the ConsensusTracker's published snapshot, and dispatches with retry
// and tier-recovery probing.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/rpcmesh/gateway/internal/blockindex"
	"github.com/rpcmesh/gateway/internal/cache"
	"github.com/rpcmesh/gateway/internal/conn"
	"github.com/rpcmesh/gateway/internal/consensus"
	"github.com/rpcmesh/gateway/internal/gwerrors"
	"github.com/rpcmesh/gateway/internal/jsonrpc"
	"github.com/rpcmesh/gateway/internal/types"
)

// WriteHandler dispatches eth_sendRawTransaction to the private relay
// fanout. The Router depends on it only through this narrow interface so
// relay package internals stay out of router's import graph.
type WriteHandler interface {
	SendRawTransaction(ctx context.Context, params []json.RawMessage) (json.RawMessage, error)
}

// SubscribeHandler dispatches eth_subscribe/unsubscribe. Same rationale
// as WriteHandler.
type SubscribeHandler interface {
	Subscribe(ctx context.Context, client string, params []json.RawMessage) (json.RawMessage, error)
	Unsubscribe(ctx context.Context, client string, params []json.RawMessage) (json.RawMessage, error)
}

// Config tunes the router's retry/fairness behavior (spec.md §4.5).
type Config struct {
	PerTryTimeout     time.Duration
	TierProbeInterval uint64 // probe the next tier every K decisions, default 64
}

func (c Config) withDefaults() Config {
	if c.PerTryTimeout == 0 {
		c.PerTryTimeout = 30 * time.Second
	}
	if c.TierProbeInterval == 0 {
		c.TierProbeInterval = 64
	}
	return c
}

type Router struct {
	cfg        Config
	classifier *Classifier
	tracker    *consensus.Tracker
	index      *blockindex.Index
	cache      *cache.Cache
	relay      WriteHandler
	subs       SubscribeHandler
	log        log.Logger

	decisionCount atomic.Uint64
}

func New(cfg Config, classifier *Classifier, tracker *consensus.Tracker, index *blockindex.Index, respCache *cache.Cache, relay WriteHandler, subs SubscribeHandler) *Router {
	return &Router{
		cfg:        cfg.withDefaults(),
		classifier: classifier,
		tracker:    tracker,
		index:      index,
		cache:      respCache,
		relay:      relay,
		subs:       subs,
		log:        log.New("component", "router"),
	}
}

// Dispatch handles one JSON-RPC request end to end and returns a ready
// Response (never an error: failures are mapped to a JSON-RPC error
// response so batch handling stays uniform).
func (r *Router) Dispatch(ctx context.Context, client string, req *jsonrpc.Request) *jsonrpc.Response {
	class := r.classifier.Classify(req.Method)

	switch class {
	case ClassWrite:
		result, err := r.relay.SendRawTransaction(ctx, req.Params)
		if err != nil {
			return errResponse(req.ID, err)
		}
		return jsonrpc.Success(req.ID, result)

	case ClassSubscribe:
		result, err := r.subs.Subscribe(ctx, client, req.Params)
		if err != nil {
			return errResponse(req.ID, err)
		}
		return jsonrpc.Success(req.ID, result)

	case ClassUnsubscribe:
		result, err := r.subs.Unsubscribe(ctx, client, req.Params)
		if err != nil {
			return errResponse(req.ID, err)
		}
		return jsonrpc.Success(req.ID, result)

	default:
		result, err := r.dispatchRead(ctx, req, class == ClassCacheableRead)
		if err != nil {
			return errResponse(req.ID, err)
		}
		return jsonrpc.Success(req.ID, result)
	}
}

func (r *Router) dispatchRead(ctx context.Context, req *jsonrpc.Request, cacheable bool) (json.RawMessage, error) {
	snap := r.tracker.Snapshot()
	if !snap.Synced() {
		return nil, gwerrors.New(gwerrors.NotSynced, "router.dispatchRead", "no consensus snapshot", fmt.Errorf("synced()==false"))
	}

	res := resolveBlockTag(req.Method, req.Params, r.index, snap)

	params := req.Params
	fp := types.RequestFingerprint{Method: req.Method, NormalizedParams: normalizeParams(req.Params)}
	if res.hadTag {
		if !res.resolved && res.tag != "pending" {
			// Block the request needs isn't known locally yet; fall through
			// and let dispatch fetch it from the selected upstream, then
			// resolve for the cache key using the upstream's answer. For
			// simplicity and safety we simply leave the fingerprint
			// unresolved in that case: the result is still served, just not
			// cached.
		}
		if res.resolved {
			// The *ByNumber methods keep their block at index 0 and accept
			// only a number there, not a hash, so their params are forwarded
			// as sent; the resolution still pins the cache key.
			if res.paramIndex != 0 {
				rewritten, err := rewriteParam(req.Params, res.paramIndex, res.hash)
				if err == nil {
					params = rewritten
				}
			}
			fp.BlockHash = res.hash
			fp.Resolved = true
		}
	} else {
		// No block parameter at all (e.g. eth_getBlockByHash): cacheable
		// directly on its own hash-bearing params. A method that has a
		// block parameter which was omitted or not a plain string stays
		// unresolved and is not cached.
		_, hasBlockParam := blockParamIndex[req.Method]
		fp.Resolved = cacheable && !hasBlockParam
	}

	if cacheable && fp.Cacheable() {
		if e, ok := r.cache.Get(fp); ok {
			return e.Payload, nil
		}
	}

	load := func(ctx context.Context) ([]byte, error) {
		return r.dispatchToUpstream(ctx, req.Method, params, snap, res)
	}

	if cacheable && fp.Cacheable() {
		return r.cache.GetOrLoad(ctx, fp, load)
	}
	return load(ctx)
}

func (r *Router) dispatchToUpstream(ctx context.Context, method string, params []json.RawMessage, snap *consensus.Snapshot, res resolution) ([]byte, error) {
	candidates := r.selectCandidates(snap, res)
	if len(candidates) == 0 {
		return nil, gwerrors.New(gwerrors.NoBackendsAvailable, "router.dispatch", "no candidate connection", fmt.Errorf("method=%s", method))
	}

	var lastErr error
	for _, c := range candidates {
		if !c.TryAcquire() {
			waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			err := c.WaitAcquire(waitCtx)
			cancel()
			if err != nil {
				lastErr = gwerrors.New(gwerrors.RateLimited, "router.dispatch", "rate limited", err).WithConn(c.Name())
				continue
			}
		}

		raw, err := c.Request(ctx, method, params, r.cfg.PerTryTimeout)
		if err == nil {
			return raw, nil
		}
		kind := gwerrors.KindOf(err)
		if kind == gwerrors.UpstreamJsonRpcError {
			return nil, err // authoritative, never retried
		}
		lastErr = err
		if !kind.Recoverable() {
			continue
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidates succeeded")
	}
	return nil, gwerrors.New(gwerrors.NoBackendsAvailable, "router.dispatch", "all candidates exhausted", lastErr)
}

// selectCandidates builds the try-order for one request: the snapshot's
// conns filtered by block-data availability, with fewer-in-flight and
// round-robin tie-breaks, and a periodic probe of the next tier up so
// tier-N+1 connections are never starved entirely (spec.md §4.5).
func (r *Router) selectCandidates(snap *consensus.Snapshot, res resolution) []*conn.Connection {
	decision := r.decisionCount.Add(1)

	var filtered []*conn.Connection
	for _, c := range snap.Conns {
		if res.hadTag && res.resolved {
			var hash = res.hash
			if !c.HasBlock(res.number, &hash) {
				continue
			}
		}
		filtered = append(filtered, c)
	}
	if len(filtered) == 0 {
		return nil
	}

	ranked := rankByFairness(filtered, decision)

	probeEvery := r.cfg.TierProbeInterval
	if probeEvery > 0 && decision%probeEvery == 0 {
		if next := nextTierConn(filtered); next != nil {
			next.IncrementProbeCount()
			return append([]*conn.Connection{next}, ranked...)
		}
	}

	return ranked
}

// rankByFairness orders conns primarily by (Tier, Latency) — the snapshot's
// own order — but breaks ties among equally-ranked connections by fewest
// in-flight requests, and ties remaining after that by round-robin
// rotation keyed on decision (spec.md §4.5).
func rankByFairness(conns []*conn.Connection, decision uint64) []*conn.Connection {
	ranked := append([]*conn.Connection(nil), conns...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Tier() != b.Tier() {
			return a.Tier() < b.Tier()
		}
		if a.Latency() != b.Latency() {
			return a.Latency() < b.Latency()
		}
		return a.InFlight() < b.InFlight()
	})

	for i := 0; i < len(ranked); {
		j := i + 1
		for j < len(ranked) && sameRank(ranked[i], ranked[j]) {
			j++
		}
		rotateRoundRobin(ranked[i:j], decision)
		i = j
	}
	return ranked
}

func sameRank(a, b *conn.Connection) bool {
	return a.Tier() == b.Tier() && a.Latency() == b.Latency() && a.InFlight() == b.InFlight()
}

// rotateRoundRobin rotates group in place by decision mod len(group), the
// secondary tie-break for connections rankByFairness could not otherwise
// distinguish.
func rotateRoundRobin(group []*conn.Connection, decision uint64) {
	n := len(group)
	if n < 2 {
		return
	}
	shift := int(decision % uint64(n))
	if shift == 0 {
		return
	}
	rotated := make([]*conn.Connection, n)
	for i := range group {
		rotated[i] = group[(i+shift)%n]
	}
	copy(group, rotated)
}

func nextTierConn(conns []*conn.Connection) *conn.Connection {
	if len(conns) == 0 {
		return nil
	}
	minTier := conns[0].Tier()
	for _, c := range conns {
		if c.Tier() < minTier {
			minTier = c.Tier()
		}
	}
	for _, c := range conns {
		if c.Tier() > minTier {
			return c
		}
	}
	return nil
}

func normalizeParams(params []json.RawMessage) string {
	out, _ := json.Marshal(params)
	return string(out)
}

func errResponse(id json.RawMessage, err error) *jsonrpc.Response {
	kind := gwerrors.KindOf(err)
	if kind == gwerrors.UpstreamJsonRpcError {
		if ge, ok := gwerrors.As(err); ok {
			return jsonrpc.FailWithData(id, ge.Code, ge.Message, ge.Data)
		}
	}
	return jsonrpc.Fail(id, kind.JSONRPCCode(), err.Error())
}
