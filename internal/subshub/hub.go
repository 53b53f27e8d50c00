// Package subshub implements SubscriptionHub (spec.md §4.6): it multiplexes
// one upstream eth_subscribe stream onto N attached clients, using the
// "arena + handle" pattern from the design notes (§9) — the Hub owns every
// Subscription, callers hold only an opaque id, and a Subscription's
// back-pointer to its clients is lookup-only, never ownership.
package subshub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ethereum/go-ethereum/log"

	"github.com/rpcmesh/gateway/internal/conn"
	"github.com/rpcmesh/gateway/internal/consensus"
	"github.com/rpcmesh/gateway/internal/gwerrors"
)

// ClientSink receives notifications for one client subscription. Delivery
// is best-effort: the Hub queues up to defaultQueueDepth messages per
// client ahead of Send and drops the oldest queued one when that queue is
// full.
type ClientSink interface {
	Send(notification json.RawMessage)
	SendTerminal(err error)
}

const defaultQueueDepth = 1024

type upstreamKey struct {
	kind   string
	filter string
}

// upstream is one live eth_subscribe stream shared by every client
// subscribed to the same (kind, filter).
type upstream struct {
	key  upstreamKey
	conn *conn.Connection
	sub  *conn.UpstreamSubscription

	mu      sync.Mutex
	clients map[string]*clientSub // subscription id -> client
}

// clientSub is one client's attachment to an upstream stream.
type clientSub struct {
	id       string
	clientID string
	upstream *upstream
	sink     ClientSink

	queue    chan json.RawMessage
	quit     chan struct{}
	quitOnce sync.Once
	done     sync.WaitGroup
}

func (cs *clientSub) close() {
	cs.quitOnce.Do(func() { close(cs.quit) })
}

// Hub is the SubscriptionHub.
type Hub struct {
	tracker *consensus.Tracker
	log     log.Logger

	mu         sync.Mutex
	byUpstream map[upstreamKey]*upstream
	bySubID    map[string]*clientSub

	slowClientCount func()
}

func New(tracker *consensus.Tracker, onSlowClient func()) *Hub {
	return &Hub{
		tracker:         tracker,
		log:             log.New("component", "subshub"),
		byUpstream:      make(map[upstreamKey]*upstream),
		bySubID:         make(map[string]*clientSub),
		slowClientCount: onSlowClient,
	}
}

// Subscribe returns a new opaque subscription id. If an equivalent
// upstream subscription (same kind & filter) already exists, the client
// attaches to its fanout set; otherwise a new upstream subscription is
// opened on a tier-0-preferred Healthy connection.
func (h *Hub) Subscribe(ctx context.Context, clientID, kind, filter string, sink ClientSink) (string, error) {
	key := upstreamKey{kind: kind, filter: filter}

	h.mu.Lock()
	up, exists := h.byUpstream[key]
	h.mu.Unlock()

	if !exists {
		var err error
		up, err = h.openUpstream(ctx, key)
		if err != nil {
			return "", err
		}
		h.mu.Lock()
		if existing, raced := h.byUpstream[key]; raced {
			// Another goroutine won the race to open this upstream first;
			// use theirs and tear down ours.
			up.sub.Unsubscribe()
			up = existing
		} else {
			h.byUpstream[key] = up
		}
		h.mu.Unlock()
	}

	cs := &clientSub{
		id:       uuid.NewString(),
		clientID: clientID,
		upstream: up,
		sink:     sink,
		queue:    make(chan json.RawMessage, defaultQueueDepth),
		quit:     make(chan struct{}),
	}

	up.mu.Lock()
	up.clients[cs.id] = cs
	up.mu.Unlock()

	h.mu.Lock()
	h.bySubID[cs.id] = cs
	h.mu.Unlock()

	cs.done.Add(1)
	go cs.deliverLoop()

	return cs.id, nil
}

// Unsubscribe detaches a client. If detachment empties the fanout set,
// the upstream subscription is cancelled.
func (h *Hub) Unsubscribe(subID string) error {
	h.mu.Lock()
	cs, ok := h.bySubID[subID]
	if ok {
		delete(h.bySubID, subID)
	}
	h.mu.Unlock()
	if !ok {
		return gwerrors.New(gwerrors.InvalidRequest, "subshub.Unsubscribe", "unknown subscription id", fmt.Errorf("id=%s", subID))
	}

	up := cs.upstream
	up.mu.Lock()
	delete(up.clients, subID)
	empty := len(up.clients) == 0
	up.mu.Unlock()

	cs.close()
	cs.done.Wait()

	if empty {
		h.mu.Lock()
		if h.byUpstream[up.key] == up {
			delete(h.byUpstream, up.key)
		}
		h.mu.Unlock()
		up.sub.Unsubscribe()
	}
	return nil
}

func (h *Hub) openUpstream(ctx context.Context, key upstreamKey) (*upstream, error) {
	c := h.pickConnection()
	if c == nil {
		return nil, gwerrors.New(gwerrors.NoBackendsAvailable, "subshub.openUpstream", "no healthy connection for subscription", fmt.Errorf("kind=%s", key.kind))
	}

	var params []json.RawMessage
	if key.filter != "" {
		params = []json.RawMessage{json.RawMessage(key.filter)}
	}
	sub, err := c.Subscribe(ctx, key.kind, params...)
	if err != nil {
		return nil, err
	}

	up := &upstream{key: key, conn: c, sub: sub, clients: make(map[string]*clientSub)}
	go h.pump(up)
	return up, nil
}

// pump is the single goroutine that reads upstream events and fans them
// out in arrival order to every attached client (spec.md "Ordering
// guarantee"). On upstream loss it attempts one re-open elsewhere; if
// that fails every client gets a terminal frame and the subscription is
// torn down.
func (h *Hub) pump(up *upstream) {
	for {
		select {
		case ev, ok := <-up.sub.Events:
			if !ok {
				h.handleUpstreamLoss(up, nil)
				return
			}
			h.broadcast(up, ev.Result)
		case err, ok := <-up.sub.Err():
			if !ok {
				// Closed without an error: Unsubscribe cancelled it.
				return
			}
			h.handleUpstreamLoss(up, err)
			return
		}
	}
}

func (h *Hub) broadcast(up *upstream, result json.RawMessage) {
	up.mu.Lock()
	clients := make([]*clientSub, 0, len(up.clients))
	for _, cs := range up.clients {
		clients = append(clients, cs)
	}
	up.mu.Unlock()

	for _, cs := range clients {
		select {
		case cs.queue <- result:
		default:
			// Bounded queue full: drop the oldest pending message and push
			// this one, so the slow client sees a contiguous gap rather
			// than reordering (spec.md "Subscription ordering").
			select {
			case <-cs.queue:
			default:
			}
			select {
			case cs.queue <- result:
			default:
			}
			if h.slowClientCount != nil {
				h.slowClientCount()
			}
		}
	}
}

func (h *Hub) handleUpstreamLoss(up *upstream, cause error) {
	h.log.Warn("upstream subscription lost, attempting reopen", "kind", up.key.kind, "err", cause)

	newConn := h.pickConnectionExcluding(up.conn)
	if newConn != nil {
		var params []json.RawMessage
		if up.key.filter != "" {
			params = []json.RawMessage{json.RawMessage(up.key.filter)}
		}
		if sub, err := newConn.Subscribe(context.Background(), up.key.kind, params...); err == nil {
			up.conn = newConn
			up.sub = sub
			go h.pump(up)
			return
		}
	}

	up.mu.Lock()
	clients := make([]*clientSub, 0, len(up.clients))
	for _, cs := range up.clients {
		clients = append(clients, cs)
	}
	up.clients = nil
	up.mu.Unlock()

	for _, cs := range clients {
		cs.sink.SendTerminal(fmt.Errorf("upstream subscription terminated: %w", cause))
		h.mu.Lock()
		delete(h.bySubID, cs.id)
		h.mu.Unlock()
		cs.close()
	}

	h.mu.Lock()
	if h.byUpstream[up.key] == up {
		delete(h.byUpstream, up.key)
	}
	h.mu.Unlock()
}

func (h *Hub) pickConnection() *conn.Connection {
	return h.pickConnectionExcluding(nil)
}

func (h *Hub) pickConnectionExcluding(exclude *conn.Connection) *conn.Connection {
	snap := h.tracker.Snapshot()
	if !snap.Synced() {
		return nil
	}
	var best *conn.Connection
	for _, c := range snap.Conns {
		if c == exclude {
			continue
		}
		if best == nil || c.Tier() < best.Tier() {
			best = c
		}
	}
	return best
}

func (cs *clientSub) deliverLoop() {
	defer cs.done.Done()
	for {
		select {
		case <-cs.quit:
			return
		case msg := <-cs.queue:
			cs.sink.Send(msg)
		}
	}
}
