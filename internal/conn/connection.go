// Package conn implements Connection, the gateway's model of a single
// upstream Web3 endpoint (spec.md §4.1): health tracking, a local token
// bucket rate limiter, a head-block stream, and the JSON-RPC transport
// itself. The reconnect loop is a direct descendant of the teacher's
// libevm/rpcroute backend.heightLoop, generalized from "track chain
// height for routing" to "track health + head + fan the head out to the
// BlockIndex and ConsensusTracker".
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/rpcmesh/gateway/internal/gwerrors"
	"github.com/rpcmesh/gateway/internal/types"
)

// Kind is the transport kind configured for a Connection.
type Kind int

const (
	KindHTTP Kind = iota
	KindWS
)

// Config is the static, immutable configuration of a Connection, taken
// directly from the balanced_rpcs / private_rpcs table (spec.md §6).
type Config struct {
	Name           string
	Kind           Kind
	URL            string
	SoftLimit      float64
	HardLimitRPS   float64 // 0 means unlimited
	Tier           int
	BlockDataLimit uint64 // 0 means "full archive"
	Disabled       bool

	MaxLagBlocks      uint64
	MaxLagSeconds      time.Duration
	MaxConsecutiveFail int
	PollInterval       time.Duration // used for HTTP transports without subscriptions
}

func (c Config) withDefaults() Config {
	if c.MaxLagBlocks == 0 {
		c.MaxLagBlocks = 3
	}
	if c.MaxLagSeconds == 0 {
		c.MaxLagSeconds = 30 * time.Second
	}
	if c.MaxConsecutiveFail == 0 {
		c.MaxConsecutiveFail = 5
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	return c
}

// HeadObserver is notified whenever a Connection observes a new head
// block. The BlockIndex and ConsensusTracker both implement it.
type HeadObserver interface {
	OnHead(conn *Connection, head types.SavedBlock, prevHead types.SavedBlock)
}

// Connection is one upstream endpoint. All mutable state is either
// atomic or behind mu; there is no cross-connection locking (spec.md §5).
type Connection struct {
	cfg Config
	log log.Logger

	client *gethrpc.Client
	eth    *ethclient.Client

	limiter *rate.Limiter

	mu               sync.RWMutex
	health           Health
	head             types.SavedBlock
	consecutiveFails int

	latencyEWMA atomic.Int64 // nanoseconds
	inFlight    atomic.Int64
	probeCount  atomic.Uint64

	observers []HeadObserver

	quit chan struct{}
	done sync.WaitGroup
}

const latencyEWMAAlpha = 0.2

// New constructs a Connection and starts its background head-tracking
// loop. Dialing happens inside the loop so that a Connection can be
// constructed before its upstream is reachable; it starts Initializing
// and becomes Healthy once the first head arrives.
func New(cfg Config, observers ...HeadObserver) *Connection {
	cfg = cfg.withDefaults()
	var limiter *rate.Limiter
	if cfg.HardLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.HardLimitRPS), int(cfg.HardLimitRPS)+1)
	}
	c := &Connection{
		cfg:       cfg,
		log:       log.New("component", "conn", "name", cfg.Name),
		limiter:   limiter,
		observers: observers,
		quit:      make(chan struct{}),
	}
	c.done.Add(1)
	go c.run()
	return c
}

func (c *Connection) Name() string    { return c.cfg.Name }
func (c *Connection) Tier() int       { return c.cfg.Tier }
func (c *Connection) SoftLimit() float64 { return c.cfg.SoftLimit }

func (c *Connection) State() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

func (c *Connection) Head() types.SavedBlock {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// Latency returns the exponentially-weighted recent latency.
func (c *Connection) Latency() time.Duration {
	return time.Duration(c.latencyEWMA.Load())
}

func (c *Connection) InFlight() int64 { return c.inFlight.Load() }

// ProbeCount reports how many times the router has put this connection
// first as a tier-recovery probe (spec.md §4.5).
func (c *Connection) ProbeCount() uint64 { return c.probeCount.Load() }

func (c *Connection) IncrementProbeCount() { c.probeCount.Add(1) }

// HasBlock reports whether this connection's retained history and
// current head cover the requested block.
func (c *Connection) HasBlock(number uint64, hash *common.Hash) bool {
	head := c.Head()
	if head.IsZero() || number > head.Number() {
		return false
	}
	if c.cfg.BlockDataLimit > 0 && number+c.cfg.BlockDataLimit < head.Number() {
		return false
	}
	if hash != nil && number == head.Number() {
		return *hash == head.Hash()
	}
	return true
}

// TryAcquire attempts a non-blocking rate-limit permit. A Connection
// without a hard limit always allows.
func (c *Connection) TryAcquire() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// WaitAcquire blocks (bounded by ctx) for a rate-limit permit.
func (c *Connection) WaitAcquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// Request issues a single JSON-RPC call and returns the raw result bytes.
// params is passed through as a JSON array of already-encoded argument
// values so that the original wire bytes reach the upstream unchanged.
func (c *Connection) Request(ctx context.Context, method string, params []json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	client := c.rpcClient()
	if client == nil {
		return nil, gwerrors.New(gwerrors.UpstreamTransport, "conn.Request", "not connected", fmt.Errorf("no client")).WithConn(c.cfg.Name)
	}

	args := make([]interface{}, len(params))
	for i, p := range params {
		args[i] = p
	}

	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		var raw json.RawMessage
		err := client.CallContext(callCtx, &raw, method, args...)
		cancel()
		if err == nil {
			c.recordSuccess(time.Since(start))
			return raw, nil
		}
		if rpcErr, ok := err.(gethrpc.Error); ok {
			// JSON-RPC error objects are upstream-authoritative: never
			// retried, returned verbatim down to their own code/data.
			ge := gwerrors.New(gwerrors.UpstreamJsonRpcError, "conn.Request", rpcErr.Error(), err).WithConn(c.cfg.Name)
			ge.Code = rpcErr.ErrorCode()
			if de, ok := err.(gethrpc.DataError); ok {
				if raw, merr := json.Marshal(de.ErrorData()); merr == nil {
					ge.Data = raw
				}
			}
			return nil, ge
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(50 * time.Millisecond)))
		time.Sleep(25*time.Millisecond + jitter)
	}

	c.recordFailure()
	kind := gwerrors.UpstreamTransport
	if ctx.Err() == context.DeadlineExceeded {
		kind = gwerrors.UpstreamTimeout
	}
	return nil, gwerrors.New(kind, "conn.Request", "upstream call failed", lastErr).WithConn(c.cfg.Name)
}

func (c *Connection) rpcClient() *gethrpc.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *Connection) recordSuccess(latency time.Duration) {
	c.mu.Lock()
	c.consecutiveFails = 0
	if c.health == Unhealthy {
		c.health = Healthy
	}
	c.mu.Unlock()

	prev := c.latencyEWMA.Load()
	next := int64(latencyEWMAAlpha*float64(latency) + (1-latencyEWMAAlpha)*float64(prev))
	c.latencyEWMA.Store(next)
}

func (c *Connection) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFails++
	if c.consecutiveFails >= c.cfg.MaxConsecutiveFail {
		c.health = Unhealthy
	}
}

// SetLagging is called by the ConsensusTracker when it determines this
// connection's head falls behind the published consensus head by more
// than the configured lag thresholds.
func (c *Connection) SetLagging(lagging bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.health == Unhealthy {
		return
	}
	if lagging {
		c.health = Lagging
	} else if c.health == Lagging {
		c.health = Healthy
	}
}

// Close stops the background loop and releases the upstream connection.
func (c *Connection) Close() {
	close(c.quit)
	c.done.Wait()
}

func (c *Connection) setHead(head types.SavedBlock) {
	c.mu.Lock()
	prev := c.head
	c.head = head
	if c.health == Initializing || c.health == Unhealthy {
		c.health = Healthy
	}
	c.mu.Unlock()

	for _, o := range c.observers {
		o.OnHead(c, head, prev)
	}
}

// run is the reconnect/head-tracking loop, modeled on the teacher's
// backend.heightLoop: dial with backoff, subscribe (or poll), and feed
// every observed head to setHead until quit fires.
func (c *Connection) run() {
	defer c.done.Done()

	bo := backoff.New(60*time.Second, time.Second)
	for {
		select {
		case <-c.quit:
			return
		default:
		}

		client, eth, err := c.dial()
		if err != nil {
			c.log.Warn("dial failed, backing off", "err", err)
			c.recordFailure()
			select {
			case <-time.After(jittered(bo.Duration())):
			case <-c.quit:
				return
			}
			continue
		}
		bo.Reset()

		c.mu.Lock()
		c.client = client
		c.eth = eth
		c.mu.Unlock()

		err = c.trackHead(eth)

		c.mu.Lock()
		c.client = nil
		c.eth = nil
		if c.health != Unhealthy {
			c.health = Unhealthy
		}
		c.mu.Unlock()
		client.Close()

		if err == errConnClosing {
			return
		}
		c.log.Warn("head tracking stopped, reconnecting", "err", err)
	}
}

func jittered(d time.Duration) time.Duration {
	delta := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}

func (c *Connection) dial() (*gethrpc.Client, *ethclient.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	client, err := gethrpc.DialContext(ctx, c.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("Connection{%q}.dial(): %w", c.cfg.Name, err)
	}
	return client, ethclient.NewClient(client), nil
}

var errConnClosing = fmt.Errorf("connection closing")

// trackHead subscribes to newHeads on WS transports, or polls on an
// interval for HTTP transports, feeding every observed header to setHead.
func (c *Connection) trackHead(eth *ethclient.Client) error {
	if c.cfg.Kind == KindWS {
		return c.trackHeadWS(eth)
	}
	return c.trackHeadPoll(eth)
}

func (c *Connection) trackHeadWS(eth *ethclient.Client) error {
	headers := make(chan *gethtypes.Header, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := eth.SubscribeNewHead(ctx, headers)
	if err != nil {
		return fmt.Errorf("Connection{%q}.SubscribeNewHead(): %w", c.cfg.Name, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-c.quit:
			return errConnClosing
		case err := <-sub.Err():
			return err
		case hdr := <-headers:
			c.setHead(savedBlockFromHeader(hdr))
		}
	}
}

func (c *Connection) trackHeadPoll(eth *ethclient.Client) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return errConnClosing
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PollInterval)
			hdr, err := eth.HeaderByNumber(ctx, nil)
			cancel()
			if err != nil {
				return fmt.Errorf("Connection{%q}.HeaderByNumber(): %w", c.cfg.Name, err)
			}
			c.setHead(savedBlockFromHeader(hdr))
		}
	}
}

func savedBlockFromHeader(hdr *gethtypes.Header) types.SavedBlock {
	return types.NewSavedBlock(hdr.Hash(), hdr.Number.Uint64(), hdr.ParentHash)
}
