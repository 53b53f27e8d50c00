// Package supervisor wires every component together and owns the
// gateway's top-level lifecycle: startup, graceful shutdown with a
// bounded drain period, and config hot-reload. Grounded on the teacher's
// rpcroute.NewServer/Start/Shutdown, generalized from "one backend pool
// behind one proxy" to the full set of components this gateway needs,
// using golang.org/x/sync/errgroup the way the rest of the pack starts
// concurrent listeners.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rpcmesh/gateway/internal/blockindex"
	"github.com/rpcmesh/gateway/internal/cache"
	"github.com/rpcmesh/gateway/internal/conn"
	"github.com/rpcmesh/gateway/internal/config"
	"github.com/rpcmesh/gateway/internal/consensus"
	"github.com/rpcmesh/gateway/internal/httpfrontend"
	"github.com/rpcmesh/gateway/internal/metrics"
	"github.com/rpcmesh/gateway/internal/relay"
	"github.com/rpcmesh/gateway/internal/router"
	"github.com/rpcmesh/gateway/internal/subshub"
	"github.com/rpcmesh/gateway/internal/wsfrontend"
)

// DefaultDrainPeriod is the grace period for in-flight requests during
// shutdown (spec.md §5).
const DefaultDrainPeriod = 10 * time.Second

type Gateway struct {
	cfg *config.Config
	log log.Logger

	index     *blockindex.Index
	tracker   *consensus.Tracker
	respCache *cache.Cache

	connsMu sync.Mutex
	conns   []*conn.Connection
	relays  []*conn.Connection

	router      *router.Router
	relayFanout *relay.Fanout
	hub         *subshub.Hub

	httpSrv    *http.Server
	metricsSrv *http.Server

	watcher *config.Watcher
}

// New constructs every component from cfg. If cfgPath is non-empty, it
// also starts a config.Watcher so added/removed balanced_rpcs entries
// take effect without a restart (spec.md §6); chain_id and the other
// fixed thresholds baked into the tracker and cache at startup are not
// live-reloadable.
func New(cfg *config.Config, cfgPath string) (*Gateway, error) {
	g := &Gateway{
		cfg: cfg,
		log: log.New("component", "supervisor"),
	}

	g.index = blockindex.New()
	g.tracker = consensus.New(consensus.Config{
		MinSyncedRPCs:   cfg.MinSyncedRPCs,
		MinSumSoftLimit: cfg.MinSumSoftLimit,
	})
	g.respCache = cache.New(cfg.ResponseCacheMaxBytes)
	g.index.Subscribe(g.respCache)

	for name, b := range cfg.BalancedRPCs {
		if b.Disabled {
			continue
		}
		g.addBalancedBackend(name, b)
	}

	for name, b := range cfg.PrivateRPCs {
		if b.Disabled {
			continue
		}
		c := conn.New(connConfig(name, b))
		g.relays = append(g.relays, c)
	}

	g.relayFanout = relay.New(g.relays, 0, metrics.RelaySink{})
	g.hub = subshub.New(g.tracker, metrics.SlowClientDrops.Inc)

	classifier := router.NewClassifier(cfg.DeterministicMethods)
	subsAdapter := subshub.NewJSONRPCAdapter(g.hub)
	g.router = router.New(router.Config{}, classifier, g.tracker, g.index, g.respCache, g.relayFanout, subsAdapter)

	if cfgPath != "" {
		w, err := config.NewWatcher(cfgPath, g.reconcileBackends)
		if err != nil {
			g.log.Warn("config hot-reload disabled", "err", err)
		} else {
			g.watcher = w
		}
	}

	return g, nil
}

// addBalancedBackend must be called with connsMu held, or before any
// goroutine can observe g.conns (i.e. during New).
func (g *Gateway) addBalancedBackend(name string, b config.Backend) {
	c := conn.New(connConfig(name, b), g.index, g.tracker)
	g.conns = append(g.conns, c)
	g.tracker.Register(c)
	if b.BlockDataLimit > 0 {
		g.index.SetRetention(b.BlockDataLimit)
	}
}

// reconcileBackends is the config.Watcher callback: it diffs the new
// balanced_rpcs set against the running connections, starting any newly
// added backend and closing any one that was removed or disabled.
// Grounded on the teacher's rpcroute manageBackends add/remove handling,
// simplified from a channel-actor into a mutex since this gateway has no
// equivalent frontier-recompute step to interleave with.
func (g *Gateway) reconcileBackends(newCfg *config.Config) {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()

	byName := make(map[string]*conn.Connection, len(g.conns))
	for _, c := range g.conns {
		byName[c.Name()] = c
	}

	for name, b := range newCfg.BalancedRPCs {
		existing, running := byName[name]
		switch {
		case b.Disabled && running:
			g.removeBalancedBackend(name, existing)
		case !b.Disabled && !running:
			g.addBalancedBackend(name, b)
			g.log.Info("balanced backend added", "name", name)
		}
	}
	for name, c := range byName {
		if _, stillConfigured := newCfg.BalancedRPCs[name]; !stillConfigured {
			g.removeBalancedBackend(name, c)
		}
	}

	g.cfg = newCfg
}

// removeBalancedBackend must be called with connsMu held.
func (g *Gateway) removeBalancedBackend(name string, c *conn.Connection) {
	g.tracker.Unregister(c)
	c.Close()
	for i, existing := range g.conns {
		if existing == c {
			g.conns = append(g.conns[:i], g.conns[i+1:]...)
			break
		}
	}
	g.log.Info("balanced backend removed", "name", name)
}

func connConfig(name string, b config.Backend) conn.Config {
	kind := conn.KindHTTP
	if b.SubscribeTxs {
		kind = conn.KindWS
	}
	return conn.Config{
		Name:           name,
		Kind:           kind,
		URL:            b.URL,
		SoftLimit:      b.SoftLimit,
		HardLimitRPS:   b.HardLimit,
		Tier:           b.Tier,
		BlockDataLimit: b.BlockDataLimit,
		Disabled:       b.Disabled,
	}
}

func (g *Gateway) anyHealthy() bool {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	for _, c := range g.conns {
		if c.State() == conn.Healthy {
			return true
		}
	}
	return false
}

// Run starts the HTTP/WS listener and the metrics listener and blocks
// until ctx is cancelled, then drains for up to DefaultDrainPeriod before
// returning.
func (g *Gateway) Run(ctx context.Context) error {
	httpFrontend := httpfrontend.NewServer(
		g.router,
		func() interface{} { return g.router.Status() },
		func() bool { return g.router.Healthy(g.anyHealthy) },
		httpfrontend.RedirectConfig{PublicURL: g.cfg.RedirectPublicURL, UserURL: g.cfg.RedirectUserURL},
	)
	wsFrontend := wsfrontend.NewServer(g.router)

	mux := http.NewServeMux()
	mux.Handle("/", httpFrontend.Handler())
	mux.Handle("/ws", wsFrontend)

	g.httpSrv = &http.Server{Addr: g.cfg.ListenAddr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	g.metricsSrv = &http.Server{Addr: g.cfg.MetricsAddr, Handler: metricsMux}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.log.Info("listening", "addr", g.cfg.ListenAddr)
		if err := g.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("httpSrv.ListenAndServe(): %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		g.log.Info("metrics listening", "addr", g.cfg.MetricsAddr)
		if err := g.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metricsSrv.ListenAndServe(): %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		return g.shutdown()
	})

	return eg.Wait()
}

func (g *Gateway) shutdown() error {
	g.log.Info("shutting down", "drain", DefaultDrainPeriod)
	ctx, cancel := context.WithTimeout(context.Background(), DefaultDrainPeriod)
	defer cancel()

	if err := g.httpSrv.Shutdown(ctx); err != nil {
		g.log.Warn("http shutdown error", "err", err)
	}
	if err := g.metricsSrv.Shutdown(ctx); err != nil {
		g.log.Warn("metrics shutdown error", "err", err)
	}
	if g.watcher != nil {
		g.watcher.Close()
	}

	g.connsMu.Lock()
	for _, c := range g.conns {
		c.Close()
	}
	g.connsMu.Unlock()
	for _, c := range g.relays {
		c.Close()
	}
	g.tracker.Close()
	return nil
}
