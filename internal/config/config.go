// Package config loads the gateway's TOML configuration file (spec.md
// §6) using github.com/naoina/toml, the teacher's own dependency for
// parsing go-ethereum chain/genesis configuration. github.com/fsnotify
// watches the file for changes so balanced_rpcs can grow or shrink
// without a restart (chain_id changes still require one).
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/naoina/toml"

	"github.com/ethereum/go-ethereum/log"
)

// Backend mirrors one entry of balanced_rpcs / private_rpcs.
type Backend struct {
	URL              string  `toml:"url"`
	SoftLimit        float64 `toml:"soft_limit"`
	HardLimit        float64 `toml:"hard_limit"`
	Tier             int     `toml:"tier"`
	BlockDataLimit   uint64  `toml:"block_data_limit"`
	SubscribeTxs     bool    `toml:"subscribe_txs"`
	Disabled         bool    `toml:"disabled"`
}

// Config is the recognized option set from spec.md §6.
type Config struct {
	ChainID uint64 `toml:"chain_id"`

	MinSyncedRPCs   int     `toml:"min_synced_rpcs"`
	MinSumSoftLimit float64 `toml:"min_sum_soft_limit"`

	ResponseCacheMaxBytes int64 `toml:"response_cache_max_bytes"`

	DefaultUserMaxRequestsPerPeriod int `toml:"default_user_max_requests_per_period"`
	PublicRequestsPerPeriod         int `toml:"public_requests_per_period"`

	BalancedRPCs map[string]Backend `toml:"balanced_rpcs"`
	PrivateRPCs  map[string]Backend `toml:"private_rpcs"`

	RedirectPublicURL string `toml:"redirect_public_url"`
	RedirectUserURL   string `toml:"redirect_user_url"`

	// DeterministicMethods overrides the default cacheability of a method.
	// true means "force cacheable", false means "force non-cacheable";
	// methods absent fall back to the built-in table (spec.md §4.4).
	DeterministicMethods map[string]bool `toml:"deterministic_methods"`

	ListenAddr  string `toml:"listen_addr"`
	MetricsAddr string `toml:"metrics_addr"`
}

func (c *Config) applyDefaults() {
	if c.ResponseCacheMaxBytes == 0 {
		c.ResponseCacheMaxBytes = 256 << 20
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8545"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
}

// Load parses path into a Config, applying defaults for any option the
// file leaves unset.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load(%q): %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load(%q): decode: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Watcher reloads Config from disk whenever the underlying file changes
// and hands the new value to onChange. Only balanced_rpcs additions and
// removals are expected to be acted on live; callers that
// can't safely apply a changed chain_id should validate that themselves.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	log      log.Logger
	mu       sync.Mutex
	onChange func(*Config)
	quit     chan struct{}
}

func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config.NewWatcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config.NewWatcher: watch %q: %w", path, err)
	}
	w := &Watcher{path: path, watcher: fw, log: log.New("component", "config"), onChange: onChange, quit: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.quit:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Error("config reload failed", "err", err)
				continue
			}
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("config watcher error", "err", err)
		}
	}
}

func (w *Watcher) Close() {
	close(w.quit)
	w.watcher.Close()
}
