package router

// StatusSnapshot is the debug payload for GET /status (spec.md §6),
// modeled on the original's Debug impl for SyncedConnections: head block,
// the names of the synced connections and the cache's entry and byte
// totals, not a full dump of every connection's internals.
type StatusSnapshot struct {
	Synced        bool     `json:"synced"`
	HeadNumber    uint64   `json:"head_number,omitempty"`
	HeadHash      string   `json:"head_hash,omitempty"`
	SyncedConns   []string `json:"synced_conns"`
	CacheEntries  int      `json:"cache_entries"`
	CacheBytes    int64    `json:"cache_bytes"`
}

// Status builds the current StatusSnapshot.
func (r *Router) Status() StatusSnapshot {
	snap := r.tracker.Snapshot()
	s := StatusSnapshot{
		Synced:       snap.Synced(),
		CacheEntries: r.cache.Len(),
		CacheBytes:   r.cache.TotalBytes(),
	}
	if snap.HasHead {
		s.HeadNumber = snap.HeadBlock.Number()
		s.HeadHash = snap.HeadBlock.Hash().Hex()
	}
	for _, c := range snap.Conns {
		s.SyncedConns = append(s.SyncedConns, c.Name())
	}
	return s
}

// Healthy reports whether GET /health should return 200: synced() AND at
// least one Healthy connection exists.
func (r *Router) Healthy(anyHealthy func() bool) bool {
	return r.tracker.Snapshot().Synced() && anyHealthy()
}
