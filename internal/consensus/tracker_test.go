package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rpcmesh/gateway/internal/conn"
)

func newUnreachableConn(t *testing.T, name string) *conn.Connection {
	t.Helper()
	c := conn.New(conn.Config{Name: name, URL: "http://127.0.0.1:1"})
	t.Cleanup(c.Close)
	return c
}

func TestNewTrackerStartsWithEmptySnapshot(t *testing.T) {
	tr := New(Config{MinSyncedRPCs: 1})
	defer tr.Close()

	assert.False(t, tr.Snapshot().Synced())
}

func TestRegisteredButUnhealthyConnectionNeverSynced(t *testing.T) {
	tr := New(Config{MinSyncedRPCs: 1})
	defer tr.Close()

	c := newUnreachableConn(t, "alchemy")
	tr.Register(c)

	// Give the debounced rebuild loop a chance to run; the connection
	// never reaches Healthy since it can never fetch a head, so it must never
	// contribute to a published snapshot.
	time.Sleep(debounceWindow + 20*time.Millisecond)
	assert.False(t, tr.Snapshot().Synced())
}

func TestUnregisterRemovesConnectionFromRebuild(t *testing.T) {
	tr := New(Config{MinSyncedRPCs: 1})
	defer tr.Close()

	c := newUnreachableConn(t, "alchemy")
	tr.Register(c)
	tr.Unregister(c)

	tr.mu.RLock()
	n := len(tr.conns)
	tr.mu.RUnlock()
	assert.Equal(t, 0, n)
}

func TestCloseStopsBackgroundLoop(t *testing.T) {
	tr := New(Config{})
	tr.Close()
	// Close must be safe to call exactly once and return once the loop
	// goroutine has exited; a second Register after Close must not panic.
	c := newUnreachableConn(t, "late")
	assert.NotPanics(t, func() { tr.Register(c) })
}
