package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpcmesh/gateway/internal/types"
)

func resolvedFP(method string, n int) types.RequestFingerprint {
	var h common.Hash
	h[0] = byte(n)
	return types.RequestFingerprint{Method: method, NormalizedParams: "[]", BlockHash: h, Resolved: true}
}

func TestUnresolvedFingerprintNeverCached(t *testing.T) {
	c := New(1 << 20)
	fp := types.RequestFingerprint{Method: "eth_call", Resolved: false}

	var calls atomic.Int32
	load := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("x"), nil
	}

	for i := 0; i < 3; i++ {
		_, err := c.GetOrLoad(context.Background(), fp, load)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load(), "an unresolved fingerprint must always call the loader")
	assert.Equal(t, 0, c.Len())
}

func TestGetOrLoadCachesOnSuccess(t *testing.T) {
	c := New(1 << 20)
	fp := resolvedFP("eth_getBalance", 1)

	var calls atomic.Int32
	load := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte(`"0x1"`), nil
	}

	v1, err := c.GetOrLoad(context.Background(), fp, load)
	require.NoError(t, err)
	v2, err := c.GetOrLoad(context.Background(), fp, load)
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), calls.Load(), "second call must be served from cache")
	assert.Equal(t, int64(1), c.Hits())
}

func TestSingleFlightDeduplicatesConcurrentMisses(t *testing.T) {
	c := New(1 << 20)
	fp := resolvedFP("eth_getBalance", 2)

	var calls atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte(`"0x2"`), nil
	}

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := c.GetOrLoad(context.Background(), fp, load)
			assert.NoError(t, err)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent misses on the same fingerprint must call the loader once")
}

func TestErrorsAreNeverCached(t *testing.T) {
	c := New(1 << 20)
	fp := resolvedFP("eth_getBalance", 3)

	boom := assert.AnError
	_, err := c.GetOrLoad(context.Background(), fp, func(context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	_, err = c.GetOrLoad(context.Background(), fp, func(context.Context) ([]byte, error) {
		return []byte(`"0x3"`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestOnOrphanedEvictsPinnedEntries(t *testing.T) {
	c := New(1 << 20)
	fp := resolvedFP("eth_getBalance", 4)

	_, err := c.GetOrLoad(context.Background(), fp, func(context.Context) ([]byte, error) {
		return []byte(`"0x4"`), nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	c.OnOrphaned(fp.BlockHash)
	assert.Equal(t, 0, c.Len())
}

func TestByteBudgetEviction(t *testing.T) {
	// Each shard gets 200 bytes; every entry costs 150 bytes of payload
	// plus the 64-byte header, so every insert forces eviction.
	c := New(shardCount * 200)

	for i := 0; i < 100; i++ {
		fp := resolvedFP("eth_getBalance", i%250)
		payload := make([]byte, 150)
		_, err := c.GetOrLoad(context.Background(), fp, func(context.Context) ([]byte, error) {
			return payload, nil
		})
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, c.TotalBytes(), int64(shardCount*200), "cache must never exceed its configured byte budget")
}
