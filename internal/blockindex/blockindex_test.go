package blockindex

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpcmesh/gateway/internal/types"
)

func hash(b byte) common.Hash {
	var h common.Hash
	h[0] = b
	return h
}

func block(n uint64, h common.Hash, parent common.Hash) types.SavedBlock {
	return types.NewSavedBlock(h, n, parent)
}

func TestInsertIdempotent(t *testing.T) {
	idx := New()
	b := block(10, hash(1), hash(0))
	idx.Insert(b, types.SavedBlock{})
	idx.Insert(b, types.SavedBlock{})

	got, ok := idx.ByHash(hash(1))
	require.True(t, ok)
	assert.Equal(t, uint64(10), got.Number())
	assert.Len(t, idx.ByNumber(10), 1)
}

func TestReorgNotifiesOrphan(t *testing.T) {
	idx := New()
	var orphaned []common.Hash
	idx.Subscribe(orphanFunc(func(h common.Hash) { orphaned = append(orphaned, h) }))

	prev := block(10, hash(1), hash(0))
	idx.Insert(prev, types.SavedBlock{})

	next := block(10, hash(2), hash(0))
	idx.Insert(next, prev)

	require.Len(t, orphaned, 1)
	assert.Equal(t, hash(1), orphaned[0])
}

func TestNoOrphanWhenNewHeadExtendsPrev(t *testing.T) {
	idx := New()
	var orphaned []common.Hash
	idx.Subscribe(orphanFunc(func(h common.Hash) { orphaned = append(orphaned, h) }))

	prev := block(10, hash(1), hash(0))
	idx.Insert(prev, types.SavedBlock{})

	next := block(11, hash(2), hash(1))
	idx.Insert(next, prev)

	assert.Empty(t, orphaned)
}

func TestRetentionEviction(t *testing.T) {
	idx := New()
	// SetRetention only grows the window past New's default of 256, so a
	// small window is set directly to make 20 blocks enough to evict.
	idx.retention = 2

	var prev types.SavedBlock
	for n := uint64(1); n <= 20; n++ {
		b := block(n, hash(byte(n)), prev.Hash())
		idx.Insert(b, prev)
		prev = b
	}

	_, ok := idx.ByHash(hash(1))
	assert.False(t, ok, "oldest block should have been evicted")
	_, ok = idx.ByHash(hash(20))
	assert.True(t, ok, "most recent block must remain")
}

func TestSetRetentionNeverShrinks(t *testing.T) {
	idx := New()
	idx.SetRetention(500)
	idx.SetRetention(10)

	var prev types.SavedBlock
	for n := uint64(1); n <= 50; n++ {
		b := block(n, hash(byte(n)), prev.Hash())
		idx.Insert(b, prev)
		prev = b
	}
	_, ok := idx.ByHash(hash(1))
	assert.True(t, ok, "a prior larger SetRetention call must not be shrunk by a smaller one")
}

type orphanFunc func(common.Hash)

func (f orphanFunc) OnOrphaned(h common.Hash) { f(h) }
