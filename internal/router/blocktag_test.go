package router

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpcmesh/gateway/internal/blockindex"
	"github.com/rpcmesh/gateway/internal/consensus"
	"github.com/rpcmesh/gateway/internal/types"
)

func hash(b byte) common.Hash {
	var h common.Hash
	h[0] = b
	return h
}

func strParam(s string) json.RawMessage {
	enc, _ := json.Marshal(s)
	return enc
}

func TestResolveBlockTagLatest(t *testing.T) {
	idx := blockindex.New()
	snap := &consensus.Snapshot{
		HeadBlock: types.NewSavedBlock(hash(9), 100, common.Hash{}),
		HasHead:   true,
	}

	res := resolveBlockTag("eth_getBalance", []json.RawMessage{strParam("0xabc"), strParam("latest")}, idx, snap)
	require.True(t, res.resolved)
	assert.Equal(t, uint64(100), res.number)
	assert.Equal(t, hash(9), res.hash)
}

func TestResolveBlockTagPendingNeverResolves(t *testing.T) {
	idx := blockindex.New()
	snap := &consensus.Snapshot{HasHead: false}

	res := resolveBlockTag("eth_getBalance", []json.RawMessage{strParam("0xabc"), strParam("pending")}, idx, snap)
	assert.True(t, res.hadTag)
	assert.False(t, res.resolved)
}

func TestResolveBlockTagEarliestIsBlockZero(t *testing.T) {
	idx := blockindex.New()
	genesis := types.NewSavedBlock(hash(1), 0, common.Hash{})
	idx.Insert(genesis, types.SavedBlock{})
	snap := &consensus.Snapshot{}

	res := resolveBlockTag("eth_getBalance", []json.RawMessage{strParam("0xabc"), strParam("earliest")}, idx, snap)
	require.True(t, res.resolved)
	assert.Equal(t, uint64(0), res.number)
	assert.Equal(t, hash(1), res.hash)
}

func TestResolveBlockTagHexHeight(t *testing.T) {
	idx := blockindex.New()
	b := types.NewSavedBlock(hash(5), 42, common.Hash{})
	idx.Insert(b, types.SavedBlock{})
	snap := &consensus.Snapshot{}

	res := resolveBlockTag("eth_getBalance", []json.RawMessage{strParam("0xabc"), strParam("0x2a")}, idx, snap)
	require.True(t, res.resolved)
	assert.Equal(t, uint64(42), res.number)
	assert.Equal(t, hash(5), res.hash)
}

func TestResolveBlockTagUnknownHeightUnresolved(t *testing.T) {
	idx := blockindex.New()
	snap := &consensus.Snapshot{}

	res := resolveBlockTag("eth_getBalance", []json.RawMessage{strParam("0xabc"), strParam("0x999")}, idx, snap)
	assert.True(t, res.hadTag)
	assert.False(t, res.resolved)
}

func TestRewriteParam(t *testing.T) {
	params := []json.RawMessage{strParam("0xabc"), strParam("latest")}
	out, err := rewriteParam(params, 1, hash(9))
	require.NoError(t, err)

	var rewritten string
	require.NoError(t, json.Unmarshal(out[1], &rewritten))
	assert.Contains(t, rewritten, "0x0900")
	assert.Equal(t, params[0], out[0], "only the block-tag parameter should change")
}
