package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBatchOrSingle(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		reqs, isBatch, err := ParseBatchOrSingle([]byte(`{"jsonrpc":"2.0","id":1,"method":"eth_blockNumber"}`))
		require.NoError(t, err)
		assert.False(t, isBatch)
		require.Len(t, reqs, 1)
		assert.Equal(t, "eth_blockNumber", reqs[0].Method)
	})

	t.Run("batch", func(t *testing.T) {
		raw := `[{"jsonrpc":"2.0","id":1,"method":"eth_blockNumber"},{"jsonrpc":"2.0","id":2,"method":"eth_chainId"}]`
		reqs, isBatch, err := ParseBatchOrSingle([]byte(raw))
		require.NoError(t, err)
		assert.True(t, isBatch)
		require.Len(t, reqs, 2)
		assert.Equal(t, "eth_chainId", reqs[1].Method)
	})

	t.Run("leading whitespace still detected as batch", func(t *testing.T) {
		raw := "  \n[{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"eth_blockNumber\"}]"
		_, isBatch, err := ParseBatchOrSingle([]byte(raw))
		require.NoError(t, err)
		assert.True(t, isBatch)
	})
}

func TestIDRoundTrips(t *testing.T) {
	for _, id := range []string{`1`, `"abc"`, `null`} {
		req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","id":` + id + `,"method":"eth_chainId"}`))
		require.NoError(t, err)
		assert.JSONEq(t, id, string(req.ID))
	}
}

func TestIsNotification(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","method":"eth_subscribe"}`))
	require.NoError(t, err)
	assert.True(t, req.IsNotification())
}

func TestSuccessAndFail(t *testing.T) {
	id := json.RawMessage("7")
	ok := Success(id, json.RawMessage(`"0x1"`))
	assert.Nil(t, ok.Error)
	assert.Equal(t, Version, ok.JSONRPC)

	fail := Fail(id, -32000, "not synced")
	require.NotNil(t, fail.Error)
	assert.Equal(t, -32000, fail.Error.Code)
	assert.Equal(t, "not synced", fail.Error.Error())
}
