package gwerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONRPCCode(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{InvalidRequest, -32600},
		{NotSynced, -32000},
		{NoBackendsAvailable, -32001},
		{UpstreamTimeout, -32002},
		{UpstreamTransport, -32003},
		{RateLimited, -32005},
		{Internal, -32603},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.kind.JSONRPCCode(), c.kind.String())
	}
}

func TestRecoverable(t *testing.T) {
	assert.True(t, UpstreamTimeout.Recoverable())
	assert.True(t, UpstreamTransport.Recoverable())
	assert.False(t, UpstreamJsonRpcError.Recoverable())
	assert.False(t, NoBackendsAvailable.Recoverable())
}

func TestKindOfUnwraps(t *testing.T) {
	base := New(UpstreamTimeout, "conn.Request", "dial timed out", errors.New("i/o timeout")).WithConn("rpc-1")
	plain := errors.New("context: " + base.Error())
	assert.Equal(t, Internal, KindOf(plain), "a plain error should never misreport a Kind")

	wrapped := fmt.Errorf("dispatch: %w", base)
	require.Equal(t, UpstreamTimeout, KindOf(wrapped))
	assert.Contains(t, base.Error(), "rpc-1")
}
