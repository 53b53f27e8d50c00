package httpfrontend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpcmesh/gateway/internal/jsonrpc"
)

type stubDispatcher struct {
	fn func(ctx context.Context, client string, req *jsonrpc.Request) *jsonrpc.Response
}

func (s stubDispatcher) Dispatch(ctx context.Context, client string, req *jsonrpc.Request) *jsonrpc.Response {
	return s.fn(ctx, client, req)
}

func echoChainID(ctx context.Context, client string, req *jsonrpc.Request) *jsonrpc.Response {
	return jsonrpc.Success(req.ID, []byte(`"0x1"`))
}

func newTestServer(d Dispatcher) *Server {
	return NewServer(d, func() interface{} { return map[string]bool{"ok": true} }, func() bool { return true }, RedirectConfig{})
}

func TestHandleRPCSingle(t *testing.T) {
	srv := newTestServer(stubDispatcher{fn: echoChainID})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"eth_chainId"}`))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":"0x1"}`, rec.Body.String())
}

func TestHandleRPCBatch(t *testing.T) {
	srv := newTestServer(stubDispatcher{fn: echoChainID})
	body := `[{"jsonrpc":"2.0","id":1,"method":"eth_chainId"},{"jsonrpc":"2.0","id":2,"method":"eth_chainId"}]`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"jsonrpc":"2.0","id":1,"result":"0x1"},{"jsonrpc":"2.0","id":2,"result":"0x1"}]`, rec.Body.String())
}

func TestHandleRPCNotificationNoBody(t *testing.T) {
	srv := newTestServer(stubDispatcher{fn: echoChainID})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","method":"eth_chainId"}`))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(stubDispatcher{fn: echoChainID})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleStatus(t *testing.T) {
	srv := newTestServer(stubDispatcher{fn: echoChainID})
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestParseErrorReturnsJSONRPCError(t *testing.T) {
	srv := newTestServer(stubDispatcher{fn: echoChainID})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "parse error")
}
