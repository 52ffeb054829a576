package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("valid request", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"system.ping","jsonrpc":"2.0"}`))
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "system.ping", req.Method)
	})

	t.Run("defaults jsonrpc version", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"system.ping"}`))
		require.NoError(t, err)
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{not json`))
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, ParseError, rpcErr.Code)
	})

	t.Run("rejects missing id", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{"method":"system.ping"}`))
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
	})

	t.Run("rejects missing method", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{"id":"1"}`))
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
	})
}

func TestRouteRequest(t *testing.T) {
	router := NewRPCRouter()
	require.NoError(t, router.RegisterMethod("echo", func(_ context.Context, params map[string]interface{}) (interface{}, error) {
		return params["value"], nil
	}))
	require.NoError(t, router.RegisterMethod("fail", func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, router.RegisterMethod("missing", func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
		return nil, &RPCError{Code: NotFound, Message: "nothing here"}
	}))

	t.Run("routes to handler", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{
			ID:     "1",
			Method: "echo",
			Params: map[string]interface{}{"value": "hello"},
		})
		require.Nil(t, resp.Error)
		assert.Equal(t, "hello", resp.Result)
		assert.Equal(t, "1", resp.ID)
	})

	t.Run("unknown method", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "2", Method: "nope"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("plain error becomes internal error", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "3", Method: "fail"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Equal(t, "boom", resp.Error.Message)
	})

	t.Run("handler rpc error code is preserved", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "4", Method: "missing"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, NotFound, resp.Error.Code)
	})
}

func TestRouteRequestIdempotency(t *testing.T) {
	router := NewRPCRouter()
	calls := 0
	require.NoError(t, router.RegisterMethod("count", func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
		calls++
		return map[string]interface{}{"calls": calls}, nil
	}))

	first := router.RouteRequest(context.Background(), &RPCRequest{
		ID: "1", Method: "count", IdempotencyKey: "k1",
	})
	second := router.RouteRequest(context.Background(), &RPCRequest{
		ID: "2", Method: "count", IdempotencyKey: "k1",
	})

	assert.Equal(t, 1, calls, "second request should be served from cache")
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, "2", second.ID, "cached response carries the new request id")

	// A different key executes the handler again.
	third := router.RouteRequest(context.Background(), &RPCRequest{
		ID: "3", Method: "count", IdempotencyKey: "k2",
	})
	assert.Equal(t, 2, calls)
	assert.NotEqual(t, first.Result, third.Result)
}

func TestGetMethods(t *testing.T) {
	router := NewRPCRouter()
	handler := func(_ context.Context, _ map[string]interface{}) (interface{}, error) { return nil, nil }
	require.NoError(t, router.RegisterMethod("zeta", handler))
	require.NoError(t, router.RegisterMethod("alpha", handler))

	assert.Equal(t, []string{"alpha", "zeta"}, router.GetMethods())
	assert.True(t, router.HasMethod("alpha"))

	router.UnregisterMethod("alpha")
	assert.False(t, router.HasMethod("alpha"))
}

func TestRegisterMethodNilHandler(t *testing.T) {
	router := NewRPCRouter()
	assert.Error(t, router.RegisterMethod("bad", nil))
}
