package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbahri/senja/internal/tracing"
	"github.com/mbahri/senja/pkg/approval"
	"github.com/mbahri/senja/pkg/flow"
)

// greetDriver asks for a name and a confirmation, then completes.
func greetDriver(ctx context.Context, api *flow.API) (*flow.CompletionPayload, error) {
	name, err := api.Text(ctx, "What is your name?", flow.TextOptions{})
	if err != nil {
		return nil, err
	}
	ok, err := api.Confirm(ctx, "Save profile?")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, flow.ErrCancelled
	}
	return &flow.CompletionPayload{Notes: []string{"hello " + name}}, nil
}

// slowDriver delays before publishing its only step.
func slowDriver(ctx context.Context, api *flow.API) (*flow.CompletionPayload, error) {
	select {
	case <-time.After(300 * time.Millisecond):
	case <-ctx.Done():
		return nil, flow.ErrCancelled
	}
	if err := api.Note(ctx, "finally"); err != nil {
		return nil, err
	}
	return &flow.CompletionPayload{}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := zerolog.Nop()

	store := approval.NewStore(filepath.Join(t.TempDir(), "approvals.json"), logger)
	coordinator := approval.NewCoordinator(store, logger)
	t.Cleanup(coordinator.Close)

	srv, err := NewServer(Config{
		Host:         "127.0.0.1",
		Port:         18787,
		SharedSecret: "test-secret",
		Flows: map[string]flow.Driver{
			"greet": greetDriver,
			"slow":  slowDriver,
		},
		FlowRegistry: flow.NewRegistry(logger),
		Approvals:    coordinator,
		Logger:       logger,
	})
	require.NoError(t, err)
	return srv
}

func clientCtx(clientID string) context.Context {
	return tracing.WithClientID(context.Background(), clientID)
}

func call(s *Server, ctx context.Context, method string, params map[string]interface{}) *RPCResponse {
	return s.router.RouteRequest(ctx, &RPCRequest{
		ID:      "test",
		Method:  method,
		Params:  params,
		JSONRPC: "2.0",
	})
}

func TestNewServerValidation(t *testing.T) {
	logger := zerolog.Nop()
	store := approval.NewStore(filepath.Join(t.TempDir(), "approvals.json"), logger)
	coordinator := approval.NewCoordinator(store, logger)
	t.Cleanup(coordinator.Close)
	registry := flow.NewRegistry(logger)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing secret", Config{Port: 1234, FlowRegistry: registry, Approvals: coordinator}},
		{"invalid port", Config{SharedSecret: "s", FlowRegistry: registry, Approvals: coordinator}},
		{"missing registry", Config{Port: 1234, SharedSecret: "s", Approvals: coordinator}},
		{"missing coordinator", Config{Port: 1234, SharedSecret: "s", FlowRegistry: registry}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewServer(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestSystemMethods(t *testing.T) {
	s := newTestServer(t)
	ctx := clientCtx("client-a")

	t.Run("ping", func(t *testing.T) {
		resp := call(s, ctx, "system.ping", nil)
		require.Nil(t, resp.Error)
		result := resp.Result.(map[string]interface{})
		assert.Equal(t, true, result["pong"])
	})

	t.Run("methods", func(t *testing.T) {
		resp := call(s, ctx, "system.methods", nil)
		require.Nil(t, resp.Error)
		methods := resp.Result.(map[string]interface{})["methods"].([]string)
		assert.Contains(t, methods, "flow.start")
		assert.Contains(t, methods, "approvals.resolve")
	})

	t.Run("status", func(t *testing.T) {
		resp := call(s, ctx, "system.status", nil)
		require.Nil(t, resp.Error)
		result := resp.Result.(map[string]interface{})
		assert.Equal(t, 0, result["pendingApprovals"])
	})
}

func TestFlowLifecycle(t *testing.T) {
	s := newTestServer(t)
	owner := clientCtx("client-a")
	other := clientCtx("client-b")

	resp := call(s, owner, "flow.start", map[string]interface{}{"flow": "greet"})
	require.Nil(t, resp.Error)
	sessionID := resp.Result.(map[string]interface{})["sessionId"].(string)
	require.NotEmpty(t, sessionID)

	// Only one session may run at a time.
	resp = call(s, other, "flow.start", map[string]interface{}{"flow": "greet"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidRequest, resp.Error.Code)

	// Non-owners see that a session runs but not its id.
	resp = call(s, other, "flow.current", nil)
	require.Nil(t, resp.Error)
	current := resp.Result.(flow.CurrentResult)
	assert.True(t, current.Running)
	assert.False(t, current.Owned)
	assert.Empty(t, current.SessionID)

	// First step: the text prompt.
	resp = call(s, owner, "flow.next", map[string]interface{}{"sessionId": sessionID})
	require.Nil(t, resp.Error)
	next := resp.Result.(flow.NextResult)
	require.NotNil(t, next.Step)
	assert.Equal(t, flow.StepText, next.Step.Type)

	// Answers from a non-owner are rejected.
	resp = call(s, other, "flow.answer", map[string]interface{}{
		"sessionId": sessionID, "stepId": next.Step.ID, "value": "intruder",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidRequest, resp.Error.Code)

	resp = call(s, owner, "flow.answer", map[string]interface{}{
		"sessionId": sessionID, "stepId": next.Step.ID, "value": "senja",
	})
	require.Nil(t, resp.Error)

	// Second step: the confirmation.
	resp = call(s, owner, "flow.next", map[string]interface{}{"sessionId": sessionID})
	require.Nil(t, resp.Error)
	next = resp.Result.(flow.NextResult)
	require.NotNil(t, next.Step)
	assert.Equal(t, flow.StepConfirm, next.Step.Type)

	resp = call(s, owner, "flow.answer", map[string]interface{}{
		"sessionId": sessionID, "stepId": next.Step.ID, "value": true,
	})
	require.Nil(t, resp.Error)

	// Terminal result, delivered exactly once.
	resp = call(s, owner, "flow.next", map[string]interface{}{"sessionId": sessionID})
	require.Nil(t, resp.Error)
	next = resp.Result.(flow.NextResult)
	assert.True(t, next.Done)
	assert.Equal(t, flow.StatusDone, next.Status)
	require.NotNil(t, next.Result)
	assert.Equal(t, []string{"hello senja"}, next.Result.Notes)

	resp = call(s, owner, "flow.next", map[string]interface{}{"sessionId": sessionID})
	require.NotNil(t, resp.Error)
	assert.Equal(t, NotFound, resp.Error.Code)
}

func TestFlowStartUnknown(t *testing.T) {
	s := newTestServer(t)

	resp := call(s, clientCtx("client-a"), "flow.start", map[string]interface{}{"flow": "nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, NotFound, resp.Error.Code)

	resp = call(s, clientCtx("client-a"), "flow.start", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
}

func TestFlowNextLongPoll(t *testing.T) {
	s := newTestServer(t)
	owner := clientCtx("client-a")

	resp := call(s, owner, "flow.start", map[string]interface{}{"flow": "slow"})
	require.Nil(t, resp.Error)
	sessionID := resp.Result.(map[string]interface{})["sessionId"].(string)

	// The driver publishes nothing for a while; a short poll times out.
	resp = call(s, owner, "flow.next", map[string]interface{}{"sessionId": sessionID, "waitMs": 50})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, true, result["timeout"])

	// A generous poll delivers the step once it arrives.
	resp = call(s, owner, "flow.next", map[string]interface{}{"sessionId": sessionID, "waitMs": 2000})
	require.Nil(t, resp.Error)
	next := resp.Result.(flow.NextResult)
	require.NotNil(t, next.Step)
	assert.Equal(t, flow.StepNote, next.Step.Type)

	resp = call(s, owner, "flow.cancel", map[string]interface{}{"sessionId": sessionID})
	require.Nil(t, resp.Error)
}

func TestFlowCancelCurrent(t *testing.T) {
	s := newTestServer(t)
	owner := clientCtx("client-a")

	resp := call(s, owner, "flow.start", map[string]interface{}{"flow": "greet"})
	require.Nil(t, resp.Error)
	sessionID := resp.Result.(map[string]interface{})["sessionId"].(string)

	// Cancel without an id targets the running session.
	resp = call(s, owner, "flow.cancel", nil)
	require.Nil(t, resp.Error)

	resp = call(s, owner, "flow.next", map[string]interface{}{"sessionId": sessionID})
	require.Nil(t, resp.Error)
	next := resp.Result.(flow.NextResult)
	assert.True(t, next.Done)
	assert.Equal(t, flow.StatusCancelled, next.Status)

	// Nothing left to cancel.
	resp = call(s, owner, "flow.cancel", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, NotFound, resp.Error.Code)
}

func TestApprovalMethods(t *testing.T) {
	s := newTestServer(t)
	requester := clientCtx("agent-1")
	resolver := clientCtx("operator-1")

	resp := call(s, requester, "approvals.request", map[string]interface{}{
		"kind":    "tool",
		"summary": "Run rm -rf ./build",
		"details": map[string]interface{}{"command": "rm -rf ./build"},
	})
	require.Nil(t, resp.Error)
	rec := resp.Result.(approval.Record)
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, "tool", rec.Request.Kind)

	t.Run("list shows pending", func(t *testing.T) {
		resp := call(s, resolver, "approvals.list", nil)
		require.Nil(t, resp.Error)
		pending := resp.Result.(map[string]interface{})["pending"].([]approval.Record)
		require.Len(t, pending, 1)
		assert.Equal(t, rec.ID, pending[0].ID)
	})

	t.Run("get pending", func(t *testing.T) {
		resp := call(s, resolver, "approvals.get", map[string]interface{}{"id": rec.ID})
		require.Nil(t, resp.Error)
		got := resp.Result.(approval.Record)
		assert.Equal(t, rec.ID, got.ID)
	})

	t.Run("resolve records the caller", func(t *testing.T) {
		resp := call(s, resolver, "approvals.resolve", map[string]interface{}{
			"id": rec.ID, "decision": "approve",
		})
		require.Nil(t, resp.Error)
		result := resp.Result.(map[string]interface{})
		assert.Equal(t, true, result["resolved"])

		resp = call(s, resolver, "approvals.history", nil)
		require.Nil(t, resp.Error)
		history := resp.Result.(map[string]interface{})["resolved"].([]approval.ResolvedRecord)
		require.Len(t, history, 1)
		assert.Equal(t, approval.DecisionApprove, history[0].Decision)
		assert.Equal(t, "operator-1", history[0].ResolvedBy)
	})

	t.Run("get resolved falls back to history", func(t *testing.T) {
		resp := call(s, resolver, "approvals.get", map[string]interface{}{"id": rec.ID})
		require.Nil(t, resp.Error)
		got := resp.Result.(approval.ResolvedRecord)
		assert.Equal(t, approval.DecisionApprove, got.Decision)
	})

	t.Run("wait on resolved id answers immediately", func(t *testing.T) {
		resp := call(s, requester, "approvals.wait", map[string]interface{}{"id": rec.ID})
		require.Nil(t, resp.Error)
		result := resp.Result.(map[string]interface{})
		assert.Equal(t, "approve", result["decision"])
		assert.Equal(t, true, result["decided"])
	})

	t.Run("unknown id", func(t *testing.T) {
		resp := call(s, resolver, "approvals.get", map[string]interface{}{"id": "missing"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, NotFound, resp.Error.Code)
	})

	t.Run("bad decision", func(t *testing.T) {
		resp := call(s, resolver, "approvals.resolve", map[string]interface{}{
			"id": rec.ID, "decision": "expired",
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})
}

func TestApprovalWaitForLiveDecision(t *testing.T) {
	s := newTestServer(t)
	requester := clientCtx("agent-1")
	resolver := clientCtx("operator-1")

	resp := call(s, requester, "approvals.request", map[string]interface{}{
		"summary": "Deploy to production",
	})
	require.Nil(t, resp.Error)
	rec := resp.Result.(approval.Record)

	go func() {
		time.Sleep(50 * time.Millisecond)
		call(s, resolver, "approvals.resolve", map[string]interface{}{
			"id": rec.ID, "decision": "deny",
		})
	}()

	resp = call(s, requester, "approvals.wait", map[string]interface{}{"id": rec.ID})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, "deny", result["decision"])
	assert.Equal(t, true, result["decided"])
}
