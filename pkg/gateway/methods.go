package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbahri/senja/internal/observability"
	"github.com/mbahri/senja/internal/tracing"
	"github.com/mbahri/senja/pkg/approval"
	"github.com/mbahri/senja/pkg/flow"
)

// registerBuiltinMethods registers the system, flow and approval methods.
func (s *Server) registerBuiltinMethods() {
	s.router.RegisterMethod("system.ping", s.handlePing)
	s.router.RegisterMethod("system.methods", s.handleMethods)
	s.router.RegisterMethod("system.status", s.handleStatus)

	s.router.RegisterMethod("flow.start", s.handleFlowStart)
	s.router.RegisterMethod("flow.current", s.handleFlowCurrent)
	s.router.RegisterMethod("flow.next", s.handleFlowNext)
	s.router.RegisterMethod("flow.answer", s.handleFlowAnswer)
	s.router.RegisterMethod("flow.cancel", s.handleFlowCancel)

	s.router.RegisterMethod("approvals.request", s.handleApprovalRequest)
	s.router.RegisterMethod("approvals.list", s.handleApprovalList)
	s.router.RegisterMethod("approvals.get", s.handleApprovalGet)
	s.router.RegisterMethod("approvals.resolve", s.handleApprovalResolve)
	s.router.RegisterMethod("approvals.wait", s.handleApprovalWait)
	s.router.RegisterMethod("approvals.history", s.handleApprovalHistory)
}

func (s *Server) handlePing(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"pong":      true,
		"timestamp": time.Now().UnixMilli(),
	}, nil
}

func (s *Server) handleMethods(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"methods": s.router.GetMethods(),
	}, nil
}

func (s *Server) handleStatus(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	pending, err := s.approvals.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	caller := callerID(ctx)
	return map[string]interface{}{
		"clients":          s.clients.Count(),
		"flow":             s.flowRegistry.Current(caller),
		"pendingApprovals": len(pending),
		"timestamp":        time.Now().UnixMilli(),
	}, nil
}

// handleFlowStart launches a named flow owned by the calling client.
func (s *Server) handleFlowStart(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	name, err := requireString(params, "flow")
	if err != nil {
		return nil, err
	}

	driver, ok := s.flows[name]
	if !ok {
		return nil, &RPCError{
			Code:    NotFound,
			Message: fmt.Sprintf("unknown flow: %s", name),
		}
	}

	caller := callerID(ctx)

	// The session outlives the request that started it; its lifetime is
	// bounded by cancellation, not by the RPC context.
	sessionID, err := s.flowRegistry.Start(context.Background(), driver, caller, flow.SessionConfig{
		Logger: s.logger,
		OnProgress: func(message string) {
			s.broadcaster.BroadcastToClient(caller, "flow.progress", map[string]interface{}{
				"message": message,
			})
		},
	})
	if err != nil {
		return nil, flowRPCError(err)
	}

	observability.RecordFlowAudit(ctx, "flow_started", caller, "success", map[string]interface{}{
		"flow":       name,
		"session_id": sessionID,
	})

	return map[string]interface{}{
		"sessionId": sessionID,
	}, nil
}

func (s *Server) handleFlowCurrent(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	return s.flowRegistry.Current(callerID(ctx)), nil
}

// handleFlowNext returns the outstanding step or terminal result. With a
// waitMs parameter it long-polls until the session changes or the deadline
// passes, answering {"timeout": true} on the latter.
func (s *Server) handleFlowNext(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "sessionId")
	if err != nil {
		return nil, err
	}

	waitMs := intParam(params, "waitMs", 0)
	nextCtx := ctx
	if waitMs > 0 {
		var cancel context.CancelFunc
		nextCtx, cancel = context.WithTimeout(ctx, time.Duration(waitMs)*time.Millisecond)
		defer cancel()
	}

	res, err := s.flowRegistry.Next(nextCtx, sessionID)
	if err != nil {
		if waitMs > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return map[string]interface{}{"timeout": true}, nil
		}
		return nil, flowRPCError(err)
	}
	return res, nil
}

func (s *Server) handleFlowAnswer(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "sessionId")
	if err != nil {
		return nil, err
	}
	stepID, err := requireString(params, "stepId")
	if err != nil {
		return nil, err
	}

	if err := s.flowRegistry.Answer(sessionID, callerID(ctx), stepID, params["value"]); err != nil {
		return nil, flowRPCError(err)
	}
	return map[string]interface{}{"accepted": true}, nil
}

// handleFlowCancel cancels a session by id, or the running session when no
// id is given.
func (s *Server) handleFlowCancel(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	caller := callerID(ctx)
	sessionID := stringParam(params, "sessionId", "")

	var err error
	if sessionID == "" {
		err = s.flowRegistry.CancelCurrent(caller)
	} else {
		err = s.flowRegistry.Cancel(sessionID, caller)
	}
	if err != nil {
		return nil, flowRPCError(err)
	}

	observability.RecordFlowAudit(ctx, "flow_cancelled", caller, "success", map[string]interface{}{
		"session_id": sessionID,
	})
	return map[string]interface{}{"cancelled": true}, nil
}

func (s *Server) handleApprovalRequest(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	summary, err := requireString(params, "summary")
	if err != nil {
		return nil, err
	}

	var details map[string]interface{}
	if raw, ok := params["details"].(map[string]interface{}); ok {
		details = raw
	}

	rec, err := s.approvals.Request(ctx, approval.RequestOptions{
		Request: approval.RequestPayload{
			Kind:       stringParam(params, "kind", ""),
			Summary:    summary,
			Details:    details,
			AgentID:    stringParam(params, "agentId", ""),
			SessionKey: stringParam(params, "sessionKey", ""),
		},
		Timeout:        time.Duration(intParam(params, "timeoutMs", 0)) * time.Millisecond,
		IdempotencyKey: stringParam(params, "idempotencyKey", ""),
	})
	if err != nil {
		return nil, err
	}

	observability.RecordApprovalAudit(ctx, "approval_requested", callerID(ctx), "pending", map[string]interface{}{
		"id":   rec.ID,
		"kind": rec.Request.Kind,
	})
	return rec, nil
}

func (s *Server) handleApprovalList(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	pending, err := s.approvals.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"pending": pending}, nil
}

func (s *Server) handleApprovalGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requireString(params, "id")
	if err != nil {
		return nil, err
	}

	rec, ok, err := s.approvals.GetPending(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		return rec, nil
	}

	history, err := s.approvals.History(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ID == id {
			return history[i], nil
		}
	}

	return nil, &RPCError{
		Code:    NotFound,
		Message: fmt.Sprintf("approval not found: %s", id),
	}
}

func (s *Server) handleApprovalResolve(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requireString(params, "id")
	if err != nil {
		return nil, err
	}
	decision, err := requireString(params, "decision")
	if err != nil {
		return nil, err
	}

	resolvedBy := stringParam(params, "resolvedBy", callerID(ctx))
	resolved, err := s.approvals.Resolve(ctx, id, approval.Decision(decision), resolvedBy)
	if err != nil {
		return nil, &RPCError{
			Code:    InvalidParams,
			Message: err.Error(),
		}
	}
	if resolved {
		observability.RecordApprovalAudit(ctx, "approval_resolved", resolvedBy, decision, map[string]interface{}{
			"id": id,
		})
	}
	return map[string]interface{}{"resolved": resolved}, nil
}

// handleApprovalWait blocks until the approval is decided, expired or the
// request context ends. An id that already left the pending set answers
// immediately from the resolved log.
func (s *Server) handleApprovalWait(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requireString(params, "id")
	if err != nil {
		return nil, err
	}

	rec, ok, err := s.approvals.GetPending(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		history, err := s.approvals.History(ctx)
		if err != nil {
			return nil, err
		}
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].ID == id {
				return waitResult(history[i].Decision), nil
			}
		}
		return nil, &RPCError{
			Code:    NotFound,
			Message: fmt.Sprintf("approval not found: %s", id),
		}
	}

	decision, decided, err := s.approvals.WaitForDecision(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !decided {
		return waitResult(approval.DecisionExpired), nil
	}
	return waitResult(decision), nil
}

func (s *Server) handleApprovalHistory(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	history, err := s.approvals.History(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"resolved": history}, nil
}

func waitResult(decision approval.Decision) map[string]interface{} {
	return map[string]interface{}{
		"decision": string(decision),
		"decided":  decision == approval.DecisionApprove || decision == approval.DecisionDeny,
	}
}

// callerID derives the flow ownership identity from the request context.
func callerID(ctx context.Context) string {
	if id := tracing.GetClientID(ctx); id != "" {
		return id
	}
	return "anonymous"
}

// flowRPCError maps flow package errors onto RPC error codes.
func flowRPCError(err error) error {
	switch {
	case errors.Is(err, flow.ErrSessionNotFound):
		return &RPCError{Code: NotFound, Message: err.Error()}
	case errors.Is(err, flow.ErrSessionActive),
		errors.Is(err, flow.ErrNotOwner),
		errors.Is(err, flow.ErrNotRunning),
		errors.Is(err, flow.ErrNoPendingStep),
		errors.Is(err, flow.ErrStepMismatch):
		return &RPCError{Code: InvalidRequest, Message: err.Error()}
	default:
		return err
	}
}

func requireString(params map[string]interface{}, key string) (string, error) {
	value, ok := params[key].(string)
	if !ok || value == "" {
		return "", &RPCError{
			Code:    InvalidParams,
			Message: fmt.Sprintf("%s parameter is required", key),
		}
	}
	return value, nil
}

func stringParam(params map[string]interface{}, key, fallback string) string {
	if value, ok := params[key].(string); ok && value != "" {
		return value
	}
	return fallback
}

// intParam reads a numeric parameter. JSON numbers decode as float64.
func intParam(params map[string]interface{}, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
