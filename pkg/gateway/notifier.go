package gateway

import (
	"github.com/mbahri/senja/pkg/approval"
)

// approvalNotifier fans approval lifecycle changes out to connected clients.
// Broadcasts are best-effort; the approvals document stays the source of
// truth for anyone who missed one.
type approvalNotifier struct {
	server *Server
}

func (n *approvalNotifier) ApprovalRequested(rec approval.Record) {
	n.server.broadcaster.Broadcast("approval.requested", rec)
}

func (n *approvalNotifier) ApprovalResolved(rec approval.ResolvedRecord) {
	n.server.broadcaster.Broadcast("approval.resolved", map[string]interface{}{
		"id":         rec.ID,
		"decision":   rec.Decision,
		"resolvedBy": rec.ResolvedBy,
	})
}
