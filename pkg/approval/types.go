// Package approval implements a durable, cross-process approval coordinator.
//
// Pending human decisions are persisted in a lock-guarded JSON document that
// may be mutated concurrently by other processes (an agent runtime requesting,
// a channel bot resolving, the CLI listing). The document is the single source
// of truth; per-process timers and waiter lists are advisory latency
// optimizations for the same-process case.
package approval

// Decision is the outcome recorded for an approval request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
	DecisionExpired Decision = "expired"
)

// Valid reports whether the decision is one of the known outcomes.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionDeny, DecisionExpired:
		return true
	}
	return false
}

// RequestPayload is the caller-defined decision context. It is carried
// through the store verbatim; rendering it to a human is the notification
// surface's job.
type RequestPayload struct {
	Kind       string                 `json:"kind"`
	Summary    string                 `json:"summary"`
	Details    map[string]interface{} `json:"details,omitempty"`
	AgentID    string                 `json:"agent_id,omitempty"`
	SessionKey string                 `json:"session_key,omitempty"`
}

// Record is a pending approval request. Records exist only in the pending
// set; resolution moves them to the resolved log.
type Record struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Request        RequestPayload `json:"request"`
	CreatedAtMs    int64          `json:"created_at_ms"`
	ExpiresAtMs    int64          `json:"expires_at_ms"`
}

// ResolvedRecord is a record plus its outcome.
type ResolvedRecord struct {
	Record
	ResolvedAtMs int64    `json:"resolved_at_ms"`
	Decision     Decision `json:"decision"`
	ResolvedBy   string   `json:"resolved_by,omitempty"`
}

// Document is the persisted approvals file shape.
//
// Invariants: pending ids are unique; a non-empty idempotency key is unique
// among pending records; the resolved log holds at most maxResolvedHistory
// entries with the oldest evicted first; every pending record eventually
// becomes exactly one resolved record.
type Document struct {
	Pending  []Record         `json:"pending"`
	Resolved []ResolvedRecord `json:"resolved"`

	// seq orders snapshots of the same store. Assigned while the file lock
	// is held, never persisted.
	seq uint64
}

// maxResolvedHistory caps the resolved log.
const maxResolvedHistory = 200

// FindPending returns the pending record with the given id.
func (d *Document) FindPending(id string) (Record, bool) {
	for _, rec := range d.Pending {
		if rec.ID == id {
			return rec, true
		}
	}
	return Record{}, false
}

// FindPendingByKey returns the pending record carrying the idempotency key.
func (d *Document) FindPendingByKey(key string) (Record, bool) {
	if key == "" {
		return Record{}, false
	}
	for _, rec := range d.Pending {
		if rec.IdempotencyKey == key {
			return rec, true
		}
	}
	return Record{}, false
}

// FindResolved returns the resolved record with the given id. The log is
// scanned newest-first so a re-requested id finds its latest outcome.
func (d *Document) FindResolved(id string) (ResolvedRecord, bool) {
	for i := len(d.Resolved) - 1; i >= 0; i-- {
		if d.Resolved[i].ID == id {
			return d.Resolved[i], true
		}
	}
	return ResolvedRecord{}, false
}

// removePending deletes the pending record with the given id, preserving
// order, and reports whether it was present.
func (d *Document) removePending(id string) (Record, bool) {
	for i, rec := range d.Pending {
		if rec.ID == id {
			d.Pending = append(d.Pending[:i], d.Pending[i+1:]...)
			return rec, true
		}
	}
	return Record{}, false
}

// appendResolved appends to the resolved log, evicting the oldest entries
// beyond the history cap.
func (d *Document) appendResolved(rr ResolvedRecord) {
	d.Resolved = append(d.Resolved, rr)
	if excess := len(d.Resolved) - maxResolvedHistory; excess > 0 {
		d.Resolved = append([]ResolvedRecord(nil), d.Resolved[excess:]...)
	}
}

// clone returns a deep-enough copy for handing out snapshots. Details maps
// are shared; callers treat payloads as read-only.
func (d *Document) clone() Document {
	out := Document{
		Pending:  append([]Record(nil), d.Pending...),
		Resolved: append([]ResolvedRecord(nil), d.Resolved...),
		seq:      d.seq,
	}
	return out
}
