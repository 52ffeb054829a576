package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mbahri/senja/internal/observability"
)

// Timeout bounds for a pending approval. Requests outside the bounds are
// clamped, not rejected.
const (
	MinTimeout     = 1 * time.Second
	MaxTimeout     = 2 * time.Hour
	DefaultTimeout = 10 * time.Minute
)

// Notifier receives approval lifecycle events for fan-out to notification
// surfaces. Callbacks run on the coordinator's goroutine and must not block.
type Notifier interface {
	ApprovalRequested(rec Record)
	ApprovalResolved(rec ResolvedRecord)
}

// RequestOptions describe a new approval request.
type RequestOptions struct {
	Request        RequestPayload
	Timeout        time.Duration
	IdempotencyKey string
}

// Coordinator mediates approval requests over a shared Store. The store is
// authoritative; the coordinator layers on top of it in-process expiry
// timers, decision waiters, and event fan-out. Resolutions made by other
// processes are picked up whenever the document is re-read.
type Coordinator struct {
	store  *Store
	logger zerolog.Logger
	now    func() time.Time

	mu             sync.Mutex
	defaultTimeout time.Duration
	timers         map[string]*time.Timer
	waiters        map[string][]chan Decision
	notifiers      []Notifier
	settleSeq      uint64
	closed         bool
}

// NewCoordinator creates a coordinator over the given store.
func NewCoordinator(store *Store, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:          store,
		logger:         logger,
		now:            time.Now,
		defaultTimeout: DefaultTimeout,
		timers:         make(map[string]*time.Timer),
		waiters:        make(map[string][]chan Decision),
	}
}

// SetDefaultTimeout overrides the timeout applied to requests that carry
// none. The [MinTimeout, MaxTimeout] clamp still applies.
func (c *Coordinator) SetDefaultTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.defaultTimeout = d
	c.mu.Unlock()
}

// AddNotifier registers a lifecycle event receiver.
func (c *Coordinator) AddNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifiers = append(c.notifiers, n)
}

// Request persists a new pending approval and returns its record. When the
// idempotency key matches an existing pending record, that record is
// returned instead and nothing new is created.
func (c *Coordinator) Request(ctx context.Context, opts RequestOptions) (Record, error) {
	if opts.Request.Summary == "" {
		return Record{}, fmt.Errorf("approval summary is required")
	}
	if opts.Request.Kind == "" {
		opts.Request.Kind = "generic"
	}
	c.mu.Lock()
	fallback := c.defaultTimeout
	c.mu.Unlock()
	timeout := clampTimeout(opts.Timeout, fallback)

	var (
		rec      Record
		deduped  bool
		snapshot Document
	)
	err := c.store.WithLock(ctx, func(doc *Document) (bool, error) {
		if existing, ok := doc.FindPendingByKey(opts.IdempotencyKey); ok {
			rec = existing
			deduped = true
			snapshot = doc.clone()
			return false, nil
		}

		now := c.now()
		rec = Record{
			ID:             uuid.NewString(),
			IdempotencyKey: opts.IdempotencyKey,
			Request:        opts.Request,
			CreatedAtMs:    now.UnixMilli(),
			ExpiresAtMs:    now.Add(timeout).UnixMilli(),
		}
		doc.Pending = append(doc.Pending, rec)
		snapshot = doc.clone()
		return true, nil
	})
	if err != nil {
		return Record{}, err
	}

	c.settleFromDocument(snapshot)
	observability.RecordApprovalRequest(deduped)

	if deduped {
		c.logger.Debug().
			Str("approvalId", rec.ID).
			Str("idempotencyKey", opts.IdempotencyKey).
			Msg("Approval request deduplicated")
		return rec, nil
	}

	c.scheduleExpiry(rec)
	c.notifyRequested(rec)
	c.logger.Info().
		Str("approvalId", rec.ID).
		Str("kind", rec.Request.Kind).
		Dur("timeout", timeout).
		Msg("Approval requested")
	return rec, nil
}

// Resolve records a human decision for a pending approval. Only approve and
// deny are accepted here; expiry is the coordinator's own transition. It
// returns false when the id is not pending, which callers treat as "too
// late" rather than an error.
func (c *Coordinator) Resolve(ctx context.Context, id string, decision Decision, resolvedBy string) (bool, error) {
	if decision != DecisionApprove && decision != DecisionDeny {
		return false, fmt.Errorf("decision must be %q or %q, got %q", DecisionApprove, DecisionDeny, decision)
	}
	return c.resolveAs(ctx, id, decision, resolvedBy)
}

// Expire moves a pending approval to the resolved log with the expired
// decision. Expiring an id that is no longer pending is a no-op.
func (c *Coordinator) Expire(ctx context.Context, id string) error {
	_, err := c.resolveAs(ctx, id, DecisionExpired, "")
	return err
}

func (c *Coordinator) resolveAs(ctx context.Context, id string, decision Decision, resolvedBy string) (bool, error) {
	var (
		resolved ResolvedRecord
		found    bool
		snapshot Document
	)
	err := c.store.WithLock(ctx, func(doc *Document) (bool, error) {
		rec, ok := doc.removePending(id)
		if ok {
			resolved = ResolvedRecord{
				Record:       rec,
				ResolvedAtMs: c.now().UnixMilli(),
				Decision:     decision,
				ResolvedBy:   resolvedBy,
			}
			doc.appendResolved(resolved)
		}
		found = ok
		snapshot = doc.clone()
		return ok, nil
	})
	if err != nil {
		return false, err
	}

	c.settleFromDocument(snapshot)
	if !found {
		return false, nil
	}

	observability.RecordApprovalResolution(string(decision))
	c.notifyResolved(resolved)
	c.logger.Info().
		Str("approvalId", id).
		Str("decision", string(decision)).
		Str("resolvedBy", resolvedBy).
		Msg("Approval resolved")
	return true, nil
}

// WaitForDecision blocks until the record is approved or denied, its
// deadline passes, or ctx is done. The ok result is false when the record
// expired instead of being decided.
func (c *Coordinator) WaitForDecision(ctx context.Context, rec Record) (Decision, bool, error) {
	start := c.now()
	expiresAt := time.UnixMilli(rec.ExpiresAtMs)
	if !start.Before(expiresAt) {
		if err := c.Expire(ctx, rec.ID); err != nil {
			return "", false, err
		}
		return "", false, nil
	}

	ch := make(chan Decision, 1)
	c.addWaiter(rec.ID, ch)
	defer c.removeWaiter(rec.ID, ch)

	// A resolution, possibly from another process, may have landed between
	// the caller obtaining the record and the waiter registration above.
	// Re-reading the document after registering closes that window.
	if err := c.Reconcile(ctx); err != nil {
		return "", false, err
	}

	// The expiry timer scheduled at request time normally fires first; this
	// local timer covers records created by another process.
	timer := time.NewTimer(time.Until(expiresAt) + 50*time.Millisecond)
	defer timer.Stop()

	select {
	case decision := <-ch:
		observability.RecordApprovalWait(c.now().Sub(start))
		if decision == DecisionExpired {
			return "", false, nil
		}
		return decision, true, nil
	case <-timer.C:
		if err := c.Expire(ctx, rec.ID); err != nil {
			return "", false, err
		}
		observability.RecordApprovalWait(c.now().Sub(start))
		// Expire re-read the document; a decision another process recorded
		// just before the deadline arrives through the waiter channel and
		// must win over the expiry report.
		select {
		case decision := <-ch:
			if decision != DecisionExpired {
				return decision, true, nil
			}
		default:
		}
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// ListPending returns the pending records in creation order.
func (c *Coordinator) ListPending(ctx context.Context) ([]Record, error) {
	doc, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	c.settleFromDocument(doc)
	return doc.Pending, nil
}

// GetPending returns one pending record by id.
func (c *Coordinator) GetPending(ctx context.Context, id string) (Record, bool, error) {
	doc, err := c.store.Snapshot(ctx)
	if err != nil {
		return Record{}, false, err
	}
	c.settleFromDocument(doc)
	rec, ok := doc.FindPending(id)
	return rec, ok, nil
}

// History returns the resolved log, oldest first.
func (c *Coordinator) History(ctx context.Context) ([]ResolvedRecord, error) {
	doc, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	c.settleFromDocument(doc)
	return doc.Resolved, nil
}

// Reconcile re-reads the document and settles local waiters and timers
// against it. Called after cross-process mutations are suspected: on a file
// watcher event and on the periodic sweep.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	doc, err := c.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	c.settleFromDocument(doc)
	return nil
}

// Close stops all in-process expiry timers. Pending records stay in the
// document and expire lazily on the next access.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

// settleFromDocument updates the pending gauge, delivers decisions to
// waiters whose records are no longer pending, and drops timers for records
// settled elsewhere.
func (c *Coordinator) settleFromDocument(doc Document) {
	pending := make(map[string]bool, len(doc.Pending))
	for _, rec := range doc.Pending {
		pending[rec.ID] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Snapshots settle in document order. A delayed pass holding a snapshot
	// older than one already applied would see records created since as
	// absent and mis-deliver expiry, so it is dropped.
	if doc.seq < c.settleSeq {
		return
	}
	c.settleSeq = doc.seq

	observability.SetApprovalsPending(len(doc.Pending))

	for id, chans := range c.waiters {
		if pending[id] {
			continue
		}
		decision := DecisionExpired
		if rr, ok := doc.FindResolved(id); ok {
			decision = rr.Decision
		}
		for _, ch := range chans {
			select {
			case ch <- decision:
			default:
			}
		}
		delete(c.waiters, id)
	}

	for id, t := range c.timers {
		if !pending[id] {
			t.Stop()
			delete(c.timers, id)
		}
	}
}

func (c *Coordinator) scheduleExpiry(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if _, ok := c.timers[rec.ID]; ok {
		return
	}

	delay := time.Until(time.UnixMilli(rec.ExpiresAtMs))
	if delay < 0 {
		delay = 0
	}
	id := rec.ID
	c.timers[id] = time.AfterFunc(delay, func() {
		if err := c.Expire(context.Background(), id); err != nil {
			c.logger.Warn().Err(err).Str("approvalId", id).Msg("Failed to expire approval")
		}
	})
}

func (c *Coordinator) addWaiter(id string, ch chan Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters[id] = append(c.waiters[id], ch)
}

func (c *Coordinator) removeWaiter(id string, ch chan Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chans := c.waiters[id]
	for i, existing := range chans {
		if existing == ch {
			c.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(c.waiters[id]) == 0 {
		delete(c.waiters, id)
	}
}

func (c *Coordinator) notifyRequested(rec Record) {
	c.mu.Lock()
	notifiers := append([]Notifier(nil), c.notifiers...)
	c.mu.Unlock()
	for _, n := range notifiers {
		n.ApprovalRequested(rec)
	}
}

func (c *Coordinator) notifyResolved(rec ResolvedRecord) {
	c.mu.Lock()
	notifiers := append([]Notifier(nil), c.notifiers...)
	c.mu.Unlock()
	for _, n := range notifiers {
		n.ApprovalResolved(rec)
	}
}

// SetClock overrides the coordinator's time source. Test hook.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

func clampTimeout(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		d = fallback
	}
	switch {
	case d <= 0:
		return DefaultTimeout
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	}
	return d
}
