package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbahri/senja/internal/fslock"
)

// Mutator inspects and optionally mutates the document while the store lock
// is held. It returns true when its changes must be persisted.
type Mutator func(doc *Document) (bool, error)

// Store owns the approvals JSON document on disk. Every access goes through
// an advisory file lock so concurrent processes see a consistent document,
// and every access prunes expired pending records before the caller looks at
// anything. There is no background sweeper dependency: any read or write is
// enough to settle overdue records.
type Store struct {
	path   string
	lock   *fslock.Lock
	logger zerolog.Logger
	now    func() time.Time
	seq    atomic.Uint64
}

// NewStore creates a store for the document at path. The lock file lives
// next to it.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		lock:   fslock.New(path+".lock", fslock.DefaultPolicy(), logger),
		logger: logger,
		now:    time.Now,
	}
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// Ensure creates the document with an empty shape if it does not exist yet.
func (s *Store) Ensure(ctx context.Context) error {
	return s.WithLock(ctx, func(doc *Document) (bool, error) {
		return false, nil
	})
}

// WithLock acquires the file lock, loads and prunes the document, applies fn,
// and persists the result if anything changed. The write is atomic via a
// temp file rename so readers in other processes never observe a partial
// document.
func (s *Store) WithLock(ctx context.Context, fn Mutator) error {
	guard, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to lock approvals document: %w", err)
	}
	defer guard.Release()

	doc, existed, err := s.load()
	if err != nil {
		return err
	}
	// Assigned while the lock is held, so seq order matches the order of
	// document states this process observed.
	doc.seq = s.seq.Add(1)

	pruned := s.pruneExpired(doc)
	changed, err := fn(doc)
	if err != nil {
		// Pruning is a real state transition; persist it even when the
		// caller's mutation failed.
		if pruned {
			if werr := s.write(doc); werr != nil {
				s.logger.Warn().Err(werr).Msg("Failed to persist pruned approvals document")
			}
		}
		return err
	}

	if changed || pruned || !existed {
		if err := s.write(doc); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns a pruned copy of the document.
func (s *Store) Snapshot(ctx context.Context) (Document, error) {
	var out Document
	err := s.WithLock(ctx, func(doc *Document) (bool, error) {
		out = doc.clone()
		return false, nil
	})
	return out, err
}

// load reads and validates the document. A missing file yields an empty
// document with existed=false so the caller knows to materialize it.
func (s *Store) load() (*Document, bool, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &Document{Pending: []Record{}, Resolved: []ResolvedRecord{}}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read approvals document: %w", err)
	}

	if err := validateDocument(raw); err != nil {
		return nil, false, err
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, fmt.Errorf("failed to parse approvals document: %w", err)
	}
	if doc.Pending == nil {
		doc.Pending = []Record{}
	}
	if doc.Resolved == nil {
		doc.Resolved = []ResolvedRecord{}
	}
	return &doc, true, nil
}

// write persists the document atomically with owner-only permissions.
// Approval payloads can reference sensitive operations.
func (s *Store) write(doc *Document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode approvals document: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create approvals directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".approvals-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp approvals document: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write approvals document: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set approvals document permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp approvals document: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace approvals document: %w", err)
	}
	return nil
}

// pruneExpired moves overdue pending records to the resolved log with the
// expired decision and reports whether anything moved.
func (s *Store) pruneExpired(doc *Document) bool {
	nowMs := s.now().UnixMilli()

	kept := doc.Pending[:0]
	moved := 0
	for _, rec := range doc.Pending {
		if rec.ExpiresAtMs > nowMs {
			kept = append(kept, rec)
			continue
		}
		doc.appendResolved(ResolvedRecord{
			Record:       rec,
			ResolvedAtMs: nowMs,
			Decision:     DecisionExpired,
		})
		moved++
	}
	doc.Pending = kept

	if moved > 0 {
		s.logger.Debug().Int("count", moved).Msg("Expired pending approvals pruned")
	}
	return moved > 0
}

// SetClock overrides the store's time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}
