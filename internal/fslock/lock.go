// Package fslock provides cross-process advisory locking over a lock file.
package fslock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrLockHeld is returned when the lock could not be acquired within the
// configured retry budget. No partial state is left behind.
var ErrLockHeld = errors.New("lock held by another process")

// Policy controls acquisition retries and stale-lock recovery.
type Policy struct {
	Retries    int           // attempts before giving up
	MinDelay   time.Duration // first backoff delay
	MaxDelay   time.Duration // backoff ceiling
	StaleAfter time.Duration // locks older than this are forcibly reclaimed
}

// DefaultPolicy returns the policy used by the approval store.
func DefaultPolicy() Policy {
	return Policy{
		Retries:    10,
		MinDelay:   25 * time.Millisecond,
		MaxDelay:   500 * time.Millisecond,
		StaleAfter: 30 * time.Second,
	}
}

// Lock is a file-based advisory mutex. The lock file lives next to the
// resource it guards; holding it is cooperative, not mandatory.
type Lock struct {
	path   string
	policy Policy
	logger zerolog.Logger
}

// lockInfo is written into the lock file for diagnostics.
type lockInfo struct {
	PID        int   `json:"pid"`
	AcquiredAt int64 `json:"acquired_at_ms"`
}

// New creates a lock over the given lock file path.
func New(path string, policy Policy, logger zerolog.Logger) *Lock {
	if policy.Retries <= 0 {
		policy.Retries = DefaultPolicy().Retries
	}
	if policy.MinDelay <= 0 {
		policy.MinDelay = DefaultPolicy().MinDelay
	}
	if policy.MaxDelay < policy.MinDelay {
		policy.MaxDelay = DefaultPolicy().MaxDelay
	}
	if policy.StaleAfter <= 0 {
		policy.StaleAfter = DefaultPolicy().StaleAfter
	}
	return &Lock{path: path, policy: policy, logger: logger}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Acquire takes the lock, retrying with exponential backoff and jitter.
// A lock file older than the staleness window is treated as abandoned by a
// crashed holder and reclaimed. The returned guard must be released on every
// exit path.
func (l *Lock) Acquire(ctx context.Context) (*Guard, error) {
	for attempt := 0; attempt < l.policy.Retries; attempt++ {
		ok, err := l.tryAcquire()
		if err != nil {
			return nil, err
		}
		if ok {
			return &Guard{path: l.path}, nil
		}

		l.reclaimIfStale()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.backoff(attempt)):
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLockHeld, l.path)
}

// tryAcquire attempts a single O_EXCL creation of the lock file.
func (l *Lock) tryAcquire() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("creating lock file: %w", err)
	}

	info := lockInfo{PID: os.Getpid(), AcquiredAt: time.Now().UnixMilli()}
	data, _ := json.Marshal(info)
	_, _ = f.Write(data)
	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return false, fmt.Errorf("writing lock file: %w", err)
	}
	return true, nil
}

// reclaimIfStale removes the lock file if it is older than the staleness
// window. The next attempt races for the freed slot as usual.
func (l *Lock) reclaimIfStale() {
	st, err := os.Stat(l.path)
	if err != nil {
		return
	}
	age := time.Since(st.ModTime())
	if age < l.policy.StaleAfter {
		return
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return
	}
	l.logger.Warn().
		Str("path", l.path).
		Dur("age", age).
		Msg("Reclaimed stale lock file")
}

// backoff returns the delay for the given attempt with +/-50% jitter.
func (l *Lock) backoff(attempt int) time.Duration {
	delay := l.policy.MinDelay << uint(attempt)
	if delay > l.policy.MaxDelay || delay <= 0 {
		delay = l.policy.MaxDelay
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// Guard represents a held lock. Release is idempotent.
type Guard struct {
	path string
	once sync.Once
	err  error
}

// Release frees the lock. Calling it more than once is a no-op.
func (g *Guard) Release() error {
	g.once.Do(func() {
		if err := os.Remove(g.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			g.err = fmt.Errorf("removing lock file: %w", err)
		}
	})
	return g.err
}
