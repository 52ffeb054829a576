package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrSessionNotFound indicates an unknown or already purged session id.
	ErrSessionNotFound = errors.New("flow session not found")
	// ErrSessionActive indicates a start attempt while another session runs.
	ErrSessionActive = errors.New("another flow session is already running")
	// ErrNotOwner indicates the caller is not the session owner.
	ErrNotOwner = errors.New("flow session is owned by another client")
)

// CurrentResult describes the running session from one caller's viewpoint.
// Non-owners learn that a session exists but not its id.
type CurrentResult struct {
	Running   bool   `json:"running"`
	SessionID string `json:"sessionId,omitempty"`
	Owned     bool   `json:"owned"`
}

type registryEntry struct {
	session *Session
	owner   string
}

// Registry multiplexes flow sessions by id. At most one session may be
// running at a time within a registry instance; the invariant is scoped to
// this process.
type Registry struct {
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*registryEntry
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		sessions: make(map[string]*registryEntry),
	}
}

// Start launches a driver under the given owner identity and returns the new
// session id. It fails with ErrSessionActive if a session is still running.
func (r *Registry) Start(ctx context.Context, driver Driver, owner string, cfg SessionConfig) (string, error) {
	if driver == nil {
		return "", errors.New("driver is required")
	}
	if owner == "" {
		return "", errors.New("owner is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, entry := range r.sessions {
		if entry.session.Status() == StatusRunning {
			return "", fmt.Errorf("%w: %s", ErrSessionActive, id)
		}
	}

	session := Start(ctx, driver, cfg)
	r.sessions[session.ID()] = &registryEntry{session: session, owner: owner}

	r.logger.Info().
		Str("sessionId", session.ID()).
		Str("owner", owner).
		Msg("Flow session started")

	return session.ID(), nil
}

// Current reports the running session as seen by the given caller. The
// session id is revealed only to its owner.
func (r *Registry) Current(caller string) CurrentResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, entry := range r.sessions {
		if entry.session.Status() != StatusRunning {
			continue
		}
		res := CurrentResult{Running: true, Owned: entry.owner == caller}
		if res.Owned {
			res.SessionID = id
		}
		return res
	}
	return CurrentResult{}
}

// Next delegates to the session's Next. When the terminal result has been
// delivered the entry is purged: the terminal state has now been observed.
func (r *Registry) Next(ctx context.Context, id string) (NextResult, error) {
	entry, err := r.find(id)
	if err != nil {
		return NextResult{}, err
	}

	res, err := entry.session.Next(ctx)
	if err != nil {
		return NextResult{}, err
	}
	if res.Done {
		r.Purge(id)
	}
	return res, nil
}

// Answer resolves the outstanding step of an owned session.
func (r *Registry) Answer(id, caller, stepID string, value interface{}) error {
	entry, err := r.find(id)
	if err != nil {
		return err
	}
	if entry.owner != caller {
		return ErrNotOwner
	}
	return entry.session.Answer(stepID, value)
}

// Cancel cancels an owned session.
func (r *Registry) Cancel(id, caller string) error {
	entry, err := r.find(id)
	if err != nil {
		return err
	}
	if entry.owner != caller {
		return ErrNotOwner
	}
	entry.session.Cancel()
	return nil
}

// CancelCurrent cancels the running session if the caller owns it.
func (r *Registry) CancelCurrent(caller string) error {
	r.mu.Lock()
	var id string
	for sessionID, entry := range r.sessions {
		if entry.session.Status() == StatusRunning {
			if entry.owner != caller {
				r.mu.Unlock()
				return ErrNotOwner
			}
			id = sessionID
			break
		}
	}
	r.mu.Unlock()

	if id == "" {
		return ErrSessionNotFound
	}
	return r.Cancel(id, caller)
}

// Purge removes a session entry, but only once it is terminal. Purging a
// running session would lose in-flight state, so that is a no-op.
func (r *Registry) Purge(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[id]
	if !ok || !entry.session.Status().Terminal() {
		return false
	}
	delete(r.sessions, id)
	r.logger.Debug().Str("sessionId", id).Msg("Flow session purged")
	return true
}

// Len returns the number of tracked sessions, including terminal ones not
// yet purged.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) find(id string) (*registryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return entry, nil
}
