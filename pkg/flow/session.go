package flow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbahri/senja/internal/observability"
)

// ErrCancelled is the cancellation signal delivered to a suspended driver
// when its session is cancelled. It never escapes the session boundary:
// the session maps it to StatusCancelled.
var ErrCancelled = errors.New("flow session cancelled")

// Protocol errors surfaced to the RPC caller. They indicate a caller bug or
// a stale view of the session, not an internal failure.
var (
	ErrNotRunning    = errors.New("flow session is not running")
	ErrNoPendingStep = errors.New("no step is awaiting an answer")
	ErrStepMismatch  = errors.New("step id does not match the outstanding step")
)

// Driver is the business logic executed by a session. It receives an API to
// publish steps and suspend on their answers. Returning a CompletionPayload
// surfaces it verbatim as the session result; returning ErrCancelled (after
// a cancelled suspension) unwinds quietly.
type Driver func(ctx context.Context, api *API) (*CompletionPayload, error)

// NextResult is the wire shape returned by Next.
type NextResult struct {
	Done   bool               `json:"done"`
	Step   *Step              `json:"step,omitempty"`
	Status Status             `json:"status"`
	Error  string             `json:"error,omitempty"`
	Result *CompletionPayload `json:"result,omitempty"`
}

// pendingStep is the depth-1 rendezvous slot: exactly one Answer consumes it
// before the driver resumes.
type pendingStep struct {
	step   Step
	answer chan interface{}
}

// Session runs one driver and mediates between it and a remote caller.
// Mutations go through Answer and Cancel only; Next is a read that may wait
// for the driver to produce its next step or finish.
type Session struct {
	id         string
	logger     zerolog.Logger
	onProgress func(message string)
	cancelCtx  context.CancelFunc

	mu        sync.Mutex
	status    Status
	errMsg    string
	result    *CompletionPayload
	pending   *pendingStep
	changed   chan struct{}
	cancelled chan struct{}
}

// SessionConfig holds optional session hooks.
type SessionConfig struct {
	Logger     zerolog.Logger
	OnProgress func(message string)
}

// Start creates a session and begins executing the driver immediately.
func Start(ctx context.Context, driver Driver, cfg SessionConfig) *Session {
	driverCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:         newSessionID(),
		logger:     cfg.Logger,
		onProgress: cfg.OnProgress,
		cancelCtx:  cancel,
		status:     StatusRunning,
		changed:    make(chan struct{}),
		cancelled:  make(chan struct{}),
	}

	observability.RecordFlowSessionStarted()

	go func() {
		result, err := driver(driverCtx, &API{session: s})
		s.finish(result, err)
	}()

	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Status returns the current session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the captured driver error message, if any.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// Next returns the outstanding step if one exists, the terminal result if
// the session has finished, and otherwise waits for the driver to produce
// one or the other. It is repeatable and non-consuming: calling Next twice
// while the same step is outstanding returns that step twice.
func (s *Session) Next(ctx context.Context) (NextResult, error) {
	for {
		s.mu.Lock()
		if s.pending != nil {
			step := s.pending.step
			s.mu.Unlock()
			return NextResult{Step: &step, Status: StatusRunning}, nil
		}
		if s.status.Terminal() {
			res := NextResult{
				Done:   true,
				Status: s.status,
				Error:  s.errMsg,
				Result: s.result,
			}
			s.mu.Unlock()
			return res, nil
		}
		wait := s.changed
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return NextResult{}, ctx.Err()
		}
	}
}

// Answer resolves the outstanding step. The step is consumed: a second
// Answer with the same id fails with ErrNoPendingStep.
func (s *Session) Answer(stepID string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusRunning {
		return fmt.Errorf("%w: status is %s", ErrNotRunning, s.status)
	}
	if s.pending == nil {
		return ErrNoPendingStep
	}
	if s.pending.step.ID != stepID {
		return fmt.Errorf("%w: got %s, outstanding is %s", ErrStepMismatch, stepID, s.pending.step.ID)
	}

	ps := s.pending
	s.pending = nil
	s.signalLocked()
	ps.answer <- value
	return nil
}

// Cancel transitions the session to StatusCancelled, unwinds a suspended
// driver, and releases any waiting Next caller. It is idempotent.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = StatusCancelled
	s.pending = nil
	close(s.cancelled)
	s.signalLocked()
	s.mu.Unlock()

	observability.RecordFlowSessionFinished(string(StatusCancelled))
	s.cancelCtx()
	s.logger.Info().Str("sessionId", s.id).Msg("Flow session cancelled")
}

// finish records the driver outcome. A cancelled session stays cancelled
// regardless of how the driver unwound.
func (s *Session) finish(result *CompletionPayload, err error) {
	s.cancelCtx()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		if err != nil && !errors.Is(err, ErrCancelled) && !errors.Is(err, context.Canceled) {
			s.logger.Debug().
				Str("sessionId", s.id).
				Err(err).
				Msg("Driver error after terminal state")
		}
		return
	}

	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		s.status = StatusCancelled
	case err != nil:
		s.status = StatusError
		s.errMsg = err.Error()
		s.logger.Warn().Str("sessionId", s.id).Err(err).Msg("Flow driver failed")
	default:
		s.status = StatusDone
		s.result = result
	}
	observability.RecordFlowSessionFinished(string(s.status))
	s.pending = nil
	s.signalLocked()
}

// signalLocked wakes Next waiters. Callers must hold s.mu.
func (s *Session) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// await publishes a step and suspends the driver until it is answered or
// the session is cancelled. This is the session's only suspension point.
func (s *Session) await(ctx context.Context, step Step) (interface{}, error) {
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return nil, ErrCancelled
	}
	if s.pending != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("driver published a step while %s is outstanding", s.pending.step.ID)
	}
	step.ID = newStepID()
	ps := &pendingStep{step: step, answer: make(chan interface{}, 1)}
	s.pending = ps
	s.signalLocked()
	s.mu.Unlock()

	published := time.Now()
	select {
	case v := <-ps.answer:
		observability.RecordFlowStep(string(step.Type), time.Since(published))
		return v, nil
	case <-s.cancelled:
		return nil, ErrCancelled
	case <-ctx.Done():
		return nil, ErrCancelled
	}
}

// API is the surface handed to a driver. Every method except Progress
// publishes a step and suspends until the answer arrives.
type API struct {
	session *Session
}

// TextOptions refine a text step.
type TextOptions struct {
	Placeholder string
	Sensitive   bool
}

// Note publishes an informational step and waits for acknowledgement.
func (a *API) Note(ctx context.Context, message string) error {
	_, err := a.session.await(ctx, Step{Type: StepNote, Prompt: message})
	return err
}

// OpenURL asks the caller to open a URL and waits for acknowledgement.
func (a *API) OpenURL(ctx context.Context, url, message string) error {
	_, err := a.session.await(ctx, Step{Type: StepOpenURL, Prompt: message, URL: url})
	return err
}

// Text asks for a free-form string.
func (a *API) Text(ctx context.Context, prompt string, opts TextOptions) (string, error) {
	v, err := a.session.await(ctx, Step{
		Type:        StepText,
		Prompt:      prompt,
		Placeholder: opts.Placeholder,
		Sensitive:   opts.Sensitive,
	})
	if err != nil {
		return "", err
	}
	return toString(v), nil
}

// Confirm asks a yes/no question.
func (a *API) Confirm(ctx context.Context, prompt string) (bool, error) {
	v, err := a.session.await(ctx, Step{Type: StepConfirm, Prompt: prompt})
	if err != nil {
		return false, err
	}
	return toBool(v), nil
}

// Select asks the caller to pick one option.
func (a *API) Select(ctx context.Context, prompt string, options []StepOption) (string, error) {
	v, err := a.session.await(ctx, Step{Type: StepSelect, Prompt: prompt, Options: options})
	if err != nil {
		return "", err
	}
	return toString(v), nil
}

// MultiSelect asks the caller to pick any number of options.
func (a *API) MultiSelect(ctx context.Context, prompt string, options []StepOption) ([]string, error) {
	v, err := a.session.await(ctx, Step{Type: StepMultiSelect, Prompt: prompt, Options: options})
	if err != nil {
		return nil, err
	}
	return toStrings(v), nil
}

// Progress emits a non-suspending progress note.
func (a *API) Progress(message string) {
	s := a.session
	s.logger.Debug().Str("sessionId", s.id).Str("message", message).Msg("Flow progress")
	if s.onProgress != nil {
		s.onProgress(message)
	}
}

// Answer values arrive as decoded JSON; coerce the common encodings.

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		return err == nil && b
	default:
		return false
	}
}

func toStrings(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, toString(item))
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	default:
		return nil
	}
}
