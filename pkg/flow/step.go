// Package flow implements suspendable, stepwise interactive sessions.
//
// A driver is a piece of business logic (a provider login, a setup wizard)
// that needs to ask a remote caller questions one at a time. The caller sits
// on the far side of an RPC boundary, so the driver cannot block on it
// directly: each prompt is published as a Step and the driver suspends until
// an answer arrives or the session is cancelled.
package flow

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// StepType discriminates the step tagged union.
type StepType string

const (
	StepNote        StepType = "note"
	StepOpenURL     StepType = "open_url"
	StepText        StepType = "text"
	StepConfirm     StepType = "confirm"
	StepSelect      StepType = "select"
	StepMultiSelect StepType = "multiselect"
)

// StepOption is one choice offered by a select or multiselect step.
type StepOption struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// Step is a single interaction request published by a session. It is
// immutable once issued; the ID is fresh per step and never reused within
// the session.
type Step struct {
	ID          string       `json:"id"`
	Type        StepType     `json:"type"`
	Prompt      string       `json:"prompt"`
	URL         string       `json:"url,omitempty"`
	Options     []StepOption `json:"options,omitempty"`
	Placeholder string       `json:"placeholder,omitempty"`
	Sensitive   bool         `json:"sensitive,omitempty"`
}

// ProviderProfile is one AI-provider credential profile produced by a
// completed setup flow.
type ProviderProfile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	APIKey   string `json:"api_key,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// CompletionPayload is the recognized result shape a driver may return.
// It is passed through to the caller verbatim.
type CompletionPayload struct {
	Profiles     []ProviderProfile      `json:"profiles"`
	ConfigPatch  map[string]interface{} `json:"config_patch,omitempty"`
	DefaultModel string                 `json:"default_model,omitempty"`
	Notes        []string               `json:"notes,omitempty"`
}

// Status is the lifecycle state of a session. Transitions are monotonic:
// once a session leaves StatusRunning it never returns.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// newStepID issues a fresh opaque step id.
func newStepID() string {
	id, err := gonanoid.New()
	if err != nil {
		// nanoid only fails if the system entropy source does.
		panic(err)
	}
	return "step_" + id
}

// newSessionID issues a fresh session id.
func newSessionID() string {
	id, err := gonanoid.New()
	if err != nil {
		panic(err)
	}
	return "flow_" + id
}
