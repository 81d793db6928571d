package fax

import (
	"context"
	"errors"
)

// Sentinel errors shared between the services and their repositories.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateEvent is returned when a callback event has already been
	// accepted; callers acknowledge without mutating state.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrStaleTransition is returned when a status update loses against an
	// earlier transition.
	ErrStaleTransition = errors.New("stale status transition")
)

// JobUpdate collects the optional column changes of a transition. Nil
// fields are left untouched.
type JobUpdate struct {
	ProviderSID *string
	Pages       *int
	Error       *string
}

// Artifacts carries the converted documents a backend may need. Cloud
// providers transmit the PDF; the PBX path transmits the TIFF.
type Artifacts struct {
	PDF  []byte
	TIFF []byte
}

// SendResult is the outcome of a successful hand-off to a provider.
type SendResult struct {
	ProviderSID string
	Status      JobStatus
}

// CallbackEvent is a parsed provider callback or PBX result.
type CallbackEvent struct {
	ProviderSID string
	EventType   string
	Status      JobStatus
	Pages       int // 0 means "not reported"
	Error       string
}

// Outbound is the send half of a provider backend.
type Outbound interface {
	Name() string
	Send(ctx context.Context, job *Job, art Artifacts) (*SendResult, error)
}
