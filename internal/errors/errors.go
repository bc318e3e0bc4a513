// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Per-push outcomes. These are absorbed by the webhook handler and reported
// as informational acknowledgements.
var (
	ErrAuthenticityFailure = errors.New("webhook signature mismatch")
	ErrMalformedPayload    = errors.New("malformed webhook payload")
	ErrEmptyPayload        = fmt.Errorf("%w: empty body", ErrMalformedPayload)
	ErrUnsupportedEvent    = errors.New("unsupported webhook event")
	ErrProjectNotFound     = errors.New("no active project for repository")
	ErrNoAttributedCommits = errors.New("no commits from tracked developer")
	ErrDuplicateDelivery   = errors.New("delivery already received")
)

// Infrastructure outcomes.
var (
	ErrEvaluatorUnavailable     = errors.New("evaluator unavailable")
	ErrLedgerInvariantViolation = errors.New("ledger invariant violated")
	ErrQueueFull                = errors.New("work queue is full")
	ErrQueueStopped             = errors.New("work queue is stopped")
)

// ErrInvalidRepoFormat is returned when a repository full name is not in 'owner/name' format.
type ErrInvalidRepoFormat struct {
	Repo string
}

func (e *ErrInvalidRepoFormat) Error() string {
	return fmt.Sprintf("invalid repository format: %q, expected 'owner/name'", e.Repo)
}

func (e *ErrInvalidRepoFormat) Unwrap() error {
	return ErrMalformedPayload
}

// ErrUnsupportedEventType carries the event header that was declined.
type ErrUnsupportedEventType struct {
	Event string
}

func (e *ErrUnsupportedEventType) Error() string {
	return fmt.Sprintf("event ignored (type: %s)", e.Event)
}

func (e *ErrUnsupportedEventType) Unwrap() error {
	return ErrUnsupportedEvent
}

// ErrPartialEnrichment lists commits whose details could not be fetched.
type ErrPartialEnrichment struct {
	Failed []string
}

func (e *ErrPartialEnrichment) Error() string {
	return fmt.Sprintf("failed to fetch %d commit(s): %s", len(e.Failed), strings.Join(e.Failed, ", "))
}
