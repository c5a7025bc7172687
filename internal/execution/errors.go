// Package execution owns order delivery to the venue: idempotent submission
// keyed by client_id, retries on transient failures, a venue circuit
// breaker, and exact partial-fill accounting persisted in the state store.
package execution

import (
	"errors"
	"fmt"
)

// ErrUnknownOrder is returned by a venue Query/Cancel for a client_id the
// venue has never seen.
var ErrUnknownOrder = errors.New("execution: unknown order")

// ErrDuplicateOrder is returned by a venue Submit when an order with the
// same client_id already exists. The client treats it as success and
// reconciles via Query.
var ErrDuplicateOrder = errors.New("execution: duplicate client_id")

// VenueError wraps a venue failure with its retry classification. Transient
// failures (network, 5xx, rate limit) are retried with backoff; permanent
// ones (validation, insufficient funds) terminate the intent.
type VenueError struct {
	Op        string
	ClientID  string
	Transient bool
	Err       error
}

func (e *VenueError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("execution: %s %s: %s: %v", e.Op, e.ClientID, kind, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// TransientError wraps err as retryable.
func TransientError(op, clientID string, err error) *VenueError {
	return &VenueError{Op: op, ClientID: clientID, Transient: true, Err: err}
}

// PermanentError wraps err as terminal.
func PermanentError(op, clientID string, err error) *VenueError {
	return &VenueError{Op: op, ClientID: clientID, Transient: false, Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Transient
	}
	return false
}
