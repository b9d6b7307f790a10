package app

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the application services. The HTTP layer
// maps these to status codes; everything else surfaces as a 500.
var (
	// ErrNotFound reports a missing notebook, episode, or user.
	ErrNotFound = errors.New("not found")
	// ErrForbidden reports an access attempt by a non-owner.
	ErrForbidden = errors.New("forbidden")
	// ErrInsufficientCredits reports a refused quota-gated operation.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrStoreUnavailable reports that neither cache nor durable store could
	// serve the request. Retryable.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// StoreUnavailable tags a durable-store infrastructure failure so the HTTP
// layer can map it to a retryable 503.
func StoreUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
