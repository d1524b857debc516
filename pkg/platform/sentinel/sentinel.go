// Package sentinel names the store-level facts that services translate into
// coded domain errors. Stores return them, optionally wrapped.
package sentinel

import "errors"

var (
	// ErrNotFound: no row or key for the lookup.
	ErrNotFound = errors.New("not found")
	// ErrConflict: a unique column already holds a different value.
	ErrConflict = errors.New("conflict")
	// ErrAlreadyUsed: the same key was inserted earlier.
	ErrAlreadyUsed = errors.New("already used")
	// ErrInvalidState: the row is not in a state that allows the transition.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnavailable: a downstream service is refusing calls for now.
	ErrUnavailable = errors.New("unavailable")
)
