// Package store defines the error taxonomy shared by every persistence
// contract in the engine.
//
// Store implementations live under features/store; each one maps its backend
// failures onto these three sentinels so engine code can branch on error
// class without knowing the backend:
//
//   - memory: In-memory store for development and testing
//   - mongo: MongoDB store for production persistence
//
// NotFound covers point reads and conditional updates whose filter matched no
// document. Conflict covers conditional updates whose precondition no longer
// holds (optimistic locking). Transient covers retryable I/O such as
// connection resets and server selection timeouts.
package store

import "errors"

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional update observed a different
	// prior value than the one it was predicated on.
	ErrConflict = errors.New("conflicting concurrent update")

	// ErrTransient is returned for retryable I/O failures. Callers may retry
	// the operation; the store itself does not.
	ErrTransient = errors.New("transient store failure")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is or wraps ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsTransient reports whether err is or wraps ErrTransient.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
