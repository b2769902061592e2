package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a document is not found.
	ErrNotFound = errors.New("document not found")

	// ErrExists is returned when creating a document whose key exists.
	ErrExists = errors.New("document already exists")

	// ErrConflict is returned when a revisioned update lost a race.
	// Collection retries these internally; callers only see it when the
	// retry budget is exhausted.
	ErrConflict = errors.New("revision conflict")

	// ErrNoMatch is returned by conditional updates whose filter did not
	// match the current document. Callers re-read the document to build
	// a precise error for the client.
	ErrNoMatch = errors.New("no document matched filter")
)

// IsNoEffect reports whether a conditional update changed nothing:
// either the document is gone or the filter did not match. Callers that
// treat the transition as best-effort swallow these.
func IsNoEffect(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoMatch)
}
