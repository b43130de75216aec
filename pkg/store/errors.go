package store

import "errors"

var (
	// ErrNotFound: the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConcurrentModification: a compare-and-advance lost the race. Safe to
	// retry after re-reading the current state and re-validating.
	ErrConcurrentModification = errors.New("entity state was modified concurrently")

	// ErrReferentialIntegrity: a definition mutation is blocked by live
	// references from entity states or the audit trail. Deactivate instead.
	ErrReferentialIntegrity = errors.New("record is referenced by live workflow data")

	// ErrDuplicate: a uniqueness invariant would be violated.
	ErrDuplicate = errors.New("record violates a uniqueness constraint")
)
