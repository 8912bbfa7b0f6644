package state

import "errors"

// Domain errors for the state package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, state.ErrInvalidEntityID) {
//	    // handle malformed entity id
//	}
var (
	// ErrInvalidEntityID is returned when an entity id does not match the
	// <domain>.<object_id> slug pattern.
	ErrInvalidEntityID = errors.New("state: invalid entity id")

	// ErrStatusTooLong is returned when a status string exceeds
	// MaxStatusLength.
	ErrStatusTooLong = errors.New("state: status exceeds maximum length")

	// ErrStatusEmpty is returned when a status string is empty.
	ErrStatusEmpty = errors.New("state: status cannot be empty")

	// ErrAlreadyExists is returned when reserving an entity id that is
	// already present or already reserved.
	ErrAlreadyExists = errors.New("state: entity id already exists")
)
