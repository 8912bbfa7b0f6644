package service

import "errors"

// Domain errors for the service package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, service.ErrNotFound) {
//	    // handle unknown service
//	}
var (
	// ErrNotFound is returned when calling a domain/name pair with no
	// registered handler.
	ErrNotFound = errors.New("service: not found")

	// ErrInvalidData is returned when a call payload fails the handler's
	// schema. Validation errors always surface synchronously, even for
	// non-blocking calls, so configuration mistakes are caught early.
	ErrInvalidData = errors.New("service: invalid service data")

	// ErrInvalidSchema is returned when a registration schema does not
	// compile.
	ErrInvalidSchema = errors.New("service: invalid schema")

	// ErrUnauthorized is returned by handlers that refuse a call. Blocking
	// callers receive it; for fire-and-forget calls it is logged as a
	// warning and swallowed.
	ErrUnauthorized = errors.New("service: unauthorised")
)
