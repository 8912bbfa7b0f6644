package bus

import "errors"

// Domain errors for the bus package.
var (
	// ErrImmediateDelivery is returned when immediate delivery is requested
	// for a job that is not classified Immediate. Only Immediate jobs may
	// run inline within the publishing call.
	ErrImmediateDelivery = errors.New("bus: immediate delivery requires an immediate job")
)
