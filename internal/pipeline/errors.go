package pipeline

import (
	"errors"
	"fmt"
)

// ErrStopped is wrapped by delivery errors for sessions that are no
// longer running.
var ErrStopped = errors.New("pipeline session stopped")

// Construction failure operations.
const (
	OpConstruct = "construct"
	OpLink      = "link"
	OpState     = "state"
)

// ConstructionError reports a graph that could not be built, linked or
// started. It is fatal to one session only.
type ConstructionError struct {
	Stage string
	Op    string
	Err   error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("pipeline %s %s: %v", e.Op, e.Stage, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// DeliveryError reports a frame the live endpoint rejected or did not
// accept in time. The session is stopped when one is returned.
type DeliveryError struct {
	Frame uint64
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver frame %d: %v", e.Frame, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
