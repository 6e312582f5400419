package domain

import (
	"errors"
	"fmt"
)

// StructuralError reports a malformed clinical bundle.
type StructuralError struct {
	Reason string
	Err    error
}

func (e *StructuralError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed bundle: %s: %v", e.Reason, e.Err)
	}
	return "malformed bundle: " + e.Reason
}

func (e *StructuralError) Unwrap() error { return e.Err }

// UnknownTargetError is returned when no model is registered for a target.
type UnknownTargetError struct {
	Target string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("unknown target model: %s", e.Target)
}

// DispatchError means a job was persisted but could not be queued.
type DispatchError struct {
	JobID JobID
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch job %s: %v", e.JobID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// BackendError is any execution backend fault.
type BackendError struct {
	Backend string
	Phase   string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend %s: %v", e.Backend, e.Phase, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// DeliveryError is returned once webhook retries are exhausted.
type DeliveryError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook delivery to %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

var ErrCorruptManifest = errors.New("corrupt model manifest")

// ErrInvalidRequest marks client input rejected before any analysis.
var ErrInvalidRequest = errors.New("invalid request")
