package computer

import (
	"errors"
	"fmt"
	"time"
)

// NotFoundError: a probe-only read found nothing.
type NotFoundError struct {
	ID Identity
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("computer %s not found", e.ID)
}

// IsNotFound reports whether err is a computer NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// TimeoutError: a local deadline elapsed. Remote state is unknown — for
// an exec stream the remote command may still be running; no kill is
// sent implicitly.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s (remote state unknown)", e.Op, e.Timeout)
}

// IsTimeout reports whether err is a local TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// TransportError: an exec stream never established or broke below the
// command, as opposed to "command ran and failed".
type TransportError struct {
	ID  Identity
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("exec stream to computer %s failed: %v", e.ID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProvisionError: a read or create against the orchestration API failed
// fatally. Carries the resource kind and name for diagnostics.
type ProvisionError struct {
	Kind string
	Name string
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ValidationError: the request itself is invalid.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// PartialFailureError: part of a multi-step teardown failed while the
// rest succeeded. Both outcomes are surfaced, never masked.
type PartialFailureError struct {
	Msg string
	Err error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }
