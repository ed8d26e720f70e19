package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class categorizes a failed remote call. The retry policy branches on it.
type Class int

const (
	// ClassRateLimited means the provider signaled backpressure (429).
	ClassRateLimited Class = iota
	// ClassTransient means a provider-side timeout or 5xx.
	ClassTransient
	// ClassClientTimeout means the call timed out on our side.
	ClassClientTimeout
	// ClassConflict means the resource already exists (409). For creation
	// calls this is usually not a real failure.
	ClassConflict
	// ClassPermanent is anything else; never retried.
	ClassPermanent
	// ClassAmbiguous means an account lookup matched zero or multiple users.
	ClassAmbiguous
	// ClassMalformed means the provider returned a body missing expected
	// identifiers, or identifiers of the wrong shape.
	ClassMalformed
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransient:
		return "transient_server_fault"
	case ClassClientTimeout:
		return "client_timeout"
	case ClassConflict:
		return "conflict"
	case ClassAmbiguous:
		return "resolution_ambiguous"
	case ClassMalformed:
		return "malformed_response"
	default:
		return "permanent_fault"
	}
}

// Fault is a classified failure of one remote call. It carries enough
// context for the operator digest: the operation, the provider status code
// and raw body, and the correlation id of the call group.
type Fault struct {
	Class         Class
	Op            string
	Status        int    // provider HTTP status, 0 if the call never completed
	Body          string // truncated raw response body
	CorrelationID string
	Err           error
}

func (f *Fault) Error() string {
	if f.Status != 0 {
		return fmt.Sprintf("%s: %s: HTTP %d: %s", f.Op, f.Class, f.Status, f.Body)
	}
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Op, f.Class, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Op, f.Class)
}

func (f *Fault) Unwrap() error { return f.Err }

// classifyStatus maps a provider HTTP status to a fault class.
func classifyStatus(status int) Class {
	switch {
	case status == 429:
		return ClassRateLimited
	case status == 409:
		return ClassConflict
	case status == 408, status >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// classifyTransport maps a transport-level error to a fault class.
func classifyTransport(err error) Class {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassClientTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassClientTimeout
	}
	return ClassTransient
}

// ClassOf returns the fault class of an error, ClassPermanent for
// anything that is not a classified remote fault.
func ClassOf(err error) Class {
	var f *Fault
	if errors.As(err, &f) {
		return f.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassClientTimeout
	}
	return ClassPermanent
}

// IsConflict reports whether err is a Conflict-classed remote fault.
func IsConflict(err error) bool { return ClassOf(err) == ClassConflict }

// FaultOf extracts the *Fault from an error chain, or nil.
func FaultOf(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return nil
}
