// Package faults defines the error taxonomy shared by every component.
// Errors are classified once, at the adapter boundary, and the kind is
// preserved as the error travels up the stack.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for retry and surfacing decisions.
type Kind int

const (
	// KindUnknown is the zero value; treated as permanent.
	KindUnknown Kind = iota
	// KindTransient covers network errors, 5xx and 429 responses.
	KindTransient
	// KindPermanent covers 4xx responses and malformed requests.
	KindPermanent
	// KindTimeout covers deadline exceedance on an external call.
	KindTimeout
	// KindUnavailable means the circuit breaker is open for the target.
	KindUnavailable
	// KindNotFound means the entity does not exist.
	KindNotFound
	// KindConflict means an idempotency or uniqueness clash; the other
	// writer won.
	KindConflict
	// KindInvalid means validation rejected the input.
	KindInvalid
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Fault is a classified error. Op names the operation, Target the external
// system or entity involved.
type Fault struct {
	Kind   Kind
	Op     string
	Target string
	Err    error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s %s: %s", f.Op, f.Target, f.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", f.Op, f.Target, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// New builds a classified fault.
func New(kind Kind, op, target string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Target: target, Err: err}
}

// Transient wraps err as retriable.
func Transient(op, target string, err error) *Fault {
	return New(KindTransient, op, target, err)
}

// Permanent wraps err as non-retriable.
func Permanent(op, target string, err error) *Fault {
	return New(KindPermanent, op, target, err)
}

// Timeout wraps err as a deadline failure.
func Timeout(op, target string, err error) *Fault {
	return New(KindTimeout, op, target, err)
}

// Unavailable marks the target as gated by an open breaker.
func Unavailable(op, target string, err error) *Fault {
	return New(KindUnavailable, op, target, err)
}

// NotFound marks an absent entity.
func NotFound(op, target string, err error) *Fault {
	return New(KindNotFound, op, target, err)
}

// Conflict marks an idempotency or uniqueness clash.
func Conflict(op, target string, err error) *Fault {
	return New(KindConflict, op, target, err)
}

// Invalid marks rejected input.
func Invalid(op, target string, err error) *Fault {
	return New(KindInvalid, op, target, err)
}

// KindOf extracts the kind from err, walking the wrap chain.
// Unclassified errors report KindUnknown.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// Retriable reports whether the component retry policies may re-attempt
// the operation that produced err.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout, KindUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a fault kind to the status code of the error envelope.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalid, KindPermanent:
		return http.StatusBadRequest
	case KindTransient, KindTimeout, KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus classifies an upstream response code.
func FromHTTPStatus(op, target string, status int, err error) *Fault {
	switch {
	case status == http.StatusNotFound:
		return NotFound(op, target, err)
	case status == http.StatusConflict:
		return Conflict(op, target, err)
	case status == http.StatusTooManyRequests:
		return Transient(op, target, err)
	case status >= 500:
		return Transient(op, target, err)
	case status >= 400:
		return Permanent(op, target, err)
	default:
		return Transient(op, target, err)
	}
}
