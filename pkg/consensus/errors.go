package consensus

import (
	"fmt"

	"github.com/pkg/errors"
)

// Reason classifies why a block was not accepted.
type Reason string

// Rejection reasons. DuplicateBlock is reported as a submission status, never
// as a RejectError.
const (
	OrphanBlock            Reason = "orphan block"
	InvalidProofOfSpace    Reason = "invalid proof of space"
	InvalidTimeProof       Reason = "invalid time proof"
	StaleOrFutureTimestamp Reason = "stale or future timestamp"
	MalformedBlock         Reason = "malformed block"
	DuplicateBlock         Reason = "duplicate block"
)

// RejectError is returned for blocks that fail validation. Invalid input is
// expected and never panics.
type RejectError struct {
	Reason Reason
	Err    error
}

// Reject builds a RejectError.
func Reject(reason Reason, err error) *RejectError {
	return &RejectError{Reason: reason, Err: err}
}

// Rejectf builds a RejectError with a formatted cause.
func Rejectf(reason Reason, format string, args ...interface{}) *RejectError {
	return &RejectError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

func (e *RejectError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Err)
}

// Unwrap exposes the underlying verifier error to errors.Is.
func (e *RejectError) Unwrap() error {
	return e.Err
}

// ReasonOf returns the rejection reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var rerr *RejectError
	if errors.As(err, &rerr) {
		return rerr.Reason, true
	}
	return "", false
}

// IsReason reports whether err is a rejection for reason.
func IsReason(err error, reason Reason) bool {
	r, ok := ReasonOf(err)
	return ok && r == reason
}
