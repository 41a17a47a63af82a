// Package errors implements the core's error taxonomy (spec §7): every
// boundary crossing returns a typed, sum-like error instead of raising
// an exception. Grounded on the teacher's ProcessingError (factory
// functions, Cause/Unwrap, ToMap) and extended with the full code list.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Code is a taxonomy entry from spec §7.
type Code string

const (
	Validation          Code = "VALIDATION"
	NotFound            Code = "NOT_FOUND"
	Conflict            Code = "CONFLICT"
	PreconditionFailed  Code = "PRECONDITION_FAILED"
	Unauthenticated     Code = "UNAUTHENTICATED"
	Forbidden           Code = "FORBIDDEN"
	QuotaExceeded       Code = "QUOTA_EXCEEDED"
	Upstream            Code = "UPSTREAM"
	Permanent           Code = "PERMANENT"
	LeaseLost           Code = "LEASE_LOST"
)

// CoreError is the structured error type returned at every core boundary.
type CoreError struct {
	Code      Code
	Message   string
	JobID     string
	DocID     string
	Timestamp time.Time
	Details   map[string]any
	Retryable bool
	Cause     error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// ToMap renders the error for persistence (OcrJob.error_message /
// error_code, AccessLog.error_message, etc).
func (e *CoreError) ToMap() map[string]any {
	out := map[string]any{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
		"retryable":  e.Retryable,
	}
	for k, v := range e.Details {
		out[k] = v
	}
	if e.Cause != nil {
		out["cause"] = e.Cause.Error()
	}
	return out
}

func new_(code Code, msg string, retryable bool, cause error) *CoreError {
	return &CoreError{Code: code, Message: msg, Timestamp: time.Now().UTC(), Retryable: retryable, Cause: cause}
}

// NewValidation builds a Validation error: bad input, never retried.
func NewValidation(msg string, cause error) *CoreError { return new_(Validation, msg, false, cause) }

// NewNotFound builds a NotFound error.
func NewNotFound(kind, id string) *CoreError {
	e := new_(NotFound, fmt.Sprintf("%s not found: %s", kind, id), false, nil)
	e.Details = map[string]any{"kind": kind, "id": id}
	return e
}

// NewPreconditionFailed builds an ETag-mismatch error (spec §4.2 updateDocument).
func NewPreconditionFailed(docID, expected, actual string) *CoreError {
	e := new_(PreconditionFailed, "etag precondition failed", false, nil)
	e.DocID = docID
	e.Details = map[string]any{"expected_etag": expected, "actual_etag": actual}
	return e
}

// NewConflict builds a duplicate/unique-constraint error.
func NewConflict(msg string, cause error) *CoreError { return new_(Conflict, msg, false, cause) }

// NewUnauthenticated builds an Unauthenticated error.
func NewUnauthenticated(msg string) *CoreError { return new_(Unauthenticated, msg, false, nil) }

// NewForbidden builds a Forbidden error.
func NewForbidden(msg string) *CoreError { return new_(Forbidden, msg, false, nil) }

// NewQuotaExceeded builds a QuotaExceeded error.
func NewQuotaExceeded(ownerID string, used, limit int64) *CoreError {
	e := new_(QuotaExceeded, "owner storage quota exceeded", false, nil)
	e.Details = map[string]any{"owner_id": ownerID, "used_bytes": used, "limit_bytes": limit}
	return e
}

// NewUpstream builds an Upstream error from a BlobStore/OCREngine/MetaStore
// failure; retryable reflects whether the caller may safely retry.
func NewUpstream(msg string, retryable bool, cause error) *CoreError {
	return new_(Upstream, msg, retryable, cause)
}

// NewPermanent builds a Permanent error: the engine could not decode the
// file at all, so retrying would never help.
func NewPermanent(msg string, cause error) *CoreError { return new_(Permanent, msg, false, cause) }

// NewLeaseLost builds a LeaseLost error: internal to OcrQueue, signals the
// worker lost its exclusive claim and must abandon work without completing.
func NewLeaseLost(jobID, workerID string) *CoreError {
	e := new_(LeaseLost, "lease lost", false, nil)
	e.JobID = jobID
	e.Details = map[string]any{"worker_id": workerID}
	return e
}

// As extracts a *CoreError from err, if any wraps one.
func As(err error) (*CoreError, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsRetryable reports whether err is a CoreError marked retryable.
func IsRetryable(err error) bool {
	ce, ok := As(err)
	return ok && ce.Retryable
}

// CodeOf returns the Code of err, or "" if err is not a CoreError.
func CodeOf(err error) Code {
	ce, ok := As(err)
	if !ok {
		return ""
	}
	return ce.Code
}
