package services

import (
	"errors"
	"fmt"
)

var (
	// ErrBatchNotFound indicates the requested batch does not exist.
	ErrBatchNotFound = errors.New("pipeline: batch not found")
	// ErrBatchNotCancellable indicates the batch already reached a terminal status.
	ErrBatchNotCancellable = errors.New("pipeline: batch is not cancellable")
	// ErrBatchNotPublishable indicates the batch's state does not admit a publish run.
	ErrBatchNotPublishable = errors.New("pipeline: batch is not publishable")
	// ErrBatchCancelled indicates processing observed a cancellation request.
	ErrBatchCancelled = errors.New("pipeline: batch cancelled")
	// ErrSyncEntryNotFound indicates the SKU is not enrolled in the sync schedule.
	ErrSyncEntryNotFound = errors.New("sync: entry not found")
)

// ValidationError rejects malformed input before any batch is created.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation: %s", e.Message)
}

// NewValidationError constructs a typed validation failure.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// MappingError marks a raw catalog item that cannot be canonicalised because
// a required identifying field is absent.
type MappingError struct {
	PartNumber string
	Message    string
}

// Error implements the error interface.
func (e *MappingError) Error() string {
	if e.PartNumber != "" {
		return fmt.Sprintf("mapping: %s: %s", e.PartNumber, e.Message)
	}
	return fmt.Sprintf("mapping: %s", e.Message)
}

// IsMappingError reports whether err is a MappingError.
func IsMappingError(err error) bool {
	var me *MappingError
	return errors.As(err, &me)
}

// SagaInconsistencyError marks the one failure mode that must escalate: the
// remote write succeeded, local persistence failed, and the compensating
// delete also failed, leaving the two systems of record divergent.
type SagaInconsistencyError struct {
	SKU           string
	ExternalID    string
	PersistErr    error
	CompensateErr error
}

// Error implements the error interface.
func (e *SagaInconsistencyError) Error() string {
	return fmt.Sprintf("saga: sku %s external %s: persist failed (%v) and compensation failed (%v)",
		e.SKU, e.ExternalID, e.PersistErr, e.CompensateErr)
}

// Unwrap exposes the persistence failure as the primary cause.
func (e *SagaInconsistencyError) Unwrap() error {
	return e.PersistErr
}

// IsSagaInconsistency reports whether err is a SagaInconsistencyError.
func IsSagaInconsistency(err error) bool {
	var se *SagaInconsistencyError
	return errors.As(err, &se)
}

// summarizeError shortens an error for failed_items entries so raw adapter
// bodies never reach end users.
func summarizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	const maxLen = 200
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
