package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/giggatek/reconciler/internal/payment"
)

var (
	ErrEmptyIdentifier     = errors.New("identifier is empty")
	ErrMalformedIdentifier = errors.New("identifier is not a positive integer")
)

// ClassificationError reports metadata that names an entity with an unusable id.
type ClassificationError struct {
	Field string
	Value string
	Err   error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// ErrorKind categorizes a failed reconciliation.
type ErrorKind string

const (
	// ErrorDuplicateEvent is reserved for callers that want to report
	// duplicates as errors. Apply reports them through Result.Duplicate.
	ErrorDuplicateEvent     ErrorKind = "duplicate_event"
	ErrorEntityNotFound     ErrorKind = "entity_not_found"
	ErrorTransactionTimeout ErrorKind = "transaction_timeout"
	ErrorStoreFailure       ErrorKind = "store_failure"
)

// ReconciliationError is returned when a transition could not be committed.
// The transaction was rolled back in full.
type ReconciliationError struct {
	Kind                  ErrorKind
	ProviderTransactionID string
	Outcome               Outcome
	Cause                 error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile %s for transaction %q: %s: %v",
		e.Outcome, e.ProviderTransactionID, e.Kind, e.Cause)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Cause
}

func newReconciliationError(txnID string, outcome Outcome, cause error) *ReconciliationError {
	return &ReconciliationError{
		Kind:                  errorKindOf(cause),
		ProviderTransactionID: txnID,
		Outcome:               outcome,
		Cause:                 cause,
	}
}

func errorKindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, payment.ErrNotFound):
		return ErrorEntityNotFound
	case errors.Is(err, payment.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorTransactionTimeout
	default:
		return ErrorStoreFailure
	}
}
