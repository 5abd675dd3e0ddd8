package model

import (
	"fmt"
	"time"
)

// ValidationError describes the first constraint a payload violated.
type ValidationError struct {
	Field      string
	Constraint string
	Expected   string
	Actual     string
	Message    string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("field %q violates %q: expected %s, got %s", e.Field, e.Constraint, e.Expected, e.Actual)
}

// ParseOutcome is the tagged result of parsing one message body: either a
// transaction or a validation error, always alongside the original bytes.
type ParseOutcome struct {
	Transaction *Transaction
	Err         *ValidationError
	Raw         []byte
}

func (o ParseOutcome) OK() bool { return o.Err == nil && o.Transaction != nil }

// FailureReason tags a dead-lettered item.
type FailureReason string

const (
	ReasonParseError      FailureReason = "parse_error"
	ReasonValidationError FailureReason = "validation_error"
	ReasonProcessingError FailureReason = "processing_error"
	ReasonStorageError    FailureReason = "storage_error"
)

// FailedItem is one dead-letter row. TransactionID and CorrelationID may be
// empty when the failure happened before they could be established.
type FailedItem struct {
	TransactionID string
	CorrelationID string
	Reason        FailureReason
	ErrorMessage  string
	RawPayload    []byte
	FailedAt      time.Time
}
