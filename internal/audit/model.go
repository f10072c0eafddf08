// Package audit persists diagnostic records for failed and drained
// operations so terminal failures leave a trace beyond the process lifetime
package audit

import (
	"time"

	"github.com/opsdeskhq/opsdesk/internal/entity"
)

// Outcome represents how the recorded operation ended
type Outcome string

const (
	// OutcomeExhausted means every retry attempt failed
	OutcomeExhausted Outcome = "retries_exhausted"
	// OutcomeCritical means a caller-flagged critical operation failed terminally
	OutcomeCritical Outcome = "critical_failure"
	// OutcomeQueued means the operation was parked in the offline queue
	OutcomeQueued Outcome = "queued"
	// OutcomeDrained means a queued operation replayed successfully on reconnect
	OutcomeDrained Outcome = "drained"
	// OutcomeDrainFailed means a queued operation failed again during drain
	OutcomeDrainFailed Outcome = "drain_failed"
)

// ErrorType mirrors the engine's error taxonomy for diagnostics
type ErrorType string

const (
	// ErrorTypeNetwork represents a connectivity-related failure
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeApplication represents a validation or constraint failure
	ErrorTypeApplication ErrorType = "application"
	// ErrorTypeUnknown represents an unclassified failure
	ErrorTypeUnknown ErrorType = "unknown"
)

// Record is one diagnostic entry in the audit log
type Record struct {
	ID           string      `json:"id"`
	OperationID  string      `json:"operation_id"`
	EntityType   entity.Kind `json:"entity_type"`
	EntityID     string      `json:"entity_id,omitempty"`
	Outcome      Outcome     `json:"outcome"`
	ErrorType    ErrorType   `json:"error_type,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Attempts     int         `json:"attempts"`
	Critical     bool        `json:"critical"`
	StartedAt    time.Time   `json:"started_at"`
	CompletedAt  time.Time   `json:"completed_at"`
}

// NewRecord creates a record for an operation that just started
func NewRecord(operationID string, entityType entity.Kind, entityID string) *Record {
	now := time.Now()
	return &Record{
		OperationID: operationID,
		EntityType:  entityType,
		EntityID:    entityID,
		StartedAt:   now,
		CompletedAt: now, // Updated when the outcome is known
	}
}

// Complete fills in the outcome of the operation
func (r *Record) Complete(outcome Outcome, errType ErrorType, errMessage string, attempts int) {
	r.Outcome = outcome
	r.ErrorType = errType
	r.ErrorMessage = errMessage
	r.Attempts = attempts
	r.CompletedAt = time.Now()
}
