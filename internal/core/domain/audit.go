package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type AuditEventType string

const (
	AuditNegotiationRequired AuditEventType = "DECISION_NEGOTIATION_REQUIRED"
	AuditAccepted            AuditEventType = "DECISION_ACCEPTED"
	AuditDispatchFailed      AuditEventType = "DISPATCH_FAILED"
	AuditJobCompleted        AuditEventType = "JOB_COMPLETED"
	AuditJobFailed           AuditEventType = "JOB_FAILED"
)

// AuditEntry is an append-only decision record. JobID is empty for
// decisions that never produced a job.
type AuditEntry struct {
	ID        string          `json:"id"`
	JobID     JobID           `json:"job_id,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	EventType AuditEventType  `json:"event_type"`
	Details   json.RawMessage `json:"details"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewAuditEntry stamps an entry with a fresh id and the current time.
// details must be JSON-marshalable.
func NewAuditEntry(jobID JobID, clientID string, event AuditEventType, details any) (AuditEntry, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return AuditEntry{}, err
	}
	return AuditEntry{
		ID:        uuid.New().String(),
		JobID:     jobID,
		ClientID:  clientID,
		EventType: event,
		Details:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// MissingDetail is the audit projection of a missing requirement.
type MissingDetail struct {
	Code    string `json:"code"`
	Display string `json:"display"`
}

// NegotiationDetails is stored on DECISION_NEGOTIATION_REQUIRED entries.
type NegotiationDetails struct {
	ClientID string          `json:"client_id"`
	Target   string          `json:"target"`
	Missing  []MissingDetail `json:"missing"`
}
