package domain

import "time"

// Event is a domain event published to external consumers.
type Event struct {
	ID              string            `json:"id"`
	EventType       EventType         `json:"event_type"`
	UniqueMessageID string            `json:"unique_message_id,omitempty"`
	BatchID         string            `json:"batch_id,omitempty"`
	Destination     string            `json:"destination,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	Status          Status            `json:"status,omitempty"`
	Count           int               `json:"count,omitempty"`
	OccurredAt      time.Time         `json:"occurred_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type EventType string

const (
	EventTypeMessageFailed         EventType = "message_failed"
	EventTypeMessageResolved       EventType = "message_resolved"
	EventTypeRetryIssued           EventType = "retry_issued"
	EventTypeRetrySubmissionFailed EventType = "retry_submission_failed"
	EventTypeMessageArchived       EventType = "message_archived"
	EventTypeMessageUnarchived     EventType = "message_unarchived"
)
