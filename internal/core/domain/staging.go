package domain

import "time"

// RetryStagingRecord marks a message whose redelivery is in flight.
type RetryStagingRecord struct {
	UniqueMessageID string    `json:"unique_message_id"`
	Destination     string    `json:"destination"`
	BatchID         string    `json:"batch_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
