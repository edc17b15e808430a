package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// uniqueIDNamespace scopes name-based UUIDs derived for failed messages.
var uniqueIDNamespace = uuid.MustParse("8f3c2a4e-59d1-4b1e-9a37-0c6f2f5d7e11")

// UniqueMessageID derives the identifier shared by every copy of a message
// that failed at the same endpoint.
func UniqueMessageID(messageID, endpoint string) string {
	return uuid.NewSHA1(uniqueIDNamespace, []byte(messageID+"/"+endpoint)).String()
}

// Endpoint identifies a logical endpoint and the host it ran on.
type Endpoint struct {
	Name   string `json:"name"`
	Host   string `json:"host,omitempty"`
	HostID string `json:"host_id,omitempty"`
}

// FailureDetails describes the exception raised by a failed processing attempt.
type FailureDetails struct {
	ExceptionType            string    `json:"exception_type"`
	Message                  string    `json:"message"`
	Source                   string    `json:"source,omitempty"`
	StackTrace               string    `json:"stack_trace,omitempty"`
	AddressOfFailingEndpoint string    `json:"address_of_failing_endpoint"`
	TimeOfFailure            time.Time `json:"time_of_failure"`
}

// AttemptMetadata holds values captured from the message context of an attempt.
type AttemptMetadata struct {
	MessageType       string        `json:"message_type,omitempty"`
	ContentType       string        `json:"content_type,omitempty"`
	ContentLength     int           `json:"content_length"`
	BodyURL           string        `json:"body_url,omitempty"`
	SendingEndpoint   Endpoint      `json:"sending_endpoint"`
	ReceivingEndpoint Endpoint      `json:"receiving_endpoint"`
	ConversationID    string        `json:"conversation_id,omitempty"`
	TimeSent          *time.Time    `json:"time_sent,omitempty"`
	CriticalTime      time.Duration `json:"critical_time"`
	ProcessingTime    time.Duration `json:"processing_time"`
	DeliveryTime      time.Duration `json:"delivery_time"`
}

// ProcessingAttempt is one recorded failure of a message. It is immutable once appended.
type ProcessingAttempt struct {
	MessageID      string            `json:"message_id"`
	Headers        map[string]string `json:"headers"`
	Metadata       AttemptMetadata   `json:"metadata"`
	FailureDetails FailureDetails    `json:"failure_details"`
	AttemptedAt    time.Time         `json:"attempted_at"`
}

// Clone copies the attempt including its header map.
func (a ProcessingAttempt) Clone() ProcessingAttempt {
	c := a
	if a.Headers != nil {
		c.Headers = make(map[string]string, len(a.Headers))
		for k, v := range a.Headers {
			c.Headers[k] = v
		}
	}
	if a.Metadata.TimeSent != nil {
		ts := *a.Metadata.TimeSent
		c.Metadata.TimeSent = &ts
	}
	return c
}

// BodyURL returns the relative URL under which a message body is served.
func BodyURL(uniqueMessageID string) string {
	return fmt.Sprintf("/messages/%s/body", uniqueMessageID)
}

// MessageBody is a stored payload, content-addressed by the unique message id.
type MessageBody struct {
	ID          string
	ContentType string
	Data        []byte
}
