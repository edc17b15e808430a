package domain

import (
	"sort"
	"time"
)

// MaxProcessingAttempts is the number of attempts kept per failed message.
const MaxProcessingAttempts = 10

// Status is the lifecycle state of a failed message record.
type Status string

const (
	StatusUnresolved      Status = "unresolved"
	StatusRepeatedFailure Status = "repeated_failure"
	StatusRetryIssued     Status = "retry_issued"
	StatusResolved        Status = "resolved"
	StatusArchivedFailure Status = "archived"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{
	StatusUnresolved,
	StatusRepeatedFailure,
	StatusRetryIssued,
	StatusResolved,
	StatusArchivedFailure,
}

// FailedMessage is the durable record of a message that failed processing at least once.
type FailedMessage struct {
	ID                    string              `json:"id"`
	Status                Status              `json:"status"`
	ProcessingAttempts    []ProcessingAttempt `json:"processing_attempts"`
	FailureGroups         []FailureGroupRef   `json:"failure_groups"`
	PrimaryFailureGroupID string              `json:"primary_failure_group_id,omitempty"`

	// Query fields, recomputed from the latest attempt on every write.
	MessageID         string        `json:"message_id"`
	MessageType       string        `json:"message_type"`
	TimeSent          *time.Time    `json:"time_sent,omitempty"`
	SendingEndpoint   Endpoint      `json:"sending_endpoint"`
	ReceivingEndpoint Endpoint      `json:"receiving_endpoint"`
	ExceptionType     string        `json:"exception_type"`
	ExceptionMessage  string        `json:"exception_message"`
	QueueAddress      string        `json:"queue_address"`
	ConversationID    string        `json:"conversation_id"`
	TimeOfFailure     time.Time     `json:"time_of_failure"`
	CriticalTime      time.Duration `json:"critical_time"`
	ProcessingTime    time.Duration `json:"processing_time"`
	DeliveryTime      time.Duration `json:"delivery_time"`

	LastModified time.Time `json:"last_modified"`
	// Version is the optimistic concurrency token. Zero means not yet stored.
	Version int64 `json:"version"`
}

// NewFailedMessage creates an unresolved record with no attempts.
func NewFailedMessage(id string) *FailedMessage {
	return &FailedMessage{
		ID:     id,
		Status: StatusUnresolved,
	}
}

// AddAttempt appends a processing attempt keeping the history sorted oldest-first,
// unique by AttemptedAt and capped at MaxProcessingAttempts. It reports false when
// an attempt with the same timestamp was already recorded.
func (m *FailedMessage) AddAttempt(attempt ProcessingAttempt) bool {
	for _, existing := range m.ProcessingAttempts {
		if existing.AttemptedAt.Equal(attempt.AttemptedAt) {
			return false
		}
	}

	m.ProcessingAttempts = append(m.ProcessingAttempts, attempt)
	sort.SliceStable(m.ProcessingAttempts, func(i, j int) bool {
		return m.ProcessingAttempts[i].AttemptedAt.Before(m.ProcessingAttempts[j].AttemptedAt)
	})

	if overflow := len(m.ProcessingAttempts) - MaxProcessingAttempts; overflow > 0 {
		m.ProcessingAttempts = append([]ProcessingAttempt(nil), m.ProcessingAttempts[overflow:]...)
	}
	return true
}

// LastAttempt returns the most recent attempt, or nil if there is none.
func (m *FailedMessage) LastAttempt() *ProcessingAttempt {
	if len(m.ProcessingAttempts) == 0 {
		return nil
	}
	return &m.ProcessingAttempts[len(m.ProcessingAttempts)-1]
}

// SetFailureGroups replaces the group set and derives the primary group.
func (m *FailedMessage) SetFailureGroups(groups []FailureGroup) {
	refs := make([]FailureGroupRef, 0, len(groups))
	for _, g := range groups {
		refs = append(refs, g.Ref())
	}
	m.FailureGroups = refs
	m.PrimaryFailureGroupID = ""
	if len(refs) > 0 {
		m.PrimaryFailureGroupID = refs[0].ID
	}
}

// InGroup reports whether the message currently belongs to the group.
func (m *FailedMessage) InGroup(groupID string) bool {
	for _, g := range m.FailureGroups {
		if g.ID == groupID {
			return true
		}
	}
	return false
}

// Denormalize recomputes the query fields from the latest attempt.
func (m *FailedMessage) Denormalize() {
	last := m.LastAttempt()
	if last == nil {
		return
	}

	m.MessageID = last.MessageID
	m.MessageType = last.Metadata.MessageType
	m.TimeSent = last.Metadata.TimeSent
	m.SendingEndpoint = last.Metadata.SendingEndpoint
	m.ReceivingEndpoint = last.Metadata.ReceivingEndpoint
	m.ExceptionType = last.FailureDetails.ExceptionType
	m.ExceptionMessage = last.FailureDetails.Message
	m.QueueAddress = last.FailureDetails.AddressOfFailingEndpoint
	m.ConversationID = last.Metadata.ConversationID
	m.TimeOfFailure = last.FailureDetails.TimeOfFailure
	m.CriticalTime = last.Metadata.CriticalTime
	m.ProcessingTime = last.Metadata.ProcessingTime
	m.DeliveryTime = last.Metadata.DeliveryTime
}

// Clone returns a deep copy safe to mutate independently.
func (m *FailedMessage) Clone() *FailedMessage {
	c := *m
	c.ProcessingAttempts = make([]ProcessingAttempt, len(m.ProcessingAttempts))
	for i, a := range m.ProcessingAttempts {
		c.ProcessingAttempts[i] = a.Clone()
	}
	c.FailureGroups = append([]FailureGroupRef(nil), m.FailureGroups...)
	if m.TimeSent != nil {
		ts := *m.TimeSent
		c.TimeSent = &ts
	}
	return &c
}
