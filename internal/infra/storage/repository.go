package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/redrive/internal/core/domain"
)

var (
	// ErrNotFound is returned when a record doesn't exist
	ErrNotFound = errors.New("record not found")

	// ErrConcurrencyConflict is returned when a write lost an optimistic concurrency race
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// FailedMessageQuery filters failed message listings. Zero fields match everything.
type FailedMessageQuery struct {
	Statuses []domain.Status
	GroupID  string
	Endpoint string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// FailedMessageRepository handles failed message records
type FailedMessageRepository interface {
	// Get retrieves a record by unique message id, ErrNotFound if absent
	Get(ctx context.Context, id string) (*domain.FailedMessage, error)

	// Save inserts (Version 0) or updates a record. Updates only succeed when the
	// stored version equals msg.Version; on success msg.Version is incremented.
	Save(ctx context.Context, msg *domain.FailedMessage) error

	// Query lists records ordered by time of failure, newest first
	Query(ctx context.Context, q FailedMessageQuery) ([]*domain.FailedMessage, error)

	// CountByStatus returns the number of records per status
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
}

// FailureGroupRepository handles failure group metadata
type FailureGroupRepository interface {
	// Upsert stores groups, keeping the original CreatedAt of existing ones
	Upsert(ctx context.Context, groups []domain.FailureGroup) error

	// Get retrieves a group by id, ErrNotFound if absent
	Get(ctx context.Context, id string) (*domain.FailureGroup, error)

	// Summaries returns groups with counts of their unresolved members
	Summaries(ctx context.Context) ([]domain.GroupSummary, error)
}

// BodyStore keeps message bodies keyed by unique message id
type BodyStore interface {
	// Store saves the body unless one already exists. It reports whether it wrote.
	Store(ctx context.Context, body domain.MessageBody) (bool, error)

	// Get retrieves a body, ErrNotFound if absent
	Get(ctx context.Context, id string) (*domain.MessageBody, error)
}

// StagingRepository tracks in-flight redeliveries
type StagingRepository interface {
	// Save creates or replaces the staging record
	Save(ctx context.Context, rec domain.RetryStagingRecord) error

	// Get retrieves a staging record, ErrNotFound if absent
	Get(ctx context.Context, uniqueMessageID string) (*domain.RetryStagingRecord, error)

	// Delete removes a staging record. Missing records are not an error.
	Delete(ctx context.Context, uniqueMessageID string) error

	// ListOlderThan returns records created before the cutoff
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]domain.RetryStagingRecord, error)
}

// Pinger is implemented by stores that can report connectivity
type Pinger interface {
	Health(ctx context.Context) error
}

// Matches reports whether a record satisfies the query filters, ignoring pagination.
func (q FailedMessageQuery) Matches(m *domain.FailedMessage) bool {
	if len(q.Statuses) > 0 {
		found := false
		for _, s := range q.Statuses {
			if m.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.GroupID != "" && !m.InGroup(q.GroupID) {
		return false
	}
	if q.Endpoint != "" && m.ReceivingEndpoint.Name != q.Endpoint && m.QueueAddress != q.Endpoint {
		return false
	}
	if !q.From.IsZero() && m.TimeOfFailure.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !m.TimeOfFailure.Before(q.To) {
		return false
	}
	return true
}

// OpenStatuses are the statuses operators can still act on.
var OpenStatuses = []domain.Status{domain.StatusUnresolved, domain.StatusRepeatedFailure}
