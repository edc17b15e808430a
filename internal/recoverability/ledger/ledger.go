// Package ledger is the durable record of failed processing attempts. Every
// write to a failed message goes through it so that per-message updates are
// linearizable and status changes follow the status state machine.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/redrive/internal/core/backoff"
	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/core/status"
	"github.com/vietddude/redrive/internal/infra/notify"
	"github.com/vietddude/redrive/internal/infra/storage"
	"github.com/vietddude/redrive/internal/monitoring/metrics"
	"github.com/vietddude/redrive/internal/recoverability/classifier"
)

// ErrInvalidAttempt is returned for attempts missing the fields that identify them.
var ErrInvalidAttempt = errors.New("invalid failed attempt")

const lockStripes = 64

// FailedAttempt is one failure reported by an endpoint.
type FailedAttempt struct {
	// UniqueMessageID is derived from the message id and failing endpoint when empty.
	UniqueMessageID string
	Attempt         domain.ProcessingAttempt
	// Body is stored once per unique message id. Nil when the payload is unavailable.
	Body *domain.MessageBody
}

// Config holds ledger dependencies.
type Config struct {
	Messages    storage.FailedMessageRepository
	Groups      storage.FailureGroupRepository
	Bodies      storage.BodyStore
	Staging     storage.StagingRepository
	Classifiers *classifier.Set
	Publisher   notify.Publisher
	Backoff     backoff.RetryStrategy
}

// Ledger records failed attempts and owns failed message status.
type Ledger struct {
	messages    storage.FailedMessageRepository
	groups      storage.FailureGroupRepository
	bodies      storage.BodyStore
	staging     storage.StagingRepository
	classifiers *classifier.Set
	publisher   notify.Publisher
	backoff     backoff.RetryStrategy
	locks       [lockStripes]sync.Mutex
	log         *slog.Logger
	now         func() time.Time
}

// New creates a ledger. Classifiers, Publisher and Backoff default when nil.
func New(cfg Config) *Ledger {
	log := slog.Default().With("component", "ledger")

	classifiers := cfg.Classifiers
	if classifiers == nil {
		classifiers = classifier.Default()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = notify.NewLogPublisher()
	}
	strategy := cfg.Backoff
	if strategy == nil {
		strategy = backoff.Default(func(err error) backoff.FailureCategory {
			if errors.Is(err, storage.ErrConcurrencyConflict) {
				return backoff.CategoryTransient
			}
			return backoff.CategoryPermanent
		})
	}

	return &Ledger{
		messages:    cfg.Messages,
		groups:      cfg.Groups,
		bodies:      cfg.Bodies,
		staging:     cfg.Staging,
		classifiers: classifiers,
		publisher:   publisher,
		backoff:     strategy,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &l.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// mutation changes a loaded record in place. A nil msg means it does not exist
// yet; returning a non-nil record with changed true persists it.
type mutation func(msg *domain.FailedMessage) (result *domain.FailedMessage, changed bool, err error)

// update applies fn under the per-id lock, retrying on concurrency conflicts
// with writers in other processes.
func (l *Ledger) update(ctx context.Context, id string, fn mutation) (*domain.FailedMessage, bool, error) {
	unlock := l.lock(id)
	defer unlock()

	var (
		result  *domain.FailedMessage
		changed bool
	)
	err := backoff.Retry(ctx, l.backoff, func() error {
		current, err := l.messages.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("failed to load failed message %s: %w", id, err)
			}
			current = nil
		}

		result, changed, err = fn(current)
		if err != nil || !changed {
			return err
		}

		if err := l.messages.Save(ctx, result); err != nil {
			if errors.Is(err, storage.ErrConcurrencyConflict) {
				metrics.ConcurrencyConflicts.Inc()
				return err
			}
			return fmt.Errorf("failed to save failed message %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

func (l *Ledger) transition(msg *domain.FailedMessage, trigger status.Trigger) (status.Transition, error) {
	from := msg.Status
	if msg.Version == 0 {
		from = status.None
	}
	tr, err := status.Apply(msg.ID, from, trigger)
	if err != nil {
		return tr, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	msg.Status = tr.To
	return tr, nil
}

func (l *Ledger) recordTransition(tr status.Transition) {
	if !tr.Changed() {
		return
	}
	from := string(tr.From)
	if tr.From == status.None {
		from = "none"
	}
	metrics.StatusTransitions.WithLabelValues(from, string(tr.To)).Inc()
	l.log.Debug("Status changed",
		"unique_message_id", tr.MessageID,
		"from", from,
		"to", tr.To,
		"trigger", tr.Trigger,
	)
}

func (l *Ledger) publish(ctx context.Context, event *domain.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = l.now()
	}
	if err := l.publisher.Publish(ctx, event); err != nil {
		l.log.Warn("Failed to publish event", "type", event.EventType, "error", err)
	}
}

func (l *Ledger) deleteStaging(ctx context.Context, id string) {
	if err := l.staging.Delete(ctx, id); err != nil {
		l.log.Warn("Failed to delete staging record", "unique_message_id", id, "error", err)
	}
}

// RecordFailedAttempt appends an attempt to the record of its message, creating
// the record on first failure. Replayed attempts are ignored. Storage errors are
// returned so the transport redelivers the failure.
func (l *Ledger) RecordFailedAttempt(ctx context.Context, fa FailedAttempt) error {
	attempt := fa.Attempt.Clone()
	if attempt.MessageID == "" {
		return fmt.Errorf("%w: missing message id", ErrInvalidAttempt)
	}
	if attempt.FailureDetails.AddressOfFailingEndpoint == "" {
		return fmt.Errorf("%w: missing failing endpoint address", ErrInvalidAttempt)
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = attempt.FailureDetails.TimeOfFailure
	}
	if attempt.AttemptedAt.IsZero() {
		return fmt.Errorf("%w: missing time of failure", ErrInvalidAttempt)
	}

	id := fa.UniqueMessageID
	if id == "" {
		id = domain.UniqueMessageID(attempt.MessageID, attempt.FailureDetails.AddressOfFailingEndpoint)
	}

	if fa.Body != nil && len(fa.Body.Data) > 0 {
		body := *fa.Body
		body.ID = id
		if body.ContentType == "" {
			body.ContentType = attempt.Metadata.ContentType
		}
		if _, err := l.bodies.Store(ctx, body); err != nil {
			return fmt.Errorf("failed to store body of %s: %w", id, err)
		}
		attempt.Metadata.BodyURL = domain.BodyURL(id)
		attempt.Metadata.ContentLength = len(body.Data)
	}

	var (
		tr        status.Transition
		wasStaged bool
		duplicate bool
	)
	msg, _, err := l.update(ctx, id, func(current *domain.FailedMessage) (*domain.FailedMessage, bool, error) {
		msg := current
		if msg == nil {
			msg = domain.NewFailedMessage(id)
		}
		wasStaged = msg.Version != 0 && msg.Status == domain.StatusRetryIssued

		if !msg.AddAttempt(attempt.Clone()) {
			duplicate = true
			return msg, false, nil
		}
		duplicate = false

		var err error
		if tr, err = l.transition(msg, status.TriggerFailedAttempt); err != nil {
			return nil, false, err
		}

		groups := l.classify(*msg.LastAttempt())
		if len(groups) > 0 {
			if err := l.groups.Upsert(ctx, groups); err != nil {
				return nil, false, fmt.Errorf("failed to upsert failure groups: %w", err)
			}
		}
		msg.SetFailureGroups(groups)
		msg.Denormalize()
		return msg, true, nil
	})
	if err != nil {
		return err
	}

	if duplicate {
		metrics.DuplicateAttempts.Inc()
		l.log.Debug("Ignoring duplicate failed attempt",
			"unique_message_id", id,
			"attempted_at", attempt.AttemptedAt,
		)
		return nil
	}

	metrics.FailedAttemptsRecorded.WithLabelValues(attempt.FailureDetails.AddressOfFailingEndpoint).Inc()
	l.recordTransition(tr)
	if wasStaged {
		// The redelivered copy failed again at its destination.
		l.deleteStaging(ctx, id)
	}

	l.publish(ctx, &domain.Event{
		EventType:       domain.EventTypeMessageFailed,
		UniqueMessageID: id,
		Status:          msg.Status,
		Count:           len(msg.ProcessingAttempts),
		Metadata: map[string]string{
			"message_id":     msg.MessageID,
			"queue_address":  msg.QueueAddress,
			"exception_type": msg.ExceptionType,
		},
	})
	return nil
}

func (l *Ledger) classify(a domain.ProcessingAttempt) []domain.FailureGroup {
	groups, err := l.classifiers.Classify(classifier.DetailsFromAttempt(a))
	if err != nil {
		l.log.Warn("Failure classification incomplete", "message_id", a.MessageID, "error", err)
	}
	now := l.now()
	for i := range groups {
		groups[i].CreatedAt = now
	}
	return groups
}

// RecordSuccessfulRetry resolves a message after its redelivered copy was
// processed. Unknown ids are ignored.
func (l *Ledger) RecordSuccessfulRetry(ctx context.Context, id string) error {
	var tr status.Transition
	msg, changed, err := l.update(ctx, id, func(current *domain.FailedMessage) (*domain.FailedMessage, bool, error) {
		if current == nil {
			return nil, false, nil
		}
		var err error
		if tr, err = l.transition(current, status.TriggerRetrySucceeded); err != nil {
			return nil, false, err
		}
		return current, tr.Changed(), nil
	})
	if err != nil {
		return err
	}
	if msg == nil {
		l.log.Debug("Successful retry for unknown message", "unique_message_id", id)
		return nil
	}

	l.deleteStaging(ctx, id)
	if !changed {
		return nil
	}
	l.recordTransition(tr)
	l.publish(ctx, &domain.Event{
		EventType:       domain.EventTypeMessageResolved,
		UniqueMessageID: id,
		Status:          msg.Status,
	})
	return nil
}

// MarkRetryIssued stages a message for redelivery: the status moves to
// RetryIssued, then the staging record is written. When the staging record
// cannot be written the status change is reverted.
func (l *Ledger) MarkRetryIssued(ctx context.Context, rec domain.RetryStagingRecord) (*domain.FailedMessage, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now()
	}
	id := rec.UniqueMessageID

	var tr status.Transition
	msg, _, err := l.update(ctx, id, func(current *domain.FailedMessage) (*domain.FailedMessage, bool, error) {
		if current == nil {
			return nil, false, fmt.Errorf("message %s: %w", id, storage.ErrNotFound)
		}
		var err error
		if tr, err = l.transition(current, status.TriggerRetryIssued); err != nil {
			return nil, false, err
		}
		return current, true, nil
	})
	if err != nil {
		return nil, err
	}
	l.recordTransition(tr)

	if err := l.staging.Save(ctx, rec); err != nil {
		if _, revertErr := l.RevertRetry(ctx, id); revertErr != nil {
			l.log.Error("Failed to revert retry after staging error", "unique_message_id", id, "error", revertErr)
		}
		return nil, fmt.Errorf("failed to save staging record for %s: %w", id, err)
	}
	return msg, nil
}

// RevertRetry moves a RetryIssued message back to Unresolved and drops its
// staging record. It reports false when the message had already left
// RetryIssued, for example because the retry succeeded meanwhile.
func (l *Ledger) RevertRetry(ctx context.Context, id string) (bool, error) {
	var tr status.Transition
	_, changed, err := l.update(ctx, id, func(current *domain.FailedMessage) (*domain.FailedMessage, bool, error) {
		if current == nil {
			return nil, false, fmt.Errorf("message %s: %w", id, storage.ErrNotFound)
		}
		if current.Status != domain.StatusRetryIssued {
			return current, false, nil
		}
		var err error
		if tr, err = l.transition(current, status.TriggerRedeliveryFailed); err != nil {
			return nil, false, err
		}
		return current, true, nil
	})
	l.deleteStaging(ctx, id)
	if err != nil {
		return false, err
	}
	if changed {
		l.recordTransition(tr)
	}
	return changed, nil
}

// Archive dismisses a message. Archiving an archived message is a no-op.
func (l *Ledger) Archive(ctx context.Context, id string) error {
	var (
		tr        status.Transition
		wasStaged bool
	)
	msg, changed, err := l.update(ctx, id, func(current *domain.FailedMessage) (*domain.FailedMessage, bool, error) {
		if current == nil {
			return nil, false, fmt.Errorf("message %s: %w", id, storage.ErrNotFound)
		}
		wasStaged = current.Status == domain.StatusRetryIssued
		var err error
		if tr, err = l.transition(current, status.TriggerArchive); err != nil {
			return nil, false, err
		}
		return current, tr.Changed(), nil
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	l.recordTransition(tr)
	if wasStaged {
		l.deleteStaging(ctx, id)
	}
	l.publish(ctx, &domain.Event{
		EventType:       domain.EventTypeMessageArchived,
		UniqueMessageID: id,
		Status:          msg.Status,
	})
	return nil
}

// Unarchive returns an archived message to Unresolved.
func (l *Ledger) Unarchive(ctx context.Context, id string) error {
	var tr status.Transition
	msg, _, err := l.update(ctx, id, func(current *domain.FailedMessage) (*domain.FailedMessage, bool, error) {
		if current == nil {
			return nil, false, fmt.Errorf("message %s: %w", id, storage.ErrNotFound)
		}
		var err error
		if tr, err = l.transition(current, status.TriggerUnarchive); err != nil {
			return nil, false, err
		}
		return current, true, nil
	})
	if err != nil {
		return err
	}

	l.recordTransition(tr)
	l.publish(ctx, &domain.Event{
		EventType:       domain.EventTypeMessageUnarchived,
		UniqueMessageID: id,
		Status:          msg.Status,
	})
	return nil
}

// ArchiveGroup archives every open or in-flight member of a group and returns
// how many were archived.
func (l *Ledger) ArchiveGroup(ctx context.Context, groupID string) (int, error) {
	members, err := l.messages.Query(ctx, storage.FailedMessageQuery{
		Statuses: append([]domain.Status{domain.StatusRetryIssued}, storage.OpenStatuses...),
		GroupID:  groupID,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list group %s: %w", groupID, err)
	}

	archived := 0
	var errs []error
	for _, m := range members {
		if err := l.Archive(ctx, m.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		archived++
	}
	return archived, errors.Join(errs...)
}

// UnarchiveGroup returns every archived member of a group to Unresolved.
func (l *Ledger) UnarchiveGroup(ctx context.Context, groupID string) (int, error) {
	members, err := l.messages.Query(ctx, storage.FailedMessageQuery{
		Statuses: []domain.Status{domain.StatusArchivedFailure},
		GroupID:  groupID,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list group %s: %w", groupID, err)
	}

	count := 0
	var errs []error
	for _, m := range members {
		if err := l.Unarchive(ctx, m.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		count++
	}
	return count, errors.Join(errs...)
}

// Get returns a failed message record.
func (l *Ledger) Get(ctx context.Context, id string) (*domain.FailedMessage, error) {
	return l.messages.Get(ctx, id)
}

// Body returns the stored body of a failed message.
func (l *Ledger) Body(ctx context.Context, id string) (*domain.MessageBody, error) {
	return l.bodies.Get(ctx, id)
}

// Query lists failed messages.
func (l *Ledger) Query(ctx context.Context, q storage.FailedMessageQuery) ([]*domain.FailedMessage, error) {
	return l.messages.Query(ctx, q)
}

// Groups lists failure groups with their open member counts.
func (l *Ledger) Groups(ctx context.Context) ([]domain.GroupSummary, error) {
	return l.groups.Summaries(ctx)
}

// Counts returns the number of records per status.
func (l *Ledger) Counts(ctx context.Context) (map[domain.Status]int, error) {
	return l.messages.CountByStatus(ctx)
}
