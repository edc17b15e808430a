package redelivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/infra/notify"
	"github.com/vietddude/redrive/internal/infra/transport"
	"github.com/vietddude/redrive/internal/monitoring/metrics"
)

// UnknownReason is reported when the failure reason cannot be extracted.
const UnknownReason = "(failed to extract reason)"

// Reverter moves a message out of RetryIssued after its redelivery failed.
type Reverter interface {
	RevertRetry(ctx context.Context, uniqueMessageID string) (bool, error)
}

// FailureCompensator undoes the retry state of messages that could not be
// forwarded and announces the failure.
type FailureCompensator struct {
	reverter  Reverter
	publisher notify.Publisher
	log       *slog.Logger
	now       func() time.Time
}

func NewFailureCompensator(reverter Reverter, publisher notify.Publisher) *FailureCompensator {
	if publisher == nil {
		publisher = notify.NewLogPublisher()
	}
	return &FailureCompensator{
		reverter:  reverter,
		publisher: publisher,
		log:       slog.Default().With("component", "compensator"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle compensates a failed forward. It logs every problem and never panics.
func (c *FailureCompensator) Handle(ctx context.Context, msg *transport.Message, cause error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Compensation panicked", "message_id", msg.ID, "panic", r)
		}
	}()
	metrics.RedeliveriesFailed.Inc()

	id := msg.Headers[domain.HeaderRetryUniqueMessageID]
	reason := extractReason(cause)
	log := c.log.With("unique_message_id", id, "reason", reason)

	if id == "" {
		log.Error("Cannot compensate staged message without unique message id", "message_id", msg.ID)
		return
	}

	reverted, err := c.reverter.RevertRetry(ctx, id)
	if err != nil {
		log.Error("Failed to revert retry", "error", err)
	} else if !reverted {
		log.Info("Retry already settled before compensation")
	} else {
		log.Warn("Redelivery failed, message returned to unresolved")
	}

	event := &domain.Event{
		ID:              uuid.NewString(),
		EventType:       domain.EventTypeRetrySubmissionFailed,
		UniqueMessageID: id,
		BatchID:         msg.Headers[domain.HeaderRetryStagingID],
		Destination:     msg.Headers[domain.HeaderTargetEndpointAddress],
		Reason:          reason,
		OccurredAt:      c.now(),
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		log.Warn("Failed to publish retry submission failure", "error", err)
	}
}

func extractReason(err error) (reason string) {
	defer func() {
		if r := recover(); r != nil {
			reason = UnknownReason
		}
	}()
	if err == nil {
		return UnknownReason
	}
	return err.Error()
}
