// Package retry issues operator retries: it stages failed messages for
// redelivery and drives the staging queue for the batch until every staged
// message was forwarded or compensated.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/infra/notify"
	"github.com/vietddude/redrive/internal/infra/storage"
	"github.com/vietddude/redrive/internal/infra/transport"
	"github.com/vietddude/redrive/internal/monitoring/metrics"
	"github.com/vietddude/redrive/internal/recoverability/drain"
	"github.com/vietddude/redrive/internal/recoverability/redelivery"
)

var (
	// ErrRedeliveryDisabled is returned when redelivery is switched off in configuration
	ErrRedeliveryDisabled = errors.New("redelivery is disabled")

	// ErrEmptyRequest is returned for requests without message ids
	ErrEmptyRequest = errors.New("no messages to retry")

	// ErrNoAttempts is returned for records without a processing attempt to replay
	ErrNoAttempts = errors.New("message has no processing attempts")
)

// pageSize bounds each query when collecting group members.
const pageSize = 500

// Ledger is the subset of the attempt ledger used for retries.
type Ledger interface {
	Get(ctx context.Context, id string) (*domain.FailedMessage, error)
	Query(ctx context.Context, q storage.FailedMessageQuery) ([]*domain.FailedMessage, error)
	MarkRetryIssued(ctx context.Context, rec domain.RetryStagingRecord) (*domain.FailedMessage, error)
	RevertRetry(ctx context.Context, id string) (bool, error)
}

// Config holds retry settings.
type Config struct {
	// StagingQueue receives copies of messages awaiting redelivery.
	StagingQueue string
	// RedeliveryEnabled must be set for any retry to be issued.
	RedeliveryEnabled bool
	// IdleTimeout ends a batch drain when staged messages stop arriving.
	IdleTimeout time.Duration
}

// Request is an operator retry of specific messages.
type Request struct {
	UniqueMessageIDs []string
	// Destinations overrides the redelivery address per unique id. Messages
	// not listed go back to the queue they failed at.
	Destinations map[string]string
	// BatchID tags staged messages. A random id is used when empty.
	BatchID string
}

// Batch describes the outcome of staging a request.
type Batch struct {
	ID       string
	Staged   []string
	Rejected map[string]error
}

// Service issues retries.
type Service struct {
	ledger      Ledger
	transport   transport.Sender
	pumps       drain.PumpSource
	returner    *redelivery.Returner
	compensator *redelivery.FailureCompensator
	publisher   notify.Publisher
	cfg         Config
	log         *slog.Logger
	now         func() time.Time
}

// NewService creates a retry service. tr sends staged copies and pumps supplies
// the staging queue consumers used by each batch drain.
func NewService(
	ledger Ledger,
	tr transport.Sender,
	pumps drain.PumpSource,
	returner *redelivery.Returner,
	compensator *redelivery.FailureCompensator,
	publisher notify.Publisher,
	cfg Config,
) *Service {
	if publisher == nil {
		publisher = notify.NewLogPublisher()
	}
	return &Service{
		ledger:      ledger,
		transport:   tr,
		pumps:       pumps,
		returner:    returner,
		compensator: compensator,
		publisher:   publisher,
		cfg:         cfg,
		log:         slog.Default().With("component", "retry"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// IssueRetry stages each message: status moves to RetryIssued, a staging
// record is written and a copy tagged with the batch id is sent to the
// staging queue. Messages that cannot be staged are reported in Rejected and
// left in their previous state.
func (s *Service) IssueRetry(ctx context.Context, req Request) (*Batch, error) {
	if !s.cfg.RedeliveryEnabled {
		return nil, ErrRedeliveryDisabled
	}
	if len(req.UniqueMessageIDs) == 0 {
		return nil, ErrEmptyRequest
	}

	batch := &Batch{ID: req.BatchID, Rejected: make(map[string]error)}
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	log := s.log.With("batch_id", batch.ID)

	seen := make(map[string]bool, len(req.UniqueMessageIDs))
	for _, id := range req.UniqueMessageIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		if err := s.stage(ctx, batch.ID, id, req.Destinations[id]); err != nil {
			log.Warn("Failed to stage message for retry", "unique_message_id", id, "error", err)
			batch.Rejected[id] = err
			continue
		}
		batch.Staged = append(batch.Staged, id)
	}

	if len(batch.Staged) > 0 {
		metrics.RetriesIssued.Add(float64(len(batch.Staged)))
		event := &domain.Event{
			ID:         uuid.NewString(),
			EventType:  domain.EventTypeRetryIssued,
			BatchID:    batch.ID,
			Count:      len(batch.Staged),
			OccurredAt: s.now(),
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			log.Warn("Failed to publish retry issued", "error", err)
		}
	}
	log.Info("Retry issued", "staged", len(batch.Staged), "rejected", len(batch.Rejected))
	return batch, nil
}

func (s *Service) stage(ctx context.Context, batchID, id, destination string) error {
	msg, err := s.ledger.Get(ctx, id)
	if err != nil {
		return err
	}
	last := msg.LastAttempt()
	if last == nil {
		return ErrNoAttempts
	}
	if destination == "" {
		destination = msg.QueueAddress
	}

	if _, err := s.ledger.MarkRetryIssued(ctx, domain.RetryStagingRecord{
		UniqueMessageID: id,
		Destination:     destination,
		BatchID:         batchID,
		CreatedAt:       s.now(),
	}); err != nil {
		return err
	}

	staged := transport.Message{
		ID:      last.MessageID,
		Headers: maps.Clone(last.Headers),
	}
	if staged.Headers == nil {
		staged.Headers = make(map[string]string, 4)
	}
	staged.Headers[domain.HeaderTargetEndpointAddress] = destination
	staged.Headers[domain.HeaderRetryStagingID] = batchID
	staged.Headers[domain.HeaderRetryUniqueMessageID] = id
	if last.Metadata.BodyURL != "" {
		staged.Headers[domain.HeaderRetryBodyStored] = "true"
	}

	if err := s.transport.Send(ctx, s.cfg.StagingQueue, staged); err != nil {
		if _, revertErr := s.ledger.RevertRetry(ctx, id); revertErr != nil {
			s.log.Error("Failed to revert retry after staging send error", "unique_message_id", id, "error", revertErr)
		}
		return fmt.Errorf("failed to send %s to staging: %w", id, err)
	}
	return nil
}

// Retry stages the request and forwards the staged messages of the batch to
// their destinations. It returns once every staged message was handled, the
// drain went idle or ctx is done.
func (s *Service) Retry(ctx context.Context, req Request) (*Batch, drain.Result, error) {
	batch, err := s.IssueRetry(ctx, req)
	if err != nil {
		return nil, drain.Result{}, err
	}
	if len(batch.Staged) == 0 {
		return batch, drain.Result{}, nil
	}

	res, err := s.Forward(ctx, batch)
	return batch, res, err
}

// Forward drains the staging queue for a batch already issued.
func (s *Service) Forward(ctx context.Context, batch *Batch) (drain.Result, error) {
	d := drain.New(s.pumps, s.returner.Forward, s.compensator.Handle, drain.Config{
		Queue:       s.cfg.StagingQueue,
		IdleTimeout: s.cfg.IdleTimeout,
	})
	batchID := batch.ID
	res, err := d.Run(ctx, func(msg *transport.Message) bool {
		return msg.Headers[domain.HeaderRetryStagingID] == batchID
	}, len(batch.Staged))
	if err != nil {
		return res, fmt.Errorf("failed to drain batch %s: %w", batchID, err)
	}
	if res.Reason != drain.ReasonTargetReached {
		s.log.Warn("Batch drain ended before every staged message was handled",
			"batch_id", batchID,
			"reason", res.Reason,
			"handled", res.Handled,
			"staged", len(batch.Staged),
		)
	}
	return res, nil
}

// RetryGroup retries every open member of a failure group.
func (s *Service) RetryGroup(ctx context.Context, groupID string) (*Batch, drain.Result, error) {
	ids, err := s.collect(ctx, storage.FailedMessageQuery{
		Statuses: storage.OpenStatuses,
		GroupID:  groupID,
	})
	if err != nil {
		return nil, drain.Result{}, err
	}
	if len(ids) == 0 {
		return nil, drain.Result{}, fmt.Errorf("group %s: %w", groupID, ErrEmptyRequest)
	}
	return s.Retry(ctx, Request{UniqueMessageIDs: ids})
}

func (s *Service) collect(ctx context.Context, q storage.FailedMessageQuery) ([]string, error) {
	var ids []string
	q.Limit = pageSize
	for {
		page, err := s.ledger.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("failed to query messages: %w", err)
		}
		for _, m := range page {
			ids = append(ids, m.ID)
		}
		if len(page) < pageSize {
			return ids, nil
		}
		q.Offset += pageSize
	}
}
