// Package redelivery forwards staged messages to their destination and
// compensates when forwarding fails.
package redelivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/infra/storage"
	"github.com/vietddude/redrive/internal/infra/transport"
	"github.com/vietddude/redrive/internal/monitoring/metrics"
)

var (
	// ErrMissingDestination is returned for staged messages without a target address
	ErrMissingDestination = errors.New("staged message has no target endpoint address")

	// ErrMissingUniqueID is returned for staged messages without a unique message id
	ErrMissingUniqueID = errors.New("staged message has no unique message id")
)

// Returner sends staged messages back to the endpoint they failed at.
type Returner struct {
	sender transport.Sender
	bodies storage.BodyStore
	log    *slog.Logger
}

// NewReturner creates a returner. bodies may be nil when bodies always travel
// with the staged copy.
func NewReturner(sender transport.Sender, bodies storage.BodyStore) *Returner {
	return &Returner{
		sender: sender,
		bodies: bodies,
		log:    slog.Default().With("component", "returner"),
	}
}

// Forward strips the retry-tracking headers from a copy of msg and sends it,
// with the same message id, to the destination it carries. msg itself is left
// untouched, so on error it still holds every header the failure handler needs.
func (r *Returner) Forward(ctx context.Context, msg *transport.Message) error {
	dest := msg.Headers[domain.HeaderTargetEndpointAddress]
	if dest == "" {
		return ErrMissingDestination
	}
	id := msg.Headers[domain.HeaderRetryUniqueMessageID]
	if id == "" {
		return ErrMissingUniqueID
	}

	out := msg.Clone()
	for _, h := range domain.RetryTrackingHeaders {
		delete(out.Headers, h)
	}

	if msg.Headers[domain.HeaderRetryBodyStored] == "true" || len(out.Body) == 0 {
		body, err := r.loadBody(ctx, id)
		if err != nil {
			return err
		}
		if body != nil {
			out.Body = body.Data
		}
	}

	if err := r.sender.Send(ctx, dest, out); err != nil {
		return fmt.Errorf("failed to forward %s to %s: %w", id, dest, err)
	}

	metrics.RedeliveriesForwarded.Inc()
	r.log.Debug("Forwarded staged message", "unique_message_id", id, "destination", dest)
	return nil
}

func (r *Returner) loadBody(ctx context.Context, id string) (*domain.MessageBody, error) {
	if r.bodies == nil {
		return nil, nil
	}
	body, err := r.bodies.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		// Messages without a payload are forwarded as they are.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load body of %s: %w", id, err)
	}
	return body, nil
}
