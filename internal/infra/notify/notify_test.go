package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/vietddude/redrive/internal/core/domain"
)

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(ctx context.Context, event *domain.Event) error { return f.err }
func (f failingPublisher) Close() error { return nil }

func TestRecorder_OfType(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()
	_ = r.Publish(ctx, &domain.Event{EventType: domain.EventTypeMessageFailed})
	_ = r.Publish(ctx, &domain.Event{EventType: domain.EventTypeRetryIssued})
	_ = r.Publish(ctx, &domain.Event{EventType: domain.EventTypeMessageFailed})

	if got := len(r.OfType(domain.EventTypeMessageFailed)); got != 2 {
		t.Errorf("expected 2 failed events, got %d", got)
	}
	if got := len(r.Events()); got != 3 {
		t.Errorf("expected 3 events, got %d", got)
	}
}

func TestMulti_PublishesToAllAndJoinsErrors(t *testing.T) {
	r := NewRecorder()
	boom := errors.New("boom")
	m := Multi{failingPublisher{err: boom}, r}

	err := m.Publish(context.Background(), &domain.Event{EventType: domain.EventTypeMessageArchived})
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error, got %v", err)
	}
	if len(r.Events()) != 1 {
		t.Error("expected recorder to receive the event despite earlier failure")
	}
}
