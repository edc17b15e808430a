package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/infra/storage"
	"github.com/vietddude/redrive/internal/infra/storage/memory"
	"github.com/vietddude/redrive/internal/recoverability/ledger"
)

var now = time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)

func TestReconcile_RevertsStaleRetries(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage()
	staging := memory.NewStagingRepo(store)
	l := ledger.New(ledger.Config{
		Messages: memory.NewFailedMessageRepo(store),
		Groups:   memory.NewGroupRepo(store),
		Bodies:   memory.NewBodyStore(store),
		Staging:  staging,
	})

	for _, id := range []string{"old", "fresh"} {
		err := l.RecordFailedAttempt(ctx, ledger.FailedAttempt{
			UniqueMessageID: id,
			Attempt: domain.ProcessingAttempt{
				MessageID: "msg-" + id,
				FailureDetails: domain.FailureDetails{
					AddressOfFailingEndpoint: "sales",
					TimeOfFailure:            now.Add(-48 * time.Hour),
				},
			},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	staged := map[string]time.Time{
		"old":   now.Add(-3 * time.Hour),
		"fresh": now.Add(-10 * time.Minute),
	}
	for id, at := range staged {
		rec := domain.RetryStagingRecord{UniqueMessageID: id, Destination: "sales", CreatedAt: at}
		if _, err := l.MarkRetryIssued(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	// Orphan record whose message no longer exists.
	_ = staging.Save(ctx, domain.RetryStagingRecord{UniqueMessageID: "gone", CreatedAt: now.Add(-5 * time.Hour)})

	r := NewReconciler(Config{StaleAfter: time.Hour}, staging, l)
	r.now = func() time.Time { return now }

	if n := r.Reconcile(ctx); n != 1 {
		t.Fatalf("expected 1 reverted, got %d", n)
	}

	tests := []struct {
		id   string
		want domain.Status
	}{
		{"old", domain.StatusUnresolved},
		{"fresh", domain.StatusRetryIssued},
	}
	for _, tt := range tests {
		m, err := l.Get(ctx, tt.id)
		if err != nil {
			t.Fatal(err)
		}
		if m.Status != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.id, tt.want, m.Status)
		}
	}
	for _, id := range []string{"old", "gone"} {
		if _, err := staging.Get(ctx, id); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("%s: expected staging record removed, got %v", id, err)
		}
	}

	if n := r.Reconcile(ctx); n != 0 {
		t.Errorf("expected second pass to be a no-op, got %d", n)
	}
}

func TestNewReconciler_Interval(t *testing.T) {
	tests := []struct {
		staleAfter time.Duration
		want       time.Duration
	}{
		{2 * time.Hour, 12 * time.Minute},
		{time.Minute, time.Minute},
		{48 * time.Hour, time.Hour},
	}
	for _, tt := range tests {
		r := NewReconciler(Config{StaleAfter: tt.staleAfter}, nil, nil)
		if r.cfg.Interval != tt.want {
			t.Errorf("stale after %v: expected interval %v, got %v", tt.staleAfter, tt.want, r.cfg.Interval)
		}
	}
}

func TestStart_DisabledReturns(t *testing.T) {
	r := NewReconciler(Config{}, nil, nil)
	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled reconciler must return immediately")
	}
}
