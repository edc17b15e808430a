package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/infra/storage"
)

// openTestDB connects to REDRIVE_TEST_DATABASE_URL and applies migrations.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("REDRIVE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("REDRIVE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := NewDB(ctx, Config{URL: url})
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db
}

func newMessage(id string, at time.Time, groups ...string) *domain.FailedMessage {
	m := domain.NewFailedMessage(id)
	m.AddAttempt(domain.ProcessingAttempt{
		MessageID: "msg-" + id,
		Headers:   map[string]string{domain.HeaderMessageID: "msg-" + id},
		FailureDetails: domain.FailureDetails{
			ExceptionType:            "System.TimeoutException",
			AddressOfFailingEndpoint: "sales",
			TimeOfFailure:            at,
		},
		AttemptedAt: at,
	})
	var gs []domain.FailureGroup
	for _, g := range groups {
		gs = append(gs, domain.FailureGroup{ID: g, Title: g, Type: "test"})
	}
	m.SetFailureGroups(gs)
	m.Denormalize()
	return m
}

func TestFailedMessageRepo_SaveAndConflict(t *testing.T) {
	db := openTestDB(t)
	repo := NewFailedMessageRepo(db)
	ctx := context.Background()
	id := uuid.NewString()

	msg := newMessage(id, time.Now().UTC().Truncate(time.Microsecond))
	if err := repo.Save(ctx, msg); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if msg.Version != 1 {
		t.Fatalf("expected version 1, got %d", msg.Version)
	}

	stale, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stale.MessageID != "msg-"+id || len(stale.ProcessingAttempts) != 1 {
		t.Errorf("unexpected record %+v", stale)
	}

	msg.Status = domain.StatusRetryIssued
	if err := repo.Save(ctx, msg); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	stale.Status = domain.StatusArchivedFailure
	if err := repo.Save(ctx, stale); !errors.Is(err, storage.ErrConcurrencyConflict) {
		t.Errorf("expected conflict for stale version, got %v", err)
	}
	dup := newMessage(id, time.Now())
	if err := repo.Save(ctx, dup); !errors.Is(err, storage.ErrConcurrencyConflict) {
		t.Errorf("expected conflict for duplicate insert, got %v", err)
	}

	got, _ := repo.Get(ctx, id)
	if got.Status != domain.StatusRetryIssued || got.Version != 2 {
		t.Errorf("expected retry issued at version 2, got %s at %d", got.Status, got.Version)
	}
	if _, err := repo.Get(ctx, uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFailedMessageRepo_QueryAndSummaries(t *testing.T) {
	db := openTestDB(t)
	repo := NewFailedMessageRepo(db)
	groups := NewGroupRepo(db)
	ctx := context.Background()

	group := uuid.NewString()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := groups.Upsert(ctx, []domain.FailureGroup{{ID: group, Title: "t", Type: "test", CreatedAt: base}}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := groups.Upsert(ctx, []domain.FailureGroup{{ID: group, Title: "t", Type: "test", CreatedAt: base.Add(time.Hour)}}); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	if g, err := groups.Get(ctx, group); err != nil || !g.CreatedAt.Equal(base) {
		t.Errorf("expected original created_at, got %v (%v)", g, err)
	}

	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	for i, id := range ids {
		if err := repo.Save(ctx, newMessage(id, base.Add(time.Duration(i)*time.Minute), group)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := repo.Query(ctx, storage.FailedMessageQuery{GroupID: group, Limit: 2})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != ids[2] || got[1].ID != ids[1] {
		t.Errorf("expected newest two members first, got %d", len(got))
	}

	ranged, err := repo.Query(ctx, storage.FailedMessageQuery{
		GroupID: group,
		From:    base.Add(time.Minute),
		To:      base.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ranged) != 1 || ranged[0].ID != ids[1] {
		t.Errorf("expected only the middle member in range, got %d", len(ranged))
	}

	summaries, err := groups.Summaries(ctx)
	if err != nil {
		t.Fatalf("Summaries failed: %v", err)
	}
	for _, s := range summaries {
		if s.ID == group {
			if s.Count != 3 || !s.First.Equal(base) || !s.Last.Equal(base.Add(2*time.Minute)) {
				t.Errorf("unexpected summary %+v", s)
			}
			return
		}
	}
	t.Error("group missing from summaries")
}

func TestBodyStoreAndStaging(t *testing.T) {
	db := openTestDB(t)
	bodies := NewBodyStore(db)
	staging := NewStagingRepo(db)
	ctx := context.Background()
	id := uuid.NewString()

	wrote, err := bodies.Store(ctx, domain.MessageBody{ID: id, ContentType: "text/plain", Data: []byte("first")})
	if err != nil || !wrote {
		t.Fatalf("expected first store to write, got %v %v", wrote, err)
	}
	wrote, err = bodies.Store(ctx, domain.MessageBody{ID: id, Data: []byte("second")})
	if err != nil || wrote {
		t.Fatalf("expected second store to be a no-op, got %v %v", wrote, err)
	}
	body, err := bodies.Get(ctx, id)
	if err != nil || string(body.Data) != "first" {
		t.Errorf("expected first body, got %v %v", body, err)
	}

	old := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Microsecond)
	if err := staging.Save(ctx, domain.RetryStagingRecord{UniqueMessageID: id, Destination: "sales", CreatedAt: old}); err != nil {
		t.Fatal(err)
	}
	stale, err := staging.ListOlderThan(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, rec := range stale {
		found = found || rec.UniqueMessageID == id
	}
	if !found {
		t.Error("expected stale record listed")
	}
	if err := staging.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := staging.Delete(ctx, id); err != nil {
		t.Errorf("deleting a missing record must succeed, got %v", err)
	}
	if _, err := staging.Get(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
