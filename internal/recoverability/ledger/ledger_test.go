package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/core/status"
	"github.com/vietddude/redrive/internal/infra/notify"
	"github.com/vietddude/redrive/internal/infra/storage"
	"github.com/vietddude/redrive/internal/infra/storage/memory"
	"github.com/vietddude/redrive/internal/recoverability/classifier"
)

// =============================================================================
// Fixtures
// =============================================================================

type fixture struct {
	ledger   *Ledger
	store    *memory.MemoryStorage
	messages *memory.FailedMessageRepo
	bodies   *countingBodyStore
	staging  *memory.StagingRepo
	events   *notify.Recorder
}

// countingBodyStore counts blobs actually written.
type countingBodyStore struct {
	*memory.BodyStore
	mu     sync.Mutex
	writes int
}

func (c *countingBodyStore) Store(ctx context.Context, body domain.MessageBody) (bool, error) {
	wrote, err := c.BodyStore.Store(ctx, body)
	if wrote {
		c.mu.Lock()
		c.writes++
		c.mu.Unlock()
	}
	return wrote, err
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewMemoryStorage()
	f := &fixture{
		store:    store,
		messages: memory.NewFailedMessageRepo(store),
		bodies:   &countingBodyStore{BodyStore: memory.NewBodyStore(store)},
		staging:  memory.NewStagingRepo(store),
		events:   notify.NewRecorder(),
	}
	f.ledger = New(Config{
		Messages:  f.messages,
		Groups:    memory.NewGroupRepo(store),
		Bodies:    f.bodies,
		Staging:   f.staging,
		Publisher: f.events,
	})
	return f
}

var t1 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func failure(at time.Time) FailedAttempt {
	return FailedAttempt{
		UniqueMessageID: "M1",
		Attempt: domain.ProcessingAttempt{
			MessageID: "msg-1",
			Headers:   map[string]string{domain.HeaderMessageID: "msg-1"},
			Metadata: domain.AttemptMetadata{
				MessageType:       "Sales.PlaceOrder",
				ReceivingEndpoint: domain.Endpoint{Name: "sales"},
			},
			FailureDetails: domain.FailureDetails{
				ExceptionType:            "System.TimeoutException",
				Message:                  "db timeout",
				AddressOfFailingEndpoint: "sales",
				TimeOfFailure:            at,
			},
			AttemptedAt: at,
		},
		Body: &domain.MessageBody{ContentType: "application/json", Data: []byte(`{"id":1}`)},
	}
}

func (f *fixture) mustGet(t *testing.T, id string) *domain.FailedMessage {
	t.Helper()
	m, err := f.ledger.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", id, err)
	}
	return m
}

func (f *fixture) hasStaging(id string) bool {
	_, err := f.staging.Get(context.Background(), id)
	return err == nil
}

// =============================================================================
// Scenario
// =============================================================================

func TestLedger_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t2 := t1.Add(time.Hour)

	// 1. First failure creates an unresolved record.
	if err := f.ledger.RecordFailedAttempt(ctx, failure(t1)); err != nil {
		t.Fatalf("RecordFailedAttempt failed: %v", err)
	}
	m := f.mustGet(t, "M1")
	if m.Status != domain.StatusUnresolved || len(m.ProcessingAttempts) != 1 {
		t.Fatalf("step 1: expected unresolved with 1 attempt, got %s with %d", m.Status, len(m.ProcessingAttempts))
	}

	// 2. Replayed attempt is ignored.
	if err := f.ledger.RecordFailedAttempt(ctx, failure(t1)); err != nil {
		t.Fatalf("duplicate RecordFailedAttempt failed: %v", err)
	}
	if m := f.mustGet(t, "M1"); len(m.ProcessingAttempts) != 1 {
		t.Fatalf("step 2: expected 1 attempt, got %d", len(m.ProcessingAttempts))
	}

	// 3. Successful retry resolves and removes staging.
	_ = f.staging.Save(ctx, domain.RetryStagingRecord{UniqueMessageID: "M1", Destination: "sales"})
	if err := f.ledger.RecordSuccessfulRetry(ctx, "M1"); err != nil {
		t.Fatalf("RecordSuccessfulRetry failed: %v", err)
	}
	if m := f.mustGet(t, "M1"); m.Status != domain.StatusResolved {
		t.Fatalf("step 3: expected resolved, got %s", m.Status)
	}
	if f.hasStaging("M1") {
		t.Fatal("step 3: expected staging record to be removed")
	}

	// 4. A new failure after resolution is a repeated failure.
	if err := f.ledger.RecordFailedAttempt(ctx, failure(t2)); err != nil {
		t.Fatalf("RecordFailedAttempt failed: %v", err)
	}
	m = f.mustGet(t, "M1")
	if m.Status != domain.StatusRepeatedFailure || len(m.ProcessingAttempts) != 2 {
		t.Fatalf("step 4: expected repeated failure with 2 attempts, got %s with %d", m.Status, len(m.ProcessingAttempts))
	}

	// 5. Issuing a retry stages the message.
	_, err := f.ledger.MarkRetryIssued(ctx, domain.RetryStagingRecord{UniqueMessageID: "M1", Destination: "sales", BatchID: "b1"})
	if err != nil {
		t.Fatalf("MarkRetryIssued failed: %v", err)
	}
	if m := f.mustGet(t, "M1"); m.Status != domain.StatusRetryIssued {
		t.Fatalf("step 5: expected retry issued, got %s", m.Status)
	}
	rec, err := f.staging.Get(ctx, "M1")
	if err != nil || rec.Destination != "sales" {
		t.Fatalf("step 5: expected staging record targeting sales, got %+v (%v)", rec, err)
	}

	// 6. Forwarding failure reverts to unresolved without residue.
	reverted, err := f.ledger.RevertRetry(ctx, "M1")
	if err != nil || !reverted {
		t.Fatalf("RevertRetry = %v, %v", reverted, err)
	}
	if m := f.mustGet(t, "M1"); m.Status != domain.StatusUnresolved {
		t.Fatalf("step 6: expected unresolved, got %s", m.Status)
	}
	if f.hasStaging("M1") {
		t.Fatal("step 6: expected staging record to be removed")
	}

	if got := len(f.events.OfType(domain.EventTypeMessageFailed)); got != 2 {
		t.Errorf("expected 2 failed events, got %d", got)
	}
	if got := len(f.events.OfType(domain.EventTypeMessageResolved)); got != 1 {
		t.Errorf("expected 1 resolved event, got %d", got)
	}
}

// =============================================================================
// Attempt handling
// =============================================================================

func TestRecordFailedAttempt_CapsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		if err := f.ledger.RecordFailedAttempt(ctx, failure(t1.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("attempt %d failed: %v", i, err)
		}
	}

	m := f.mustGet(t, "M1")
	if len(m.ProcessingAttempts) != domain.MaxProcessingAttempts {
		t.Fatalf("expected %d attempts, got %d", domain.MaxProcessingAttempts, len(m.ProcessingAttempts))
	}
	if !m.ProcessingAttempts[0].AttemptedAt.Equal(t1.Add(5 * time.Minute)) {
		t.Errorf("expected oldest surviving attempt at +5m, got %v", m.ProcessingAttempts[0].AttemptedAt)
	}
	if !m.TimeOfFailure.Equal(t1.Add(14 * time.Minute)) {
		t.Errorf("expected denormalized time of failure from latest attempt, got %v", m.TimeOfFailure)
	}
}

func TestRecordFailedAttempt_StoresBodyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_ = f.ledger.RecordFailedAttempt(ctx, failure(t1))
	second := failure(t1.Add(time.Minute))
	second.Body.Data = []byte(`{"id":2}`)
	_ = f.ledger.RecordFailedAttempt(ctx, second)

	if f.bodies.writes != 1 {
		t.Fatalf("expected exactly 1 stored body, got %d", f.bodies.writes)
	}
	body, err := f.ledger.Body(ctx, "M1")
	if err != nil {
		t.Fatalf("Body failed: %v", err)
	}
	if string(body.Data) != `{"id":1}` {
		t.Errorf("expected first body to be kept, got %s", body.Data)
	}

	m := f.mustGet(t, "M1")
	if m.LastAttempt().Metadata.BodyURL != domain.BodyURL("M1") {
		t.Errorf("unexpected body url %q", m.LastAttempt().Metadata.BodyURL)
	}
}

func TestRecordFailedAttempt_DerivesUniqueID(t *testing.T) {
	f := newFixture(t)
	fa := failure(t1)
	fa.UniqueMessageID = ""

	if err := f.ledger.RecordFailedAttempt(context.Background(), fa); err != nil {
		t.Fatalf("RecordFailedAttempt failed: %v", err)
	}
	f.mustGet(t, domain.UniqueMessageID("msg-1", "sales"))
}

func TestRecordFailedAttempt_InvalidInput(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		mutate func(*FailedAttempt)
	}{
		{"missing message id", func(fa *FailedAttempt) { fa.Attempt.MessageID = "" }},
		{"missing endpoint", func(fa *FailedAttempt) { fa.Attempt.FailureDetails.AddressOfFailingEndpoint = "" }},
		{"missing time", func(fa *FailedAttempt) {
			fa.Attempt.AttemptedAt = time.Time{}
			fa.Attempt.FailureDetails.TimeOfFailure = time.Time{}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa := failure(t1)
			tt.mutate(&fa)
			err := f.ledger.RecordFailedAttempt(context.Background(), fa)
			if !errors.Is(err, ErrInvalidAttempt) {
				t.Errorf("expected ErrInvalidAttempt, got %v", err)
			}
		})
	}
}

type brokenClassifier struct{}

func (brokenClassifier) Name() string { return "Broken" }
func (brokenClassifier) Classify(d classifier.Details) (string, error) {
	return "", errors.New("cannot classify")
}

func TestRecordFailedAttempt_ClassificationFailureDoesNotBlock(t *testing.T) {
	store := memory.NewMemoryStorage()
	l := New(Config{
		Messages:    memory.NewFailedMessageRepo(store),
		Groups:      memory.NewGroupRepo(store),
		Bodies:      memory.NewBodyStore(store),
		Staging:     memory.NewStagingRepo(store),
		Classifiers: classifier.NewSet(brokenClassifier{}),
		Publisher:   notify.NewRecorder(),
	})

	if err := l.RecordFailedAttempt(context.Background(), failure(t1)); err != nil {
		t.Fatalf("RecordFailedAttempt failed: %v", err)
	}
	m, err := l.Get(context.Background(), "M1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(m.FailureGroups) != 0 || m.PrimaryFailureGroupID != "" {
		t.Errorf("expected no groups, got %+v", m.FailureGroups)
	}
}

func TestRecordFailedAttempt_AssignsGroups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.ledger.RecordFailedAttempt(ctx, failure(t1))

	m := f.mustGet(t, "M1")
	if len(m.FailureGroups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(m.FailureGroups))
	}
	if m.PrimaryFailureGroupID != m.FailureGroups[0].ID {
		t.Error("primary group must be the first group")
	}

	summaries, err := f.ledger.Groups(ctx)
	if err != nil {
		t.Fatalf("Groups failed: %v", err)
	}
	if len(summaries) != 3 || summaries[0].Count != 1 {
		t.Errorf("unexpected summaries %+v", summaries)
	}
}

func TestRecordFailedAttempt_ConcurrentSameID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := f.ledger.RecordFailedAttempt(ctx, failure(t1.Add(time.Duration(i)*time.Second))); err != nil {
				t.Errorf("attempt %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if m := f.mustGet(t, "M1"); len(m.ProcessingAttempts) != 8 {
		t.Errorf("expected 8 attempts without lost updates, got %d", len(m.ProcessingAttempts))
	}
}

// conflictingRepo fails the first Save calls with a concurrency conflict, as a
// writer in another process would.
type conflictingRepo struct {
	storage.FailedMessageRepository
	mu        sync.Mutex
	conflicts int
}

func (r *conflictingRepo) Save(ctx context.Context, msg *domain.FailedMessage) error {
	r.mu.Lock()
	if r.conflicts > 0 {
		r.conflicts--
		r.mu.Unlock()
		return storage.ErrConcurrencyConflict
	}
	r.mu.Unlock()
	return r.FailedMessageRepository.Save(ctx, msg)
}

func TestRecordFailedAttempt_RetriesConcurrencyConflicts(t *testing.T) {
	store := memory.NewMemoryStorage()
	repo := &conflictingRepo{FailedMessageRepository: memory.NewFailedMessageRepo(store), conflicts: 2}
	l := New(Config{
		Messages:  repo,
		Groups:    memory.NewGroupRepo(store),
		Bodies:    memory.NewBodyStore(store),
		Staging:   memory.NewStagingRepo(store),
		Publisher: notify.NewRecorder(),
	})

	if err := l.RecordFailedAttempt(context.Background(), failure(t1)); err != nil {
		t.Fatalf("expected conflicts to be retried, got %v", err)
	}
	if _, err := l.Get(context.Background(), "M1"); err != nil {
		t.Fatalf("expected record to be stored: %v", err)
	}
}

type failingRepo struct {
	storage.FailedMessageRepository
}

func (failingRepo) Save(ctx context.Context, msg *domain.FailedMessage) error {
	return errors.New("connection refused")
}

func TestRecordFailedAttempt_SurfacesStorageErrors(t *testing.T) {
	store := memory.NewMemoryStorage()
	l := New(Config{
		Messages:  failingRepo{memory.NewFailedMessageRepo(store)},
		Groups:    memory.NewGroupRepo(store),
		Bodies:    memory.NewBodyStore(store),
		Staging:   memory.NewStagingRepo(store),
		Publisher: notify.NewRecorder(),
	})

	if err := l.RecordFailedAttempt(context.Background(), failure(t1)); err == nil {
		t.Fatal("expected storage error to be returned")
	}
}

func TestRecordFailedAttempt_FailureWhileRetryIssued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.ledger.RecordFailedAttempt(ctx, failure(t1))
	_, _ = f.ledger.MarkRetryIssued(ctx, domain.RetryStagingRecord{UniqueMessageID: "M1", Destination: "sales"})

	if err := f.ledger.RecordFailedAttempt(ctx, failure(t1.Add(time.Minute))); err != nil {
		t.Fatalf("RecordFailedAttempt failed: %v", err)
	}
	if m := f.mustGet(t, "M1"); m.Status != domain.StatusUnresolved {
		t.Errorf("expected unresolved after redelivered copy failed, got %s", m.Status)
	}
	if f.hasStaging("M1") {
		t.Error("expected staging record to be removed")
	}
}

// =============================================================================
// Status operations
// =============================================================================

func TestRecordSuccessfulRetry_UnknownIsNoop(t *testing.T) {
	f := newFixture(t)
	if err := f.ledger.RecordSuccessfulRetry(context.Background(), "missing"); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if len(f.events.Events()) != 0 {
		t.Error("expected no events")
	}
}

func TestMarkRetryIssued_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.MarkRetryIssued(ctx, domain.RetryStagingRecord{UniqueMessageID: "missing"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	_ = f.ledger.RecordFailedAttempt(ctx, failure(t1))
	_, _ = f.ledger.MarkRetryIssued(ctx, domain.RetryStagingRecord{UniqueMessageID: "M1", Destination: "sales", BatchID: "b1"})

	_, err = f.ledger.MarkRetryIssued(ctx, domain.RetryStagingRecord{UniqueMessageID: "M1", Destination: "other", BatchID: "b2"})
	if !errors.Is(err, status.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for double retry, got %v", err)
	}
	rec, err := f.staging.Get(ctx, "M1")
	if err != nil || rec.BatchID != "b1" {
		t.Errorf("expected original staging record to survive, got %+v (%v)", rec, err)
	}
}

type failingStaging struct {
	*memory.StagingRepo
}

func (failingStaging) Save(ctx context.Context, rec domain.RetryStagingRecord) error {
	return errors.New("staging unavailable")
}

func TestMarkRetryIssued_RevertsWhenStagingFails(t *testing.T) {
	store := memory.NewMemoryStorage()
	l := New(Config{
		Messages:  memory.NewFailedMessageRepo(store),
		Groups:    memory.NewGroupRepo(store),
		Bodies:    memory.NewBodyStore(store),
		Staging:   failingStaging{memory.NewStagingRepo(store)},
		Publisher: notify.NewRecorder(),
	})
	ctx := context.Background()
	_ = l.RecordFailedAttempt(ctx, failure(t1))

	if _, err := l.MarkRetryIssued(ctx, domain.RetryStagingRecord{UniqueMessageID: "M1"}); err == nil {
		t.Fatal("expected staging error")
	}
	m, _ := l.Get(ctx, "M1")
	if m.Status != domain.StatusUnresolved {
		t.Errorf("expected status to be reverted, got %s", m.Status)
	}
}

func TestRevertRetry_NotInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.ledger.RecordFailedAttempt(ctx, failure(t1))
	_ = f.ledger.RecordSuccessfulRetry(ctx, "M1")

	reverted, err := f.ledger.RevertRetry(ctx, "M1")
	if err != nil {
		t.Fatalf("RevertRetry failed: %v", err)
	}
	if reverted {
		t.Error("expected no revert for a resolved message")
	}
	if m := f.mustGet(t, "M1"); m.Status != domain.StatusResolved {
		t.Errorf("expected resolved to be kept, got %s", m.Status)
	}
}

func TestArchiveAndUnarchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.ledger.RecordFailedAttempt(ctx, failure(t1))

	if err := f.ledger.Archive(ctx, "M1"); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if err := f.ledger.Archive(ctx, "M1"); err != nil {
		t.Fatalf("second Archive failed: %v", err)
	}
	if got := len(f.events.OfType(domain.EventTypeMessageArchived)); got != 1 {
		t.Errorf("expected 1 archived event, got %d", got)
	}

	if err := f.ledger.Unarchive(ctx, "M1"); err != nil {
		t.Fatalf("Unarchive failed: %v", err)
	}
	if m := f.mustGet(t, "M1"); m.Status != domain.StatusUnresolved {
		t.Errorf("expected unresolved, got %s", m.Status)
	}
	if err := f.ledger.Unarchive(ctx, "M1"); !errors.Is(err, status.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestArchive_ResolvedRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.ledger.RecordFailedAttempt(ctx, failure(t1))
	_ = f.ledger.RecordSuccessfulRetry(ctx, "M1")

	if err := f.ledger.Archive(ctx, "M1"); !errors.Is(err, status.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestArchivedThenFailsAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.ledger.RecordFailedAttempt(ctx, failure(t1))
	_ = f.ledger.Archive(ctx, "M1")
	_ = f.ledger.RecordFailedAttempt(ctx, failure(t1.Add(time.Minute)))

	if m := f.mustGet(t, "M1"); m.Status != domain.StatusRepeatedFailure {
		t.Errorf("expected repeated failure, got %s", m.Status)
	}
}

func TestArchiveGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		fa := failure(t1)
		fa.UniqueMessageID = fmt.Sprintf("M%d", i)
		_ = f.ledger.RecordFailedAttempt(ctx, fa)
	}
	other := failure(t1)
	other.UniqueMessageID = "other"
	other.Attempt.FailureDetails.AddressOfFailingEndpoint = "billing"
	other.Attempt.FailureDetails.ExceptionType = "System.ArgumentException"
	other.Attempt.Metadata.MessageType = "Billing.Charge"
	_ = f.ledger.RecordFailedAttempt(ctx, other)

	groupID := classifier.GroupID("Endpoint Address", "sales")
	n, err := f.ledger.ArchiveGroup(ctx, groupID)
	if err != nil {
		t.Fatalf("ArchiveGroup failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 archived, got %d", n)
	}
	if m := f.mustGet(t, "other"); m.Status != domain.StatusUnresolved {
		t.Errorf("message outside group changed to %s", m.Status)
	}

	n, err = f.ledger.UnarchiveGroup(ctx, groupID)
	if err != nil || n != 3 {
		t.Errorf("UnarchiveGroup = %d, %v", n, err)
	}
}

func TestQueryAndCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		fa := failure(t1.Add(time.Duration(i) * time.Minute))
		fa.UniqueMessageID = fmt.Sprintf("M%d", i)
		_ = f.ledger.RecordFailedAttempt(ctx, fa)
	}
	_ = f.ledger.Archive(ctx, "M0")

	open, err := f.ledger.Query(ctx, storage.FailedMessageQuery{Statuses: storage.OpenStatuses, Limit: 2})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(open) != 2 || open[0].ID != "M3" {
		t.Errorf("expected newest open messages first, got %d starting %v", len(open), open)
	}

	counts, _ := f.ledger.Counts(ctx)
	if counts[domain.StatusUnresolved] != 3 || counts[domain.StatusArchivedFailure] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}
