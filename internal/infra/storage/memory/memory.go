package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/infra/storage"
)

type MemoryStorage struct {
	messages map[string]*domain.FailedMessage
	groups   map[string]domain.FailureGroup
	bodies   map[string]domain.MessageBody
	staging  map[string]domain.RetryStagingRecord
	mu       sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages: make(map[string]*domain.FailedMessage),
		groups:   make(map[string]domain.FailureGroup),
		bodies:   make(map[string]domain.MessageBody),
		staging:  make(map[string]domain.RetryStagingRecord),
	}
}

// Health always succeeds.
func (s *MemoryStorage) Health(ctx context.Context) error {
	return nil
}

// -----------------------------------------------------------------------------
// Failed Message Repository
// -----------------------------------------------------------------------------

type FailedMessageRepo struct {
	store *MemoryStorage
}

func NewFailedMessageRepo(store *MemoryStorage) *FailedMessageRepo {
	return &FailedMessageRepo{store: store}
}

func (r *FailedMessageRepo) Get(ctx context.Context, id string) (*domain.FailedMessage, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	m, ok := r.store.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m.Clone(), nil
}

func (r *FailedMessageRepo) Save(ctx context.Context, msg *domain.FailedMessage) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	existing, ok := r.store.messages[msg.ID]
	switch {
	case !ok && msg.Version != 0:
		return storage.ErrConcurrencyConflict
	case ok && existing.Version != msg.Version:
		return storage.ErrConcurrencyConflict
	}

	msg.Version++
	msg.LastModified = time.Now().UTC()
	r.store.messages[msg.ID] = msg.Clone()
	return nil
}

func (r *FailedMessageRepo) Query(
	ctx context.Context,
	q storage.FailedMessageQuery,
) ([]*domain.FailedMessage, error) {
	r.store.mu.RLock()
	var result []*domain.FailedMessage
	for _, m := range r.store.messages {
		if q.Matches(m) {
			result = append(result, m.Clone())
		}
	}
	r.store.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].TimeOfFailure.Equal(result[j].TimeOfFailure) {
			return result[i].ID < result[j].ID
		}
		return result[i].TimeOfFailure.After(result[j].TimeOfFailure)
	})

	if q.Offset > 0 {
		if q.Offset >= len(result) {
			return nil, nil
		}
		result = result[q.Offset:]
	}
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (r *FailedMessageRepo) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	counts := make(map[domain.Status]int)
	for _, m := range r.store.messages {
		counts[m.Status]++
	}
	return counts, nil
}

// -----------------------------------------------------------------------------
// Failure Group Repository
// -----------------------------------------------------------------------------

type GroupRepo struct {
	store *MemoryStorage
}

func NewGroupRepo(store *MemoryStorage) *GroupRepo {
	return &GroupRepo{store: store}
}

func (r *GroupRepo) Upsert(ctx context.Context, groups []domain.FailureGroup) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, g := range groups {
		if existing, ok := r.store.groups[g.ID]; ok {
			g.CreatedAt = existing.CreatedAt
		}
		r.store.groups[g.ID] = g
	}
	return nil
}

func (r *GroupRepo) Get(ctx context.Context, id string) (*domain.FailureGroup, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	g, ok := r.store.groups[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &g, nil
}

func (r *GroupRepo) Summaries(ctx context.Context) ([]domain.GroupSummary, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	summaries := make(map[string]*domain.GroupSummary)
	for _, m := range r.store.messages {
		for _, ref := range m.FailureGroups {
			g, ok := r.store.groups[ref.ID]
			if !ok {
				continue
			}
			s, ok := summaries[ref.ID]
			if !ok {
				s = &domain.GroupSummary{FailureGroup: g}
				summaries[ref.ID] = s
			}
			switch m.Status {
			case domain.StatusUnresolved, domain.StatusRepeatedFailure:
				s.Count++
				if s.First.IsZero() || m.TimeOfFailure.Before(s.First) {
					s.First = m.TimeOfFailure
				}
				if m.TimeOfFailure.After(s.Last) {
					s.Last = m.TimeOfFailure
				}
			case domain.StatusRetryIssued:
				s.RetryIssued++
			}
		}
	}

	result := make([]domain.GroupSummary, 0, len(summaries))
	for _, s := range summaries {
		if s.Count == 0 && s.RetryIssued == 0 {
			continue
		}
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count == result[j].Count {
			return result[i].ID < result[j].ID
		}
		return result[i].Count > result[j].Count
	})
	return result, nil
}

// -----------------------------------------------------------------------------
// Body Store
// -----------------------------------------------------------------------------

type BodyStore struct {
	store *MemoryStorage
}

func NewBodyStore(store *MemoryStorage) *BodyStore {
	return &BodyStore{store: store}
}

func (b *BodyStore) Store(ctx context.Context, body domain.MessageBody) (bool, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if _, ok := b.store.bodies[body.ID]; ok {
		return false, nil
	}
	body.Data = append([]byte(nil), body.Data...)
	b.store.bodies[body.ID] = body
	return true, nil
}

func (b *BodyStore) Get(ctx context.Context, id string) (*domain.MessageBody, error) {
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()
	body, ok := b.store.bodies[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	body.Data = append([]byte(nil), body.Data...)
	return &body, nil
}

// -----------------------------------------------------------------------------
// Staging Repository
// -----------------------------------------------------------------------------

type StagingRepo struct {
	store *MemoryStorage
}

func NewStagingRepo(store *MemoryStorage) *StagingRepo {
	return &StagingRepo{store: store}
}

func (r *StagingRepo) Save(ctx context.Context, rec domain.RetryStagingRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.staging[rec.UniqueMessageID] = rec
	return nil
}

func (r *StagingRepo) Get(ctx context.Context, id string) (*domain.RetryStagingRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.staging[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

func (r *StagingRepo) Delete(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.staging, id)
	return nil
}

func (r *StagingRepo) ListOlderThan(
	ctx context.Context,
	cutoff time.Time,
) ([]domain.RetryStagingRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var result []domain.RetryStagingRecord
	for _, rec := range r.store.staging {
		if rec.CreatedAt.Before(cutoff) {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}
