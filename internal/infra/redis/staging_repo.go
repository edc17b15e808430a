package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/infra/storage"
)

// StagingRepo implements storage.StagingRepository. Records are JSON strings
// indexed by creation time in a sorted set.
type StagingRepo struct {
	client *Client
}

// NewStagingRepo creates a Redis-backed staging repository.
func NewStagingRepo(client *Client) *StagingRepo {
	return &StagingRepo{client: client}
}

// Save creates or replaces a staging record.
func (r *StagingRepo) Save(ctx context.Context, rec domain.RetryStagingRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal staging record: %w", err)
	}

	_, err = r.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.client.stagingKey(rec.UniqueMessageID), data, 0)
		pipe.ZAdd(ctx, r.client.stagingIndexKey(), redis.Z{
			Score:  float64(rec.CreatedAt.UnixMilli()),
			Member: rec.UniqueMessageID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save staging record: %w", err)
	}
	return nil
}

// Get retrieves a staging record.
func (r *StagingRepo) Get(ctx context.Context, id string) (*domain.RetryStagingRecord, error) {
	data, err := r.client.rdb.Get(ctx, r.client.stagingKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get staging record: %w", err)
	}

	var rec domain.RetryStagingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal staging record: %w", err)
	}
	return &rec, nil
}

// Delete removes a staging record.
func (r *StagingRepo) Delete(ctx context.Context, id string) error {
	_, err := r.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.client.stagingKey(id))
		pipe.ZRem(ctx, r.client.stagingIndexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete staging record: %w", err)
	}
	return nil
}

// ListOlderThan returns records created before the cutoff, oldest first.
// Index entries whose record vanished are removed on the way.
func (r *StagingRepo) ListOlderThan(ctx context.Context, cutoff time.Time) ([]domain.RetryStagingRecord, error) {
	ids, err := r.client.rdb.ZRangeByScore(ctx, r.client.stagingIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore failed: %w", err)
	}

	result := make([]domain.RetryStagingRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			_ = r.client.rdb.ZRem(ctx, r.client.stagingIndexKey(), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}
	return result, nil
}
