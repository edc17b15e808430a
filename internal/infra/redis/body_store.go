package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/infra/storage"
)

const (
	fieldContentType = "content_type"
	fieldData        = "data"
)

// BodyStore implements storage.BodyStore with one hash per body.
type BodyStore struct {
	client *Client
	ttl    time.Duration
}

// NewBodyStore creates a Redis-backed body store. ttl 0 keeps bodies forever.
func NewBodyStore(client *Client, ttl time.Duration) *BodyStore {
	return &BodyStore{client: client, ttl: ttl}
}

// storeScript writes the hash only when the key is absent.
var storeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "content_type", ARGV[1], "data", ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`)

// Store saves a body unless one exists for the id.
func (b *BodyStore) Store(ctx context.Context, body domain.MessageBody) (bool, error) {
	key := b.client.bodyKey(body.ID)
	wrote, err := storeScript.Run(ctx, b.client.rdb, []string{key},
		body.ContentType, body.Data, b.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to store body: %w", err)
	}
	return wrote == 1, nil
}

// Get retrieves a body.
func (b *BodyStore) Get(ctx context.Context, id string) (*domain.MessageBody, error) {
	vals, err := b.client.rdb.HMGet(ctx, b.client.bodyKey(id), fieldContentType, fieldData).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get body: %w", err)
	}
	data, ok := vals[1].(string)
	if !ok {
		return nil, storage.ErrNotFound
	}
	contentType, _ := vals[0].(string)
	return &domain.MessageBody{ID: id, ContentType: contentType, Data: []byte(data)}, nil
}
