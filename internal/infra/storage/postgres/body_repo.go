package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/infra/storage"
)

// BodyStore implements storage.BodyStore using PostgreSQL.
type BodyStore struct {
	db *DB
}

// NewBodyStore creates a new PostgreSQL body store.
func NewBodyStore(db *DB) *BodyStore {
	return &BodyStore{db: db}
}

// Store saves a body unless one exists for the id.
func (b *BodyStore) Store(ctx context.Context, body domain.MessageBody) (bool, error) {
	query := `
		INSERT INTO message_bodies (id, content_type, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := b.db.ExecContext(ctx, query, body.ID, body.ContentType, body.Data)
	if err != nil {
		return false, fmt.Errorf("failed to store body: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to store body: %w", err)
	}
	return n > 0, nil
}

// Get retrieves a body.
func (b *BodyStore) Get(ctx context.Context, id string) (*domain.MessageBody, error) {
	var row struct {
		ID          string `db:"id"`
		ContentType string `db:"content_type"`
		Data        []byte `db:"data"`
	}
	err := b.db.GetContext(ctx, &row, `SELECT id, content_type, data FROM message_bodies WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get body: %w", err)
	}
	return &domain.MessageBody{ID: row.ID, ContentType: row.ContentType, Data: row.Data}, nil
}
