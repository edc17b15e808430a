package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/infra/storage"
)

// StagingRepo implements storage.StagingRepository using PostgreSQL.
type StagingRepo struct {
	db *DB
}

// NewStagingRepo creates a new PostgreSQL staging repository.
func NewStagingRepo(db *DB) *StagingRepo {
	return &StagingRepo{db: db}
}

type stagingRow struct {
	UniqueMessageID string    `db:"unique_message_id"`
	Destination     string    `db:"destination"`
	BatchID         string    `db:"batch_id"`
	CreatedAt       time.Time `db:"created_at"`
}

func (s stagingRow) toDomain() domain.RetryStagingRecord {
	return domain.RetryStagingRecord{
		UniqueMessageID: s.UniqueMessageID,
		Destination:     s.Destination,
		BatchID:         s.BatchID,
		CreatedAt:       s.CreatedAt.UTC(),
	}
}

// Save creates or replaces a staging record.
func (r *StagingRepo) Save(ctx context.Context, rec domain.RetryStagingRecord) error {
	query := `
		INSERT INTO retry_staging (unique_message_id, destination, batch_id, created_at)
		VALUES (:unique_message_id, :destination, :batch_id, :created_at)
		ON CONFLICT (unique_message_id) DO UPDATE SET
			destination = EXCLUDED.destination,
			batch_id = EXCLUDED.batch_id,
			created_at = EXCLUDED.created_at
	`
	row := stagingRow{
		UniqueMessageID: rec.UniqueMessageID,
		Destination:     rec.Destination,
		BatchID:         rec.BatchID,
		CreatedAt:       rec.CreatedAt,
	}
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to save staging record: %w", err)
	}
	return nil
}

// Get retrieves a staging record.
func (r *StagingRepo) Get(ctx context.Context, id string) (*domain.RetryStagingRecord, error) {
	var row stagingRow
	query := `
		SELECT unique_message_id, destination, batch_id, created_at
		FROM retry_staging
		WHERE unique_message_id = $1
	`
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get staging record: %w", err)
	}
	rec := row.toDomain()
	return &rec, nil
}

// Delete removes a staging record.
func (r *StagingRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM retry_staging WHERE unique_message_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete staging record: %w", err)
	}
	return nil
}

// ListOlderThan returns records created before the cutoff, oldest first.
func (r *StagingRepo) ListOlderThan(ctx context.Context, cutoff time.Time) ([]domain.RetryStagingRecord, error) {
	var rows []stagingRow
	query := `
		SELECT unique_message_id, destination, batch_id, created_at
		FROM retry_staging
		WHERE created_at < $1
		ORDER BY created_at ASC
	`
	if err := r.db.SelectContext(ctx, &rows, query, cutoff); err != nil {
		return nil, fmt.Errorf("failed to list staging records: %w", err)
	}

	result := make([]domain.RetryStagingRecord, len(rows))
	for i, row := range rows {
		result[i] = row.toDomain()
	}
	return result, nil
}
