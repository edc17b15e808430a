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

// GroupRepo implements storage.FailureGroupRepository using PostgreSQL.
type GroupRepo struct {
	db *DB
}

// NewGroupRepo creates a new PostgreSQL failure group repository.
func NewGroupRepo(db *DB) *GroupRepo {
	return &GroupRepo{db: db}
}

type groupRow struct {
	ID        string    `db:"id"`
	Title     string    `db:"title"`
	Type      string    `db:"type"`
	CreatedAt time.Time `db:"created_at"`
}

func (g groupRow) toDomain() domain.FailureGroup {
	return domain.FailureGroup{ID: g.ID, Title: g.Title, Type: g.Type, CreatedAt: g.CreatedAt}
}

// Upsert stores groups. Existing groups keep their creation time.
func (r *GroupRepo) Upsert(ctx context.Context, groups []domain.FailureGroup) error {
	if len(groups) == 0 {
		return nil
	}
	rows := make([]groupRow, len(groups))
	for i, g := range groups {
		rows[i] = groupRow{ID: g.ID, Title: g.Title, Type: g.Type, CreatedAt: g.CreatedAt}
	}

	query := `
		INSERT INTO failure_groups (id, title, type, created_at)
		VALUES (:id, :title, :type, :created_at)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, type = EXCLUDED.type
	`
	if _, err := r.db.NamedExecContext(ctx, query, rows); err != nil {
		return fmt.Errorf("failed to upsert failure groups: %w", err)
	}
	return nil
}

// Get retrieves a group by id.
func (r *GroupRepo) Get(ctx context.Context, id string) (*domain.FailureGroup, error) {
	var row groupRow
	err := r.db.GetContext(ctx, &row, `SELECT id, title, type, created_at FROM failure_groups WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failure group: %w", err)
	}
	g := row.toDomain()
	return &g, nil
}

// Summaries returns groups that still have open or in-flight members.
func (r *GroupRepo) Summaries(ctx context.Context) ([]domain.GroupSummary, error) {
	query := `
		SELECT g.id, g.title, g.type, g.created_at,
			COUNT(*) FILTER (WHERE m.status IN ('unresolved', 'repeated_failure')) AS count,
			COUNT(*) FILTER (WHERE m.status = 'retry_issued') AS retry_issued,
			MIN(m.time_of_failure) FILTER (WHERE m.status IN ('unresolved', 'repeated_failure')) AS first,
			MAX(m.time_of_failure) FILTER (WHERE m.status IN ('unresolved', 'repeated_failure')) AS last
		FROM failure_groups g
		JOIN failed_messages m ON g.id = ANY(m.failure_groups)
		WHERE m.status IN ('unresolved', 'repeated_failure', 'retry_issued')
		GROUP BY g.id, g.title, g.type, g.created_at
		ORDER BY count DESC, g.id ASC
	`
	var rows []struct {
		groupRow
		Count       int          `db:"count"`
		RetryIssued int          `db:"retry_issued"`
		First       sql.NullTime `db:"first"`
		Last        sql.NullTime `db:"last"`
	}
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to summarize failure groups: %w", err)
	}

	result := make([]domain.GroupSummary, 0, len(rows))
	for _, row := range rows {
		s := domain.GroupSummary{
			FailureGroup: row.toDomain(),
			Count:        row.Count,
			RetryIssued:  row.RetryIssued,
		}
		if row.First.Valid {
			s.First = row.First.Time.UTC()
		}
		if row.Last.Valid {
			s.Last = row.Last.Time.UTC()
		}
		result = append(result, s)
	}
	return result, nil
}
