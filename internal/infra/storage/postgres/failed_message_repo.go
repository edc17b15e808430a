package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/infra/storage"
)

// FailedMessageRepo implements storage.FailedMessageRepository using PostgreSQL.
// The full record is kept as a JSONB document; the columns beside it exist for
// filtering and optimistic concurrency.
type FailedMessageRepo struct {
	db *DB
}

// NewFailedMessageRepo creates a new PostgreSQL failed message repository.
func NewFailedMessageRepo(db *DB) *FailedMessageRepo {
	return &FailedMessageRepo{db: db}
}

type failedMessageRow struct {
	Document []byte `db:"document"`
	Version  int64  `db:"version"`
}

func (row failedMessageRow) decode() (*domain.FailedMessage, error) {
	var msg domain.FailedMessage
	if err := json.Unmarshal(row.Document, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode failed message: %w", err)
	}
	msg.Version = row.Version
	return &msg, nil
}

// Get retrieves a failed message by unique message id.
func (r *FailedMessageRepo) Get(ctx context.Context, id string) (*domain.FailedMessage, error) {
	var row failedMessageRow
	err := r.db.GetContext(ctx, &row, `SELECT document, version FROM failed_messages WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed message: %w", err)
	}
	return row.decode()
}

// Save inserts or version-checked updates a failed message.
func (r *FailedMessageRepo) Save(ctx context.Context, msg *domain.FailedMessage) error {
	next := *msg
	next.Version = msg.Version + 1
	next.LastModified = time.Now().UTC()

	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to encode failed message: %w", err)
	}
	groups := make([]string, 0, len(next.FailureGroups))
	for _, g := range next.FailureGroups {
		groups = append(groups, g.ID)
	}
	args := []any{
		next.ID,
		string(next.Status),
		next.MessageID,
		next.MessageType,
		next.ReceivingEndpoint.Name,
		next.QueueAddress,
		next.ExceptionType,
		next.TimeOfFailure,
		pq.Array(groups),
		next.PrimaryFailureGroupID,
		string(doc),
		next.Version,
		next.LastModified,
	}

	var query string
	if msg.Version == 0 {
		query = `
			INSERT INTO failed_messages (
				id, status, message_id, message_type, receiving_endpoint, queue_address,
				exception_type, time_of_failure, failure_groups, primary_failure_group_id,
				document, version, last_modified
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO NOTHING
		`
	} else {
		query = `
			UPDATE failed_messages SET
				status = $2, message_id = $3, message_type = $4, receiving_endpoint = $5,
				queue_address = $6, exception_type = $7, time_of_failure = $8,
				failure_groups = $9, primary_failure_group_id = $10, document = $11,
				version = $12, last_modified = $13
			WHERE id = $1 AND version = $14
		`
		args = append(args, msg.Version)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to save failed message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save failed message: %w", err)
	}
	if n == 0 {
		return storage.ErrConcurrencyConflict
	}

	msg.Version = next.Version
	msg.LastModified = next.LastModified
	return nil
}

// Query lists failed messages matching the filters, newest failure first.
func (r *FailedMessageRepo) Query(
	ctx context.Context,
	q storage.FailedMessageQuery,
) ([]*domain.FailedMessage, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(pq.Array(statuses))+")")
	}
	if q.GroupID != "" {
		where = append(where, arg(q.GroupID)+" = ANY(failure_groups)")
	}
	if q.Endpoint != "" {
		p := arg(q.Endpoint)
		where = append(where, "(receiving_endpoint = "+p+" OR queue_address = "+p+")")
	}
	if !q.From.IsZero() {
		where = append(where, "time_of_failure >= "+arg(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "time_of_failure < "+arg(q.To))
	}

	var b strings.Builder
	b.WriteString("SELECT document, version FROM failed_messages")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY time_of_failure DESC, id ASC")
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + arg(q.Limit))
	}
	if q.Offset > 0 {
		b.WriteString(" OFFSET " + arg(q.Offset))
	}

	var rows []failedMessageRow
	if err := r.db.SelectContext(ctx, &rows, b.String(), args...); err != nil {
		return nil, fmt.Errorf("failed to query failed messages: %w", err)
	}

	result := make([]*domain.FailedMessage, 0, len(rows))
	for _, row := range rows {
		msg, err := row.decode()
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, nil
}

// CountByStatus returns the number of failed messages per status.
func (r *FailedMessageRepo) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	query := `SELECT status, COUNT(*) AS count FROM failed_messages GROUP BY status`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count failed messages: %w", err)
	}

	counts := make(map[domain.Status]int, len(rows))
	for _, row := range rows {
		counts[domain.Status(row.Status)] = row.Count
	}
	return counts, nil
}
