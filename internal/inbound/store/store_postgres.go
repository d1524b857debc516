package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"syncbridge/internal/inbound/models"
	"syncbridge/internal/platform/postgres"
	"syncbridge/pkg/platform/sentinel"
	"syncbridge/pkg/platform/tx"
)

// PostgresStore persists processing records in webhook_processing. The
// primary key on webhook_id is the only cross-instance dedup primitive.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `webhook_id, global_id, schema_id, table_name, status,
	COALESCE(local_id, ''), COALESCE(error_message, ''), retriable, attempts, created_at, updated_at`

func (s *PostgresStore) Find(ctx context.Context, webhookID string) (*models.Record, error) {
	var rec models.Record
	var status string
	err := tx.Execer(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM webhook_processing WHERE webhook_id = $1`, webhookID).
		Scan(&rec.WebhookID, &rec.GlobalID, &rec.SchemaID, &rec.TableName, &status,
			&rec.LocalID, &rec.ErrorMessage, &rec.Retriable, &rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find processing record: %w", err)
	}
	rec.Status = models.Status(status)
	return &rec, nil
}

func (s *PostgresStore) Create(ctx context.Context, rec *models.Record) error {
	res, err := tx.Execer(ctx, s.db).ExecContext(ctx, `
		INSERT INTO webhook_processing
			(webhook_id, global_id, schema_id, table_name, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (webhook_id) DO NOTHING
	`, rec.WebhookID, rec.GlobalID, rec.SchemaID, rec.TableName, string(rec.Status), rec.Attempts, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("create processing record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create processing record: %w", err)
	}
	if n == 0 {
		return sentinel.ErrAlreadyUsed
	}
	return nil
}

// Reclaim is a compare-and-set: only one concurrent redelivery wins.
func (s *PostgresStore) Reclaim(ctx context.Context, webhookID string, now time.Time) error {
	res, err := tx.Execer(ctx, s.db).ExecContext(ctx, `
		UPDATE webhook_processing
		SET status = 'processing', error_message = NULL, attempts = attempts + 1, updated_at = $2
		WHERE webhook_id = $1 AND status = 'failed' AND retriable
	`, webhookID, now)
	if err != nil {
		return fmt.Errorf("reclaim processing record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reclaim processing record: %w", err)
	}
	if n == 0 {
		if _, err := s.Find(ctx, webhookID); err != nil {
			return err
		}
		return sentinel.ErrInvalidState
	}
	return nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, webhookID, localID string, now time.Time) error {
	return s.update(ctx, `
		UPDATE webhook_processing
		SET status = 'completed', local_id = NULLIF($2, ''), error_message = NULL, retriable = FALSE, updated_at = $3
		WHERE webhook_id = $1
	`, webhookID, localID, now)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, webhookID, message string, retriable bool, now time.Time) error {
	return s.update(ctx, `
		UPDATE webhook_processing
		SET status = 'failed', error_message = $2, retriable = $3, updated_at = $4
		WHERE webhook_id = $1
	`, webhookID, message, retriable, now)
}

func (s *PostgresStore) update(ctx context.Context, query string, args ...any) error {
	res, err := tx.Execer(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update processing record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update processing record: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	rows, err := tx.Execer(ctx, s.db).QueryContext(ctx,
		`SELECT status, count(*) FROM webhook_processing GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("processing stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, fmt.Errorf("processing stats: %w", err)
		}
		st.Add(models.Status(status), n)
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("processing stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := tx.Execer(ctx, s.db).ExecContext(ctx,
		`DELETE FROM webhook_processing WHERE updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge processing records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge processing records: %w", err)
	}
	return int(n), nil
}
