package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"syncbridge/internal/identity/models"
	"syncbridge/internal/platform/postgres"
	"syncbridge/pkg/platform/sentinel"
	"syncbridge/pkg/platform/tx"
)

// PostgresStore persists mappings in the id_mappings table. Calls join the
// transaction carried in ctx when present.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed identity store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) FindByLocal(ctx context.Context, localID string) (*models.Mapping, error) {
	return s.find(ctx, `SELECT local_id, global_id, table_name, created_at FROM id_mappings WHERE local_id = $1`, localID)
}

func (s *PostgresStore) FindByGlobal(ctx context.Context, globalID string) (*models.Mapping, error) {
	return s.find(ctx, `SELECT local_id, global_id, table_name, created_at FROM id_mappings WHERE global_id = $1`, globalID)
}

func (s *PostgresStore) find(ctx context.Context, query, arg string) (*models.Mapping, error) {
	var m models.Mapping
	err := tx.Execer(ctx, s.db).QueryRowContext(ctx, query, arg).
		Scan(&m.LocalID, &m.GlobalID, &m.TableName, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find identity mapping: %w", err)
	}
	return &m, nil
}

// Insert adds a mapping. ON CONFLICT DO NOTHING keeps an enclosing
// transaction usable when the pair is already taken.
func (s *PostgresStore) Insert(ctx context.Context, mapping *models.Mapping) error {
	res, err := tx.Execer(ctx, s.db).ExecContext(ctx, `
		INSERT INTO id_mappings (local_id, global_id, table_name, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, mapping.LocalID, mapping.GlobalID, mapping.TableName, mapping.CreatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert identity mapping: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert identity mapping: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

// Repoint rewrites the global side of an existing pair.
func (s *PostgresStore) Repoint(ctx context.Context, localID, fromGlobal, toGlobal string) error {
	res, err := tx.Execer(ctx, s.db).ExecContext(ctx, `
		UPDATE id_mappings SET global_id = $3
		WHERE local_id = $1 AND global_id = $2
	`, localID, fromGlobal, toGlobal)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("repoint identity mapping: %w", err)
	}
	return expectOneRow(res, "repoint identity mapping")
}

func (s *PostgresStore) Delete(ctx context.Context, localID, globalID string) error {
	res, err := tx.Execer(ctx, s.db).ExecContext(ctx,
		`DELETE FROM id_mappings WHERE local_id = $1 AND global_id = $2`, localID, globalID)
	if err != nil {
		return fmt.Errorf("delete identity mapping: %w", err)
	}
	return expectOneRow(res, "delete identity mapping")
}

func expectOneRow(res sql.Result, op string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// Count returns the number of stored mappings.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := tx.Execer(ctx, s.db).QueryRowContext(ctx, `SELECT count(*) FROM id_mappings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count identity mappings: %w", err)
	}
	return n, nil
}
