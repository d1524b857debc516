package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"syncbridge/internal/identity/models"
	"syncbridge/pkg/platform/sentinel"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLiteStore persists mappings in a local SQLite file, one per platform
// process.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the mapping database at path. Use ":memory:"
// for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) FindByLocal(ctx context.Context, localID string) (*models.Mapping, error) {
	return s.find(ctx, `SELECT local_id, global_id, table_name, created_at FROM id_mappings WHERE local_id = ?`, localID)
}

func (s *SQLiteStore) FindByGlobal(ctx context.Context, globalID string) (*models.Mapping, error) {
	return s.find(ctx, `SELECT local_id, global_id, table_name, created_at FROM id_mappings WHERE global_id = ?`, globalID)
}

func (s *SQLiteStore) find(ctx context.Context, query, arg string) (*models.Mapping, error) {
	var m models.Mapping
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&m.LocalID, &m.GlobalID, &m.TableName, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find identity mapping: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, mapping *models.Mapping) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO id_mappings (local_id, global_id, table_name, created_at) VALUES (?, ?, ?, ?)`,
		mapping.LocalID, mapping.GlobalID, mapping.TableName, mapping.CreatedAt.UTC(),
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert identity mapping: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Repoint(ctx context.Context, localID, fromGlobal, toGlobal string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE id_mappings SET global_id = ? WHERE local_id = ? AND global_id = ?`,
		toGlobal, localID, fromGlobal,
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("repoint identity mapping: %w", err)
	}
	return expectOneRow(res, "repoint identity mapping")
}

func (s *SQLiteStore) Delete(ctx context.Context, localID, globalID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM id_mappings WHERE local_id = ? AND global_id = ?`, localID, globalID)
	if err != nil {
		return fmt.Errorf("delete identity mapping: %w", err)
	}
	return expectOneRow(res, "delete identity mapping")
}
