package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"syncbridge/internal/envelope"
	dErrors "syncbridge/pkg/domain-errors"
	"syncbridge/pkg/platform/sentinel"
	"syncbridge/pkg/platform/tx"
)

// IDColumn is the primary key column every synced table carries.
const IDColumn = "id"

type column struct {
	name     string
	dataType string
}

func (c column) isJSON() bool {
	return c.dataType == "json" || c.dataType == "jsonb"
}

func (c column) isArray() bool {
	return c.dataType == "ARRAY"
}

// PostgresRepository reads and writes arbitrary mapped tables. Column sets are
// read from information_schema once per table.
type PostgresRepository struct {
	db *sql.DB

	mu      sync.RWMutex
	columns map[string]map[string]column
}

// NewPostgres constructs a repository over db.
func NewPostgres(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, columns: make(map[string]map[string]column)}
}

// Load returns the row as a record keyed by column name.
func (r *PostgresRepository) Load(ctx context.Context, table, id string) (envelope.Record, error) {
	query := fmt.Sprintf(`SELECT row_to_json(t) FROM %s t WHERE %s = $1`,
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(IDColumn))
	var raw []byte
	err := tx.Execer(ctx, r.db).QueryRowContext(ctx, query, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	var record envelope.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode %s row: %w", table, err)
	}
	return record, nil
}

// Apply updates the row with localID, inserting it when absent. An empty
// localID inserts under a new UUID. Record keys that are not columns of the
// table are ignored.
func (r *PostgresRepository) Apply(ctx context.Context, table, localID string, record envelope.Record) (string, error) {
	cols, err := r.tableColumns(ctx, table)
	if err != nil {
		return "", err
	}
	names, values, err := bind(cols, record)
	if err != nil {
		return "", err
	}

	if localID != "" {
		found, err := r.update(ctx, table, localID, names, values)
		if err != nil {
			return "", err
		}
		if found {
			return localID, nil
		}
	}
	if localID == "" {
		localID = uuid.NewString()
	}
	if err := r.insert(ctx, table, localID, names, values); err != nil {
		return "", err
	}
	return localID, nil
}

// update reports whether the row exists.
func (r *PostgresRepository) update(ctx context.Context, table, id string, names []string, values []any) (bool, error) {
	if len(names) == 0 {
		var one int
		query := fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = $1`, pq.QuoteIdentifier(table), pq.QuoteIdentifier(IDColumn))
		err := tx.Execer(ctx, r.db).QueryRowContext(ctx, query, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("check %s exists: %w", table, err)
		}
		return true, nil
	}
	sets := make([]string, len(names))
	for i, name := range names {
		sets[i] = fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(name), i+1)
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s = $%d`,
		pq.QuoteIdentifier(table), strings.Join(sets, ", "), pq.QuoteIdentifier(IDColumn), len(names)+1)
	res, err := tx.Execer(ctx, r.db).ExecContext(ctx, query, append(values, id)...)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", table, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update %s: %w", table, err)
	}
	return rows > 0, nil
}

func (r *PostgresRepository) insert(ctx context.Context, table, id string, names []string, values []any) error {
	quoted := []string{pq.QuoteIdentifier(IDColumn)}
	params := []string{"$1"}
	for i, name := range names {
		quoted = append(quoted, pq.QuoteIdentifier(name))
		params = append(params, fmt.Sprintf("$%d", i+2))
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		pq.QuoteIdentifier(table), strings.Join(quoted, ", "), strings.Join(params, ", "))
	if _, err := tx.Execer(ctx, r.db).ExecContext(ctx, query, append([]any{id}, values...)...); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// bind orders the writable columns present in record and converts values to
// driver arguments.
func bind(cols map[string]column, record envelope.Record) ([]string, []any, error) {
	names := make([]string, 0, len(record))
	for k := range record {
		if _, ok := cols[k]; ok && k != IDColumn {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	values := make([]any, len(names))
	for i, name := range names {
		v, err := toArg(cols[name], record[name])
		if err != nil {
			return nil, nil, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("column %s", name))
		}
		values[i] = v
	}
	return names, values, nil
}

func toArg(col column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch {
	case col.isJSON():
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case col.isArray():
		items, ok := v.([]any)
		if !ok {
			if strs, ok := v.([]string); ok {
				return pq.Array(strs), nil
			}
			return nil, fmt.Errorf("expected a sequence, got %T", v)
		}
		strs := make([]string, len(items))
		for i, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("array element %d is %T", i, item)
			}
			strs[i] = s
		}
		return pq.Array(strs), nil
	}
	switch v.(type) {
	case []any, map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	}
	return v, nil
}

func (r *PostgresRepository) tableColumns(ctx context.Context, table string) (map[string]column, error) {
	r.mu.RLock()
	cols, ok := r.columns[table]
	r.mu.RUnlock()
	if ok {
		return cols, nil
	}

	rows, err := tx.Execer(ctx, r.db).QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
	`, table)
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols = make(map[string]column)
	for rows.Next() {
		var c column
		if err := rows.Scan(&c.name, &c.dataType); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		cols[c.name] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, dErrors.Newf(dErrors.CodeValidation, "table %s does not exist", table)
	}

	r.mu.Lock()
	r.columns[table] = cols
	r.mu.Unlock()
	return cols, nil
}
