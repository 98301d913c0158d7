// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Keeps records and their derived index keys in two tables with a composite range index

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps pragmas and
	// :memory: databases consistent across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BLOB,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (collection, key)
		);

		CREATE TABLE IF NOT EXISTS record_indexes (
			collection TEXT NOT NULL,
			index_name TEXT NOT NULL,
			index_key  TEXT NOT NULL,
			record_key TEXT NOT NULL,
			PRIMARY KEY (collection, index_name, index_key, record_key)
		);

		CREATE INDEX IF NOT EXISTS idx_record_indexes_record
			ON record_indexes(collection, record_key);

		CREATE TABLE IF NOT EXISTS schema_meta (
			name  TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema changes that CREATE TABLE IF NOT EXISTS can't express
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		name  string
		apply string
	}{
		{
			name:  "records_updated_at_idx",
			apply: `CREATE INDEX IF NOT EXISTS idx_records_updated ON records(collection, updated_at)`,
		},
	}

	for _, m := range migrations {
		var applied string
		err := s.db.QueryRow(`SELECT value FROM schema_meta WHERE name = ?`, m.name).Scan(&applied)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking migration %s: %w", m.name, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("applying migration %s: %w", m.name, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_meta (name, value) VALUES (?, ?)`,
			m.name, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("recording migration %s: %w", m.name, err)
		}
		s.logger.Info("applied migration", "name", m.name)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get retrieves a record and its index keys
func (s *SQLiteStore) Get(ctx context.Context, collection Collection, key string) (*Record, error) {
	rec := &Record{Collection: collection, Key: key}
	var updatedMs int64

	err := s.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM records WHERE collection = ? AND key = ?`,
		string(collection), key,
	).Scan(&rec.Value, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying record: %w", err)
	}
	rec.UpdatedAt = time.UnixMilli(updatedMs).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT index_name, index_key FROM record_indexes WHERE collection = ? AND record_key = ?`,
		string(collection), key,
	)
	if err != nil {
		return nil, fmt.Errorf("querying record indexes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, idxKey string
		if err := rows.Scan(&name, &idxKey); err != nil {
			return nil, fmt.Errorf("scanning record index: %w", err)
		}
		if rec.Indexes == nil {
			rec.Indexes = make(map[string]string)
		}
		rec.Indexes[name] = idxKey
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating record indexes: %w", err)
	}

	return rec, nil
}

// Put inserts or replaces a record and rewrites its index keys atomically
func (s *SQLiteStore) Put(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (collection, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, string(rec.Collection), rec.Key, rec.Value, updated.UnixMilli())
	if err != nil {
		return fmt.Errorf("upserting record: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_indexes WHERE collection = ? AND record_key = ?`,
		string(rec.Collection), rec.Key,
	); err != nil {
		return fmt.Errorf("clearing record indexes: %w", err)
	}

	for name, idxKey := range rec.Indexes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_indexes (collection, index_name, index_key, record_key) VALUES (?, ?, ?, ?)`,
			string(rec.Collection), name, idxKey, rec.Key,
		); err != nil {
			return fmt.Errorf("inserting index %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing record: %w", err)
	}
	return nil
}

// Delete removes a record and its index keys
func (s *SQLiteStore) Delete(ctx context.Context, collection Collection, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := deleteRecordTx(ctx, tx, collection, key); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	return nil
}

func deleteRecordTx(ctx context.Context, tx *sql.Tx, collection Collection, key string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_indexes WHERE collection = ? AND record_key = ?`,
		string(collection), key,
	); err != nil {
		return fmt.Errorf("deleting record indexes: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND key = ?`,
		string(collection), key,
	); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return nil
}

// GetAll returns all records of a collection ordered by key.
// Index keys are not loaded for listings.
func (s *SQLiteStore) GetAll(ctx context.Context, collection Collection) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM records WHERE collection = ? ORDER BY key`,
		string(collection),
	)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows, collection)
}

// Query returns records ordered by their key in the named index.
// Index keys are not loaded for listings.
func (s *SQLiteStore) Query(ctx context.Context, collection Collection, index string, q IndexQuery) ([]*Record, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT r.key, r.value, r.updated_at
		FROM record_indexes i
		JOIN records r ON r.collection = i.collection AND r.key = i.record_key
		WHERE i.collection = ? AND i.index_name = ?`)
	args := []any{string(collection), index}

	if q.Prefix != "" {
		sb.WriteString(` AND i.index_key >= ? AND i.index_key < ?`)
		args = append(args, q.Prefix, prefixUpperBound(q.Prefix))
	}
	sb.WriteString(` ORDER BY i.index_key, i.record_key`)
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying index %s: %w", index, err)
	}
	defer rows.Close()

	return scanRecords(rows, collection)
}

// DeleteByIndex removes every record whose index key has the given prefix
func (s *SQLiteStore) DeleteByIndex(ctx context.Context, collection Collection, index, prefix string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := `SELECT DISTINCT record_key FROM record_indexes WHERE collection = ? AND index_name = ?`
	args := []any{string(collection), index}
	if prefix != "" {
		query += ` AND index_key >= ? AND index_key < ?`
		args = append(args, prefix, prefixUpperBound(prefix))
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("querying index %s: %w", index, err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning record key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterating record keys: %w", err)
	}
	rows.Close()

	for _, k := range keys {
		if err := deleteRecordTx(ctx, tx, collection, k); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("deleted records by index",
		"collection", collection,
		"index", index,
		"prefix", prefix,
		"count", len(keys),
	)
	return len(keys), nil
}

func scanRecords(rows *sql.Rows, collection Collection) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec := &Record{Collection: collection}
		var updatedMs int64
		if err := rows.Scan(&rec.Key, &rec.Value, &updatedMs); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		rec.UpdatedAt = time.UnixMilli(updatedMs).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return out, nil
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix. 0xff never appears in UTF-8, so it sorts last.
func prefixUpperBound(prefix string) string {
	return prefix + "\xff"
}
