package modelcache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const clearWatermarkName = "clear_watermark_ms"

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite model cache: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile derives a DSN with WAL and a busy timeout for a database file.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite model cache: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite model cache: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT NOT NULL PRIMARY KEY,
			payload BLOB NOT NULL,
			inserted_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cache_meta (
			name TEXT NOT NULL PRIMARY KEY,
			value INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS cache_entries_by_inserted ON cache_entries(inserted_at_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite model cache: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	if s == nil || s.db == nil {
		return Entry{}, false, errors.New("sqlite model cache: db is nil")
	}
	key = normalizeKey(key)
	if key == "" {
		return Entry{}, false, errors.New("sqlite model cache: empty key")
	}
	e := Entry{Key: key}
	row := s.db.QueryRowContext(ctx, `SELECT payload, inserted_at_ms FROM cache_entries WHERE key = ?`, key)
	switch err := row.Scan(&e.Payload, &e.InsertedAtMs); err {
	case nil:
		return e, true, nil
	case sql.ErrNoRows:
		return Entry{}, false, nil
	default:
		return Entry{}, false, errors.Wrap(err, "sqlite model cache: get")
	}
}

func (s *SQLiteStore) Put(ctx context.Context, e Entry) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("sqlite model cache: db is nil")
	}
	e.Key = normalizeKey(e.Key)
	if e.Key == "" {
		return false, errors.New("sqlite model cache: empty key")
	}
	if e.Payload == nil {
		e.Payload = []byte{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "sqlite model cache: begin")
	}
	defer func() { _ = tx.Rollback() }()

	watermark, err := readWatermark(ctx, tx)
	if err != nil {
		return false, err
	}
	if e.InsertedAtMs <= watermark {
		return false, nil
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO cache_entries(key, payload, inserted_at_ms) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			inserted_at_ms = excluded.inserted_at_ms
		WHERE excluded.inserted_at_ms > cache_entries.inserted_at_ms
	`, e.Key, e.Payload, e.InsertedAtMs)
	if err != nil {
		return false, errors.Wrap(err, "sqlite model cache: put")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "sqlite model cache: put rows affected")
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "sqlite model cache: commit")
	}
	return n > 0, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, atMs int64) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite model cache: db is nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite model cache: begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE inserted_at_ms <= ?`, atMs); err != nil {
		return errors.Wrap(err, "sqlite model cache: clear")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cache_meta(name, value) VALUES(?, ?)
		ON CONFLICT(name) DO UPDATE SET value = max(cache_meta.value, excluded.value)
	`, clearWatermarkName, atMs); err != nil {
		return errors.Wrap(err, "sqlite model cache: raise watermark")
	}
	return errors.Wrap(tx.Commit(), "sqlite model cache: commit")
}

func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite model cache: db is nil")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, payload, inserted_at_ms FROM cache_entries ORDER BY key`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite model cache: list")
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Payload, &e.InsertedAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite model cache: scan")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite model cache: list rows")
	}
	return out, nil
}

func readWatermark(ctx context.Context, tx *sql.Tx) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx, `SELECT value FROM cache_meta WHERE name = ?`, clearWatermarkName).Scan(&v)
	switch err {
	case nil:
		return v, nil
	case sql.ErrNoRows:
		return 0, nil
	default:
		return 0, errors.Wrap(err, "sqlite model cache: read watermark")
	}
}
