package transcripts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/murmur/pkg/session"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite transcript store: empty dsn")
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

func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite transcript store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcripts (
			session_id TEXT NOT NULL PRIMARY KEY,
			model TEXT NOT NULL DEFAULT '',
			params_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS transcript_messages (
			session_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			message_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			images_json TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (session_id, ordinal),
			FOREIGN KEY (session_id) REFERENCES transcripts(session_id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS transcripts_by_updated ON transcripts(updated_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite transcript store: migrate")
		}
	}
	return nil
}

// Save replaces the stored log of t.SessionID. CreatedAtMs is kept from the
// first save.
func (s *SQLiteStore) Save(ctx context.Context, t Transcript) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	sessionID := strings.TrimSpace(t.SessionID)
	if sessionID == "" {
		return errors.New("sqlite transcript store: empty session id")
	}
	params, err := json.Marshal(t.Params)
	if err != nil {
		return errors.Wrap(err, "marshal params")
	}
	now := time.Now().UnixMilli()
	if t.UpdatedAtMs == 0 {
		t.UpdatedAtMs = now
	}
	if t.CreatedAtMs == 0 {
		t.CreatedAtMs = t.UpdatedAtMs
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transcripts(session_id, model, params_json, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			model = excluded.model,
			params_json = excluded.params_json,
			updated_at_ms = excluded.updated_at_ms
	`, sessionID, t.Model, string(params), t.CreatedAtMs, t.UpdatedAtMs); err != nil {
		return errors.Wrap(err, "upsert transcript")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transcript_messages WHERE session_id = ?`, sessionID); err != nil {
		return errors.Wrap(err, "delete transcript messages")
	}
	for i, m := range t.Messages {
		images, err := json.Marshal(m.Images)
		if err != nil {
			return errors.Wrap(err, "marshal images")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transcript_messages(session_id, ordinal, message_id, role, content, images_json)
			VALUES (?, ?, ?, ?, ?, ?)
		`, sessionID, i, m.ID, m.Role, m.Content, string(images)); err != nil {
			return errors.Wrapf(err, "insert message %d", i)
		}
	}
	return errors.Wrap(tx.Commit(), "commit transcript")
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (Transcript, error) {
	if s == nil || s.db == nil {
		return Transcript{}, errors.New("sqlite transcript store: db is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	t := Transcript{SessionID: sessionID}
	var params string
	err := s.db.QueryRowContext(ctx, `
		SELECT model, params_json, created_at_ms, updated_at_ms FROM transcripts WHERE session_id = ?
	`, sessionID).Scan(&t.Model, &params, &t.CreatedAtMs, &t.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Transcript{}, errors.Wrap(ErrNotFound, sessionID)
	}
	if err != nil {
		return Transcript{}, errors.Wrap(err, "query transcript")
	}
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return Transcript{}, errors.Wrap(err, "decode params")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, role, content, images_json FROM transcript_messages
		WHERE session_id = ? ORDER BY ordinal ASC
	`, sessionID)
	if err != nil {
		return Transcript{}, errors.Wrap(err, "query transcript messages")
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var m session.Message
		var role, images string
		if err := rows.Scan(&m.ID, &role, &m.Content, &images); err != nil {
			return Transcript{}, errors.Wrap(err, "scan transcript message")
		}
		m.Role = session.Role(role)
		if err := json.Unmarshal([]byte(images), &m.Images); err != nil {
			return Transcript{}, errors.Wrap(err, "decode images")
		}
		t.Messages = append(t.Messages, m)
	}
	return t, rows.Err()
}

func (s *SQLiteStore) List(ctx context.Context, q ListQuery) ([]Summary, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	query := `
		SELECT t.session_id, t.model, t.created_at_ms, t.updated_at_ms,
			(SELECT COUNT(*) FROM transcript_messages m WHERE m.session_id = t.session_id)
		FROM transcripts t`
	args := []any{}
	if model := strings.TrimSpace(q.Model); model != "" {
		query += ` WHERE t.model = ?`
		args = append(args, model)
	}
	query += ` ORDER BY t.updated_at_ms DESC, t.session_id ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list transcripts")
	}
	defer func() { _ = rows.Close() }()
	var out []Summary
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.SessionID, &sm.Model, &sm.CreatedAtMs, &sm.UpdatedAtMs, &sm.MessageCount); err != nil {
			return nil, errors.Wrap(err, "scan transcript summary")
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE session_id = ?`, strings.TrimSpace(sessionID))
	return errors.Wrap(err, "delete transcript")
}
