package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/ashureev/eventcast/internal/domain"
)

const currentEventKey = "current_event"

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		data_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS publish_sessions (
		session_id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		requested_by TEXT,
		status TEXT NOT NULL,
		platforms_json TEXT NOT NULL,
		results BLOB,
		overall_success INTEGER NOT NULL DEFAULT 0,
		total_duration_ms INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_event ON publish_sessions(event_id, started_at);

	CREATE TABLE IF NOT EXISTS publish_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		overall_success INTEGER NOT NULL,
		summary TEXT NOT NULL,
		record_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_event ON publish_history(event_id, created_at);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetEvent retrieves an event by id.
func (s *SQLiteStore) GetEvent(ctx context.Context, eventID string) (*domain.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data_json FROM events WHERE event_id = ?`, eventID)

	var data string
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan event row: %w", err)
	}

	var event domain.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", eventID, err)
	}
	return &event, nil
}

// SaveEvent creates or replaces an event record.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *domain.Event) error {
	now := time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	query := `
	INSERT INTO events (event_id, name, data_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(event_id) DO UPDATE SET
		name = excluded.name,
		data_json = excluded.data_json,
		updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		event.ID, event.Name, string(data),
		event.CreatedAt.Unix(), event.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	return nil
}

// SetCurrentEvent points the "current" alias at eventID.
func (s *SQLiteStore) SetCurrentEvent(ctx context.Context, eventID string) error {
	query := `
	INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, currentEventKey, eventID, time.Now().Unix()); err != nil {
		return fmt.Errorf("set current event: %w", err)
	}
	return nil
}

// CurrentEventID returns the event the "current" alias points at.
func (s *SQLiteStore) CurrentEventID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, currentEventKey).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get current event: %w", err)
	}
	return id, nil
}

// SaveSession creates or replaces a session snapshot. Results are stored
// as a msgpack blob.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *domain.PublishSession) error {
	platforms, err := json.Marshal(session.Platforms)
	if err != nil {
		return fmt.Errorf("encode platforms: %w", err)
	}
	results, err := msgpack.Marshal(session.Results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}

	var completedAt interface{}
	if session.CompletedAt != nil {
		completedAt = session.CompletedAt.UnixMilli()
	}

	query := `
	INSERT INTO publish_sessions (
		session_id, event_id, requested_by, status, platforms_json, results,
		overall_success, total_duration_ms, started_at, completed_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		status = excluded.status,
		results = excluded.results,
		overall_success = excluded.overall_success,
		total_duration_ms = excluded.total_duration_ms,
		completed_at = excluded.completed_at,
		updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		session.ID, session.EventID, session.RequestedBy, string(session.Status),
		string(platforms), results,
		session.OverallSuccess, session.TotalDurationMs,
		session.StartedAt.UnixMilli(), completedAt, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, event_id, requested_by, status, platforms_json, results,
	overall_success, total_duration_ms, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.PublishSession, error) {
	var (
		session     domain.PublishSession
		requestedBy sql.NullString
		status      string
		platforms   string
		results     []byte
		startedAt   int64
		completedAt sql.NullInt64
	)
	if err := row.Scan(
		&session.ID, &session.EventID, &requestedBy, &status, &platforms, &results,
		&session.OverallSuccess, &session.TotalDurationMs, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	session.RequestedBy = requestedBy.String
	session.Status = domain.SessionStatus(status)
	session.StartedAt = time.UnixMilli(startedAt).UTC()
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		session.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(platforms), &session.Platforms); err != nil {
		return nil, fmt.Errorf("decode platforms: %w", err)
	}
	if len(results) > 0 {
		if err := msgpack.Unmarshal(results, &session.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	return &session, nil
}

// GetSession retrieves one session of an event.
func (s *SQLiteStore) GetSession(ctx context.Context, eventID, sessionID string) (*domain.PublishSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM publish_sessions WHERE event_id = ? AND session_id = ?`
	session, err := scanSession(s.db.QueryRowContext(ctx, query, eventID, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// FindSession retrieves a session by id alone.
func (s *SQLiteStore) FindSession(ctx context.Context, sessionID string) (*domain.PublishSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM publish_sessions WHERE session_id = ?`
	session, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions returns every session of an event, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, eventID string) ([]*domain.PublishSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM publish_sessions
		WHERE event_id = ? ORDER BY started_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.PublishSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSessions removes the given sessions of an event.
func (s *SQLiteStore) DeleteSessions(ctx context.Context, eventID string, sessionIDs []string) (int64, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sessionIDs)), ",")
	args := make([]any, 0, len(sessionIDs)+1)
	args = append(args, eventID)
	for _, id := range sessionIDs {
		args = append(args, id)
	}

	query := `DELETE FROM publish_sessions WHERE event_id = ? AND session_id IN (` + placeholders + `)`
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	return result.RowsAffected()
}

// AppendHistory appends one record to the publish history.
func (s *SQLiteStore) AppendHistory(ctx context.Context, record *domain.HistoryRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode history record: %w", err)
	}

	query := `
	INSERT INTO publish_history (event_id, session_id, overall_success, summary, record_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		record.EventID, record.SessionID, record.OverallSuccess,
		record.Summary, string(data), record.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListHistory returns up to limit records of an event, newest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, eventID string, limit int) ([]*domain.HistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT record_json FROM publish_history WHERE event_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, eventID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close history rows", "error", closeErr)
		}
	}()

	var records []*domain.HistoryRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		var rec domain.HistoryRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode history record: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return records, nil
}
