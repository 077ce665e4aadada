package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"crmsync/internal"
	"crmsync/internal/util"
)

// Store keeps the audit log, the run history and small metadata values in
// SQLite.
type Store struct {
	conn   *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

type Entry struct {
	ID        int64
	CreatedAt time.Time
	internal.AuditEvent
}

type Filter struct {
	Type  internal.AuditType
	Limit int
}

// Run is one row of the run history.
type Run struct {
	RunID      string
	Kind       string
	Status     string
	Counts     map[string]int
	Duration   time.Duration
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

func Open(path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &Store{conn: conn, logger: logger.Named("audit"), now: time.Now}
	if err := s.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS audit_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  createdAt TEXT NOT NULL,
  type TEXT NOT NULL,
  entityType TEXT NOT NULL,
  entityId TEXT NOT NULL,
  message TEXT NOT NULL,
  contextJson TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_type ON audit_log(type);

CREATE TABLE IF NOT EXISTS runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  runId TEXT NOT NULL UNIQUE,
  kind TEXT NOT NULL,
  status TEXT NOT NULL,
  countsJson TEXT NOT NULL,
  durationMs INTEGER NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  startedAt TEXT NOT NULL,
  finishedAt TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := s.conn.Exec(schema)
	return err
}

// Record appends ev. Write failures are logged, never returned, so auditing
// cannot fail a sync.
func (s *Store) Record(ctx context.Context, ev internal.AuditEvent) {
	if err := s.Append(ctx, ev); err != nil {
		s.logger.Error("audit write failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (s *Store) Append(ctx context.Context, ev internal.AuditEvent) error {
	contextJSON := []byte("{}")
	if len(ev.Context) > 0 {
		blob, err := json.Marshal(ev.Context)
		if err != nil {
			return err
		}
		contextJSON = blob
	}
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO audit_log (createdAt, type, entityType, entityId, message, contextJson)
VALUES (?, ?, ?, ?, ?, ?)
`, s.now().UTC().Format(time.RFC3339Nano), string(ev.Type), string(ev.EntityType), ev.EntityID, ev.Message, string(contextJSON))
	return err
}

// Clear empties the audit log. Run history and metadata are kept.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM audit_log`)
	return err
}

func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT id, createdAt, type, entityType, entityId, message, contextJson FROM audit_log`
	args := []any{}
	if f.Type != "" {
		query += ` WHERE type = ?`
		args = append(args, string(f.Type))
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var (
			e           Entry
			createdAt   string
			typ, entity string
			contextJSON string
		)
		if err := rows.Scan(&e.ID, &createdAt, &typ, &entity, &e.EntityID, &e.Message, &contextJSON); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		e.Type = internal.AuditType(typ)
		e.EntityType = internal.Kind(entity)
		if contextJSON != "" && contextJSON != "{}" {
			_ = json.Unmarshal([]byte(contextJSON), &e.Context)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByType summarises the current audit log.
func (s *Store) CountByType(ctx context.Context) (map[internal.AuditType]int, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT type, COUNT(*) FROM audit_log GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[internal.AuditType]int{}
	for rows.Next() {
		var (
			typ   string
			count int
		)
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, err
		}
		out[internal.AuditType(typ)] = count
	}
	return out, rows.Err()
}

func (s *Store) InsertRun(ctx context.Context, run Run) error {
	countsJSON, _ := json.Marshal(run.Counts)
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO runs (runId, kind, status, countsJson, durationMs, error, startedAt, finishedAt)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, run.RunID, run.Kind, run.Status, string(countsJSON), run.Duration.Milliseconds(), run.Error,
		run.StartedAt.UTC().Format(time.RFC3339Nano), run.FinishedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.QueryContext(ctx, `
SELECT runId, kind, status, countsJson, durationMs, error, startedAt, finishedAt
FROM runs ORDER BY id DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Run, 0)
	for rows.Next() {
		var (
			run                   Run
			countsJSON            string
			durationMs            int64
			startedAt, finishedAt string
		)
		if err := rows.Scan(&run.RunID, &run.Kind, &run.Status, &countsJSON, &durationMs, &run.Error, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(countsJSON), &run.Counts)
		run.Duration = time.Duration(durationMs) * time.Millisecond
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		run.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt)
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updatedAt = CURRENT_TIMESTAMP
`, key, value)
	return err
}

func (s *Store) GetMetadata(ctx context.Context, key string) (*string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return util.StringPtr(value), nil
}

// ParseType validates a user-supplied audit type.
func ParseType(v string) (internal.AuditType, error) {
	t := internal.AuditType(strings.ToLower(strings.TrimSpace(v)))
	switch t {
	case internal.AuditEmptyField, internal.AuditMappingError, internal.AuditPhotoError,
		internal.AuditUserNotFound, internal.AuditGeneralError, internal.AuditSuccess:
		return t, nil
	}
	return "", errors.New("unknown audit type: " + v)
}
