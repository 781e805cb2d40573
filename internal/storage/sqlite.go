package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var _ Repository = (*SQLite)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	delete_after_send INTEGER NOT NULL DEFAULT 0,
	include_sent INTEGER NOT NULL DEFAULT 0,
	provider_output_dir TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	ext TEXT NOT NULL,
	size INTEGER NOT NULL,
	mod_time DATETIME,
	was_sent INTEGER NOT NULL DEFAULT 0,
	is_valid INTEGER NOT NULL DEFAULT 1,
	sent_at DATETIME
);
CREATE INDEX IF NOT EXISTS files_kind_idx ON files(kind, was_sent);
CREATE TABLE IF NOT EXISTS directories (
	path TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS job_runs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at DATETIME,
	files_sent INTEGER NOT NULL DEFAULT 0,
	log TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS auth (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	username TEXT NOT NULL,
	password TEXT NOT NULL,
	token TEXT NOT NULL DEFAULT '',
	acquired_at DATETIME
);
`

// SQLite is the Repository backed by a local SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating when needed) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		path = "fiscalsync.db"
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection serialises writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close() //nolint:wrapcheck
	}
	return nil
}

func (s *SQLite) InsertNewItems(ctx context.Context, items []WorkItem) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO files(path,kind,ext,size,mod_time,was_sent,is_valid,sent_at)
		VALUES(?,?,?,?,?,?,?,?) ON CONFLICT(path) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	for _, item := range items {
		res, err := stmt.ExecContext(ctx, item.Path, item.Kind, item.Ext, item.Size, item.ModTime.UTC(),
			item.WasSent, item.IsValid, nullTime(item.SentAt))
		if err != nil {
			return 0, fmt.Errorf("insert %s: %w", item.Path, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func (s *SQLite) UpdateItem(ctx context.Context, item WorkItem) error {
	res, err := s.db.ExecContext(ctx, `UPDATE files SET was_sent=?, is_valid=?, sent_at=? WHERE path=?`,
		item.WasSent, item.IsValid, nullTime(item.SentAt), item.Path)
	if err != nil {
		return fmt.Errorf("update file: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) DeleteItem(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE path=?`, path); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

func (s *SQLite) ListItems(ctx context.Context, filter ItemFilter) ([]WorkItem, error) {
	q := `SELECT path,kind,ext,size,mod_time,was_sent,is_valid,sent_at FROM files WHERE 1=1`
	args := make([]any, 0, 2)
	if filter.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if !filter.IncludeSent {
		q += ` AND was_sent = 0`
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []WorkItem
	for rows.Next() {
		var (
			item    WorkItem
			modTime sql.NullTime
			sentAt  sql.NullTime
		)
		if err := rows.Scan(&item.Path, &item.Kind, &item.Ext, &item.Size, &modTime, &item.WasSent, &item.IsValid, &sentAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		if modTime.Valid {
			item.ModTime = modTime.Time
		}
		if sentAt.Valid {
			t := sentAt.Time
			item.SentAt = &t
		}
		out = append(out, item)
	}
	return out, rows.Err() //nolint:wrapcheck
}

func (s *SQLite) SaveDirectory(ctx context.Context, dir Directory) error {
	if dir.CreatedAt.IsZero() {
		dir.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO directories(path,kind,created_at) VALUES(?,?,?)
		ON CONFLICT(path) DO UPDATE SET kind=excluded.kind`, dir.Path, dir.Kind, dir.CreatedAt)
	if err != nil {
		return fmt.Errorf("save directory: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteDirectory(ctx context.Context, path string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM directories WHERE path=?`, path)
	if err != nil {
		return fmt.Errorf("delete directory: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ListDirectories(ctx context.Context, kind JobKind) ([]Directory, error) {
	q := `SELECT path,kind,created_at FROM directories`
	var args []any
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, kind)
	}
	q += ` ORDER BY path`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list directories: %w", err)
	}
	defer rows.Close()
	var out []Directory
	for rows.Next() {
		var d Directory
		if err := rows.Scan(&d.Path, &d.Kind, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan directory: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err() //nolint:wrapcheck
}

func (s *SQLite) Settings(ctx context.Context) (Settings, error) {
	var out Settings
	row := s.db.QueryRowContext(ctx, `SELECT delete_after_send,include_sent,provider_output_dir FROM settings WHERE id = 1`)
	if err := row.Scan(&out.DeleteAfterSend, &out.IncludeSent, &out.ProviderOutputDir); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	return out, nil
}

func (s *SQLite) SaveSettings(ctx context.Context, st Settings) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings(id,delete_after_send,include_sent,provider_output_dir) VALUES(1,?,?,?)
		ON CONFLICT(id) DO UPDATE SET delete_after_send=excluded.delete_after_send,
			include_sent=excluded.include_sent, provider_output_dir=excluded.provider_output_dir`,
		st.DeleteAfterSend, st.IncludeSent, st.ProviderOutputDir)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (s *SQLite) AuthSession(ctx context.Context) (AuthSession, error) {
	var (
		out        AuthSession
		acquiredAt sql.NullTime
	)
	row := s.db.QueryRowContext(ctx, `SELECT username,password,token,acquired_at FROM auth WHERE id = 1`)
	if err := row.Scan(&out.Username, &out.Password, &out.Token, &acquiredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AuthSession{}, ErrNotFound
		}
		return AuthSession{}, fmt.Errorf("read auth: %w", err)
	}
	if acquiredAt.Valid {
		out.AcquiredAt = acquiredAt.Time
	}
	return out, nil
}

func (s *SQLite) SaveAuthSession(ctx context.Context, a AuthSession) error {
	var acquired any
	if !a.AcquiredAt.IsZero() {
		acquired = a.AcquiredAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO auth(id,username,password,token,acquired_at) VALUES(1,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET username=excluded.username, password=excluded.password,
			token=excluded.token, acquired_at=excluded.acquired_at`,
		a.Username, a.Password, a.Token, acquired)
	if err != nil {
		return fmt.Errorf("save auth: %w", err)
	}
	return nil
}

func (s *SQLite) CreateRun(ctx context.Context, run JobRun) error {
	logJSON, err := json.Marshal(nonNil(run.Log))
	if err != nil {
		return fmt.Errorf("encode run log: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO job_runs(id,kind,started_at,ended_at,files_sent,log) VALUES(?,?,?,?,?,?)`,
		run.ID, run.Kind, run.StartedAt.UTC(), nullTime(run.EndedAt), run.FilesSent, string(logJSON))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *SQLite) FinishRun(ctx context.Context, run JobRun) error {
	logJSON, err := json.Marshal(nonNil(run.Log))
	if err != nil {
		return fmt.Errorf("encode run log: %w", err)
	}
	ended := time.Now().UTC()
	if run.EndedAt != nil {
		ended = run.EndedAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE job_runs SET ended_at=?, files_sent=?, log=? WHERE id=? AND ended_at IS NULL`,
		ended, run.FilesSent, string(logJSON), run.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM job_runs WHERE id=?`, run.ID).Scan(&exists); err != nil {
			return fmt.Errorf("lookup run: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrRunFinished
	}
	return nil
}

func (s *SQLite) ListRuns(ctx context.Context, kind JobKind, limit int) ([]JobRun, error) {
	q := `SELECT id,kind,started_at,ended_at,files_sent,log FROM job_runs`
	var args []any
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, kind)
	}
	q += ` ORDER BY started_at DESC, rowid DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []JobRun
	for rows.Next() {
		var (
			run     JobRun
			endedAt sql.NullTime
			logJSON string
		)
		if err := rows.Scan(&run.ID, &run.Kind, &run.StartedAt, &endedAt, &run.FilesSent, &logJSON); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if endedAt.Valid {
			t := endedAt.Time
			run.EndedAt = &t
		}
		if err := json.Unmarshal([]byte(logJSON), &run.Log); err != nil {
			return nil, fmt.Errorf("decode run log: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err() //nolint:wrapcheck
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nonNil(lines []string) []string {
	if lines == nil {
		return []string{}
	}
	return lines
}
