package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteDB is the default Store, backed by a pure-Go SQLite file.
type SQLiteDB struct {
	DB *sql.DB
}

// NewSQLiteDB opens (or creates) the database at dbPath. ":memory:" works
// for tests and throwaway runs.
func NewSQLiteDB(ctx context.Context, dbPath string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// One connection: keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	instance := &SQLiteDB{DB: db}
	if err := instance.initTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return instance, nil
}

func (s *SQLiteDB) initTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS preferences (
			session_id TEXT PRIMARY KEY,
			language_code TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			motion TEXT NOT NULL,
			frame_count INTEGER NOT NULL,
			phase TEXT NOT NULL,
			error_text TEXT NOT NULL DEFAULT '',
			frames_published INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			finished_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS runs_session_started ON runs (session_id, started_at);`,
	}

	for _, q := range queries {
		if _, err := s.DB.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteDB) SetLanguage(ctx context.Context, session, lang string) error {
	query := `INSERT INTO preferences (session_id, language_code, updated_at) VALUES (?, ?, ?)
			  ON CONFLICT(session_id) DO UPDATE SET language_code = excluded.language_code, updated_at = excluded.updated_at;`
	_, err := s.DB.ExecContext(ctx, query, session, lang, time.Now().UnixMilli())
	return err
}

func (s *SQLiteDB) Language(ctx context.Context, session string) (string, bool, error) {
	var lang string
	err := s.DB.QueryRowContext(ctx, `SELECT language_code FROM preferences WHERE session_id = ?`, session).Scan(&lang)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return lang, true, nil
}

func (s *SQLiteDB) StartRun(ctx context.Context, run Run) error {
	query := `INSERT INTO runs (run_id, session_id, motion, frame_count, phase, started_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.DB.ExecContext(ctx, query, run.ID, run.Session, run.Motion, run.FrameCount, run.Phase, run.StartedAt.UnixMilli())
	return err
}

func (s *SQLiteDB) FinishRun(ctx context.Context, id, phase, errText string, framesPublished int, at time.Time) error {
	query := `UPDATE runs SET phase = ?, error_text = ?, frames_published = ?, finished_at = ? WHERE run_id = ?`
	res, err := s.DB.ExecContext(ctx, query, phase, errText, framesPublished, at.UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: no such run", id)
	}
	return nil
}

func (s *SQLiteDB) RecentRuns(ctx context.Context, session string, limit int) ([]Run, error) {
	query := `SELECT run_id, session_id, motion, frame_count, phase, error_text, frames_published, started_at, finished_at
			  FROM runs WHERE session_id = ? ORDER BY started_at DESC LIMIT ?`
	rows, err := s.DB.QueryContext(ctx, query, session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Session, &r.Motion, &r.FrameCount, &r.Phase, &r.Error, &r.FramesPublished, &started, &finished); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteDB) Close() {
	if s.DB != nil {
		s.DB.Close()
	}
}
