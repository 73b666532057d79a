package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the Store used when DATABASE_URL is set.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and creates the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) initTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS preferences (
			session_id TEXT PRIMARY KEY,
			language_code TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id UUID PRIMARY KEY,
			session_id TEXT NOT NULL,
			motion TEXT NOT NULL,
			frame_count INTEGER NOT NULL,
			phase TEXT NOT NULL,
			error_text TEXT NOT NULL DEFAULT '',
			frames_published INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS runs_session_started ON runs (session_id, started_at)`,
	}
	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("init postgres schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SetLanguage(ctx context.Context, session, lang string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO preferences (session_id, language_code, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO UPDATE SET language_code = EXCLUDED.language_code, updated_at = EXCLUDED.updated_at`,
		session, lang, time.Now())
	return err
}

func (s *PostgresStore) Language(ctx context.Context, session string) (string, bool, error) {
	var lang string
	err := s.pool.QueryRow(ctx,
		"SELECT language_code FROM preferences WHERE session_id = $1", session).Scan(&lang)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("error reading language preference: %w", err)
	}
	return lang, true, nil
}

func (s *PostgresStore) StartRun(ctx context.Context, run Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (run_id, session_id, motion, frame_count, phase, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.Session, run.Motion, run.FrameCount, run.Phase, run.StartedAt)
	return err
}

func (s *PostgresStore) FinishRun(ctx context.Context, id, phase, errText string, framesPublished int, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET phase = $1, error_text = $2, frames_published = $3, finished_at = $4 WHERE run_id = $5`,
		phase, errText, framesPublished, at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: no such run", id)
	}
	return nil
}

func (s *PostgresStore) RecentRuns(ctx context.Context, session string, limit int) ([]Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id::text, session_id, motion, frame_count, phase, error_text, frames_published, started_at, finished_at
		 FROM runs WHERE session_id = $1 ORDER BY started_at DESC LIMIT $2`,
		session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			finished *time.Time
		)
		if err := rows.Scan(&r.ID, &r.Session, &r.Motion, &r.FrameCount, &r.Phase, &r.Error, &r.FramesPublished, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished != nil {
			r.FinishedAt = *finished
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
