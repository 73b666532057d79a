package database

import (
	"context"
	"time"
)

// Run is one journal row. It never holds image data.
type Run struct {
	ID              string    `json:"id"`
	Session         string    `json:"session"`
	Motion          string    `json:"motion"`
	FrameCount      int       `json:"frame_count"`
	Phase           string    `json:"phase"`
	Error           string    `json:"error,omitempty"`
	FramesPublished int       `json:"frames_published"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at,omitzero"`
}

// Store persists per-session preferences and the run journal.
type Store interface {
	SetLanguage(ctx context.Context, session, lang string) error
	// Language returns ok=false when the session has no stored preference.
	Language(ctx context.Context, session string) (lang string, ok bool, err error)

	StartRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, id, phase, errText string, framesPublished int, at time.Time) error
	RecentRuns(ctx context.Context, session string, limit int) ([]Run, error)

	Close()
}
