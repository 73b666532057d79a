package tween

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/satindergrewal/bananatween/internal/intake"
	"golang.org/x/sync/errgroup"
)

// Phase is the run controller state.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePlanning  Phase = "planning"
	PhaseRendering Phase = "rendering"
	PhaseComplete  Phase = "complete"
	PhaseError     Phase = "error"
)

// Status message keys, resolved against the locale bundle at display time.
const (
	KeyIdle      = "status_idle"
	KeyPlanning  = "status_phase1"
	KeyPlanned   = "status_phase2"
	KeyRendering = "status_rendering"
	KeyComplete  = "status_complete"
	KeyError     = "status_error"
)

// Status describes run progress without any display text, so switching
// languages never touches recorded state.
type Status struct {
	Phase   Phase  `json:"phase"`
	Key     string `json:"key"`
	Current int    `json:"current,omitempty"`
	Total   int    `json:"total,omitempty"`
	Detail  string `json:"detail,omitempty"` // underlying error text
}

// IdleStatus is the status of a session that has not run yet.
func IdleStatus() Status {
	return Status{Phase: PhaseIdle, Key: KeyIdle}
}

// Publisher receives run updates. Frames always gets the full list.
type Publisher interface {
	Reset()
	Frames(frames []Frame)
	Status(st Status)
}

// Options tunes a Sequencer.
type Options struct {
	// Parallelism is the number of concurrent render calls. Values <= 1
	// render strictly in order, one request in flight at a time.
	Parallelism int
	Logger      *slog.Logger
}

// Sequencer drives one planner call followed by N render calls.
type Sequencer struct {
	planner  Planner
	renderer Renderer
	opts     Options
	log      *slog.Logger
}

// NewSequencer creates a run controller.
func NewSequencer(planner Planner, renderer Renderer, opts Options) *Sequencer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		planner:  planner,
		renderer: renderer,
		opts:     opts,
		log:      logger,
	}
}

// Parallelism returns the effective number of concurrent render calls.
func (s *Sequencer) Parallelism() int {
	if s.opts.Parallelism < 1 {
		return 1
	}
	return s.opts.Parallelism
}

// Run executes one generation run. It returns nil on completion, the run
// error after publishing an error status, or ctx.Err() without publishing
// anything further when the run is cancelled.
func (s *Sequencer) Run(ctx context.Context, req Request, pub Publisher) error {
	if req.Source.IsZero() || strings.TrimSpace(req.Motion) == "" {
		return ErrNotReady
	}
	if req.FrameCount < MinFrames || req.FrameCount > MaxFrames {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrFrameCount, req.FrameCount, MinFrames, MaxFrames)
	}

	pub.Reset()
	pub.Status(Status{Phase: PhasePlanning, Key: KeyPlanning})

	s.log.Info("planning motion", "frames", req.FrameCount, "motion", req.Motion)
	raw, err := s.planner.PlanFrames(ctx, req.Source, req.Motion, req.FrameCount)
	if err != nil {
		return s.fail(ctx, pub, fmt.Errorf("plan: %w", err))
	}
	plan, clamped, err := ValidatePlan(raw, req.FrameCount)
	if err != nil {
		return s.fail(ctx, pub, err)
	}
	if clamped {
		s.log.Warn("planner returned extra prompts, clamping", "got", len(raw), "want", req.FrameCount)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	frames := []Frame{StartFrame(req.Source)}
	pub.Frames(slices.Clone(frames))
	pub.Status(Status{Phase: PhaseRendering, Key: KeyPlanned, Total: len(plan)})

	if s.Parallelism() > 1 {
		err = s.renderParallel(ctx, req.Source, plan, frames, pub)
	} else {
		err = s.renderSequential(ctx, req.Source, plan, frames, pub)
	}
	if err != nil {
		return s.fail(ctx, pub, err)
	}

	pub.Status(Status{Phase: PhaseComplete, Key: KeyComplete, Current: len(plan), Total: len(plan)})
	s.log.Info("animation complete", "frames", len(plan)+1)
	return nil
}

func (s *Sequencer) renderSequential(ctx context.Context, src intake.Image, plan Plan, frames []Frame, pub Publisher) error {
	for i, prompt := range plan {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pub.Status(Status{Phase: PhaseRendering, Key: KeyRendering, Current: i + 1, Total: len(plan)})

		url, err := s.renderer.RenderFrame(ctx, src, prompt)
		if err != nil {
			return fmt.Errorf("render frame %d/%d: %w", i+1, len(plan), err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		frames = append(frames, GeneratedFrame(i, url, prompt))
		pub.Frames(slices.Clone(frames))
		s.log.Debug("frame rendered", "frame", i+1, "total", len(plan))
	}
	return nil
}

// renderParallel fans render calls out over a bounded group but publishes
// frames in ordinal order, only ever extending the contiguous prefix.
func (s *Sequencer) renderParallel(ctx context.Context, src intake.Image, plan Plan, frames []Frame, pub Publisher) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Parallelism())

	var (
		mu      sync.Mutex
		results = make([]*Frame, len(plan))
		next    int
	)

	for i, prompt := range plan {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			url, err := s.renderer.RenderFrame(gctx, src, prompt)
			if err != nil {
				return fmt.Errorf("render frame %d/%d: %w", i+1, len(plan), err)
			}

			mu.Lock()
			defer mu.Unlock()
			if gctx.Err() != nil {
				return gctx.Err()
			}
			f := GeneratedFrame(i, url, prompt)
			results[i] = &f
			advanced := false
			for next < len(plan) && results[next] != nil {
				frames = append(frames, *results[next])
				next++
				advanced = true
			}
			if advanced {
				pub.Frames(slices.Clone(frames))
				pub.Status(Status{Phase: PhaseRendering, Key: KeyRendering, Current: next, Total: len(plan)})
			}
			s.log.Debug("frame rendered", "frame", i+1, "total", len(plan))
			return nil
		})
	}
	return g.Wait()
}

func (s *Sequencer) fail(ctx context.Context, pub Publisher, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.log.Error("generation failed", "err", err)
	pub.Status(Status{Phase: PhaseError, Key: KeyError, Detail: err.Error()})
	return err
}
