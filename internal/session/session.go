package session

import (
	"context"
	"errors"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/satindergrewal/bananatween/internal/i18n"
	"github.com/satindergrewal/bananatween/internal/intake"
	"github.com/satindergrewal/bananatween/internal/preview"
	"github.com/satindergrewal/bananatween/internal/stream"
	"github.com/satindergrewal/bananatween/internal/tween"
)

// Mode selects the landing or tool view.
type Mode string

const (
	ModeLanding Mode = "landing"
	ModeTool    Mode = "tool"
)

var (
	// ErrGenerating is returned when a run is already in flight.
	ErrGenerating = errors.New("generation already in progress")
	// ErrUnknownMode is returned for a mode other than landing or tool.
	ErrUnknownMode = errors.New("unknown mode")
	// ErrUnknownLanguage is returned for a language without a bundle.
	ErrUnknownLanguage = errors.New("unknown language")
)

// Session is one browser's state. All fields are guarded by mu; the run
// goroutine only reaches them through a runPublisher bound to its run ID.
type Session struct {
	ID string

	mu         sync.Mutex
	mode       Mode
	lang       string
	source     intake.Image
	motion     string
	frameCount int
	generating bool
	status     tween.Status
	frames     []tween.Frame
	runID      string
	cancel     context.CancelFunc
	lastSeen   time.Time
	listeners  int // live WS/WebRTC listeners

	loop *preview.Loop
	emit func(stream.Event)
}

func newSession(id, lang string, frameCount int, emit func(stream.Event)) *Session {
	s := &Session{
		ID:         id,
		mode:       ModeLanding,
		lang:       lang,
		frameCount: tween.ClampFrameCount(frameCount),
		status:     tween.IdleStatus(),
		emit:       emit,
	}
	s.loop = preview.NewLoop(preview.Interval, func(cursor, total int) {
		s.emit(stream.Event{Session: s.ID, Type: stream.EventPreview, Payload: stream.PreviewTick{Cursor: cursor, Total: total}})
	})
	return s
}

// Mode returns the current view mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode switches between the landing and tool views. Leaving the tool
// view tears it down: any run is abandoned and the upload, motion text,
// frames and preview loop are discarded.
func (s *Session) SetMode(m Mode) error {
	if m != ModeLanding && m != ModeTool {
		return ErrUnknownMode
	}
	s.mu.Lock()
	leaving := s.mode == ModeTool && m == ModeLanding
	s.mode = m
	if !leaving {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.runID = ""
	s.generating = false
	s.status = tween.IdleStatus()
	s.source = intake.Image{}
	s.motion = ""
	s.frames = nil
	s.loop.Reset()
	st := s.status
	s.mu.Unlock()

	s.emit(stream.Event{Session: s.ID, Type: stream.EventReset})
	s.emit(stream.Event{Session: s.ID, Type: stream.EventStatus, Payload: st})
	return nil
}

// Language returns the display language.
func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lang
}

func (s *Session) setLanguage(lang string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lang = lang
}

// SetImage replaces the source image for the next run. The frames of an
// earlier run stay visible until a new run starts.
func (s *Session) SetImage(img intake.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = img
}

// Source returns the current source image, if any.
func (s *Session) Source() (intake.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source, !s.source.IsZero()
}

// SetMotion stores the motion text.
func (s *Session) SetMotion(motion string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.motion = motion
}

// SetFrameCount stores the frame count, clamped to [MinFrames, MaxFrames].
func (s *Session) SetFrameCount(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameCount = tween.ClampFrameCount(n)
	return s.frameCount
}

// CanGenerate reports whether a run may start: an image is present, the
// motion text is non-blank and nothing is generating.
func (s *Session) CanGenerate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canGenerateLocked()
}

func (s *Session) canGenerateLocked() bool {
	return !s.source.IsZero() && strings.TrimSpace(s.motion) != "" && !s.generating
}

// Generating reports whether a run is in flight.
func (s *Session) Generating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generating
}

// Frames returns a copy of the published frame list.
func (s *Session) Frames() []tween.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.frames)
}

// Status returns the current run status.
func (s *Session) Status() tween.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Cursor returns the preview position and frame count.
func (s *Session) Cursor() (cursor, total int) {
	return s.loop.Cursor()
}

// begin claims the session for a new run. The previous run, if any, is
// cancelled and can no longer publish.
func (s *Session) begin(parent context.Context, runID string) (context.Context, tween.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generating {
		return nil, tween.Request{}, ErrGenerating
	}
	if !s.canGenerateLocked() {
		return nil, tween.Request{}, tween.ErrNotReady
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithCancel(parent)
	s.runID = runID
	s.cancel = cancel
	s.generating = true
	return ctx, tween.Request{Source: s.source, Motion: s.motion, FrameCount: s.frameCount}, nil
}

// finish releases the session if runID is still current and reports the
// number of frames the run left published.
func (s *Session) finish(runID string) (frames int, current bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runID != runID {
		return 0, false
	}
	s.generating = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return len(s.frames), true
}

// Cancel abandons the current run. Late results from it are dropped and the
// session becomes ready to generate again.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	if !s.generating {
		s.mu.Unlock()
		return false
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.runID = ""
	s.generating = false
	s.status = tween.IdleStatus()
	st := s.status
	s.mu.Unlock()

	s.emit(stream.Event{Session: s.ID, Type: stream.EventStatus, Payload: st})
	return true
}

// Close cancels any run, drops the upload and frames and stops the
// preview loop.
func (s *Session) Close() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.runID = ""
	s.generating = false
	s.source = intake.Image{}
	s.frames = nil
	s.mu.Unlock()
	s.loop.Reset()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// idleSince reports whether nothing has used the session since cutoff.
// A run in flight or a live listener keeps it alive.
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.generating && s.listeners == 0 && s.lastSeen.Before(cutoff)
}

// setListeners records the live listener count. The preview ticker only
// runs while somebody is watching.
func (s *Session) setListeners(n int) {
	s.mu.Lock()
	s.listeners = n
	s.mu.Unlock()
	if n > 0 {
		s.loop.Resume()
	} else {
		s.loop.Pause()
	}
}

// runPublisher routes one run's updates into the session, dropping them
// once a newer run (or a cancel) has replaced it.
type runPublisher struct {
	s     *Session
	runID string
}

func (p runPublisher) current() bool {
	return p.s.runID == p.runID
}

func (p runPublisher) Reset() {
	p.s.mu.Lock()
	if !p.current() {
		p.s.mu.Unlock()
		return
	}
	p.s.frames = nil
	p.s.loop.Reset()
	p.s.mu.Unlock()
	p.s.emit(stream.Event{Session: p.s.ID, Type: stream.EventReset})
}

func (p runPublisher) Frames(frames []tween.Frame) {
	p.s.mu.Lock()
	if !p.current() {
		p.s.mu.Unlock()
		return
	}
	p.s.frames = slices.Clone(frames)
	p.s.loop.SetFrames(p.s.frames)
	p.s.mu.Unlock()
	p.s.emit(stream.Event{Session: p.s.ID, Type: stream.EventFrames, Payload: frames})
}

func (p runPublisher) Status(st tween.Status) {
	p.s.mu.Lock()
	if !p.current() {
		p.s.mu.Unlock()
		return
	}
	p.s.status = st
	p.s.mu.Unlock()
	p.s.emit(stream.Event{Session: p.s.ID, Type: stream.EventStatus, Payload: st})
}

// FrameView is a frame with its gallery badge.
type FrameView struct {
	tween.Frame
	Badge string `json:"badge"`
}

// View is a localized snapshot of a session for rendering.
type View struct {
	ID          string       `json:"id"`
	Mode        Mode         `json:"mode"`
	Language    string       `json:"language"`
	HasImage    bool         `json:"has_image"`
	Source      string       `json:"source,omitempty"`
	Motion      string       `json:"motion"`
	FrameCount  int          `json:"frame_count"`
	MinFrames   int          `json:"min_frames"`
	MaxFrames   int          `json:"max_frames"`
	Generating  bool         `json:"generating"`
	CanGenerate bool         `json:"can_generate"`
	Status      tween.Status `json:"status"`
	StatusText  string       `json:"status_text"`
	Frames      []FrameView  `json:"frames"`
	Cursor      int          `json:"cursor"`
	FPS         int          `json:"fps"`
}

// View renders the session in its current language.
func (s *Session) View(loc *i18n.Localizer) View {
	s.mu.Lock()
	v := View{
		ID:          s.ID,
		Mode:        s.mode,
		Language:    s.lang,
		HasImage:    !s.source.IsZero(),
		Motion:      s.motion,
		FrameCount:  s.frameCount,
		MinFrames:   tween.MinFrames,
		MaxFrames:   tween.MaxFrames,
		Generating:  s.generating,
		CanGenerate: s.canGenerateLocked(),
		Status:      s.status,
		Frames:      Badges(s.frames),
		FPS:         preview.FPS,
	}
	if v.HasImage {
		v.Source = s.source.DataURI()
	}
	s.mu.Unlock()

	v.Cursor, _ = s.loop.Cursor()
	v.StatusText = StatusText(loc, v.Language, v.Status)
	return v
}

// Badges labels the start frame BASE and every other frame with its
// progress through the published list.
func Badges(frames []tween.Frame) []FrameView {
	out := make([]FrameView, len(frames))
	for i, f := range frames {
		out[i] = FrameView{Frame: f}
		if f.Kind == tween.KindStart {
			out[i].Badge = "BASE"
			continue
		}
		pct := 0
		if len(frames) > 1 {
			pct = int(math.Round(float64(i) * 100 / float64(len(frames)-1)))
		}
		out[i].Badge = "+ " + strconv.Itoa(pct) + "%"
	}
	return out
}

// StatusText localizes a status. Error statuses carry the underlying detail.
func StatusText(loc *i18n.Localizer, lang string, st tween.Status) string {
	switch st.Key {
	case tween.KeyPlanned:
		return loc.Format(lang, st.Key, st.Total, st.Total)
	case tween.KeyRendering:
		return loc.Format(lang, st.Key, st.Current, st.Total)
	case tween.KeyError:
		if st.Detail != "" {
			return loc.Get(lang, st.Key) + " (" + st.Detail + ")"
		}
	}
	return loc.Get(lang, st.Key)
}
