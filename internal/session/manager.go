package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/satindergrewal/bananatween/internal/database"
	"github.com/satindergrewal/bananatween/internal/i18n"
	"github.com/satindergrewal/bananatween/internal/stream"
	"github.com/satindergrewal/bananatween/internal/tween"
)

// Runner executes one generation run. *tween.Sequencer is the production Runner.
type Runner interface {
	Run(ctx context.Context, req tween.Request, pub tween.Publisher) error
}

// Options configures a Manager.
type Options struct {
	Runner        Runner
	Localizer     *i18n.Localizer
	Store         database.Store // optional
	DefaultFrames int
	// SessionTTL evicts sessions untouched for this long. Zero keeps them
	// until Close.
	SessionTTL time.Duration
	Logger     *slog.Logger
}

// Manager owns every live session and the goroutines running their
// generations. Events from all sessions are merged onto one channel.
type Manager struct {
	ctx           context.Context
	runner        Runner
	loc           *i18n.Localizer
	store         database.Store
	defaultFrames int
	ttl           time.Duration
	now           func() time.Time
	log           *slog.Logger

	events chan stream.Event

	stop        chan struct{}
	stopOnce    sync.Once
	janitorDone chan struct{} // nil without a TTL

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewManager creates a session manager. Runs are derived from ctx, so
// cancelling it cancels every run.
func NewManager(ctx context.Context, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	frames := opts.DefaultFrames
	if frames == 0 {
		frames = tween.DefaultFrames
	}
	m := &Manager{
		ctx:           ctx,
		runner:        opts.Runner,
		loc:           opts.Localizer,
		store:         opts.Store,
		defaultFrames: frames,
		ttl:           opts.SessionTTL,
		now:           time.Now,
		log:           logger,
		events:        make(chan stream.Event, 256),
		stop:          make(chan struct{}),
		sessions:      make(map[string]*Session),
	}
	if m.ttl > 0 {
		m.janitorDone = make(chan struct{})
		go m.janitor(min(m.ttl/2, time.Minute))
	}
	return m
}

// Events returns the merged event feed. Feed it to a stream.Broadcaster.
func (m *Manager) Events() <-chan stream.Event {
	return m.events
}

// Localizer returns the locale bundle sessions are rendered with.
func (m *Manager) Localizer() *i18n.Localizer {
	return m.loc
}

func (m *Manager) emit(ev stream.Event) {
	select {
	case m.events <- ev:
	default:
		// every payload is a full snapshot, so a dropped event is
		// superseded by the next one
		m.log.Debug("event feed full, dropping event", "session", ev.Session, "type", ev.Type)
	}
}

// Get returns a live session and marks it as used.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		s.touch(m.now())
	}
	return s, ok
}

// SetListeners records how many live clients watch session id. Its preview
// ticker is paused while the count is zero. Hand it to
// stream.Broadcaster.SetPresenceFunc.
func (m *Manager) SetListeners(id string, n int) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		s.setListeners(n)
	}
}

// EvictIdle closes and forgets every session untouched for longer than the
// TTL. Sessions with a run in flight or a live listener are kept.
func (m *Manager) EvictIdle() int {
	if m.ttl <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if s.idleSince(cutoff) {
			delete(m.sessions, id)
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}
	return len(idle)
}

func (m *Manager) janitor(every time.Duration) {
	defer close(m.janitorDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.EvictIdle(); n > 0 {
				m.log.Info("idle sessions evicted", "evicted", n, "remaining", m.Count())
			}
		}
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Open returns the session for id, creating it when id is empty or unknown.
// New sessions take their language from the stored preference, then from
// the Accept-Language header, then from the default.
func (m *Manager) Open(ctx context.Context, id, acceptLanguage string) (s *Session, created bool) {
	if _, err := uuid.Parse(id); err != nil {
		id = ""
	}
	if id != "" {
		if s, ok := m.Get(id); ok {
			return s, false
		}
	} else {
		id = uuid.NewString()
	}

	lang := m.loc.Match(acceptLanguage)
	if m.store != nil {
		stored, ok, err := m.store.Language(ctx, id)
		if err != nil {
			m.log.Warn("language preference lookup failed", "session", id, "err", err)
		} else if ok && m.loc.Supports(stored) {
			lang = stored
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, false
	}
	s = newSession(id, lang, m.defaultFrames, m.emit)
	s.lastSeen = m.now()
	m.sessions[id] = s
	m.log.Info("session opened", "session", id, "lang", lang)
	return s, true
}

// SetLanguage changes a session's display language and remembers it.
// Frames, status and the preview cursor are untouched.
func (m *Manager) SetLanguage(ctx context.Context, s *Session, lang string) error {
	if !m.loc.Supports(lang) {
		return ErrUnknownLanguage
	}
	s.setLanguage(lang)
	if m.store != nil {
		if err := m.store.SetLanguage(ctx, s.ID, lang); err != nil {
			m.log.Warn("language preference not saved", "session", s.ID, "err", err)
		}
	}
	return nil
}

// Generate starts a run for s in the background and returns its run ID.
func (m *Manager) Generate(s *Session) (string, error) {
	runID := uuid.NewString()
	ctx, req, err := s.begin(m.ctx, runID)
	if err != nil {
		return "", err
	}

	started := time.Now()
	m.journalStart(database.Run{
		ID:         runID,
		Session:    s.ID,
		Motion:     req.Motion,
		FrameCount: req.FrameCount,
		Phase:      string(tween.PhasePlanning),
		StartedAt:  started,
	})
	m.log.Info("run started", "session", s.ID, "run", runID, "frames", req.FrameCount)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.runner.Run(ctx, req, runPublisher{s: s, runID: runID})
		published, current := s.finish(runID)

		phase, errText := string(tween.PhaseComplete), ""
		switch {
		case errors.Is(err, context.Canceled) || !current:
			phase = "cancelled"
		case err != nil:
			phase, errText = string(tween.PhaseError), err.Error()
		}
		m.journalFinish(runID, phase, errText, published)
		m.log.Info("run finished", "session", s.ID, "run", runID, "phase", phase, "elapsed", time.Since(started).Round(time.Millisecond))
	}()
	return runID, nil
}

// RecentRuns returns the newest journal entries for a session.
func (m *Manager) RecentRuns(ctx context.Context, s *Session, limit int) ([]database.Run, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.RecentRuns(ctx, s.ID, limit)
}

// Snapshot returns the events that bring a new client of session id up to date.
func (m *Manager) Snapshot(id string) []stream.Event {
	s, ok := m.Get(id)
	if !ok {
		return nil
	}
	cursor, total := s.Cursor()
	return []stream.Event{
		{Session: id, Type: stream.EventFrames, Payload: s.Frames()},
		{Session: id, Type: stream.EventStatus, Payload: s.Status()},
		{Session: id, Type: stream.EventPreview, Payload: stream.PreviewTick{Cursor: cursor, Total: total}},
	}
}

// Close stops eviction, cancels every run, stops every preview loop and
// waits for the run goroutines to return.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.janitorDone != nil {
		<-m.janitorDone
	}

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	m.wg.Wait()
}

// Wait blocks until every run started so far has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) journalStart(run database.Run) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), 5*time.Second)
	defer cancel()
	if err := m.store.StartRun(ctx, run); err != nil {
		m.log.Warn("run journal write failed", "run", run.ID, "err", err)
	}
}

func (m *Manager) journalFinish(runID, phase, errText string, published int) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), 5*time.Second)
	defer cancel()
	if err := m.store.FinishRun(ctx, runID, phase, errText, published, time.Now()); err != nil {
		m.log.Warn("run journal write failed", "run", runID, "err", err)
	}
}
