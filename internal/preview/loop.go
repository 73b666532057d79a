package preview

import (
	"slices"
	"sync"
	"time"

	"github.com/satindergrewal/bananatween/internal/tween"
)

// FPS is the fixed preview rate.
const FPS = 5

// Interval is the time between preview frames.
const Interval = time.Second / FPS

// Loop cycles a cursor over the published frame list at a fixed rate.
// It only reads the frames it is handed and never touches generation state.
type Loop struct {
	interval time.Duration
	onTick   func(cursor, total int)

	mu     sync.Mutex
	frames []tween.Frame
	cursor int
	paused bool          // no ticker until Resume, even when frames arrive
	gen    uint64        // bumped on every restart; stale tickers exit
	stop   chan struct{} // nil when no ticker is running
}

// NewLoop creates a stopped loop. onTick may be nil.
func NewLoop(interval time.Duration, onTick func(cursor, total int)) *Loop {
	if interval <= 0 {
		interval = Interval
	}
	return &Loop{interval: interval, onTick: onTick}
}

// SetFrames replaces the frame list and restarts the ticker when it is non-empty.
// The cursor is kept if it still points inside the new list, otherwise reset to 0.
func (l *Loop) SetFrames(frames []tween.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopLocked()
	l.frames = slices.Clone(frames)
	if l.cursor >= len(l.frames) {
		l.cursor = 0
	}
	if len(l.frames) > 0 && !l.paused {
		l.startLocked()
	}
}

// Reset clears the frame list and rewinds the cursor.
func (l *Loop) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
	l.frames = nil
	l.cursor = 0
}

// Stop halts the ticker, keeping the current frames and cursor.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

// Pause halts the ticker and keeps it halted across SetFrames until Resume.
// Frames and cursor are kept.
func (l *Loop) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
	l.stopLocked()
}

// Resume lifts a Pause and restarts the ticker when there are frames.
func (l *Loop) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = false
	if l.stop == nil && len(l.frames) > 0 {
		l.startLocked()
	}
}

// Running reports whether a ticker is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stop != nil
}

// Cursor returns the current position and the frame count.
// The cursor is always in [0, total-1], or 0 when there are no frames.
func (l *Loop) Cursor() (cursor, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor, len(l.frames)
}

// Current returns the frame under the cursor.
func (l *Loop) Current() (tween.Frame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.frames) == 0 {
		return tween.Frame{}, false
	}
	return l.frames[l.cursor], true
}

// Advance moves the cursor one frame forward, wrapping at the end.
func (l *Loop) Advance() {
	l.mu.Lock()
	gen := l.gen
	l.mu.Unlock()
	l.tick(gen)
}

func (l *Loop) startLocked() {
	l.gen++
	gen := l.gen
	stop := make(chan struct{})
	l.stop = stop

	go func() {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !l.tick(gen) {
					return
				}
			}
		}
	}()
}

// tick advances the cursor for ticker generation gen.
func (l *Loop) tick(gen uint64) bool {
	l.mu.Lock()
	if l.gen != gen || len(l.frames) == 0 {
		l.mu.Unlock()
		return false
	}
	l.cursor = (l.cursor + 1) % len(l.frames)
	cursor, total := l.cursor, len(l.frames)
	l.mu.Unlock()

	if l.onTick != nil {
		l.onTick(cursor, total)
	}
	return true
}

func (l *Loop) stopLocked() {
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	l.gen++
}
