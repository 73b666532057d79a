package stream

import (
	"context"
	"sync"
)

// Event types.
const (
	EventReset   = "reset"
	EventFrames  = "frames"
	EventStatus  = "status"
	EventPreview = "preview"
)

// Event is one session state change.
type Event struct {
	Session string `json:"-"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// PreviewTick is the payload of a preview event.
type PreviewTick struct {
	Cursor int `json:"cursor"`
	Total  int `json:"total"`
}

// Broadcaster fans out session events to N listeners.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	presence  func(session string, listeners int)
}

// Listener receives events from the broadcaster.
type Listener struct {
	C       chan Event // buffered; slow readers lose events
	session string     // empty receives every session
	done    chan struct{}
}

// Done is closed when the listener is unsubscribed.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		listeners: make(map[*Listener]struct{}),
	}
}

// Subscribe registers a listener for one session, or all sessions when
// session is empty.
func (b *Broadcaster) Subscribe(session string) *Listener {
	l := &Listener{
		C:       make(chan Event, 64),
		session: session,
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.notifyLocked(session)
	b.mu.Unlock()
	return l
}

// Unsubscribe removes a listener and signals it to stop.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	_, ok := b.listeners[l]
	delete(b.listeners, l)
	if ok {
		b.notifyLocked(l.session)
	}
	b.mu.Unlock()
	if ok {
		close(l.done)
	}
}

// SetPresenceFunc registers fn to receive a session's listener count each
// time a listener of that session subscribes or unsubscribes. fn runs with
// the broadcaster locked and must not call back into it.
func (b *Broadcaster) SetPresenceFunc(fn func(session string, listeners int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.presence = fn
}

func (b *Broadcaster) notifyLocked(session string) {
	if b.presence == nil || session == "" {
		return
	}
	n := 0
	for l := range b.listeners {
		if l.session == session {
			n++
		}
	}
	b.presence(session, n)
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish delivers ev to every matching listener.
// Slow listeners get events dropped rather than blocking the publisher.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for l := range b.listeners {
		if l.session != "" && l.session != ev.Session {
			continue
		}
		select {
		case l.C <- ev:
		default:
			// listener too slow, drop event to keep the run moving
		}
	}
}

// Run reads events from source and publishes them until ctx is done or
// source is closed.
func (b *Broadcaster) Run(ctx context.Context, source <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-source:
			if !ok {
				return
			}
			b.Publish(ev)
		}
	}
}
