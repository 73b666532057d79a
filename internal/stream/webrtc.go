package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PreviewChannel is the data channel label clients open for preview ticks.
const PreviewChannel = "preview"

// WebRTCHandler serves SDP negotiation for a low-latency preview feed.
// The browser opens a data channel in its offer; preview ticks for the
// caller's session are sent over it as JSON text messages.
type WebRTCHandler struct {
	broadcaster *Broadcaster
	session     SessionFunc
	log         *slog.Logger

	mu    sync.Mutex
	peers []*webrtc.PeerConnection
}

// NewWebRTCHandler creates a WebRTC preview handler.
func NewWebRTCHandler(b *Broadcaster, session SessionFunc, logger *slog.Logger) *WebRTCHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebRTCHandler{
		broadcaster: b,
		session:     session,
		log:         logger,
	}
}

// PeerCount returns the number of active WebRTC peers.
func (h *WebRTCHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	id, ok := h.session(r)
	if !ok {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, "create peer connection failed", http.StatusInternalServerError)
		return
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != PreviewChannel {
			return
		}
		dc.OnOpen(func() {
			go h.streamToChannel(id, dc)
		})
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		http.Error(w, "set remote description failed", http.StatusBadRequest)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		http.Error(w, "create answer failed", http.StatusInternalServerError)
		return
	}

	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		http.Error(w, "set local description failed", http.StatusInternalServerError)
		return
	}

	// Wait for ICE gathering to complete
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	select {
	case <-gatherComplete:
	case <-r.Context().Done():
		pc.Close()
		return
	}

	h.mu.Lock()
	h.peers = append(h.peers, pc)
	h.mu.Unlock()

	h.log.Info("webrtc peer connected", "session", id, "peers", h.PeerCount())

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			if h.removePeer(pc) {
				pc.Close()
				h.log.Info("webrtc peer disconnected", "session", id, "remaining", h.PeerCount())
			}
		}
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pc.LocalDescription())
}

func (h *WebRTCHandler) streamToChannel(session string, dc *webrtc.DataChannel) {
	listener := h.broadcaster.Subscribe(session)
	defer h.broadcaster.Unsubscribe(listener)

	closed := make(chan struct{})
	var once sync.Once
	dc.OnClose(func() { once.Do(func() { close(closed) }) })

	for {
		select {
		case <-closed:
			return
		case <-listener.Done():
			return
		case ev := <-listener.C:
			if ev.Type != EventPreview && ev.Type != EventReset {
				continue
			}
			msg, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := dc.SendText(string(msg)); err != nil {
				return
			}
		}
	}
}

// Close tears down every peer connection.
func (h *WebRTCHandler) Close() {
	h.mu.Lock()
	peers := h.peers
	h.peers = nil
	h.mu.Unlock()
	for _, pc := range peers {
		pc.Close()
	}
}

func (h *WebRTCHandler) removePeer(pc *webrtc.PeerConnection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, p := range h.peers {
		if p == pc {
			h.peers = append(h.peers[:i], h.peers[i+1:]...)
			return true
		}
	}
	return false
}
