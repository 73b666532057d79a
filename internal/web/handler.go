package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/satindergrewal/bananatween/internal/export"
	"github.com/satindergrewal/bananatween/internal/intake"
	"github.com/satindergrewal/bananatween/internal/session"
	"github.com/satindergrewal/bananatween/internal/stream"
	"github.com/satindergrewal/bananatween/internal/tween"
)

// SessionCookie names the cookie carrying the session ID.
const SessionCookie = "tween_session"

// Info describes the configured backends for the status endpoint.
type Info struct {
	HasCredential bool   `json:"has_credential"`
	Planner       string `json:"planner"`
	PlannerModel  string `json:"planner_model"`
	RendererModel string `json:"renderer_model"`
}

// Options wires the HTTP surface.
type Options struct {
	Sessions       *session.Manager
	Broadcaster    *stream.Broadcaster
	Info           Info
	MaxUploadBytes int64
	WebRTC         bool
	Logger         *slog.Logger
}

// Server is the user-facing HTTP surface: the embedded UI, the JSON API
// and the live transports.
type Server struct {
	sessions  *session.Manager
	info      Info
	maxUpload int64
	log       *slog.Logger

	ws     *stream.WSHandler
	webrtc *stream.WebRTCHandler // nil when disabled
	bc     *stream.Broadcaster
}

// NewServer creates the HTTP surface.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sessions:  opts.Sessions,
		info:      opts.Info,
		maxUpload: opts.MaxUploadBytes,
		log:       logger,
		bc:        opts.Broadcaster,
	}
	if s.maxUpload <= 0 {
		s.maxUpload = 20 << 20
	}
	s.ws = stream.NewWSHandler(opts.Broadcaster, s.lookupSession, opts.Sessions.Snapshot, logger)
	if opts.WebRTC {
		s.webrtc = stream.NewWebRTCHandler(opts.Broadcaster, s.lookupSession, logger)
	}
	return s
}

// Close tears down live transports.
func (s *Server) Close() {
	if s.webrtc != nil {
		s.webrtc.Close()
	}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		s.openSession(w, r)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(IndexHTML)
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})

	mux.Handle("/ws", s.ws)
	if s.webrtc != nil {
		mux.Handle("/offer", s.webrtc)
	}

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/i18n", s.handleI18n)
	mux.HandleFunc("/api/language", s.handleLanguage)
	mux.HandleFunc("/api/mode", s.handleMode)
	mux.HandleFunc("/api/image", s.handleImage)
	mux.HandleFunc("/api/motion", s.handleMotion)
	mux.HandleFunc("/api/generate", s.handleGenerate)
	mux.HandleFunc("/api/cancel", s.handleCancel)
	mux.HandleFunc("/api/frames", s.handleFrames)
	mux.HandleFunc("/api/export.png", s.handleExport)
	mux.HandleFunc("/api/runs", s.handleRuns)

	return mux
}

// openSession resolves the caller's session, issuing a cookie for new ones.
func (s *Server) openSession(w http.ResponseWriter, r *http.Request) *session.Session {
	var id string
	if c, err := r.Cookie(SessionCookie); err == nil {
		id = c.Value
	}
	sess, created := s.sessions.Open(r.Context(), id, r.Header.Get("Accept-Language"))
	if created || sess.ID != id {
		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookie,
			Value:    sess.ID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   int((30 * 24 * time.Hour).Seconds()),
		})
	}
	return sess
}

func (s *Server) lookupSession(r *http.Request) (string, bool) {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return "", false
	}
	if _, ok := s.sessions.Get(c.Value); !ok {
		return "", false
	}
	return c.Value, true
}

func (s *Server) view(sess *session.Session) session.View {
	return sess.View(s.sessions.Localizer())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess := s.openSession(w, r)
	writeJSON(w, http.StatusOK, map[string]any{
		"info":      s.info,
		"session":   s.view(sess),
		"listeners": s.bc.ListenerCount(),
	})
}

func (s *Server) handleI18n(w http.ResponseWriter, r *http.Request) {
	loc := s.sessions.Localizer()
	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = s.openSession(w, r).Language()
	}
	if !loc.Supports(lang) {
		http.Error(w, "unknown language", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lang":      lang,
		"languages": loc.Languages(),
		"strings":   loc.Bundle(lang),
	})
}

func (s *Server) handleLanguage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Lang string `json:"lang"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	sess := s.openSession(w, r)
	if err := s.sessions.SetLanguage(r.Context(), sess, req.Lang); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.view(sess))
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Mode session.Mode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	sess := s.openSession(w, r)
	if err := sess.SetMode(req.Mode); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.view(sess))
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	sess := s.openSession(w, r)

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	file, header, err := r.FormFile("image")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, fmt.Sprintf("image larger than %d bytes", s.maxUpload), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "multipart field \"image\" required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	img, err := intake.FromReader(file, header.Header.Get("Content-Type"))
	switch {
	case errors.Is(err, intake.ErrNotImage):
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess.SetImage(img)
	s.log.Info("image uploaded", "session", sess.ID, "type", img.MIMEType, "bytes", len(img.Data))
	writeJSON(w, http.StatusOK, s.view(sess))
}

func (s *Server) handleMotion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Motion     *string `json:"motion"`
		FrameCount *int    `json:"frame_count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	sess := s.openSession(w, r)
	if req.Motion != nil {
		sess.SetMotion(*req.Motion)
	}
	if req.FrameCount != nil {
		sess.SetFrameCount(*req.FrameCount)
	}
	writeJSON(w, http.StatusOK, s.view(sess))
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	sess := s.openSession(w, r)
	runID, err := s.sessions.Generate(sess)
	if errors.Is(err, session.ErrGenerating) || errors.Is(err, tween.ErrNotReady) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "session": s.view(sess)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	sess := s.openSession(w, r)
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": sess.Cancel(), "session": s.view(sess)})
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	sess := s.openSession(w, r)
	cursor, total := sess.Cursor()
	writeJSON(w, http.StatusOK, map[string]any{
		"frames": session.Badges(sess.Frames()),
		"cursor": cursor,
		"total":  total,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	sess := s.openSession(w, r)
	data, err := export.Bytes(sess.Frames())
	if errors.Is(err, export.ErrNoFrames) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Warn("export failed", "session", sess.ID, "err", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", `attachment; filename="bananatween.png"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	sess := s.openSession(w, r)
	limit := 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}
	runs, err := s.sessions.RecentRuns(r.Context(), sess, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
