package web

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/satindergrewal/bananatween/internal/i18n"
	"github.com/satindergrewal/bananatween/internal/session"
	"github.com/satindergrewal/bananatween/internal/stream"
	"github.com/satindergrewal/bananatween/internal/tween"
)

// echoRunner publishes the source image once per requested frame.
type echoRunner struct {
	hold chan struct{} // when set, Run waits for it or cancellation
}

func (r echoRunner) Run(ctx context.Context, req tween.Request, pub tween.Publisher) error {
	pub.Reset()
	pub.Status(tween.Status{Phase: tween.PhasePlanning, Key: tween.KeyPlanning})
	if r.hold != nil {
		select {
		case <-r.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	frames := []tween.Frame{tween.StartFrame(req.Source)}
	for i := range req.FrameCount {
		frames = append(frames, tween.GeneratedFrame(i, req.Source.DataURI(), "step"))
	}
	pub.Frames(frames)
	pub.Status(tween.Status{Phase: tween.PhaseComplete, Key: tween.KeyComplete, Current: req.FrameCount, Total: req.FrameCount})
	return nil
}

type harness struct {
	srv    *httptest.Server
	client *http.Client
	mgr    *session.Manager
}

func newHarness(t *testing.T, runner session.Runner) *harness {
	t.Helper()
	loc, err := i18n.NewLocalizer(i18n.Japanese)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	mgr := session.NewManager(ctx, session.Options{Runner: runner, Localizer: loc, Logger: logger})
	bc := stream.NewBroadcaster()
	go bc.Run(ctx, mgr.Events())

	s := NewServer(Options{
		Sessions:       mgr,
		Broadcaster:    bc,
		Info:           Info{HasCredential: true, Planner: "gemini", PlannerModel: "p", RendererModel: "r"},
		MaxUploadBytes: 64 << 10,
		Logger:         logger,
	})
	srv := httptest.NewServer(s.Handler())
	jar, _ := cookiejar.New(nil)

	t.Cleanup(func() {
		srv.Close()
		s.Close()
		cancel()
		mgr.Close()
	})
	return &harness{srv: srv, client: &http.Client{Jar: jar}, mgr: mgr}
}

func (h *harness) do(t *testing.T, method, path, contentType string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) postJSON(t *testing.T, path, body string) *http.Response {
	t.Helper()
	return h.do(t, http.MethodPost, path, "application/json", strings.NewReader(body))
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", resp.Request.URL.Path, err)
	}
	return v
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	img.Set(4, 4, color.NRGBA{255, 200, 0, 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func (h *harness) upload(t *testing.T, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "sprite.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()
	return h.do(t, http.MethodPost, "/api/image", mw.FormDataContentType(), &body)
}

func waitGenerated(t *testing.T, h *harness) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v := decode[struct {
			Session session.View `json:"session"`
		}](t, h.do(t, http.MethodGet, "/api/status", "", nil))
		if !v.Session.Generating {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not finish")
}

func TestIndexIssuesSessionCookie(t *testing.T) {
	h := newHarness(t, echoRunner{})

	resp := h.do(t, http.MethodGet, "/", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Error("expected session cookie")
	}
	if h.mgr.Count() != 1 {
		t.Errorf("sessions = %d, want 1", h.mgr.Count())
	}

	// the same browser keeps its session
	h.do(t, http.MethodGet, "/api/status", "", nil)
	if h.mgr.Count() != 1 {
		t.Errorf("sessions = %d after second request, want 1", h.mgr.Count())
	}

	if resp := h.do(t, http.MethodGet, "/nope", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d", resp.StatusCode)
	}
}

func TestStatusReportsInfo(t *testing.T) {
	h := newHarness(t, echoRunner{})

	v := decode[struct {
		Info    Info         `json:"info"`
		Session session.View `json:"session"`
	}](t, h.do(t, http.MethodGet, "/api/status", "", nil))

	if !v.Info.HasCredential || v.Info.PlannerModel != "p" || v.Info.RendererModel != "r" {
		t.Errorf("info = %+v", v.Info)
	}
	if v.Session.Mode != session.ModeLanding || v.Session.Language != i18n.Japanese {
		t.Errorf("session = %+v", v.Session)
	}
	if v.Session.CanGenerate {
		t.Error("fresh session should not be able to generate")
	}
}

func TestMethodChecks(t *testing.T) {
	h := newHarness(t, echoRunner{})
	for _, path := range []string{"/api/language", "/api/mode", "/api/image", "/api/motion", "/api/generate", "/api/cancel"} {
		if resp := h.do(t, http.MethodGet, path, "", nil); resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("GET %s = %d, want 405", path, resp.StatusCode)
		}
	}
}

func TestLanguageAndBundle(t *testing.T) {
	h := newHarness(t, echoRunner{})

	v := decode[session.View](t, h.postJSON(t, "/api/language", `{"lang":"en"}`))
	if v.Language != i18n.English {
		t.Errorf("language = %q", v.Language)
	}

	if resp := h.postJSON(t, "/api/language", `{"lang":"fr"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown language status = %d", resp.StatusCode)
	}

	b := decode[struct {
		Lang    string            `json:"lang"`
		Strings map[string]string `json:"strings"`
	}](t, h.do(t, http.MethodGet, "/api/i18n", "", nil))
	if b.Lang != i18n.English || b.Strings["generate_button"] != "Generate Animation" {
		t.Errorf("bundle lang = %q generate_button = %q", b.Lang, b.Strings["generate_button"])
	}

	if resp := h.do(t, http.MethodGet, "/api/i18n?lang=xx", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown bundle status = %d", resp.StatusCode)
	}
}

func TestModeToggle(t *testing.T) {
	h := newHarness(t, echoRunner{})

	v := decode[session.View](t, h.postJSON(t, "/api/mode", `{"mode":"tool"}`))
	if v.Mode != session.ModeTool {
		t.Errorf("mode = %q", v.Mode)
	}
	if resp := h.postJSON(t, "/api/mode", `{"mode":"kiosk"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad mode status = %d", resp.StatusCode)
	}
}

func TestBackToLandingClearsFrames(t *testing.T) {
	h := newHarness(t, echoRunner{})

	h.postJSON(t, "/api/mode", `{"mode":"tool"}`)
	h.upload(t, pngBytes(t))
	h.postJSON(t, "/api/motion", `{"motion":"waves hello","frame_count":3}`)
	if resp := h.postJSON(t, "/api/generate", `{}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("generate status = %d", resp.StatusCode)
	}
	waitGenerated(t, h)

	v := decode[session.View](t, h.postJSON(t, "/api/mode", `{"mode":"landing"}`))
	if v.Mode != session.ModeLanding || v.HasImage || v.Motion != "" || len(v.Frames) != 0 {
		t.Errorf("landing view = mode %q has_image %v motion %q frames %d", v.Mode, v.HasImage, v.Motion, len(v.Frames))
	}
	f := decode[struct {
		Frames []session.FrameView `json:"frames"`
	}](t, h.do(t, http.MethodGet, "/api/frames", "", nil))
	if len(f.Frames) != 0 {
		t.Errorf("frames after leaving tool view = %d, want 0", len(f.Frames))
	}
	if resp := h.do(t, http.MethodGet, "/api/export.png", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("export after leaving tool view = %d, want 404", resp.StatusCode)
	}
}

func TestUploadValidation(t *testing.T) {
	h := newHarness(t, echoRunner{})

	if resp := h.upload(t, []byte("plain text, not pixels")); resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("text upload status = %d, want 415", resp.StatusCode)
	}
	if resp := h.upload(t, bytes.Repeat([]byte{0}, 80<<10)); resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized upload status = %d, want 413", resp.StatusCode)
	}
	if resp := h.postJSON(t, "/api/image", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing field status = %d, want 400", resp.StatusCode)
	}

	v := decode[session.View](t, h.upload(t, pngBytes(t)))
	if !v.HasImage || !strings.HasPrefix(v.Source, "data:image/png;base64,") {
		t.Errorf("view after upload = has_image %v source %.30q", v.HasImage, v.Source)
	}
	if v.CanGenerate {
		t.Error("image without motion should not be able to generate")
	}
}

func TestGenerateFlowAndExport(t *testing.T) {
	h := newHarness(t, echoRunner{})

	if resp := h.postJSON(t, "/api/generate", `{}`); resp.StatusCode != http.StatusConflict {
		t.Errorf("generate without input status = %d, want 409", resp.StatusCode)
	}
	if resp := h.do(t, http.MethodGet, "/api/export.png", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("export without frames status = %d, want 404", resp.StatusCode)
	}

	h.upload(t, pngBytes(t))
	v := decode[session.View](t, h.postJSON(t, "/api/motion", `{"motion":"waves hello","frame_count":42}`))
	if v.FrameCount != tween.MaxFrames || !v.CanGenerate {
		t.Fatalf("frame_count = %d can_generate = %v", v.FrameCount, v.CanGenerate)
	}
	h.postJSON(t, "/api/motion", `{"frame_count":3}`)

	resp := h.postJSON(t, "/api/generate", `{}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("generate status = %d", resp.StatusCode)
	}
	if g := decode[struct {
		RunID string `json:"run_id"`
	}](t, resp); g.RunID == "" {
		t.Error("missing run_id")
	}
	waitGenerated(t, h)

	f := decode[struct {
		Frames []session.FrameView `json:"frames"`
	}](t, h.do(t, http.MethodGet, "/api/frames", "", nil))
	if len(f.Frames) != 4 {
		t.Fatalf("frames = %d, want 4", len(f.Frames))
	}
	if f.Frames[0].Badge != "BASE" || f.Frames[3].Badge != "+ 100%" {
		t.Errorf("badges = %q .. %q", f.Frames[0].Badge, f.Frames[3].Badge)
	}

	exp := h.do(t, http.MethodGet, "/api/export.png", "", nil)
	if exp.StatusCode != http.StatusOK || exp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("export status = %d type = %q", exp.StatusCode, exp.Header.Get("Content-Type"))
	}
	data, _ := io.ReadAll(exp.Body)
	if !bytes.Contains(data, []byte("acTL")) {
		t.Error("export is not an animated PNG")
	}
}

func TestGenerateConflictAndCancel(t *testing.T) {
	hold := make(chan struct{})
	h := newHarness(t, echoRunner{hold: hold})
	defer close(hold)

	h.upload(t, pngBytes(t))
	h.postJSON(t, "/api/motion", `{"motion":"blink"}`)

	if resp := h.postJSON(t, "/api/generate", `{}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first generate status = %d", resp.StatusCode)
	}
	if resp := h.postJSON(t, "/api/generate", `{}`); resp.StatusCode != http.StatusConflict {
		t.Errorf("second generate status = %d, want 409", resp.StatusCode)
	}

	c := decode[struct {
		Cancelled bool         `json:"cancelled"`
		Session   session.View `json:"session"`
	}](t, h.postJSON(t, "/api/cancel", `{}`))
	if !c.Cancelled || c.Session.Generating {
		t.Errorf("cancel = %v generating = %v", c.Cancelled, c.Session.Generating)
	}

	again := decode[struct {
		Cancelled bool `json:"cancelled"`
	}](t, h.postJSON(t, "/api/cancel", `{}`))
	if again.Cancelled {
		t.Error("cancelling an idle session should report false")
	}
}

func TestRunsWithoutStore(t *testing.T) {
	h := newHarness(t, echoRunner{})
	resp := h.do(t, http.MethodGet, "/api/runs?limit=5", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("runs status = %d", resp.StatusCode)
	}
	v := decode[map[string]any](t, resp)
	if _, ok := v["runs"]; !ok {
		t.Error("missing runs field")
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, echoRunner{})
	resp := h.do(t, http.MethodGet, "/healthz", "", nil)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Errorf("healthz = %d %q", resp.StatusCode, body)
	}
}
