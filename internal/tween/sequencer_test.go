package tween

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/satindergrewal/bananatween/internal/intake"
)

// --- fakes ---

type fakePlanner struct {
	prompts []string
	err     error
	calls   int
}

func (p *fakePlanner) PlanFrames(ctx context.Context, src intake.Image, motion string, n int) ([]string, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if p.prompts != nil {
		return p.prompts, nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s step %d/%d, %s", motion, i+1, n, StyleSuffix)
	}
	return out, nil
}

type fakeRenderer struct {
	mu      sync.Mutex
	failAt  int // 1-indexed call that fails, 0 = never
	calls   int
	sources [][]byte
	delay   func(prompt string) time.Duration
}

func (r *fakeRenderer) RenderFrame(ctx context.Context, src intake.Image, description string) (string, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.sources = append(r.sources, src.Data)
	r.mu.Unlock()

	if r.delay != nil {
		select {
		case <-time.After(r.delay(description)):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r.failAt != 0 && call == r.failAt {
		return "", errors.New("generation failed with reason: SAFETY")
	}
	return intake.DataURI("image/png", fmt.Sprintf("cmVuZGVy%d", call)), nil
}

type recorder struct {
	mu       sync.Mutex
	resets   int
	frames   [][]Frame
	statuses []Status
}

func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
	r.frames = append(r.frames, nil)
}

func (r *recorder) Frames(f []Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) Status(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
}

func (r *recorder) last() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return nil
	}
	return r.frames[len(r.frames)-1]
}

func (r *recorder) lastStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return Status{}
	}
	return r.statuses[len(r.statuses)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func source() intake.Image {
	return intake.Image{MIMEType: "image/png", Data: []byte("\x89PNG\r\n\x1a\nsource-bytes")}
}

// --- tests ---

func TestRunPublishesStartPlusN(t *testing.T) {
	for n := MinFrames; n <= MaxFrames; n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			seq := NewSequencer(&fakePlanner{}, &fakeRenderer{}, Options{Logger: quietLogger()})
			rec := &recorder{}

			err := seq.Run(context.Background(), Request{Source: source(), Motion: "character waves", FrameCount: n}, rec)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}

			frames := rec.last()
			if len(frames) != n+1 {
				t.Fatalf("published %d frames, want %d", len(frames), n+1)
			}
			if frames[0].Kind != KindStart || frames[0].Index != 0 {
				t.Errorf("frame 0 = %+v, want start at ordinal 0", frames[0])
			}
			for i := 1; i <= n; i++ {
				if frames[i].Kind != KindGenerated {
					t.Errorf("frame %d kind = %q, want generated", i, frames[i].Kind)
				}
				if frames[i].Index != i {
					t.Errorf("frame %d index = %d", i, frames[i].Index)
				}
				if frames[i].ID != fmt.Sprintf("gen-%d", i-1) {
					t.Errorf("frame %d id = %q", i, frames[i].ID)
				}
			}
			if st := rec.lastStatus(); st.Phase != PhaseComplete || st.Key != KeyComplete {
				t.Errorf("final status = %+v, want complete", st)
			}
		})
	}
}

func TestRunPublishesIncrementally(t *testing.T) {
	seq := NewSequencer(&fakePlanner{}, &fakeRenderer{}, Options{Logger: quietLogger()})
	rec := &recorder{}

	if err := seq.Run(context.Background(), Request{Source: source(), Motion: "blink", FrameCount: 4}, rec); err != nil {
		t.Fatal(err)
	}

	// reset, then start frame, then one publish per rendered frame
	if len(rec.frames) != 1+1+4 {
		t.Fatalf("got %d frame publications, want 6", len(rec.frames))
	}
	if rec.frames[0] != nil {
		t.Error("first publication should be the reset")
	}
	for i := 1; i < len(rec.frames); i++ {
		if len(rec.frames[i]) != i {
			t.Errorf("publication %d has %d frames, want %d", i, len(rec.frames[i]), i)
		}
	}
}

func TestStartFrameMatchesUpload(t *testing.T) {
	src := source()
	seq := NewSequencer(&fakePlanner{}, &fakeRenderer{}, Options{Logger: quietLogger()})
	rec := &recorder{}

	if err := seq.Run(context.Background(), Request{Source: src, Motion: "nod", FrameCount: 3}, rec); err != nil {
		t.Fatal(err)
	}

	start := rec.last()[0]
	back, err := intake.ParseDataURI(start.URL)
	if err != nil {
		t.Fatalf("start frame URL is not a data URI: %v", err)
	}
	if !bytes.Equal(back.Data, src.Data) {
		t.Error("start frame payload differs from the upload")
	}
	if start.Prompt != StartPrompt {
		t.Errorf("start prompt = %q", start.Prompt)
	}
}

func TestRendererAlwaysGetsOriginalSource(t *testing.T) {
	src := source()
	r := &fakeRenderer{}
	seq := NewSequencer(&fakePlanner{}, r, Options{Logger: quietLogger()})

	if err := seq.Run(context.Background(), Request{Source: src, Motion: "jump", FrameCount: 5}, &recorder{}); err != nil {
		t.Fatal(err)
	}
	if len(r.sources) != 5 {
		t.Fatalf("renderer called %d times, want 5", len(r.sources))
	}
	for i, got := range r.sources {
		if !bytes.Equal(got, src.Data) {
			t.Errorf("render %d anchored to something other than the source", i+1)
		}
	}
}

func TestPlanningFailureLeavesNoFrames(t *testing.T) {
	p := &fakePlanner{err: ErrMalformedResponse}
	r := &fakeRenderer{}
	seq := NewSequencer(p, r, Options{Logger: quietLogger()})
	rec := &recorder{}

	err := seq.Run(context.Background(), Request{Source: source(), Motion: "wave", FrameCount: 4}, rec)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
	if len(rec.last()) != 0 {
		t.Errorf("frames published after planning failure: %d", len(rec.last()))
	}
	if r.calls != 0 {
		t.Errorf("renderer called %d times after planning failure", r.calls)
	}
	st := rec.lastStatus()
	if st.Phase != PhaseError || st.Key != KeyError {
		t.Errorf("status = %+v, want error", st)
	}
	if st.Detail == "" {
		t.Error("error status should carry the underlying message")
	}
}

func TestRenderFailureKeepsPrefix(t *testing.T) {
	const n = 5
	for k := 1; k <= n; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			r := &fakeRenderer{failAt: k}
			seq := NewSequencer(&fakePlanner{}, r, Options{Logger: quietLogger()})
			rec := &recorder{}

			err := seq.Run(context.Background(), Request{Source: source(), Motion: "spin", FrameCount: n}, rec)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := len(rec.last()); got != k {
				t.Errorf("frames published = %d, want %d", got, k)
			}
			if r.calls != k {
				t.Errorf("renderer called %d times, want %d (no iterations after failure)", r.calls, k)
			}
			if st := rec.lastStatus(); st.Phase != PhaseError {
				t.Errorf("status = %+v, want error", st)
			}
		})
	}
}

func TestEntryGuard(t *testing.T) {
	seq := NewSequencer(&fakePlanner{}, &fakeRenderer{}, Options{Logger: quietLogger()})

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"no image", Request{Motion: "wave", FrameCount: 4}, ErrNotReady},
		{"no motion", Request{Source: source(), FrameCount: 4}, ErrNotReady},
		{"blank motion", Request{Source: source(), Motion: "   ", FrameCount: 4}, ErrNotReady},
		{"too few frames", Request{Source: source(), Motion: "wave", FrameCount: 2}, ErrFrameCount},
		{"too many frames", Request{Source: source(), Motion: "wave", FrameCount: 11}, ErrFrameCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			err := seq.Run(context.Background(), tt.req, rec)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if rec.resets != 0 || len(rec.statuses) != 0 {
				t.Error("a guarded run must not publish anything")
			}
		})
	}
}

func TestLongPlanIsClamped(t *testing.T) {
	p := &fakePlanner{prompts: []string{"a", "b", "c", "d", "e", "f"}}
	r := &fakeRenderer{}
	seq := NewSequencer(p, r, Options{Logger: quietLogger()})
	rec := &recorder{}

	if err := seq.Run(context.Background(), Request{Source: source(), Motion: "wave", FrameCount: 4}, rec); err != nil {
		t.Fatal(err)
	}
	if got := len(rec.last()); got != 5 {
		t.Errorf("frames = %d, want 5", got)
	}
	if r.calls != 4 {
		t.Errorf("renderer called %d times, want 4", r.calls)
	}
}

func TestShortPlanFails(t *testing.T) {
	p := &fakePlanner{prompts: []string{"a", "b"}}
	r := &fakeRenderer{}
	seq := NewSequencer(p, r, Options{Logger: quietLogger()})
	rec := &recorder{}

	err := seq.Run(context.Background(), Request{Source: source(), Motion: "wave", FrameCount: 4}, rec)
	if !errors.Is(err, ErrPlanLength) {
		t.Fatalf("err = %v, want ErrPlanLength", err)
	}
	if r.calls != 0 {
		t.Error("renderer should not run on a short plan")
	}
	if len(rec.last()) != 0 {
		t.Error("no frames should be published on a short plan")
	}
}

func TestCancelledRunStopsPublishing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &fakeRenderer{delay: func(string) time.Duration { return 50 * time.Millisecond }}
	seq := NewSequencer(&fakePlanner{}, r, Options{Logger: quietLogger()})
	rec := &recorder{}

	done := make(chan error, 1)
	go func() {
		done <- seq.Run(ctx, Request{Source: source(), Motion: "wave", FrameCount: 10}, rec)
	}()

	time.Sleep(120 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, st := range rec.statuses {
		if st.Phase == PhaseError || st.Phase == PhaseComplete {
			t.Errorf("cancelled run published terminal status %+v", st)
		}
	}
	if n := len(rec.frames[len(rec.frames)-1]); n >= 11 {
		t.Errorf("cancelled run published all %d frames", n)
	}
}

func TestParallelPublishesInOrder(t *testing.T) {
	// Later prompts finish first.
	r := &fakeRenderer{delay: func(p string) time.Duration {
		var step, n int
		fmt.Sscanf(p, "wave step %d/%d", &step, &n)
		return time.Duration(n-step+1) * 10 * time.Millisecond
	}}
	seq := NewSequencer(&fakePlanner{}, r, Options{Parallelism: 3, Logger: quietLogger()})
	rec := &recorder{}

	if err := seq.Run(context.Background(), Request{Source: source(), Motion: "wave", FrameCount: 6}, rec); err != nil {
		t.Fatal(err)
	}

	frames := rec.last()
	if len(frames) != 7 {
		t.Fatalf("frames = %d, want 7", len(frames))
	}
	for i, f := range frames {
		if f.Index != i {
			t.Errorf("frame at %d has index %d", i, f.Index)
		}
	}
	for _, pub := range rec.frames {
		for i, f := range pub {
			if f.Index != i {
				t.Fatalf("out-of-order publication: %+v", pub)
			}
		}
	}
}

func TestParallelFailureStopsRun(t *testing.T) {
	r := &fakeRenderer{failAt: 2}
	seq := NewSequencer(&fakePlanner{}, r, Options{Parallelism: 2, Logger: quietLogger()})
	rec := &recorder{}

	err := seq.Run(context.Background(), Request{Source: source(), Motion: "wave", FrameCount: 5}, rec)
	if err == nil {
		t.Fatal("expected error")
	}
	if st := rec.lastStatus(); st.Phase != PhaseError {
		t.Errorf("status = %+v, want error", st)
	}
	if got := len(rec.last()); got >= 6 {
		t.Errorf("failed parallel run published %d frames", got)
	}
}

func TestParallelismDefault(t *testing.T) {
	if got := NewSequencer(nil, nil, Options{}).Parallelism(); got != 1 {
		t.Errorf("default parallelism = %d, want 1", got)
	}
}

func TestClampFrameCount(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 3}, {3, 3}, {5, 5}, {10, 10}, {42, 10},
	}
	for _, tt := range tests {
		if got := ClampFrameCount(tt.in); got != tt.want {
			t.Errorf("ClampFrameCount(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
