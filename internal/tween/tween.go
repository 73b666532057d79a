package tween

import (
	"context"
	"errors"
	"strconv"

	"github.com/satindergrewal/bananatween/internal/intake"
)

// Frame count bounds accepted by a run.
const (
	MinFrames     = 3
	MaxFrames     = 10
	DefaultFrames = 5
)

// FrameKind tags where a frame came from.
type FrameKind string

const (
	KindStart     FrameKind = "start"
	KindGenerated FrameKind = "generated"
	KindEnd       FrameKind = "end"
)

// StartPrompt is the description attached to the ordinal-0 frame.
const StartPrompt = "Original Source"

// Frame is one still image of the output sequence. Frames are never
// modified after they are published.
type Frame struct {
	ID     string    `json:"id"`
	URL    string    `json:"url"` // data URI
	Prompt string    `json:"prompt"`
	Kind   FrameKind `json:"type"`
	Index  int       `json:"index"`
}

// StartFrame wraps the unmodified source image as ordinal 0.
func StartFrame(src intake.Image) Frame {
	return Frame{
		ID:     "start",
		URL:    src.DataURI(),
		Prompt: StartPrompt,
		Kind:   KindStart,
		Index:  0,
	}
}

// GeneratedFrame builds the frame for planned description i (0-based).
func GeneratedFrame(i int, url, prompt string) Frame {
	return Frame{
		ID:     "gen-" + strconv.Itoa(i),
		URL:    url,
		Prompt: prompt,
		Kind:   KindGenerated,
		Index:  i + 1,
	}
}

// Plan is the ordered list of frame descriptions produced by the planner.
type Plan []string

// Planner turns a source image and a motion description into frameCount
// progressive frame descriptions.
type Planner interface {
	PlanFrames(ctx context.Context, src intake.Image, motion string, frameCount int) ([]string, error)
}

// Renderer renders one description against the original source image and
// returns the result as a data URI.
type Renderer interface {
	RenderFrame(ctx context.Context, src intake.Image, description string) (string, error)
}

// Request is the input of one generation run.
type Request struct {
	Source     intake.Image
	Motion     string
	FrameCount int
}

var (
	// ErrMissingCredential is returned before any network call when no API key is configured.
	ErrMissingCredential = errors.New("API Key not found")
	// ErrEmptyResponse is returned when the planner returns no text.
	ErrEmptyResponse = errors.New("no text returned from planner")
	// ErrMalformedResponse is returned when the plan is not valid JSON or lacks the prompts array.
	ErrMalformedResponse = errors.New("malformed planner response")
	// ErrPlanLength is returned when the planner returns fewer descriptions than requested.
	ErrPlanLength = errors.New("planner returned too few prompts")
	// ErrNotReady is returned when a run is requested without an image or motion text.
	ErrNotReady = errors.New("source image and motion text are required")
	// ErrFrameCount is returned for frame counts outside [MinFrames, MaxFrames].
	ErrFrameCount = errors.New("frame count out of range")
)

// ClampFrameCount forces n into [MinFrames, MaxFrames].
func ClampFrameCount(n int) int {
	if n < MinFrames {
		return MinFrames
	}
	if n > MaxFrames {
		return MaxFrames
	}
	return n
}
