package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// Default model names.
const (
	DefaultPlannerModel  = "gemini-2.5-flash"
	DefaultRendererModel = "gemini-2.5-flash-image"
)

// generator is the slice of the genai Models service the client uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Config holds the explicit settings for a Client.
type Config struct {
	APIKey        string
	PlannerModel  string
	RendererModel string
	RenderRPM     int // 0 disables pacing
	Logger        *slog.Logger
}

// Client talks to the Gemini API for motion planning and frame rendering.
type Client struct {
	plannerModel  string
	rendererModel string
	models        generator // nil when no credential is configured
	limiter       *rate.Limiter
	log           *slog.Logger
}

// NewClient creates a Gemini client. A missing API key is not an error here;
// every call then fails fast with tween.ErrMissingCredential.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	var models generator
	if cfg.APIKey != "" {
		gc, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("genai client: %w", err)
		}
		models = gc.Models
	}
	return newClient(models, cfg), nil
}

func newClient(models generator, cfg Config) *Client {
	c := &Client{
		plannerModel:  cfg.PlannerModel,
		rendererModel: cfg.RendererModel,
		models:        models,
		log:           cfg.Logger,
	}
	if c.plannerModel == "" {
		c.plannerModel = DefaultPlannerModel
	}
	if c.rendererModel == "" {
		c.rendererModel = DefaultRendererModel
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if cfg.RenderRPM > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RenderRPM)), 1)
	}
	return c
}

// HasCredential reports whether an API key was configured.
func (c *Client) HasCredential() bool {
	return c.models != nil
}

// PlannerModel returns the model used for motion planning.
func (c *Client) PlannerModel() string {
	return c.plannerModel
}

// RendererModel returns the model used for frame rendering.
func (c *Client) RendererModel() string {
	return c.rendererModel
}

func imageContent(mimeType string, data []byte, text string) []*genai.Content {
	return []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}},
			{Text: text},
		},
	}}
}
