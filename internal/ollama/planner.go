package ollama

import (
	"context"
	"fmt"

	"github.com/satindergrewal/bananatween/internal/intake"
	"github.com/satindergrewal/bananatween/internal/tween"
)

// planFormat is the JSON schema Ollama constrains the planner output to.
var planFormat = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"prompts": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
	"required": []string{"prompts"},
}

// Planner plans frame descriptions with a local vision model.
// Rendering still needs an image model, so this only replaces the text step.
type Planner struct {
	client *Client
}

// NewPlanner creates a planner backed by an Ollama client.
func NewPlanner(client *Client) *Planner {
	return &Planner{client: client}
}

// PlanFrames asks the local model for frameCount progressive frame descriptions.
func (p *Planner) PlanFrames(ctx context.Context, src intake.Image, motion string, frameCount int) ([]string, error) {
	raw, err := p.client.Generate(ctx, GenerateRequest{
		System: tween.PlannerInstruction(frameCount),
		Prompt: tween.PlannerRequest(motion, frameCount),
		Images: [][]byte{src.Data},
		Format: planFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama plan: %w", err)
	}

	plan, err := tween.ParsePlan(raw)
	if err != nil {
		p.client.log.Warn("ollama returned unusable plan", "model", p.client.model, "raw", raw)
		return nil, err
	}
	p.client.log.Info("motion planned", "model", p.client.model, "prompts", len(plan))
	return plan, nil
}
