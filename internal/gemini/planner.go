package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/satindergrewal/bananatween/internal/intake"
	"github.com/satindergrewal/bananatween/internal/tween"
	"google.golang.org/genai"
)

// planSchema constrains the planner output to {"prompts": [string...]}.
var planSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"prompts": {
			Type:        genai.TypeArray,
			Items:       &genai.Schema{Type: genai.TypeString},
			Description: "The ordered list of visual prompts for each frame",
		},
	},
	Required: []string{"prompts"},
}

// PlanFrames asks the text model for frameCount progressive frame descriptions.
func (c *Client) PlanFrames(ctx context.Context, src intake.Image, motion string, frameCount int) ([]string, error) {
	if c.models == nil {
		return nil, tween.ErrMissingCredential
	}

	resp, err := c.models.GenerateContent(ctx, c.plannerModel,
		imageContent(src.MIMEType, src.Data, tween.PlannerRequest(motion, frameCount)),
		&genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{
				Parts: []*genai.Part{{Text: tween.PlannerInstruction(frameCount)}},
			},
			ResponseMIMEType: "application/json",
			ResponseSchema:   planSchema,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("gemini plan request: %w", err)
	}

	plan, err := tween.ParsePlan(responseText(resp))
	if err != nil {
		return nil, err
	}
	c.log.Info("motion planned", "model", c.plannerModel, "prompts", len(plan))
	return plan, nil
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}
