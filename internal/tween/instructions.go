package tween

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StyleSuffix is appended by the planner to every frame description.
const StyleSuffix = "game asset style, flat background, consistent character"

// plannerInstruction is the fixed system instruction for the motion planner.
// The %[1]d verbs are the requested frame count.
const plannerInstruction = `You are an expert 2D Animation Director.
Your task is to take a Source Image and a "Motion Prompt" from a user.
You must create a frame-by-frame plan to animate the static image according to the prompt.

Input:
- Source Image (Visual context)
- Motion Prompt (e.g., "Make him smile")
- Frame Count: %[1]d

Output:
- A JSON object containing an array of %[1]d strings.
- Each string must be a visual description of what that specific frame looks like.

Rules for Consistency:
1. The FIRST prompt should be very close to the original image but with the movement just starting (approx 1/%[1]d progress).
2. The LAST prompt should be the completed action.
3. Intermediate prompts must bridge the gap linearly.
4. CRITICAL: You MUST describe the visual features of the character (hair color, clothes, background) in EVERY prompt to ensure the image generator doesn't hallucinate new details.
5. Style: Append "%[2]s" to every prompt.`

// PlannerInstruction returns the system instruction for n frames.
func PlannerInstruction(n int) string {
	return fmt.Sprintf(plannerInstruction, n, StyleSuffix)
}

// PlannerRequest returns the user-turn text sent alongside the source image.
func PlannerRequest(motion string, n int) string {
	return fmt.Sprintf("Motion Request: %q\nGenerate %d progressive prompts to animate this image.", motion, n)
}

// planResponse is the schema-constrained planner output.
type planResponse struct {
	Prompts *[]string `json:"prompts"`
}

// ParsePlan unwraps and decodes a planner response body.
func ParsePlan(text string) (Plan, error) {
	cleaned := CleanJSON(text)
	if cleaned == "" {
		return nil, ErrEmptyResponse
	}

	var resp planResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.Prompts == nil {
		return nil, fmt.Errorf("%w: missing prompts array", ErrMalformedResponse)
	}

	plan := make(Plan, 0, len(*resp.Prompts))
	for _, p := range *resp.Prompts {
		if p = strings.TrimSpace(p); p != "" {
			plan = append(plan, p)
		}
	}
	return plan, nil
}

// CleanJSON strips the wrapping models tend to put around a JSON payload:
// markdown code fences, thinking blocks and surrounding whitespace.
func CleanJSON(s string) string {
	s = strings.TrimSpace(s)

	if idx := strings.Index(s, "</think>"); idx >= 0 {
		s = strings.TrimSpace(s[idx+len("</think>"):])
	}

	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```JSON", "")
	s = strings.ReplaceAll(s, "```", "")
	s = strings.TrimSpace(s)

	// Drop any preamble before the object.
	if start := strings.IndexByte(s, '{'); start > 0 {
		if end := strings.LastIndexByte(s, '}'); end > start {
			s = s[start : end+1]
		}
	}
	return s
}

// ValidatePlan enforces the requested length. Longer plans are clamped to n;
// shorter plans are an error so a run never renders fewer frames than asked.
func ValidatePlan(plan Plan, n int) (Plan, bool, error) {
	if len(plan) < n {
		return nil, false, fmt.Errorf("%w: got %d, want %d", ErrPlanLength, len(plan), n)
	}
	if len(plan) > n {
		return plan[:n], true, nil
	}
	return plan, false, nil
}
