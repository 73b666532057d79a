package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/satindergrewal/bananatween/internal/intake"
	"github.com/satindergrewal/bananatween/internal/tween"
	"google.golang.org/genai"
)

var (
	// ErrNoCandidates is returned when the model produced nothing at all.
	ErrNoCandidates = errors.New("no image generated (empty response)")
	// ErrNoImage is returned when the candidate has parts but none carries image data.
	ErrNoImage = errors.New("image data not found in response")
)

// RefusalError reports a finish reason returned in place of image data.
type RefusalError struct {
	Reason string
}

func (e *RefusalError) Error() string {
	return "generation failed with reason: " + e.Reason
}

// RenderFrame renders description against the original source image and
// returns the first inline image of the response as a data URI.
func (c *Client) RenderFrame(ctx context.Context, src intake.Image, description string) (string, error) {
	if c.models == nil {
		return "", tween.ErrMissingCredential
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	resp, err := c.models.GenerateContent(ctx, c.rendererModel,
		imageContent(src.MIMEType, src.Data, description),
		&genai.GenerateContentConfig{
			ResponseModalities: []string{"IMAGE"},
		},
	)
	if err != nil {
		return "", fmt.Errorf("gemini render request: %w", err)
	}
	return extractImage(resp)
}

func extractImage(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return "", ErrNoCandidates
	}
	cand := resp.Candidates[0]
	reason := string(cand.FinishReason)

	var parts []*genai.Part
	if cand.Content != nil {
		parts = cand.Content.Parts
	}
	if len(parts) == 0 {
		if reason != "" {
			return "", &RefusalError{Reason: reason}
		}
		return "", ErrNoCandidates
	}

	for _, part := range parts {
		if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		mimeType := part.InlineData.MIMEType
		if mimeType == "" {
			mimeType = "image/png"
		}
		return intake.DataURI(mimeType, base64.StdEncoding.EncodeToString(part.InlineData.Data)), nil
	}

	if reason != "" && reason != string(genai.FinishReasonStop) {
		return "", &RefusalError{Reason: reason}
	}
	return "", ErrNoImage
}
