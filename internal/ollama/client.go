package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client talks to a local Ollama API used as an offline motion planner.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient creates an Ollama client for a vision-capable model.
func NewClient(baseURL, model string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // first call loads the vision model
		},
		log: logger,
	}
}

// generateRequest is the Ollama /api/generate request body.
type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Images  []string       `json:"images,omitempty"`
	Format  any            `json:"format,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// generateResponse is the Ollama /api/generate response.
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// GenerateRequest is one non-streaming completion.
type GenerateRequest struct {
	System string
	Prompt string
	Images [][]byte // raw image bytes, base64 encoded on the wire
	Format any      // "json" or a JSON schema
}

// Available checks if Ollama is reachable.
func (c *Client) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == 200
}

// Generate sends a prompt with optional images and returns the model response.
func (c *Client) Generate(ctx context.Context, in GenerateRequest) (string, error) {
	body := generateRequest{
		Model:  c.model,
		Prompt: in.Prompt,
		System: in.System,
		Format: in.Format,
		Stream: false,
		Options: map[string]any{
			"temperature": 0.7,
			"top_p":       0.9,
		},
	}
	for _, img := range in.Images {
		body.Images = append(body.Images, base64.StdEncoding.EncodeToString(img))
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/generate", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}

	return strings.TrimSpace(result.Response), nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// WaitForReady polls Ollama until it responds or context expires.
func (c *Client) WaitForReady(ctx context.Context) bool {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if c.Available(ctx) {
				c.log.Info("ollama ready", "model", c.model)
				return true
			}
		}
	}
}
