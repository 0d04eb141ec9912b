// Package reasoning is the narrow interface to the external reasoning service.
package reasoning

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"taskweave/internal/logging"
	"taskweave/internal/types"
)

// Client invokes the external reasoning service.
type Client interface {
	Invoke(ctx context.Context, prompt string, maxTokens int) (text string, tokensUsed int, err error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, prompt string, maxTokens int) (string, int, error)

// Invoke calls f.
func (f ClientFunc) Invoke(ctx context.Context, prompt string, maxTokens int) (string, int, error) {
	return f(ctx, prompt, maxTokens)
}

// =============================================================================
// GEMINI
// =============================================================================

// GeminiClient calls Gemini through google.golang.org/genai.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a Gemini-backed client.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

// Invoke sends prompt and returns the text and total tokens reported by the API.
func (g *GeminiClient) Invoke(ctx context.Context, prompt string, maxTokens int) (string, int, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "GeminiClient.Invoke")
	defer timer.Stop()

	cfg := &genai.GenerateContentConfig{}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		logging.APIWarn("Gemini %s failed: %v", g.model, err)
		return "", 0, fmt.Errorf("%w: gemini: %v", types.ErrExternalInvocation, err)
	}
	text := resp.Text()
	tokens := EstimateTokens(prompt) + EstimateTokens(text)
	if resp.UsageMetadata != nil && resp.UsageMetadata.TotalTokenCount > 0 {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	logging.APIDebug("Gemini %s returned %d chars, %d tokens", g.model, len(text), tokens)
	return text, tokens, nil
}

// =============================================================================
// OFFLINE
// =============================================================================

// Offline answers without any network call. It produces a deterministic
// acknowledgement so workflows can run end to end with no credentials.
type Offline struct{}

// Invoke returns a canned response sized to the prompt.
func (Offline) Invoke(ctx context.Context, prompt string, maxTokens int) (string, int, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, fmt.Errorf("%w: %v", types.ErrExternalInvocation, err)
	}
	summary := strings.Join(strings.Fields(prompt), " ")
	if len(summary) > 160 {
		summary = summary[:160] + "..."
	}
	text := "Acknowledged: " + summary
	tokens := EstimateTokens(prompt) + EstimateTokens(text)
	if maxTokens > 0 && tokens > maxTokens {
		tokens = maxTokens
	}
	return text, tokens, nil
}

// EstimateTokens approximates token count at four characters per token.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
