package providers

import (
	"context"
	"errors"
	"os"
	"strings"

	"google.golang.org/genai"
)

// ErrMissingAPIKey is returned by Gemini when no key is configured
var ErrMissingAPIKey = errors.New("GEMINI_API_KEY is not set")

type GeminiClient struct {
	client *genai.Client
}

func Gemini(ctx context.Context, params ProviderParams) (*GeminiClient, error) {
	apiKey := params.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGoogleAI,
	})
	if err != nil {
		return nil, err
	}
	return &GeminiClient{
		client: client,
	}, nil
}

func generateConfig(temperature float64) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{Temperature: &temperature}
}

func (c *GeminiClient) Complete(ctx context.Context, model string, prompt string, temperature float64) (string, error) {
	parts := []*genai.Part{
		{Text: prompt},
	}
	result, err := c.client.Models.GenerateContent(ctx, model, []*genai.Content{{Parts: parts}}, generateConfig(temperature))
	if err != nil {
		return "", err
	}
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", errors.New("gemini: no candidates")
	}
	var sb strings.Builder
	for _, p := range result.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}
