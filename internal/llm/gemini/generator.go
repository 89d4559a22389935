// Package gemini provides a text generator backed by Google Gemini.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/JakeFAU/newsharvest/internal/harvest"
	"github.com/JakeFAU/newsharvest/internal/llm"
)

var _ harvest.Generator = (*Generator)(nil)

// DefaultModel is used when the service names none.
const DefaultModel = "gemini-1.5-flash"

// Generator wraps a genai client and one model.
type Generator struct {
	service string
	client  *genai.Client
	model   *genai.GenerativeModel
}

// New creates a Gemini generator. An API key is required.
func New(ctx context.Context, cfg llm.Config) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini generator %s: API key is required", cfg.Service)
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	name := cfg.Model
	if name == "" {
		name = DefaultModel
	}
	model := client.GenerativeModel(name)
	model.SetTemperature(float32(cfg.Temperature))
	if cfg.MaxGenTokens > 0 {
		model.SetMaxOutputTokens(int32(cfg.MaxGenTokens))
	}
	return &Generator{service: cfg.Service, client: client, model: model}, nil
}

// Generate asks the model for a completion of prompt.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", classify(g.service, err)
	}
	text, err := extractTextFromResponse(resp)
	if err != nil {
		return "", llm.Malformed(g.service, err)
	}
	return text, nil
}

// Close releases resources held by the client.
func (g *Generator) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func classify(service string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return llm.StatusError(service, apiErr.Code, apiErr.Message)
	}
	return llm.TransportError(service, fmt.Errorf("failed to generate content: %w", err))
}

// extractTextFromResponse joins the text parts of the first candidate.
func extractTextFromResponse(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}

	return strings.Join(parts, ""), nil
}
