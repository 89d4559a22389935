// Package ollama provides a text generator backed by an Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/newsharvest/internal/harvest"
	"github.com/JakeFAU/newsharvest/internal/llm"
)

// Ensure Generator implements the interface.
var _ harvest.Generator = (*Generator)(nil)

// Default configuration values.
const (
	DefaultBaseURL    = "http://localhost:11434"
	DefaultModel      = "llama3.2"
	DefaultLLMTimeout = 120 * time.Second
)

// Generator calls /api/generate.
type Generator struct {
	client  *http.Client
	service string
	baseURL string
	model   string
	opts    *options
}

// generateRequest is the Ollama /api/generate request format.
type generateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Stream  bool     `json:"stream"`
	Options *options `json:"options,omitempty"`
}

// options holds generation parameters.
type options struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// generateResponse is the Ollama /api/generate response format.
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// New creates an Ollama generator.
func New(cfg llm.Config) *Generator {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultLLMTimeout
	}
	g := &Generator{
		client:  &http.Client{Timeout: cfg.Timeout},
		service: cfg.Service,
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		model:   cfg.Model,
	}
	if cfg.MaxGenTokens > 0 || cfg.Temperature > 0 {
		g.opts = &options{NumPredict: cfg.MaxGenTokens, Temperature: cfg.Temperature}
	}
	return g
}

// Generate produces a completion for prompt.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	jsonBody, err := json.Marshal(generateRequest{
		Model:   g.model,
		Prompt:  prompt,
		Stream:  false,
		Options: g.opts,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/generate", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", llm.TransportError(g.service, fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", llm.StatusError(g.service, resp.StatusCode, string(body))
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", llm.Malformed(g.service, fmt.Errorf("decode response: %w", err))
	}
	if strings.TrimSpace(genResp.Response) == "" {
		return "", llm.Malformed(g.service, fmt.Errorf("empty response"))
	}
	return genResp.Response, nil
}
