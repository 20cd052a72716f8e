package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/autofixlabs/autofix/internal/domain"
)

const systemPrompt = `You are an expert Python debugging assistant. Analyze the code and error, then respond with ONLY a valid JSON object.

Your response MUST be valid JSON with this exact structure:
{
  "explanation": "Single sentence explaining why the bug occurred",
  "fixed_code": "Complete corrected Python code"
}

Do not include markdown, code blocks, or any text outside the JSON object.`

// OllamaClient implements PatchClient against an Ollama server.
type OllamaClient struct {
	client *api.Client
	model  string
}

// NewOllamaClient creates a patch client for the given Ollama host URL
// (e.g. "http://localhost:11434"). The http timeout bounds each inference
// round-trip so a stuck backend cannot hang the repair loop.
func NewOllamaClient(hostURL, model string, timeout time.Duration) (*OllamaClient, error) {
	parsed, err := url.Parse(hostURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host %q: %w", hostURL, err)
	}
	return &OllamaClient{
		client: api.NewClient(parsed, &http.Client{Timeout: timeout}),
		model:  model,
	}, nil
}

// Propose asks the model for a fix and parses the answer defensively.
func (c *OllamaClient) Propose(ctx context.Context, code, failureOutput string) (domain.PatchSuggestion, error) {
	prompt := fmt.Sprintf("%s\n\nCODE:\n%s\n\nERROR:\n%s\n\nReturn ONLY the JSON object with explanation and fixed_code.",
		systemPrompt, code, failureOutput)

	stream := false
	req := &api.GenerateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: &stream,
		Format: json.RawMessage(`"json"`),
	}

	var answer strings.Builder
	var reasoning strings.Builder
	err := c.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		answer.WriteString(resp.Response)
		reasoning.WriteString(resp.Thinking)
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return domain.PatchSuggestion{}, err
		}
		return domain.PatchSuggestion{}, fmt.Errorf("%w: ollama generate: %v", ErrUnavailable, err)
	}

	suggestion := ParseSuggestion(answer.String(), code)
	if suggestion.Reasoning == "" {
		suggestion.Reasoning = strings.TrimSpace(reasoning.String())
	}

	slog.Debug("Patch suggestion received",
		"model", c.model,
		"fixed_code_len", len(suggestion.FixedCode),
		"explanation_len", len(suggestion.Explanation),
	)
	return suggestion, nil
}

// Ping verifies the Ollama server is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	if err := c.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("%w: ollama heartbeat: %v", ErrUnavailable, err)
	}
	return nil
}
