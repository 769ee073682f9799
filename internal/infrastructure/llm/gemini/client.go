// Package gemini extracts structured data with the Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/llm"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
)

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

type Client struct {
	client   *genai.Client
	model    string
	executor *resilience.Executor
}

func New(ctx context.Context, cfg Config, executor *resilience.Executor) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: empty api key")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: cfg.BaseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Client{client: c, model: cfg.Model, executor: executor}, nil
}

func (c *Client) Extract(ctx context.Context, req domain.ExtractionRequest) (json.RawMessage, error) {
	prompt, err := llm.BuildExtractionPrompt(req.Markdown, req.Schema)
	if err != nil {
		return nil, err
	}
	model := c.model
	if strings.TrimSpace(req.Model) != "" {
		model = req.Model
	}
	temperature := float32(0)
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: llm.SystemPrompt}}},
		ResponseMIMEType:  "application/json",
		Temperature:       &temperature,
	}

	text, err := resilience.Do(ctx, c.executor, "llm.gemini.generate", func(callCtx context.Context) (string, error) {
		resp, err := c.client.Models.GenerateContent(callCtx, model, genai.Text(prompt), config)
		if err != nil {
			return "", fmt.Errorf("gemini generate: %w", err)
		}
		return responseText(resp)
	}, classify)
	if err != nil {
		return nil, resilience.MarkTemporary("llm.gemini.generate", err, classify)
	}
	return llm.DecodeObject(text)
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini: empty response")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("gemini: response has no text")
	}
	return sb.String(), nil
}

func classify(err error) resilience.ErrorClassification {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	return resilience.ClassifyTemporary(err)
}
