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

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/llm"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL, model string, timeout time.Duration, executor *resilience.Executor) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		executor:   executor,
	}
}

// Extract runs a non-streaming generate call constrained to JSON output.
// Ollama accepts a JSON Schema as the format, which is used when the job has one.
func (c *Client) Extract(ctx context.Context, req domain.ExtractionRequest) (json.RawMessage, error) {
	prompt, err := llm.BuildExtractionPrompt(req.Markdown, req.Schema)
	if err != nil {
		return nil, err
	}
	model := c.model
	if strings.TrimSpace(req.Model) != "" {
		model = req.Model
	}
	var format any = "json"
	if len(req.Schema) > 0 {
		format = req.Schema
	}

	reqBody := map[string]any{
		"model":   model,
		"system":  llm.SystemPrompt,
		"prompt":  prompt,
		"stream":  false,
		"format":  format,
		"options": map[string]any{"temperature": 0},
	}
	text, err := c.generate(ctx, reqBody)
	if err != nil {
		return nil, err
	}
	return llm.DecodeObject(text)
}

func (c *Client) generate(ctx context.Context, reqBody map[string]any) (string, error) {
	var response struct {
		Response string `json:"response"`
	}
	err := c.executor.Execute(ctx, "llm.ollama.generate", func(callCtx context.Context) error {
		return c.postJSON(callCtx, "/api/generate", reqBody, &response)
	}, resilience.ClassifyHTTP)
	if err != nil {
		return "", resilience.MarkTemporary("llm.ollama.generate", err, resilience.ClassifyHTTP)
	}
	return strings.TrimSpace(response.Response), nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal ollama request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &resilience.StatusError{Service: "ollama", Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode ollama response: %w", err)
	}
	return nil
}
