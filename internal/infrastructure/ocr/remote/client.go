// Package remote calls an HTTP OCR service that returns markdown.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
)

type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	client   *resty.Client
	endpoint string
	executor *resilience.Executor
}

type parseResponse struct {
	Markdown  string `json:"markdown"`
	PageCount int    `json:"pageCount"`
	Error     string `json:"error,omitempty"`
}

func New(cfg Config, executor *resilience.Executor) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		return nil, errors.New("ocr service url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	client := resty.New().SetTimeout(cfg.Timeout)
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &Client{client: client, endpoint: endpoint, executor: executor}, nil
}

func (c *Client) Parse(ctx context.Context, data []byte, mimeType string) (domain.OCRResult, error) {
	res, err := resilience.Do(ctx, c.executor, "ocr.remote.parse", func(ctx context.Context) (domain.OCRResult, error) {
		return c.parse(ctx, data, mimeType)
	}, classify)
	if err != nil {
		return domain.OCRResult{}, resilience.MarkTemporary("ocr.remote.parse", err, classify)
	}
	return res, nil
}

func (c *Client) parse(ctx context.Context, data []byte, mimeType string) (domain.OCRResult, error) {
	var out parseResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetMultipartField("file", "document", mimeType, bytes.NewReader(data)).
		SetFormData(map[string]string{"mimeType": mimeType}).
		SetResult(&out).
		SetError(&out).
		Post(c.endpoint)
	if err != nil {
		return domain.OCRResult{}, fmt.Errorf("ocr request: %w", err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusUnsupportedMediaType:
		return domain.OCRResult{}, domain.WrapError(domain.ErrUnsupportedMedia, "ocr.remote", fmt.Errorf("service rejected %q", mimeType))
	case code < 200 || code >= 300:
		msg := strings.TrimSpace(out.Error)
		if msg == "" {
			msg = strings.TrimSpace(string(resp.Body()))
		}
		return domain.OCRResult{}, &resilience.StatusError{Service: "ocr service", Code: code, Message: msg}
	}
	return domain.OCRResult{Markdown: strings.TrimSpace(out.Markdown), PageCount: out.PageCount}, nil
}

func classify(err error) resilience.ErrorClassification {
	if domain.IsKind(err, domain.ErrUnsupportedMedia) {
		return resilience.ErrorClassification{}
	}
	return resilience.ClassifyHTTP(err)
}
