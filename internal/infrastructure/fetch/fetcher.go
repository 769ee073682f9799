// Package fetch downloads the source document of URL jobs.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultMaxBytes = 50 << 20
	fallbackName    = "document"
)

type Config struct {
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
}

type Fetcher struct {
	client   *resty.Client
	maxBytes int64
	executor *resilience.Executor
}

func New(cfg Config, executor *resilience.Executor) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "docflow-fetcher/1.0"
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	return &Fetcher{client: client, maxBytes: cfg.MaxBytes, executor: executor}
}

func (f *Fetcher) Fetch(ctx context.Context, sourceURL string) (*domain.SourceDocument, error) {
	doc, err := resilience.Do(ctx, f.executor, "fetch.source", func(ctx context.Context) (*domain.SourceDocument, error) {
		return f.fetch(ctx, sourceURL)
	}, resilience.ClassifyHTTP)
	if err != nil {
		return nil, resilience.MarkTemporary("fetch.source", err, resilience.ClassifyHTTP)
	}
	return doc, nil
}

func (f *Fetcher) fetch(ctx context.Context, sourceURL string) (*domain.SourceDocument, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", sourceURL, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, &resilience.StatusError{Service: "source", Code: resp.StatusCode()}
	}

	data, err := io.ReadAll(io.LimitReader(body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read source body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("source exceeds %d bytes", f.maxBytes)
	}
	if len(data) == 0 {
		return nil, errors.New("source document is empty")
	}

	return &domain.SourceDocument{
		Data:     data,
		MimeType: detectMime(resp.Header().Get("Content-Type"), data),
		FileName: detectName(resp.Header().Get("Content-Disposition"), resp.RawResponse.Request.URL),
	}, nil
}

func detectMime(header string, data []byte) string {
	if header != "" {
		if mediaType, _, err := mime.ParseMediaType(header); err == nil && mediaType != "application/octet-stream" {
			return mediaType
		}
	}
	mediaType, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mediaType
}

func detectName(disposition string, u *url.URL) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := strings.TrimSpace(params["filename"]); name != "" {
				return path.Base(name)
			}
		}
	}
	if u != nil {
		if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
			return name
		}
	}
	return fallbackName
}
