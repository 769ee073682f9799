package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
)

func TestParseSendsMultipartAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile() error = %v", err)
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(file)
		if string(body) != "%PDF" || header.Header.Get("Content-Type") != "application/pdf" {
			t.Errorf("unexpected upload %q %q", body, header.Header.Get("Content-Type"))
		}
		if r.FormValue("mimeType") != "application/pdf" {
			t.Errorf("unexpected mimeType field %q", r.FormValue("mimeType"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"markdown": " # Scan \n", "pageCount": 3})
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, APIKey: "secret"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res, err := c.Parse(context.Background(), []byte("%PDF"), "application/pdf")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if res.Markdown != "# Scan" || res.PageCount != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestParseMapsUnsupportedMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnsupportedMediaType)
	}))
	defer srv.Close()

	c, _ := New(Config{URL: srv.URL}, nil)
	_, err := c.Parse(context.Background(), []byte("x"), "application/x-thing")
	if !domain.IsKind(err, domain.ErrUnsupportedMedia) {
		t.Fatalf("expected unsupported media, got %v", err)
	}
}

func TestParseServerErrorIsTemporaryAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"gpu busy"}`))
	}))
	defer srv.Close()

	exec := resilience.NewExecutor(resilience.Config{RetryMaxAttempts: 2, RetryInitialBackoff: time.Millisecond, RetryMaxBackoff: time.Millisecond, Operations: map[string]resilience.Policy{}})
	c, _ := New(Config{URL: srv.URL}, exec)
	_, err := c.Parse(context.Background(), []byte("x"), "image/png")
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatalf("expected error without url")
	}
}
