package s3

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(context.Background(), Config{
		Endpoint:     "http://minio.local:9000/",
		Region:       "eu-central-1",
		Bucket:       "docflow",
		AccessKey:    "access",
		SecretKey:    "secret",
		UsePathStyle: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestPresignBuildsExpiringPathStyleURL(t *testing.T) {
	s := newTestStorage(t)

	raw, err := s.Presign(context.Background(), "org-1/job-1/invoice.pdf", 15*time.Minute)
	if err != nil {
		t.Fatalf("Presign() error = %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse presigned url: %v", err)
	}
	if u.Host != "minio.local:9000" {
		t.Fatalf("unexpected host %q", u.Host)
	}
	if !strings.HasPrefix(u.Path, "/docflow/org-1/job-1/invoice.pdf") {
		t.Fatalf("expected path-style key, got %q", u.Path)
	}
	if got := u.Query().Get("X-Amz-Expires"); got != "900" {
		t.Fatalf("expected 900s expiry, got %q", got)
	}
	if u.Query().Get("X-Amz-Signature") == "" {
		t.Fatalf("expected signature in %q", raw)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty bucket")
	}
}

func TestClassifyMissingKeyIsPermanent(t *testing.T) {
	c := classify(&types.NoSuchKey{})
	if c.Retryable || c.RecordFailure {
		t.Fatalf("missing key must not be retried: %+v", c)
	}
	if c := classify(errors.New("boom")); c.Retryable {
		t.Fatalf("plain errors are not retryable: %+v", c)
	}
}
