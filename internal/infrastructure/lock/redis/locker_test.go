package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

func unreachableLocker(t *testing.T) *Locker {
	t.Helper()
	cli := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = cli.Close() })
	return New(cli)
}

func TestTryLockSurfacesConnectionErrors(t *testing.T) {
	l := unreachableLocker(t)
	token, ok, err := l.TryLock(context.Background(), "docflow:job-lease:job-1", time.Minute)
	if err == nil {
		t.Fatalf("expected connection error")
	}
	if ok || token != "" {
		t.Fatalf("failed lock must not report ownership: ok=%v token=%q", ok, token)
	}
}

func TestUnlockWithoutTokenIsNoop(t *testing.T) {
	l := unreachableLocker(t)
	if err := l.Unlock(context.Background(), "docflow:job-lease:job-1", ""); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
}

func TestConnectRejectsBadURL(t *testing.T) {
	if _, err := Connect(context.Background(), "http://not-redis"); err == nil {
		t.Fatalf("expected url parse error")
	}
}
