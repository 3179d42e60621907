package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/taskgate/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	tb := NewTokenBucket(60, 3) // 1/sec refill, burst 3

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("burst request %d denied", i)
		}
	}
	if tb.Allow() {
		t.Fatal("request beyond burst allowed")
	}
}

func TestRateLimit_PerKeyBuckets(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled: true, RequestsPerMinute: 60, BurstSize: 1,
	}, nil)
	handler := rl.Wrap(okHandler())

	send := func(key string) int {
		req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
		req.Header.Set("X-API-Key", key)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("key-a"); code != http.StatusOK {
		t.Fatalf("first request for key-a: %d", code)
	}
	if code := send("key-a"); code != http.StatusTooManyRequests {
		t.Fatalf("second request for key-a: %d", code)
	}
	// A different key has its own bucket.
	if code := send("key-b"); code != http.StatusOK {
		t.Fatalf("first request for key-b: %d", code)
	}
	if rl.BucketCount() != 2 {
		t.Fatalf("bucket count = %d", rl.BucketCount())
	}
}

func TestRateLimit_SkipsHealthEndpoints(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled: true, RequestsPerMinute: 60, BurstSize: 1,
	}, nil)
	handler := rl.Wrap(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz request %d: %d", i, rec.Code)
		}
	}
}

func TestRateLimit_DisabledPassesThrough(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: false}, nil)
	handler := rl.Wrap(okHandler())

	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled: true, RequestsPerMinute: 60, BurstSize: 1,
	}, nil)
	handler := rl.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("X-API-Key", "stale-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rl.BucketCount() != 1 {
		t.Fatalf("bucket count = %d", rl.BucketCount())
	}
	time.Sleep(10 * time.Millisecond)
	rl.EvictStale(time.Millisecond)
	if rl.BucketCount() != 0 {
		t.Fatalf("bucket count after eviction = %d", rl.BucketCount())
	}
}
