package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/consultd/internal/config"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestLimiter(rpm, burst int) (*RateLimitMiddleware, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimitMiddleware(config.RateLimitConfig{RequestsPerMinute: rpm, Burst: burst}, nil)
	rl.now = clock.Now
	return rl, clock
}

func serve(h http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func okInner() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimit_OverLimit(t *testing.T) {
	rl, _ := newTestLimiter(60, 3)
	rejected := 0
	rl.onReject = func() { rejected++ }
	handler := rl.Wrap(okInner())

	for i := 0; i < 3; i++ {
		if rec := serve(handler, "/v1/channels", "test-key"); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := serve(handler, "/v1/channels", "test-key")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header")
	}
	if rejected != 1 {
		t.Fatalf("expected one reject callback, got %d", rejected)
	}
}

func TestRateLimit_RefillOverTime(t *testing.T) {
	rl, clock := newTestLimiter(60, 1)
	handler := rl.Wrap(okInner())

	if rec := serve(handler, "/v1/channels", "k"); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	if rec := serve(handler, "/v1/channels", "k"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 before refill, got %d", rec.Code)
	}
	clock.now = clock.now.Add(1100 * time.Millisecond)
	if rec := serve(handler, "/v1/channels", "k"); rec.Code != http.StatusOK {
		t.Fatalf("expected refill after one second, got %d", rec.Code)
	}
}

func TestRateLimit_PerKeyIsolation(t *testing.T) {
	rl, _ := newTestLimiter(60, 1)
	handler := rl.Wrap(okInner())

	if rec := serve(handler, "/v1/channels", "a"); rec.Code != http.StatusOK {
		t.Fatalf("key a: %d", rec.Code)
	}
	if rec := serve(handler, "/v1/channels", "a"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("key a second request: %d", rec.Code)
	}
	if rec := serve(handler, "/v1/channels", "b"); rec.Code != http.StatusOK {
		t.Fatalf("key b must have its own bucket, got %d", rec.Code)
	}
}

func TestRateLimit_SkipsHealthz(t *testing.T) {
	rl, _ := newTestLimiter(60, 1)
	handler := rl.Wrap(okInner())
	for i := 0; i < 5; i++ {
		if rec := serve(handler, "/healthz", ""); rec.Code != http.StatusOK {
			t.Fatalf("healthz request %d limited: %d", i, rec.Code)
		}
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl, clock := newTestLimiter(60, 5)
	handler := rl.Wrap(okInner())
	serve(handler, "/v1/channels", "old")
	clock.now = clock.now.Add(10 * time.Minute)
	serve(handler, "/v1/channels", "fresh")

	if rl.BucketCount() != 2 {
		t.Fatalf("expected 2 buckets, got %d", rl.BucketCount())
	}
	rl.EvictStale(5 * time.Minute)
	if rl.BucketCount() != 1 {
		t.Fatalf("expected stale bucket evicted, got %d", rl.BucketCount())
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{RequestsPerMinute: -1}, nil)
	if rl != nil {
		t.Fatalf("negative rate must disable the limiter")
	}
	handler := rl.Wrap(okInner())
	for i := 0; i < 50; i++ {
		if rec := serve(handler, "/v1/channels", "k"); rec.Code != http.StatusOK {
			t.Fatalf("disabled limiter rejected request %d", i)
		}
	}
}

func TestClientKey_FallsBackToHost(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/channels", nil)
	req.RemoteAddr = "10.0.0.7:53211"
	if got := clientKey(req); got != "addr:10.0.0.7" {
		t.Fatalf("unexpected client key %q", got)
	}
	req.Header.Set("Authorization", "Bearer tok")
	if got := clientKey(req); got != "token:tok" {
		t.Fatalf("unexpected client key %q", got)
	}
}
