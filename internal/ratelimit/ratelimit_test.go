package ratelimit

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dskow/promptcraft/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestLimiter_AllowsUpToBurst(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         5,
	}
	logger := slog.Default()
	limiter := New(cfg, nil, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/api/generate", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestLimiter_BlocksAfterBurst(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         2,
	}
	logger := slog.Default()
	limiter := New(cfg, nil, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// Use up burst
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/api/generate", nil)
		req.RemoteAddr = "10.0.0.2:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	// Next request should be rate limited
	req := httptest.NewRequest("GET", "/api/generate", nil)
	req.RemoteAddr = "10.0.0.2:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}

	retryAfter := rec.Header().Get("Retry-After")
	if retryAfter == "" {
		t.Error("expected Retry-After header")
	}
}

func TestLimiter_PerClientIsolation(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}
	logger := slog.Default()
	limiter := New(cfg, nil, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// Client 1 uses up its burst
	req1 := httptest.NewRequest("GET", "/api/generate", nil)
	req1.RemoteAddr = "10.0.0.1:12345"
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	// Client 1 is now rate limited
	req1b := httptest.NewRequest("GET", "/api/generate", nil)
	req1b.RemoteAddr = "10.0.0.1:12345"
	rec1b := httptest.NewRecorder()
	handler.ServeHTTP(rec1b, req1b)
	if rec1b.Code != http.StatusTooManyRequests {
		t.Errorf("client 1 should be rate limited, got %d", rec1b.Code)
	}

	// Client 2 should still be allowed
	req2 := httptest.NewRequest("GET", "/api/generate", nil)
	req2.RemoteAddr = "10.0.0.2:12345"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusOK {
		t.Errorf("client 2 should be allowed, got %d", rec2.Code)
	}
}

func TestLimiter_XForwardedFor_NoTrustedProxies(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}
	logger := slog.Default()
	// No trusted proxies — XFF should be IGNORED, rate limit by RemoteAddr
	limiter := New(cfg, nil, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// Two requests from different XFF but same RemoteAddr
	req := httptest.NewRequest("GET", "/api/generate", nil)
	req.RemoteAddr = "10.0.0.50:8080"
	req.Header.Set("X-Forwarded-For", "192.168.1.100")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	// Same RemoteAddr, different XFF — should be rate limited by RemoteAddr
	req2 := httptest.NewRequest("GET", "/api/generate", nil)
	req2.RemoteAddr = "10.0.0.50:8080"
	req2.Header.Set("X-Forwarded-For", "192.168.1.200")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 (XFF ignored without trusted proxies), got %d", rec2.Code)
	}
}

func TestLimiter_XForwardedFor_TrustedProxy(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}
	logger := slog.Default()
	// Trust the 10.0.0.0/8 range
	limiter := New(cfg, []string{"10.0.0.0/8"}, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// Request from trusted proxy with XFF
	req := httptest.NewRequest("GET", "/api/generate", nil)
	req.RemoteAddr = "10.0.0.1:8080"
	req.Header.Set("X-Forwarded-For", "203.0.113.50")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	// Same XFF IP, same trusted proxy — should be rate limited by XFF IP
	req2 := httptest.NewRequest("GET", "/api/generate", nil)
	req2.RemoteAddr = "10.0.0.1:8080"
	req2.Header.Set("X-Forwarded-For", "203.0.113.50")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 for same XFF IP via trusted proxy, got %d", rec2.Code)
	}
}

func TestLimiter_XForwardedFor_UntrustedPeer(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}
	logger := slog.Default()
	// Only trust 10.0.0.0/8
	limiter := New(cfg, []string{"10.0.0.0/8"}, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// Request from UNTRUSTED peer trying to spoof XFF
	req := httptest.NewRequest("GET", "/api/generate", nil)
	req.RemoteAddr = "203.0.113.99:12345"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	// Same untrusted peer — rate limited by RemoteAddr, not spoofed XFF
	req2 := httptest.NewRequest("GET", "/api/generate", nil)
	req2.RemoteAddr = "203.0.113.99:12345"
	req2.Header.Set("X-Forwarded-For", "5.6.7.8")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 (spoofed XFF from untrusted peer ignored), got %d", rec2.Code)
	}
}

func TestLimiter_PathOverride(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         100,
		Overrides: []config.RateOverride{
			{PathPrefix: "/api/analyze", RequestsPerSecond: 1, BurstSize: 1},
		},
	}
	limiter := New(cfg, nil, slog.Default())
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	send := func(path string) int {
		req := httptest.NewRequest("POST", path, nil)
		req.RemoteAddr = "10.0.0.5:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("/api/analyze"); code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if code := send("/api/analyze"); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 under override, got %d", code)
	}
	if code := send("/api/generate"); code != http.StatusOK {
		t.Errorf("expected global bucket to be separate, got %d", code)
	}
}

func TestLimiter_UpdateConfig(t *testing.T) {
	limiter := New(config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, nil, slog.Default())
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())
	send := func() int {
		req := httptest.NewRequest("POST", "/api/generate", nil)
		req.RemoteAddr = "10.0.0.6:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	send()
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 before reload, got %d", code)
	}

	limiter.UpdateConfig(config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 10})

	for i := 0; i < 10; i++ {
		if code := send(); code != http.StatusOK {
			t.Fatalf("request %d after reload: expected 200, got %d", i, code)
		}
	}
}

func TestLimiter_EvictIdle(t *testing.T) {
	limiter := New(config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, nil, slog.Default())
	defer limiter.Stop()

	limiter.getLimiter(clientKey{ip: "10.0.0.7"}, limits{rate: 1, burst: 1})

	if n := limiter.evictIdle(time.Now()); n != 0 {
		t.Errorf("expected fresh client kept, evicted %d", n)
	}
	if n := limiter.evictIdle(time.Now().Add(staleAfter + time.Second)); n != 1 {
		t.Errorf("expected idle client evicted, evicted %d", n)
	}
}

func TestLimiter_StopTwice(t *testing.T) {
	limiter := New(config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, nil, slog.Default())
	limiter.Stop()
	limiter.Stop()
}

func TestLimiter_ResponseBody(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}
	logger := slog.Default()
	limiter := New(cfg, nil, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// Exhaust burst
	req := httptest.NewRequest("GET", "/api/generate", nil)
	req.RemoteAddr = "10.0.0.10:12345"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	// Rate limited request
	req2 := httptest.NewRequest("GET", "/api/generate", nil)
	req2.RemoteAddr = "10.0.0.10:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req2)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
	if ra := rec.Header().Get("Retry-After"); ra != "1" {
		t.Errorf("expected Retry-After 1, got %q", ra)
	}
	if !strings.Contains(rec.Body.String(), "RATE_LIMIT_EXCEEDED") {
		t.Errorf("expected RATE_LIMIT_EXCEEDED code, got %s", rec.Body.String())
	}
}

func TestClientIP_RightmostUntrustedHop(t *testing.T) {
	trusted := ParseTrusted([]string{"10.0.0.0/8", "not-a-cidr"}, slog.Default())
	if len(trusted) != 1 {
		t.Fatalf("expected 1 parsed CIDR, got %d", len(trusted))
	}

	req := httptest.NewRequest("GET", "/api/generate", nil)
	req.RemoteAddr = "10.1.2.3:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 203.0.113.9, 10.9.9.9")

	if got := ClientIP(req, trusted); got != "203.0.113.9" {
		t.Errorf("ClientIP = %q, want 203.0.113.9", got)
	}
}

func TestLimiter_Snapshot(t *testing.T) {
	limiter := New(config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3}, nil, slog.Default())
	defer limiter.Stop()

	limiter.getLimiter(clientKey{ip: "10.0.0.9"}, limits{rate: 1, burst: 3})
	limiter.getLimiter(clientKey{ip: "10.0.0.8", prefix: "/api/analyze"}, limits{rate: 1, burst: 1})
	limiter.getLimiter(clientKey{ip: "10.0.0.8"}, limits{rate: 1, burst: 3})

	entries := limiter.Snapshot()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].ClientIP != "10.0.0.8" || entries[0].PathPrefix != "" {
		t.Errorf("unexpected first entry %+v", entries[0])
	}
	if entries[1].PathPrefix != "/api/analyze" {
		t.Errorf("expected override bucket second, got %+v", entries[1])
	}
	if entries[2].ClientIP != "10.0.0.9" {
		t.Errorf("unexpected last entry %+v", entries[2])
	}
}
