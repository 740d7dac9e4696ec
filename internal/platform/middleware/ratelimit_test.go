package middleware

import (
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
)

func expectCode(t *testing.T, err error, rec interface{ Result() *http.Response }, want int) {
	t.Helper()
	got := rec.Result().StatusCode
	if he, ok := err.(*echo.HTTPError); ok {
		got = he.Code
	}
	if got != want {
		t.Errorf("expected %d, got %d", want, got)
	}
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(okHandler)

	for i := 0; i < 2; i++ {
		c, rec := newTestContext(http.MethodGet, "/api/v1/claims")
		err := h(c)
		expectCode(t, err, rec, http.StatusOK)
		if rec.Header().Get("X-RateLimit-Limit") != "1" {
			t.Errorf("expected X-RateLimit-Limit 1, got %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	c, rec := newTestContext(http.MethodGet, "/api/v1/claims")
	err := h(c)
	expectCode(t, err, rec, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_KeyedByParticipant(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})(okHandler)

	c, rec := newTestContext(http.MethodGet, "/", withParticipant("pat-1"))
	expectCode(t, h(c), rec, http.StatusOK)

	// Same IP, different participant: separate bucket.
	c, rec = newTestContext(http.MethodGet, "/", withParticipant("pat-2"))
	expectCode(t, h(c), rec, http.StatusOK)

	c, rec = newTestContext(http.MethodGet, "/", withParticipant("pat-1"))
	expectCode(t, h(c), rec, http.StatusTooManyRequests)
}
