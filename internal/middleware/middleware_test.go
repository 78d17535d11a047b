package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestRequireToken(t *testing.T) {
	h := RequireToken("s3cret")(ok)

	cases := map[string]int{
		"":              http.StatusUnauthorized,
		"Bearer wrong":  http.StatusUnauthorized,
		"s3cret":        http.StatusUnauthorized,
		"Bearer s3cret": http.StatusNoContent,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/actors/U1/pardon", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, "header %q", header)
	}

	disabled := RequireToken("")(ok)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	disabled.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRecover(t *testing.T) {
	h := Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() { h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil)) })
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLoggingKeepsStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	Logging(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	rec := httptest.NewRecorder()
	CORS(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/traces/x", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiter_PerClientBurst(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute) // burst 2
	h := rl.Middleware(ok)

	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/actors/U1", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1111"))
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:2222"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:3333"))
	assert.Equal(t, http.StatusNoContent, call("10.0.0.2:1111"))
}

func TestRateLimiter_SweepForgetsIdleClients(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)
	rl.Allow("a")
	rl.Allow("b")

	assert.Equal(t, 0, rl.Sweep(time.Now()))
	assert.Equal(t, 2, rl.Sweep(time.Now().Add(2*time.Minute)))
}
