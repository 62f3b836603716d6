package httpmiddleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func request(remote string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remote
	return req
}

func TestRateLimit_UnderLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Max: 5, Window: time.Minute})
	handler := rl.Middleware()(okHandler())

	for i := range 5 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, request("192.168.1.1:12345"))

		assert.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, 4-i, mustAtoi(t, w.Header().Get("X-RateLimit-Remaining")))
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Max: 2, Window: time.Minute})
	handler := rl.Middleware()(okHandler())

	for range 2 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, request("10.0.0.1:9999"))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, request("10.0.0.1:9999"))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var msg string
	require.NoError(t, jx.DecodeBytes(w.Body.Bytes()).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) == "message" {
			s, err := d.Str()
			msg = s
			return err
		}
		return d.Skip()
	}))
	assert.Equal(t, "rate limit exceeded", msg)
}

func TestRateLimit_Keys(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RateLimitConfig
		first   *http.Request
		second  *http.Request
		wantSec int
	}{
		{
			name:    "different ips",
			cfg:     RateLimitConfig{Max: 1, Window: time.Minute},
			first:   request("10.0.0.1:1234"),
			second:  request("10.0.0.2:1234"),
			wantSec: http.StatusOK,
		},
		{
			name:    "same ip different port",
			cfg:     RateLimitConfig{Max: 1, Window: time.Minute},
			first:   request("10.0.0.1:1234"),
			second:  request("10.0.0.1:5678"),
			wantSec: http.StatusTooManyRequests,
		},
		{
			name: "custom key",
			cfg: RateLimitConfig{Max: 1, Window: time.Minute, KeyFunc: func(r *http.Request) string {
				return r.Header.Get("X-Actor")
			}},
			first: func() *http.Request {
				r := request("10.0.0.1:1")
				r.Header.Set("X-Actor", "a")
				return r
			}(),
			second: func() *http.Request {
				r := request("10.0.0.1:1")
				r.Header.Set("X-Actor", "b")
				return r
			}(),
			wantSec: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewRateLimiter(tt.cfg).Middleware()(okHandler())

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, tt.first)
			require.Equal(t, http.StatusOK, w.Code)

			w = httptest.NewRecorder()
			handler.ServeHTTP(w, tt.second)
			assert.Equal(t, tt.wantSec, w.Code)
		})
	}
}

func TestRateLimit_Refill(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(RateLimitConfig{Max: 2, Window: time.Second})

	_, _, ok := rl.allow("k", now)
	require.True(t, ok)
	_, _, ok = rl.allow("k", now)
	require.True(t, ok)
	_, retry, ok := rl.allow("k", now)
	require.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, retry)

	_, _, ok = rl.allow("k", now.Add(500*time.Millisecond))
	assert.True(t, ok)
}

func TestRateLimit_Evict(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(RateLimitConfig{Max: 1, Window: time.Second})

	rl.allow("a", now)
	rl.allow("b", now.Add(900*time.Millisecond))
	rl.evict(now.Add(1500 * time.Millisecond))

	assert.NotContains(t, rl.visitors, "a")
	assert.Contains(t, rl.visitors, "b")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, rl.Run(ctx))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded list", headers: map[string]string{"X-Forwarded-For": "1.1.1.1, 2.2.2.2"}, remote: "9.9.9.9:1", want: "1.1.1.1"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "3.3.3.3"}, remote: "9.9.9.9:1", want: "3.3.3.3"},
		{name: "remote addr", remote: "9.9.9.9:1", want: "9.9.9.9"},
		{name: "no port", remote: "9.9.9.9", want: "9.9.9.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := request(tt.remote)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}
