package app

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankader/backoffice/internal/pipeline"
	"github.com/ankader/backoffice/internal/ratelimit"
)

func newLimitedRouter(t *testing.T, cfg *Config) http.Handler {
	t.Helper()
	require.NoError(t, cfg.Validate())
	rule := ratelimit.Rule{Name: "auth.login", Max: 5, Window: time.Minute}
	composer := pipeline.NewComposer(pipeline.Config{
		Limiter: ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{}),
		Logger:  quietLogger(),
	})
	r := chi.NewRouter()
	r.Use(MiddlewareStack(MiddlewareConfig{Logger: quietLogger(), Config: cfg})...)
	r.With(composer.Middleware(pipeline.Policy{Name: "auth.login", RateLimit: &rule})).
		Post("/login", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(r.RemoteAddr))
		})
	return r
}

func limiterConfig(proxies ...string) *Config {
	return &Config{
		TokenMaxAge:      time.Hour,
		RateLimitBackend: RateLimitMemory,
		RateLimitIdleTTL: time.Hour,
		AuditRetention:   180 * 24 * time.Hour,
		TrustedProxies:   proxies,
	}
}

func postLogin(srv http.Handler, remote string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = remote
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestForwardedHeadersIgnoredFromUntrustedPeer(t *testing.T) {
	srv := newLimitedRouter(t, limiterConfig())

	codes := make([]int, 0, 8)
	for i := 0; i < 8; i++ {
		rec := postLogin(srv, "203.0.113.9:51000", map[string]string{
			"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i+1),
			"X-Real-IP":       fmt.Sprintf("198.51.100.%d", i+100),
		})
		codes = append(codes, rec.Code)
		if i == 0 {
			assert.Equal(t, "203.0.113.9:51000", rec.Body.String())
		}
	}
	assert.Equal(t, []int{200, 200, 200, 200, 200, 429, 429, 429}, codes)
}

func TestForwardedHeadersHonouredFromTrustedProxy(t *testing.T) {
	srv := newLimitedRouter(t, limiterConfig("10.0.0.0/8"))

	for i := 0; i < 8; i++ {
		rec := postLogin(srv, "10.1.2.3:443", map[string]string{
			"X-Forwarded-For": fmt.Sprintf("198.51.100.%d, 10.0.0.7", i+1),
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, fmt.Sprintf("198.51.100.%d", i+1), rec.Body.String())
	}

	// A spoofed leftmost hop does not change the client seen by the proxy.
	codes := make([]int, 0, 6)
	for i := 0; i < 6; i++ {
		rec := postLogin(srv, "10.1.2.3:443", map[string]string{
			"X-Forwarded-For": fmt.Sprintf("192.0.2.%d, 203.0.113.50", i+1),
		})
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 200, 200, 200, 429}, codes)

	rec := postLogin(srv, "10.1.2.3:443", map[string]string{"X-Real-IP": "198.51.100.200"})
	assert.Equal(t, "198.51.100.200", rec.Body.String())
}
