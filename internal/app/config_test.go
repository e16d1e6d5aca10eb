package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("API_KEYS", "ankader-api-key-2024,development-key")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, 24*time.Hour, cfg.TokenMaxAge)
	assert.Equal(t, 180*24*time.Hour, cfg.AuditRetention)
	assert.Equal(t, []string{"ankader-api-key-2024", "development-key"}, cfg.APIKeys)
	assert.Equal(t, "plain", cfg.TokenFormat)
	assert.Equal(t, 5, cfg.WorkerConcurrency)
	assert.Empty(t, cfg.TrustedProxyPrefixes())
	assert.True(t, cfg.OTelEnabled)
	assert.False(t, cfg.IsProduction())
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		return Config{
			TokenFormat:      "plain",
			TokenMaxAge:      time.Hour,
			RateLimitBackend: RateLimitMemory,
			RateLimitIdleTTL: time.Hour,
			AuditRetention:   180 * 24 * time.Hour,
		}
	}

	cfg := base()
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.TokenFormat = "signed"
	cfg.TokenSecret = "short"
	assert.Error(t, cfg.Validate())
	cfg.TokenSecret = "0123456789abcdef"
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.TokenFormat = " Signed "
	cfg.TokenSecret = "0123456789abcdef"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "signed", cfg.TokenFormat)

	cfg = base()
	cfg.TokenFormat = ""
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "plain", cfg.TokenFormat)

	cfg = base()
	cfg.TokenFormat = "paseto"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.RateLimitBackend = "memcached"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.AuditRetention = 7 * 24 * time.Hour
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.RateLimitIdleTTL = 30 * time.Second
	assert.Error(t, cfg.Validate())
	cfg.RateLimitIdleTTL = LongestRuleWindow
	assert.NoError(t, cfg.Validate())
}

func TestConfigTrustedProxies(t *testing.T) {
	cfg := Config{
		TokenMaxAge:      time.Hour,
		RateLimitBackend: RateLimitMemory,
		RateLimitIdleTTL: time.Hour,
		AuditRetention:   180 * 24 * time.Hour,
		TrustedProxies:   []string{"10.0.0.0/8", " 192.168.1.10 ", ""},
	}
	require.NoError(t, cfg.Validate())
	prefixes := cfg.TrustedProxyPrefixes()
	require.Len(t, prefixes, 2)
	assert.Equal(t, "10.0.0.0/8", prefixes[0].String())
	assert.Equal(t, "192.168.1.10/32", prefixes[1].String())

	cfg.TrustedProxies = []string{"proxy.internal"}
	assert.Error(t, cfg.Validate())
}
