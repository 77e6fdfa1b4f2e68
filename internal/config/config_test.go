package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("PAGE_SIZE", "")
	t.Setenv("LLM_PROVIDER", "")

	cfg := Load()
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "chat_local.sqlite", cfg.LocalDBPath)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, "@every 5m", cfg.SyncSchedule)
	assert.Equal(t, 50*time.Millisecond, cfg.StreamFlushInterval)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PAGE_SIZE", "20")
	t.Setenv("SYNC_PUSH_TIMEOUT", "3s")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RATE_LIMIT_REQUESTS", "not-a-number")

	cfg := Load()
	assert.Equal(t, 20, cfg.PageSize)
	assert.Equal(t, 3*time.Second, cfg.SyncPushTimeout)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 60, cfg.RateLimitRequests)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.LLMProvider = "proxy"
	cfg.CompletionProxyURL = ""
	assert.Error(t, cfg.Validate())

	cfg.CompletionProxyURL = "http://localhost:8080/api/v1/completion"
	assert.NoError(t, cfg.Validate())

	cfg.PageSize = 0
	assert.Error(t, cfg.Validate())
}
