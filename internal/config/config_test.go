package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"PORT", "OLLAMA_HOST", "OLLAMA_PORT", "OLLAMA_ALT_HOSTS", "OLLAMA_NAMED_MODEL", "MODEL_NAME",
	"OLLAMA_MODEL", "OLLAMA_VISION_MODEL", "OLLAMA_TEMPERATURE", "OLLAMA_TIMEOUT", "OLLAMA_PROBE_TIMEOUT",
	"ARK_API_KEY", "ARK_ACCESS_KEY", "ARK_SECRET_KEY", "ARK_MODEL", "ARK_TEMPERATURE", "ARK_TOP_P",
	"ARK_MAX_TOKENS", "ARK_TIMEOUT", "MEMORY_FILE", "MEMORY_MAX_HISTORY", "MAX_IMAGE_BYTES",
	"LOG_LEVEL", "LOG_PRETTY", "LOG_FILE", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

// unsetEnv removes keys for the duration of the test.
func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadDefaults(t *testing.T) {
	unsetEnv(t, allKeys...)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Server.Addr)

	assert.Equal(t, DefaultOllamaHost, cfg.Ollama.Host)
	assert.Equal(t, []string{"http://127.0.0.1:11434", "http://0.0.0.0:11434"}, cfg.Ollama.AltHosts)
	assert.Equal(t, "sxudo", cfg.Ollama.NamedModel)
	assert.Equal(t, "llama3", cfg.Ollama.DefaultModel)
	assert.Equal(t, "llava", cfg.Ollama.VisionModel)
	assert.Nil(t, cfg.Ollama.Temperature)
	assert.Equal(t, 60*time.Second, cfg.Ollama.Timeout)
	assert.Equal(t, 3*time.Second, cfg.Ollama.ProbeTimeout)

	assert.False(t, cfg.AI.Enabled())

	assert.Equal(t, "sxudo_memory.json", cfg.Memory.File)
	assert.Equal(t, 5, cfg.Memory.MaxHistory)
	assert.EqualValues(t, 10<<20, cfg.Memory.MaxImageBytes)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)

	assert.Zero(t, cfg.RateLimit.RPS)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
}

func TestLoadOverrides(t *testing.T) {
	unsetEnv(t, allKeys...)
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("OLLAMA_HOST", "gpu-box")
	t.Setenv("OLLAMA_PORT", "11500")
	t.Setenv("OLLAMA_ALT_HOSTS", "")
	t.Setenv("MODEL_NAME", "companion")
	t.Setenv("OLLAMA_TEMPERATURE", "0.7")
	t.Setenv("OLLAMA_TIMEOUT", "5")
	t.Setenv("ARK_API_KEY", "key")
	t.Setenv("ARK_MODEL", "ep-123")
	t.Setenv("MEMORY_MAX_HISTORY", "0")
	t.Setenv("LOG_PRETTY", "false")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("RATE_LIMIT_BURST", "10")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "http://gpu-box:11500", cfg.Ollama.Host)
	assert.Empty(t, cfg.Ollama.AltHosts)
	assert.Equal(t, "companion", cfg.Ollama.NamedModel)
	require.NotNil(t, cfg.Ollama.Temperature)
	assert.InDelta(t, 0.7, *cfg.Ollama.Temperature, 1e-9)
	assert.Equal(t, 5*time.Second, cfg.Ollama.Timeout)
	assert.True(t, cfg.AI.Enabled())
	assert.Equal(t, 1, cfg.Memory.MaxHistory)
	assert.False(t, cfg.Log.Pretty)
	assert.Equal(t, 2.5, cfg.RateLimit.RPS)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"PORT", "80 80"},
		{"OLLAMA_PORT", "abc"},
		{"OLLAMA_TEMPERATURE", "warm"},
		{"LOG_PRETTY", "maybe"},
		{"RATE_LIMIT_RPS", "fast"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			unsetEnv(t, allKeys...)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestNormalizeHost(t *testing.T) {
	assert.Equal(t, "http://localhost:11434", NormalizeHost("localhost:11434"))
	assert.Equal(t, "https://example.com", NormalizeHost(" https://example.com/ "))
	assert.Equal(t, "", NormalizeHost("   "))
}

func TestHasPort(t *testing.T) {
	assert.True(t, HasPort("gpu:9999"))
	assert.True(t, HasPort("http://[::1]:11434"))
	assert.True(t, HasPort("http://box:9000/ollama"))
	assert.False(t, HasPort("gpu"))
	assert.False(t, HasPort("[::1]"))
	assert.False(t, HasPort("http://box/ollama"))
	assert.False(t, HasPort("http://box/a:b"))
}

func TestJoinHostPort(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"localhost", 11434, "http://localhost:11434"},
		{"http://localhost:11434", 8080, "http://localhost:8080"},
		{"https://remote.example", 443, "https://remote.example:443"},
		{"192.168.1.10", 0, "http://192.168.1.10:11434"},
		{"[::1]", 9000, "http://[::1]:9000"},
		{"[::1]:11434", 9000, "http://[::1]:9000"},
		{"", 9000, ""},
		{"http://box/ollama", 0, "http://box:11434/ollama"},
		{"http://box:9000/ollama/", 8080, "http://box:8080/ollama"},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, JoinHostPort(tt.host, tt.port))
		})
	}
}

func TestAIConfigEnabled(t *testing.T) {
	assert.False(t, AIConfig{APIKey: "key"}.Enabled())
	assert.True(t, AIConfig{APIKey: "key", Model: "m"}.Enabled())
	assert.True(t, AIConfig{AccessKey: "ak", SecretKey: "sk", Model: "m"}.Enabled())
	assert.False(t, AIConfig{AccessKey: "ak", Model: "m"}.Enabled())
}
