package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func flagsFor(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaultsAndFile(t *testing.T) {
	path := writeConfig(t, `
secret: a-secret-that-is-long-enough
calls:
  ring_timeout: 30s
session:
  auth_grace: 5s
`)
	cfg, err := Load(flagsFor(t, "--config", path))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.Calls.RingTimeout)
	assert.Equal(t, 5*time.Second, cfg.Session.AuthGrace)
	assert.Equal(t, 60*time.Second, cfg.Session.LivenessWindow)
	assert.Equal(t, "kick", cfg.Registry.SlowConsumer)
	require.Len(t, cfg.Calls.WebRTC(), 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Calls.WebRTC()[0].URLs)
}

func TestLoadEnvAndFlagOverrides(t *testing.T) {
	path := writeConfig(t, "secret: a-secret-that-is-long-enough\nport: 9000\n")
	t.Setenv("HEARTLINE_CALLS_RING_TIMEOUT", "20s")

	cfg, err := Load(flagsFor(t, "--config", path, "--port", "9100", "--log-level", "debug"))
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 20*time.Second, cfg.Calls.RingTimeout)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Secret: "a-secret-that-is-long-enough",
			Session: SessionConfig{
				PingPeriod:     25 * time.Second,
				AuthGrace:      10 * time.Second,
				LivenessWindow: 60 * time.Second,
			},
			Registry: RegistryConfig{SlowConsumer: "drop"},
			Calls:    CallsConfig{RingTimeout: 45 * time.Second},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short secret", func(c *Config) { c.Secret = "short" }},
		{"zero auth grace", func(c *Config) { c.Session.AuthGrace = 0 }},
		{"ping after liveness", func(c *Config) { c.Session.PingPeriod = time.Minute }},
		{"zero ring timeout", func(c *Config) { c.Calls.RingTimeout = 0 }},
		{"unknown slow consumer policy", func(c *Config) { c.Registry.SlowConsumer = "ignore" }},
	}

	base := valid()
	require.NoError(t, base.Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
