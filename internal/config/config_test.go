package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Invitation.Timeout())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Hub.Port = 0 }, "hub.port"},
		{"bind", func(c *Config) { c.Hub.Bind = "localhost" }, "hub.bind"},
		{"url scheme", func(c *Config) { c.Hub.URL = "ftp://hub" }, "hub.url"},
		{"url unspecified", func(c *Config) { c.Hub.URL = "http://0.0.0.0:8787" }, "hub.url"},
		{"timeout", func(c *Config) { c.Invitation.TimeoutSec = 0 }, "invitation.timeout_seconds"},
		{"display name", func(c *Config) { c.Invitation.DefaultDisplayName = " " }, "invitation.default_display_name"},
		{"stun", func(c *Config) { c.Call.STUNURLs = []string{"turn:x"} }, "call.stun_urls"},
		{"turn user", func(c *Config) { c.Call.TURNURLs = []string{"turn:x:3478"} }, "call.turn_username"},
		{"ice order", func(c *Config) { c.Call.ICEFailedSeconds = 2 }, "call.ice_failed_seconds"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"subsystem level", func(c *Config) { c.Log.Subsystems = map[string]string{"call": "nope"} }, "log.subsystems.call"},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 1.5 }, "tracing.sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"invitation":{"timeout_seconds":45}}`)...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.Invitation.TimeoutSec)
	assert.Equal(t, "Anonymous Confessor", cfg.Invitation.DefaultDisplayName)
	assert.Equal(t, 8787, cfg.Hub.Port)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"hub":{"port":70000}}`), 0o644))

	_, err := Load(path)
	require.Error(t, err)

	cfg, err := LoadPartial(path)
	require.NoError(t, err)
	assert.Equal(t, 70000, cfg.Hub.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SHRIVE_HUB_URL", "https://hub.example.org")
	t.Setenv("SHRIVE_INVITATION_TIMEOUT", "12")
	t.Setenv("SHRIVE_STUN_URLS", "stun:a:3478,stun:b:3478")
	t.Setenv("SHRIVE_TRACING_ENABLED", "true")

	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"invitation":{"timeout_seconds":45}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://hub.example.org", cfg.Hub.URL)
	assert.Equal(t, 12, cfg.Invitation.TimeoutSec)
	assert.Equal(t, []string{"stun:a:3478", "stun:b:3478"}, cfg.Call.STUNURLs)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "Anonymous Confessor", cfg.Invitation.DefaultDisplayName)
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default().Hub, cfg.Hub)

	cfg.Identity.DisplayName = "Ana"
	require.NoError(t, Save(path, cfg))

	again, created, err := Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Ana", again.Identity.DisplayName)
}

func TestSaveValidates(t *testing.T) {
	cfg := Default()
	cfg.Invitation.TimeoutSec = -1
	assert.Error(t, Save(filepath.Join(t.TempDir(), FileName), cfg))
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, Save(path, Default()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c Config) { got <- c }) }()

	// give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)

	cfg := Default()
	cfg.Invitation.TimeoutSec = 10
	require.NoError(t, Save(path, cfg))

	select {
	case c := <-got:
		assert.Equal(t, 10, c.Invitation.TimeoutSec)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchSkipsBrokenEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, Save(path, Default()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	go func() { _ = Watch(ctx, path, func(c Config) { got <- c }) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"invitation":`), 0o644))
	select {
	case <-got:
		t.Fatal("broken config delivered")
	case <-time.After(400 * time.Millisecond):
	}

	cfg := Default()
	cfg.Invitation.TimeoutSec = 20
	require.NoError(t, Save(path, cfg))
	select {
	case c := <-got:
		assert.Equal(t, 20, c.Invitation.TimeoutSec)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after fix")
	}
}
