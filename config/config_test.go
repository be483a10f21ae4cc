package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	return home
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "gpt-realtime", cfg.OpenAI.Model)
	assert.Equal(t, "alloy", cfg.OpenAI.Voice)
	assert.Equal(t, "gpt-4o-mini-transcribe", cfg.OpenAI.TranscriptionModel)
	assert.Equal(t, 5*time.Second, cfg.Session.GraceWindow)
	assert.Equal(t, 15*time.Second, cfg.Session.InactivityTimeout)
	assert.Equal(t, 0.6, cfg.Session.VADThreshold)
	assert.Equal(t, 500, cfg.Session.PrefixPaddingMs)
	assert.Equal(t, 1000, cfg.Session.SilenceDurationMs)

	dir, err := Dir()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Store.Dir)
	assert.Equal(t, filepath.Join(dir, "backgrounds"), cfg.Background.OutputDir)
}

func TestLoadFileAndEnv(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "primer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
openai:
  voice: shimmer
session:
  grace_window: 0s
  inactivity_timeout: 30s
viewport:
  width: 800
  height: 1200
`), 0o600))
	t.Setenv("PRIMER_OPENAI_MODEL", "gpt-realtime-mini")
	t.Setenv("PRIMER_STORE_USE_KEYRING", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "shimmer", cfg.OpenAI.Voice)
	assert.Equal(t, "gpt-realtime-mini", cfg.OpenAI.Model)
	assert.Equal(t, time.Duration(0), cfg.Session.GraceWindow)
	assert.Equal(t, 30*time.Second, cfg.Session.InactivityTimeout)
	assert.True(t, cfg.Store.UseKeyring)
	assert.Equal(t, ViewportConfig{Width: 800, Height: 1200}, cfg.Viewport)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "negative grace", yaml: "session:\n  grace_window: -1s\n"},
		{name: "zero inactivity", yaml: "session:\n  inactivity_timeout: 0s\n"},
		{name: "threshold above one", yaml: "session:\n  vad_threshold: 1.5\n"},
		{name: "negative viewport", yaml: "viewport:\n  width: -1\n"},
		{name: "bad yaml", yaml: "session: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := isolate(t)
			path := filepath.Join(home, "primer.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	home := isolate(t)

	cfg, err := Load(filepath.Join(home, "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "dall-e-3", cfg.OpenAI.ImageModel)
}
