package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg, err := unmarshal(v)
	require.NoError(t, err)

	assert.Equal(t, -18.0, cfg.Normalization.TargetLoudness)
	assert.Equal(t, 3.0, cfg.Normalization.Headroom)
	assert.Equal(t, 0.5, cfg.Normalization.MinGain)
	assert.Equal(t, 6.0, cfg.Normalization.MaxGain)
	assert.Equal(t, 0.85, cfg.Normalization.Smoothing)
	assert.Equal(t, 100*time.Millisecond, cfg.Normalization.UpdateInterval)
	assert.Equal(t, 2*time.Second, cfg.Normalization.CalibrationPeriod)
	assert.Equal(t, 1.5, cfg.Normalization.MakeupGain)
	assert.Equal(t, 0.5, cfg.Monitoring.Gain)
	assert.Equal(t, 10*time.Millisecond, cfg.Monitoring.Delay)
	assert.Equal(t, 100*time.Millisecond, cfg.Monitoring.MaxDelay)
	assert.Equal(t, "c20", cfg.VoiceFocus.Variant)
	assert.Equal(t, domain.SubscribeAudioVideo, cfg.SubscribeType)
	assert.Equal(t, 48000, cfg.Audio.SampleRate)
	assert.Equal(t, 30*time.Millisecond, cfg.VAD.Window)
	assert.Equal(t, 20, cfg.HTTP.RateLimit)
	assert.Equal(t, time.Second, cfg.HTTP.RateInterval)
}

func TestValidate(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	base, err := unmarshal(v)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"gain range inverted", func(c *Config) { c.Normalization.MaxGain = 0.1 }},
		{"zero min gain", func(c *Config) { c.Normalization.MinGain = 0 }},
		{"smoothing one", func(c *Config) { c.Normalization.Smoothing = 1 }},
		{"no interval", func(c *Config) { c.Normalization.UpdateInterval = 0 }},
		{"delay over max", func(c *Config) { c.Monitoring.Delay = time.Second }},
		{"bad subscribe type", func(c *Config) { c.SubscribeType = "video_only" }},
		{"no sample rate", func(c *Config) { c.Audio.SampleRate = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := "signal_url: ws://stage.example/ws\nnormalization:\n  target_loudness: -20\ndevices:\n  - device_id: mic-1\n    label: Desk mic\n    kind: audioinput\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(yaml), 0o644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("CONFIG_ENV", "test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ws://stage.example/ws", cfg.SignalURL)
	assert.Equal(t, -20.0, cfg.Normalization.TargetLoudness)
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, domain.DeviceAudioInput, cfg.Devices[0].Kind)
	assert.Equal(t, "Desk mic", cfg.Devices[0].Label)
}

func TestSettingsStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")

	store, err := OpenSettings(path)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultSettings(), store.Load())

	saved, err := store.Update(func(s domain.Settings) domain.Settings {
		return s.WithVoiceFocus(true).WithAudioDevice("mic-2")
	})
	require.NoError(t, err)
	assert.True(t, saved.VoiceFocusEnabled)

	reopened, err := OpenSettings(path)
	require.NoError(t, err)
	got := reopened.Load()
	assert.True(t, got.VoiceFocusEnabled)
	assert.False(t, got.NormalizeOutputEnabled)
	assert.Equal(t, "mic-2", got.SavedAudioDeviceID)
}

func TestSettingsUpdateKeepsValueWhenWriteFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "settings.yaml")
	store, err := OpenSettings(path)
	require.NoError(t, err)

	got, err := store.Update(func(s domain.Settings) domain.Settings { return s.WithNormalizeOutput(true) })
	require.Error(t, err)
	assert.True(t, got.NormalizeOutputEnabled)
	assert.True(t, store.Load().NormalizeOutputEnabled)
	assert.NoFileExists(t, path)
}
