package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// SettingsStore keeps user settings in a YAML file next to the config.
// Monitoring is session-only and never written here.
type SettingsStore struct {
	mu    sync.Mutex
	v     *viper.Viper
	path  string
	value domain.Settings
}

// OpenSettings reads path if it exists, otherwise starts from defaults.
func OpenSettings(path string) (*SettingsStore, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)

	def := domain.DefaultSettings()
	v.SetDefault("voice_focus_enabled", def.VoiceFocusEnabled)
	v.SetDefault("normalize_output_enabled", def.NormalizeOutputEnabled)
	v.SetDefault("saved_audio_device_id", def.SavedAudioDeviceID)
	v.SetDefault("saved_video_device_id", def.SavedVideoDeviceID)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read settings: %w", err)
		}
		log.Info().Str("module", "config.settings").Str("path", path).Msg("no settings file, using defaults")
	}

	var s domain.Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	return &SettingsStore{v: v, path: path, value: s}, nil
}

func (s *SettingsStore) Load() domain.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Update derives a new value with fn and writes it through. The new value is
// kept in memory even when the write fails; the error only reports that it
// will not survive a restart.
func (s *SettingsStore) Update(fn func(domain.Settings) domain.Settings) (domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := fn(s.value)
	s.value = next
	s.v.Set("voice_focus_enabled", next.VoiceFocusEnabled)
	s.v.Set("normalize_output_enabled", next.NormalizeOutputEnabled)
	s.v.Set("saved_audio_device_id", next.SavedAudioDeviceID)
	s.v.Set("saved_video_device_id", next.SavedVideoDeviceID)
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return next, fmt.Errorf("write settings: %w", err)
	}
	log.Debug().Str("module", "config.settings").Str("path", s.path).Msg("settings saved")
	return next, nil
}
