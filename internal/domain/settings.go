package domain

// Settings are the persisted user preferences. Values are replaced wholesale,
// use the With helpers to derive a new value.
type Settings struct {
	VoiceFocusEnabled      bool   `json:"voiceFocusEnabled" mapstructure:"voice_focus_enabled"`
	NormalizeOutputEnabled bool   `json:"normalizeOutputEnabled" mapstructure:"normalize_output_enabled"`
	SavedAudioDeviceID     string `json:"savedAudioDeviceId" mapstructure:"saved_audio_device_id"`
	SavedVideoDeviceID     string `json:"savedVideoDeviceId" mapstructure:"saved_video_device_id"`
}

func DefaultSettings() Settings {
	return Settings{}
}

func (s Settings) WithVoiceFocus(on bool) Settings {
	s.VoiceFocusEnabled = on
	return s
}

func (s Settings) WithNormalizeOutput(on bool) Settings {
	s.NormalizeOutputEnabled = on
	return s
}

func (s Settings) WithAudioDevice(id string) Settings {
	s.SavedAudioDeviceID = id
	return s
}

func (s Settings) WithVideoDevice(id string) Settings {
	s.SavedVideoDeviceID = id
	return s
}
