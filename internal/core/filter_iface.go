package core

import "context"

// VoiceActivityDetector follows a track and reports whether speech is present.
type VoiceActivityDetector interface {
	Speaking() bool
	Close()
}

type VADFactory interface {
	NewDetector(ctx context.Context, track MediaTrack) (VoiceActivityDetector, error)
}

// VoiceFocusSpec selects the noise suppression model.
type VoiceFocusSpec struct {
	Name    string
	Variant string
}

// EnhancedDevice is a capture device with noise suppression applied.
type EnhancedDevice interface {
	DeviceID() string
	// Track is the processed audio track.
	Track() MediaTrack
	Stop()
}

type NoiseTransformer interface {
	CreateEnhancedDevice(ctx context.Context, deviceID string) (EnhancedDevice, error)
	Destroy()
}

// NoiseSuppressionProvider is the backing noise suppression technology.
type NoiseSuppressionProvider interface {
	Supported(ctx context.Context) (bool, error)
	NewTransformer(ctx context.Context, spec VoiceFocusSpec, preload bool) (NoiseTransformer, error)
}
