package core

import (
	"context"
	"errors"

	"github.com/dkeye/Stage/internal/domain"
)

var (
	// ErrUnsupported is returned by platform facilities that are not available.
	ErrUnsupported  = errors.New("unsupported")
	ErrTrackStopped = errors.New("track stopped")
)

// PCMFrame is one block of mono float32 samples in [-1, 1].
type PCMFrame []float32

// MediaTrack is a live local or remote media track.
type MediaTrack interface {
	ID() string
	Kind() domain.MediaKind
	// DeviceID is the capture device for local tracks, empty for remote ones.
	DeviceID() string
	Enabled() bool
	SetEnabled(on bool)
	// Clone returns an independent handle on the same source. Stopping the
	// clone never stops the original.
	Clone() MediaTrack
	Stop()
	Stopped() bool
	// Subscribe registers a sink for decoded audio and returns its detach func.
	// Video tracks never call fn.
	Subscribe(fn func(PCMFrame)) (cancel func())
}

type PermissionState int

const (
	PermissionPrompt PermissionState = iota
	PermissionGranted
	PermissionDenied
)

func (s PermissionState) String() string {
	switch s {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	}
	return "prompt"
}

// AudioConstraints describe a microphone capture request.
type AudioConstraints struct {
	DeviceID string
	// IdealDeviceID is a preference only, used when DeviceID is empty.
	IdealDeviceID string
	// PlatformDefaults keeps the platform processing (echo cancellation,
	// noise suppression, auto gain) as it is; otherwise NoiseSuppression applies.
	PlatformDefaults bool
	NoiseSuppression bool
}

// VideoConstraints carry ideal values, the platform may pick something close.
type VideoConstraints struct {
	DeviceID      string
	IdealDeviceID string
	Width         int
	Height        int
	FrameRate     int
	AspectRatio   float64
	FacingMode    string
}

// MediaDevices is the platform capture facility.
type MediaDevices interface {
	// Enumerate returns every input device or ErrUnsupported.
	Enumerate(ctx context.Context) ([]domain.Device, error)
	Permission(ctx context.Context, kind domain.DeviceKind) (PermissionState, error)
	CaptureAudio(ctx context.Context, c AudioConstraints) (MediaTrack, error)
	CaptureVideo(ctx context.Context, c VideoConstraints) (MediaTrack, error)
	// OnDeviceChange registers fn for device list changes and returns its detach func.
	OnDeviceChange(fn func()) (cancel func())
}
