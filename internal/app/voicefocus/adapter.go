// Package voicefocus wraps a noise suppression provider behind a lazily
// initialised, cached adapter.
package voicefocus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Stage/internal/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrUnsupported = errors.New("voice focus unsupported")

const (
	NoticeInitError   = "voice-focus-init-error"
	NoticeDeviceError = "voice-focus-device-error"
)

// DefaultSpec is the noise suppression only model.
var DefaultSpec = core.VoiceFocusSpec{Name: "default", Variant: "c20"}

type Status struct {
	Supported   bool `json:"isSupported"`
	Initialized bool `json:"isInitialized"`
	Active      bool `json:"isActive"`
	HasDevice   bool `json:"hasDevice"`
}

type Adapter struct {
	provider core.NoiseSuppressionProvider
	notifier core.Notifier
	spec     core.VoiceFocusSpec
	logger   zerolog.Logger

	mu          sync.Mutex
	checked     bool
	supported   bool
	transformer core.NoiseTransformer
	device      core.EnhancedDevice
}

// New returns an adapter for spec. A zero spec selects DefaultSpec.
func New(provider core.NoiseSuppressionProvider, notifier core.Notifier, spec core.VoiceFocusSpec) *Adapter {
	if spec == (core.VoiceFocusSpec{}) {
		spec = DefaultSpec
	}
	return &Adapter{
		provider: provider,
		notifier: notifier,
		spec:     spec,
		logger:   log.With().Str("module", "voicefocus").Logger(),
	}
}

// CheckSupport asks the provider once and caches the answer. Check errors
// count as unsupported.
func (a *Adapter) CheckSupport(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checkLocked(ctx)
}

func (a *Adapter) checkLocked(ctx context.Context) bool {
	if a.checked {
		return a.supported
	}
	ok, err := a.provider.Supported(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("support check failed")
		ok = false
	}
	a.checked = true
	a.supported = ok
	return ok
}

// Initialize builds the transformer on first use. Later calls return the
// cached outcome without touching the provider.
func (a *Adapter) Initialize(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initLocked(ctx) == nil
}

func (a *Adapter) initLocked(ctx context.Context) error {
	if a.transformer != nil {
		return nil
	}
	if !a.checkLocked(ctx) {
		a.logger.Warn().Msg("voice focus is not supported here")
		return ErrUnsupported
	}
	tr, err := a.provider.NewTransformer(ctx, a.spec, false)
	if err != nil {
		a.supported = false
		a.notifier.Raise(core.Notice{
			ID:      NoticeInitError,
			Level:   core.NoticeWarning,
			Message: "Failed to initialize Voice Focus: " + err.Error(),
		})
		return fmt.Errorf("init voice focus: %w", err)
	}
	a.transformer = tr
	a.logger.Info().Str("name", a.spec.Name).Str("variant", a.spec.Variant).Msg("voice focus initialized")
	return nil
}

// CreateEnhancedDevice returns a noise suppressed device for deviceID. On any
// failure it returns nil and the caller keeps the raw device.
func (a *Adapter) CreateEnhancedDevice(ctx context.Context, deviceID string) (core.EnhancedDevice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.initLocked(ctx); err != nil {
		return nil, err
	}
	dev, err := a.transformer.CreateEnhancedDevice(ctx, deviceID)
	if err != nil {
		a.notifier.Raise(core.Notice{
			ID:      NoticeDeviceError,
			Level:   core.NoticeWarning,
			Message: "Failed to apply Voice Focus: " + err.Error(),
		})
		return nil, fmt.Errorf("enhance %q: %w", deviceID, err)
	}
	a.device = dev
	a.logger.Info().Str("device_id", deviceID).Msg("enhanced device created")
	return dev, nil
}

// StopCurrentDevice stops the last enhanced device, if any.
func (a *Adapter) StopCurrentDevice() {
	a.mu.Lock()
	dev := a.device
	a.device = nil
	a.mu.Unlock()
	if dev != nil {
		dev.Stop()
		a.logger.Info().Str("device_id", dev.DeviceID()).Msg("enhanced device stopped")
	}
}

// Release stops dev and forgets it when it is the current device. Owners of
// an enhanced device release it through here so Active stays truthful.
func (a *Adapter) Release(dev core.EnhancedDevice) {
	if dev == nil {
		return
	}
	a.mu.Lock()
	if a.device == dev {
		a.device = nil
	}
	a.mu.Unlock()
	dev.Stop()
	a.logger.Info().Str("device_id", dev.DeviceID()).Msg("enhanced device released")
}

// Dispose stops the active device and releases the transformer. The adapter
// can be initialised again afterwards.
func (a *Adapter) Dispose() {
	a.StopCurrentDevice()
	a.mu.Lock()
	tr := a.transformer
	a.transformer = nil
	a.mu.Unlock()
	if tr != nil {
		tr.Destroy()
		a.logger.Info().Msg("voice focus disposed")
	}
}

// Active reports whether an enhanced device is in use.
func (a *Adapter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.device != nil
}

func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		Supported:   a.supported,
		Initialized: a.transformer != nil,
		Active:      a.device != nil,
		HasDevice:   a.device != nil,
	}
}
