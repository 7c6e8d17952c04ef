package filters

import (
	"context"
	"sync"

	"github.com/dkeye/Stage/internal/app/voicefocus"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	NoticeVoiceFocusUnsupported = "voice-focus-not-supported"
	NoticeVoiceFocusDisabled    = "voice-focus-disabled"
	NoticeMonitoringNoTrack     = "monitoring-no-track"
	NoticeMonitoringError       = "monitoring-error"
	NoticeMonitoringReconnect   = "monitoring-reconnect-error"
	noticeNormalizePrefix       = "normalize-error-"
)

// NoticeNormalizeError is the notice raised when the chain of id fails.
func NoticeNormalizeError(id core.ParticipantID) string {
	return noticeNormalizePrefix + string(id)
}

// VoiceFocus is the noise suppression surface the coordinator drives.
type VoiceFocus interface {
	CheckSupport(ctx context.Context) bool
	CreateEnhancedDevice(ctx context.Context, deviceID string) (core.EnhancedDevice, error)
	StopCurrentDevice()
	Release(dev core.EnhancedDevice)
	Status() voicefocus.Status
}

type FilterStatus struct {
	VoiceFocus struct {
		Enabled   bool `json:"enabled"`
		Supported bool `json:"supported"`
		Active    bool `json:"active"`
	} `json:"voiceFocus"`
	NormalizeOutput struct {
		Enabled bool `json:"enabled"`
		Chains  int  `json:"chains"`
	} `json:"normalizeOutput"`
	Monitoring struct {
		Enabled bool `json:"enabled"`
		Active  bool `json:"active"`
	} `json:"monitoring"`
}

// Coordinator applies the persisted filter settings to the engine and keeps
// output chains in line with the roster.
type Coordinator struct {
	engine   *Engine
	vf       VoiceFocus
	settings core.SettingsStore
	notifier core.Notifier
	logger   zerolog.Logger

	// rmu serialises reconciliation.
	rmu sync.Mutex

	mu         sync.Mutex
	last       []core.Participant
	audio      core.MediaTrack
	monitoring bool
	shutdown   bool
}

// NewCoordinator wires engine to settings. vf may be nil, voice focus is then
// reported as unsupported.
func NewCoordinator(engine *Engine, vf VoiceFocus, settings core.SettingsStore, notifier core.Notifier) *Coordinator {
	return &Coordinator{
		engine:   engine,
		vf:       vf,
		settings: settings,
		notifier: notifier,
		logger:   log.With().Str("module", "filters").Logger(),
	}
}

// Initialize turns a stored voice focus preference off when the platform
// cannot honour it.
func (c *Coordinator) Initialize(ctx context.Context) {
	if !c.settings.Load().VoiceFocusEnabled || c.supported(ctx) {
		return
	}
	c.update(func(s domain.Settings) domain.Settings { return s.WithVoiceFocus(false) })
	c.notifier.Raise(core.Notice{
		ID:      NoticeVoiceFocusUnsupported,
		Level:   core.NoticeError,
		Message: "Voice Focus is not supported on this device",
	})
}

func (c *Coordinator) supported(ctx context.Context) bool {
	return c.vf != nil && c.vf.CheckSupport(ctx)
}

func (c *Coordinator) update(fn func(domain.Settings) domain.Settings) domain.Settings {
	s, err := c.settings.Update(fn)
	if err != nil {
		c.logger.Error().Err(err).Msg("save filter settings")
	}
	return s
}

// VoiceFocusEnabled reports the stored preference.
func (c *Coordinator) VoiceFocusEnabled() bool { return c.settings.Load().VoiceFocusEnabled }

// ToggleVoiceFocus stores the preference. Enabling fails when voice focus is
// unsupported; disabling stops the active enhanced device. The caller
// re-selects the microphone to apply the change.
func (c *Coordinator) ToggleVoiceFocus(ctx context.Context, on bool) bool {
	if on && !c.supported(ctx) {
		c.notifier.Raise(core.Notice{
			ID:      NoticeVoiceFocusUnsupported,
			Level:   core.NoticeError,
			Message: "Voice Focus is not supported on this device",
		})
		return false
	}
	c.update(func(s domain.Settings) domain.Settings { return s.WithVoiceFocus(on) })
	if !on {
		if c.vf != nil {
			c.vf.StopCurrentDevice()
		}
		c.notifier.Raise(core.Notice{
			ID:      NoticeVoiceFocusDisabled,
			Level:   core.NoticeSuccess,
			Message: "Voice Focus disabled",
		})
	}
	c.logger.Info().Bool("enabled", on).Msg("voice focus toggled")
	return true
}

// ApplyVoiceFocus returns an enhanced device for deviceID when voice focus is
// enabled and supported, nil otherwise. Failures leave the raw device in use.
func (c *Coordinator) ApplyVoiceFocus(ctx context.Context, deviceID string) core.EnhancedDevice {
	if !c.VoiceFocusEnabled() {
		return nil
	}
	dev, err := c.CreateEnhancedDevice(ctx, deviceID)
	if err != nil {
		c.logger.Warn().Err(err).Str("device_id", deviceID).Msg("voice focus not applied")
		return nil
	}
	return dev
}

// CreateEnhancedDevice enhances deviceID regardless of the stored preference.
func (c *Coordinator) CreateEnhancedDevice(ctx context.Context, deviceID string) (core.EnhancedDevice, error) {
	if !c.supported(ctx) {
		return nil, voicefocus.ErrUnsupported
	}
	return c.vf.CreateEnhancedDevice(ctx, deviceID)
}

// Release stops an enhanced device the caller no longer uses.
func (c *Coordinator) Release(dev core.EnhancedDevice) {
	if c.vf == nil {
		if dev != nil {
			dev.Stop()
		}
		return
	}
	c.vf.Release(dev)
}

// ToggleNormalizeOutput stores the preference and reconciles the last roster.
func (c *Coordinator) ToggleNormalizeOutput(ctx context.Context, on bool) {
	c.update(func(s domain.Settings) domain.Settings { return s.WithNormalizeOutput(on) })
	c.logger.Info().Bool("enabled", on).Msg("output normalization toggled")
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()
	c.Reconcile(ctx, last)
}

// ToggleMonitoring starts or stops the loopback monitor of the current
// microphone. Enabling without a microphone fails.
func (c *Coordinator) ToggleMonitoring(on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !on {
		c.engine.RemoveMonitoringChain()
		c.monitoring = false
		return true
	}
	if c.audio == nil {
		c.notifier.Raise(core.Notice{
			ID:      NoticeMonitoringNoTrack,
			Level:   core.NoticeError,
			Message: "No audio track available for monitoring",
		})
		return false
	}
	if err := c.engine.CreateMonitoringChain(c.audio); err != nil {
		c.logger.Error().Err(err).Msg("enable monitoring")
		c.notifier.Raise(core.Notice{
			ID:      NoticeMonitoringError,
			Level:   core.NoticeError,
			Message: "Failed to enable audio monitoring",
		})
		return false
	}
	c.monitoring = true
	return true
}

func (c *Coordinator) SetMonitoringGain(g float64) { c.engine.SetMonitoringGain(g) }

// OnAudioTrackChanged records the new microphone track and moves an active
// monitor onto it.
func (c *Coordinator) OnAudioTrackChanged(track core.MediaTrack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = track
	if !c.monitoring || c.shutdown {
		return
	}
	if track == nil {
		c.engine.RemoveMonitoringChain()
		return
	}
	if err := c.engine.CreateMonitoringChain(track); err != nil {
		c.logger.Error().Err(err).Msg("reconnect monitoring")
		c.notifier.Raise(core.Notice{
			ID:      NoticeMonitoringReconnect,
			Level:   core.NoticeError,
			Message: "Failed to reconnect audio monitoring",
		})
		return
	}
	c.logger.Info().Str("track", track.ID()).Msg("monitoring moved to new track")
}

// Reconcile brings output chains in line with participants: one chain per
// remote participant with audio while normalization is enabled, none
// otherwise.
func (c *Coordinator) Reconcile(ctx context.Context, participants []core.Participant) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	c.mu.Lock()
	c.last = participants
	down := c.shutdown
	c.mu.Unlock()
	if down {
		return
	}

	want := make(map[core.ParticipantID]core.MediaTrack)
	if c.settings.Load().NormalizeOutputEnabled {
		for _, p := range participants {
			if p.IsLocal {
				continue
			}
			if tr := p.AudioTrack(); tr != nil && !tr.Stopped() {
				want[p.ID] = tr
			}
		}
	}

	for _, id := range c.engine.OutputChains() {
		if _, ok := want[id]; !ok {
			c.engine.RemoveOutputChain(id)
		}
	}
	for id, tr := range want {
		if err := c.engine.CreateOutputChain(ctx, id, tr); err != nil {
			c.logger.Error().Err(err).Str("participant", string(id)).Msg("apply output normalization")
			c.notifier.Raise(core.Notice{
				ID:      NoticeNormalizeError(id),
				Level:   core.NoticeError,
				Message: "Failed to apply audio normalization for participant",
			})
			continue
		}
		c.notifier.Dismiss(NoticeNormalizeError(id))
	}
}

func (c *Coordinator) Status() FilterStatus {
	var st FilterStatus
	s := c.settings.Load()
	st.VoiceFocus.Enabled = s.VoiceFocusEnabled
	if c.vf != nil {
		vs := c.vf.Status()
		st.VoiceFocus.Supported = vs.Supported
		st.VoiceFocus.Active = vs.Active
	}
	st.NormalizeOutput.Enabled = s.NormalizeOutputEnabled
	st.NormalizeOutput.Chains = len(c.engine.OutputChains())
	c.mu.Lock()
	st.Monitoring.Enabled = c.monitoring
	c.mu.Unlock()
	st.Monitoring.Active = c.engine.Monitoring()
	return st
}

// Shutdown removes every chain and closes the engine. It runs before local
// tracks are stopped.
func (c *Coordinator) Shutdown() {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	c.monitoring = false
	c.mu.Unlock()
	c.engine.Dispose()
	c.logger.Info().Msg("audio filters shut down")
}
