// Package devices owns the local microphone and camera tracks.
package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrPermissionDenied = errors.New("device permission denied")

const (
	NoticePermissionDenied = "err-permission-denied"
	NoticeNoAudioDevices   = "err-could-not-list-audio-devices"
	NoticeNoVideoDevices   = "err-could-not-list-video-devices"
	NoticeNoMediaDevices   = "err-media-devices-unsupported"
)

// Camera request, all values are ideal.
const (
	idealWidth      = 1280
	idealHeight     = 720
	idealFrameRate  = 30
	idealAspect     = 16.0 / 9.0
	idealFacingMode = "user"
)

type AudioOptions struct {
	UseVoiceFocus bool
}

// Enhancer creates noise suppressed capture devices and stops them again.
type Enhancer interface {
	CreateEnhancedDevice(ctx context.Context, deviceID string) (core.EnhancedDevice, error)
	Release(dev core.EnhancedDevice)
}

// TrackChange describes a replaced local track. Track is nil when the kind
// was released.
type TrackChange struct {
	Kind     domain.MediaKind
	DeviceID string
	Track    core.MediaTrack
}

type Manager struct {
	devices  core.MediaDevices
	enhancer Enhancer
	settings core.SettingsStore
	notifier core.Notifier
	logger   zerolog.Logger

	// opMu serialises device switches.
	opMu sync.Mutex

	mu           sync.Mutex
	audio        core.MediaTrack
	video        core.MediaTrack
	audioID      string
	videoID      string
	enhanced     core.EnhancedDevice
	audioMuted   bool
	videoMuted   bool
	audioDevices []domain.Device
	videoDevices []domain.Device
	permissions  bool
	stopWatch    func()

	hmu   sync.RWMutex
	hooks map[int]func(TrackChange)
	nextH int
}

// NewManager builds a manager. enhancer may be nil when voice focus is not available.
func NewManager(devices core.MediaDevices, enhancer Enhancer, settings core.SettingsStore, notifier core.Notifier) *Manager {
	return &Manager{
		devices:  devices,
		enhancer: enhancer,
		settings: settings,
		notifier: notifier,
		logger:   log.With().Str("module", "devices").Logger(),
		hooks:    make(map[int]func(TrackChange)),
	}
}

// OnTrackChange registers fn for local track replacements.
func (m *Manager) OnTrackChange(fn func(TrackChange)) (cancel func()) {
	m.hmu.Lock()
	id := m.nextH
	m.nextH++
	m.hooks[id] = fn
	m.hmu.Unlock()
	return func() {
		m.hmu.Lock()
		defer m.hmu.Unlock()
		delete(m.hooks, id)
	}
}

func (m *Manager) fire(ch TrackChange) {
	m.hmu.RLock()
	hs := make([]func(TrackChange), 0, len(m.hooks))
	for _, h := range m.hooks {
		hs = append(hs, h)
	}
	m.hmu.RUnlock()
	for _, h := range hs {
		h(ch)
	}
}

// ListDevices enumerates inputs split by kind. Unsupported enumeration is not
// an error: both lists come back empty and a warning is shown.
func (m *Manager) ListDevices(ctx context.Context) (audio, video []domain.Device, err error) {
	all, err := m.devices.Enumerate(ctx)
	if errors.Is(err, core.ErrUnsupported) {
		m.notifier.Raise(core.Notice{
			ID:      NoticeNoMediaDevices,
			Level:   core.NoticeWarning,
			Message: "Media devices are not available in this context.",
		})
		audio, video = []domain.Device{}, []domain.Device{}
		m.storeLists(audio, video)
		return audio, video, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("enumerate devices: %w", err)
	}

	audio, video = domain.PartitionDevices(all)
	m.emptyNotice(NoticeNoVideoDevices, len(video) == 0, "Error: Could not find any webcams.")
	m.emptyNotice(NoticeNoAudioDevices, len(audio) == 0, "Error: Could not find any microphones.")
	m.storeLists(audio, video)
	return audio, video, nil
}

func (m *Manager) emptyNotice(id string, empty bool, msg string) {
	if !empty {
		m.notifier.Dismiss(id)
		return
	}
	m.notifier.Raise(core.Notice{ID: id, Level: core.NoticeError, Message: msg, Persistent: true})
}

func (m *Manager) storeLists(audio, video []domain.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioDevices = audio
	m.videoDevices = video
}

// AcquirePermissions makes sure both kinds may be captured, prompting only
// for kinds not yet granted. Trial tracks are stopped before returning.
func (m *Manager) AcquirePermissions(ctx context.Context, savedAudioID, savedVideoID string) bool {
	ok, trials := m.acquire(ctx, savedAudioID, savedVideoID)
	stopAll(trials)
	return ok
}

func (m *Manager) acquire(ctx context.Context, savedAudioID, savedVideoID string) (bool, []core.MediaTrack) {
	var trials []core.MediaTrack
	err := func() error {
		if m.needsPrompt(ctx, domain.DeviceVideoInput) {
			t, err := m.devices.CaptureVideo(ctx, core.VideoConstraints{IdealDeviceID: savedVideoID})
			if err != nil {
				return fmt.Errorf("camera: %w", err)
			}
			trials = append(trials, t)
		}
		if m.needsPrompt(ctx, domain.DeviceAudioInput) {
			t, err := m.devices.CaptureAudio(ctx, core.AudioConstraints{IdealDeviceID: savedAudioID, PlatformDefaults: true})
			if err != nil {
				return fmt.Errorf("microphone: %w", err)
			}
			trials = append(trials, t)
		}
		return nil
	}()

	granted := err == nil
	m.mu.Lock()
	m.permissions = granted
	m.mu.Unlock()
	if !granted {
		m.logger.Warn().Err(errors.Join(ErrPermissionDenied, err)).Msg("device access refused")
		m.notifier.Raise(core.Notice{
			ID:         NoticePermissionDenied,
			Level:      core.NoticeError,
			Message:    "Error: Could not access webcams or microphones. Allow this app to access your webcams and microphones and refresh the app.",
			Persistent: true,
		})
		stopAll(trials)
		return false, nil
	}
	return true, trials
}

// needsPrompt treats a failed permission query like a missing grant.
func (m *Manager) needsPrompt(ctx context.Context, kind domain.DeviceKind) bool {
	st, err := m.devices.Permission(ctx, kind)
	if err != nil {
		m.logger.Debug().Err(err).Str("kind", string(kind)).Msg("permission query failed")
		return true
	}
	return st != core.PermissionGranted
}

// SelectIdealDevice keeps savedID when it is still available, otherwise
// picks the first device. It returns "" only for an empty list.
func SelectIdealDevice(savedID string, available []domain.Device) string {
	if domain.ContainsDevice(available, savedID) {
		return savedID
	}
	if len(available) == 0 {
		return ""
	}
	return available[0].DeviceID
}

// SetAudioDevice switches the microphone. With voice focus an enhanced device
// is tried first; platform noise suppression is off whenever voice focus was
// asked for, whether enhancement worked or not.
func (m *Manager) SetAudioDevice(ctx context.Context, deviceID string, opts AudioOptions) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var (
		track    core.MediaTrack
		enhanced core.EnhancedDevice
		err      error
	)
	if opts.UseVoiceFocus && m.enhancer != nil {
		enhanced, err = m.enhancer.CreateEnhancedDevice(ctx, deviceID)
		if err == nil && enhanced != nil {
			track = enhanced.Track()
		} else {
			m.logger.Warn().Err(err).Str("device_id", deviceID).Msg("voice focus unavailable, using raw microphone")
			enhanced = nil
		}
	}
	if track == nil {
		c := core.AudioConstraints{DeviceID: deviceID, PlatformDefaults: !opts.UseVoiceFocus}
		track, err = m.devices.CaptureAudio(ctx, c)
		if err != nil {
			return fmt.Errorf("set audio device %q: %w", deviceID, err)
		}
	}

	m.mu.Lock()
	old, oldEnhanced := m.audio, m.enhanced
	m.audio, m.enhanced, m.audioID = track, enhanced, deviceID
	track.SetEnabled(!m.audioMuted)
	m.mu.Unlock()

	m.save(func(s domain.Settings) domain.Settings { return s.WithAudioDevice(deviceID) })
	m.fire(TrackChange{Kind: domain.KindAudio, DeviceID: deviceID, Track: track})
	m.release(old, oldEnhanced)

	m.logger.Info().Str("device_id", deviceID).Bool("voice_focus", enhanced != nil).Msg("microphone selected")
	return nil
}

// SetVideoDevice switches the camera.
func (m *Manager) SetVideoDevice(ctx context.Context, deviceID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	track, err := m.devices.CaptureVideo(ctx, core.VideoConstraints{
		DeviceID:    deviceID,
		Width:       idealWidth,
		Height:      idealHeight,
		FrameRate:   idealFrameRate,
		AspectRatio: idealAspect,
		FacingMode:  idealFacingMode,
	})
	if err != nil {
		return fmt.Errorf("set video device %q: %w", deviceID, err)
	}

	m.mu.Lock()
	old := m.video
	m.video, m.videoID = track, deviceID
	track.SetEnabled(!m.videoMuted)
	m.mu.Unlock()

	m.save(func(s domain.Settings) domain.Settings { return s.WithVideoDevice(deviceID) })
	m.fire(TrackChange{Kind: domain.KindVideo, DeviceID: deviceID, Track: track})
	m.release(old, nil)

	m.logger.Info().Str("device_id", deviceID).Msg("camera selected")
	return nil
}

func (m *Manager) save(fn func(domain.Settings) domain.Settings) {
	if m.settings == nil {
		return
	}
	if _, err := m.settings.Update(fn); err != nil {
		m.logger.Error().Err(err).Msg("save device selection")
	}
}

// Initialize runs the first load: permissions, enumeration, then the saved
// (or first) devices. Voice focus is never applied here.
func (m *Manager) Initialize(ctx context.Context) error {
	var saved domain.Settings
	if m.settings != nil {
		saved = m.settings.Load()
	}
	_, trials := m.acquire(ctx, saved.SavedAudioDeviceID, saved.SavedVideoDeviceID)
	audio, video, err := m.ListDevices(ctx)
	stopAll(trials)
	if err != nil {
		return err
	}

	var errs []error
	if id := SelectIdealDevice(saved.SavedAudioDeviceID, audio); id != "" {
		errs = append(errs, m.SetAudioDevice(ctx, id, AudioOptions{UseVoiceFocus: false}))
	}
	if id := SelectIdealDevice(saved.SavedVideoDeviceID, video); id != "" {
		errs = append(errs, m.SetVideoDevice(ctx, id))
	}
	return errors.Join(errs...)
}

// Start follows platform device changes until Close. ctx is used for the
// captures a change triggers.
func (m *Manager) Start(ctx context.Context) {
	cancel := m.devices.OnDeviceChange(func() {
		m.logger.Info().Msg("device change detected, refreshing device lists")
		m.refresh(ctx)
	})
	m.mu.Lock()
	prev := m.stopWatch
	m.stopWatch = cancel
	m.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (m *Manager) refresh(ctx context.Context) {
	audio, video, err := m.ListDevices(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("refresh devices")
		return
	}
	m.mu.Lock()
	audioID, videoID := m.audioID, m.videoID
	m.mu.Unlock()

	if audioID != "" {
		if id := SelectIdealDevice(audioID, audio); id != "" && id != audioID {
			m.logger.Info().Str("from", audioID).Str("to", id).Msg("current microphone disconnected, switching")
			if err := m.SetAudioDevice(ctx, id, AudioOptions{UseVoiceFocus: false}); err != nil {
				m.logger.Error().Err(err).Msg("switch microphone")
			}
		}
	}
	if videoID != "" {
		if id := SelectIdealDevice(videoID, video); id != "" && id != videoID {
			m.logger.Info().Str("from", videoID).Str("to", id).Msg("current camera disconnected, switching")
			if err := m.SetVideoDevice(ctx, id); err != nil {
				m.logger.Error().Err(err).Msg("switch camera")
			}
		}
	}
}

// ToggleMute flips the mute state of kind and returns the new state. The
// state survives device switches.
func (m *Manager) ToggleMute(kind domain.MediaKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		muted *bool
		track core.MediaTrack
	)
	switch kind {
	case domain.KindAudio:
		muted, track = &m.audioMuted, m.audio
	case domain.KindVideo:
		muted, track = &m.videoMuted, m.video
	default:
		return false
	}
	*muted = !*muted
	if track != nil {
		track.SetEnabled(!*muted)
	}
	m.logger.Info().Str("kind", string(kind)).Bool("muted", *muted).Msg("mute toggled")
	return *muted
}

func (m *Manager) Muted(kind domain.MediaKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == domain.KindVideo {
		return m.videoMuted
	}
	return m.audioMuted
}

func (m *Manager) AudioTrack() core.MediaTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio
}

func (m *Manager) VideoTrack() core.MediaTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.video
}

// Selected returns the current device ids.
func (m *Manager) Selected() (audioID, videoID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioID, m.videoID
}

// Devices returns the last enumeration.
func (m *Manager) Devices() (audio, video []domain.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioDevices, m.videoDevices
}

func (m *Manager) Permissions() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permissions
}

// Close stops following device changes and stops every owned track.
func (m *Manager) Close() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	stop := m.stopWatch
	audio, video, enhanced := m.audio, m.video, m.enhanced
	m.stopWatch = nil
	m.audio, m.video, m.enhanced = nil, nil, nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.release(audio, enhanced)
	m.release(video, nil)
	m.logger.Info().Msg("devices released")
}

// release stops a replaced track. An enhanced device owns its track and goes
// back through the enhancer.
func (m *Manager) release(track core.MediaTrack, enhanced core.EnhancedDevice) {
	if enhanced != nil {
		if m.enhancer != nil {
			m.enhancer.Release(enhanced)
		} else {
			enhanced.Stop()
		}
		return
	}
	if track != nil {
		track.Stop()
	}
}

func stopAll(ts []core.MediaTrack) {
	for _, t := range ts {
		t.Stop()
	}
}
