package orch

import (
	"context"

	"github.com/dkeye/Stage/internal/app/devices"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

const NoticeVoiceFocusEnabled = "voice-focus-enabled"

// onTrackChange republishes the local tracks and moves the monitor.
func (o *Orchestrator) onTrackChange(ch devices.TrackChange) {
	enhanced := ch.Kind == domain.KindAudio && o.VoiceFocus.Active()
	o.Metrics.RecordDeviceSwitch(string(ch.Kind), enhanced)
	if ch.Kind == domain.KindAudio {
		o.Filters.OnAudioTrackChanged(ch.Track)
	}
	o.Stage.UpdateMedia(streamOf(o.Devices.AudioTrack()), streamOf(o.Devices.VideoTrack()))
}

func streamOf(t core.MediaTrack) *core.Stream {
	if t == nil {
		return nil
	}
	return &core.Stream{ID: t.ID(), Kind: t.Kind(), Track: t}
}

// SetAudioDevice switches the microphone, with voice focus when enabled.
func (o *Orchestrator) SetAudioDevice(ctx context.Context, deviceID string) error {
	return o.Devices.SetAudioDevice(ctx, deviceID, devices.AudioOptions{UseVoiceFocus: o.Filters.VoiceFocusEnabled()})
}

func (o *Orchestrator) SetVideoDevice(ctx context.Context, deviceID string) error {
	return o.Devices.SetVideoDevice(ctx, deviceID)
}

// ToggleVoiceFocus stores the preference and re-selects the current
// microphone so the change takes effect.
func (o *Orchestrator) ToggleVoiceFocus(ctx context.Context, on bool) bool {
	if !o.Filters.ToggleVoiceFocus(ctx, on) {
		return false
	}
	audioID, _ := o.Devices.Selected()
	if audioID == "" {
		return true
	}
	if err := o.SetAudioDevice(ctx, audioID); err != nil {
		o.logger.Error().Err(err).Str("device_id", audioID).Msg("refresh microphone for voice focus")
		return true
	}
	if on && o.VoiceFocus.Active() {
		o.Notices.Raise(core.Notice{
			ID:      NoticeVoiceFocusEnabled,
			Level:   core.NoticeSuccess,
			Message: "Voice Focus enabled",
		})
	}
	return true
}

func (o *Orchestrator) ToggleNormalizeOutput(ctx context.Context, on bool) {
	o.Filters.ToggleNormalizeOutput(ctx, on)
}

func (o *Orchestrator) ToggleMonitoring(on bool) bool { return o.Filters.ToggleMonitoring(on) }

// ToggleMute flips the mute state of the local kind and returns the new state.
func (o *Orchestrator) ToggleMute(kind domain.MediaKind) bool {
	muted := o.Devices.ToggleMute(kind)
	o.logger.Info().Str("kind", string(kind)).Bool("muted", muted).Msg("local mute toggled")
	return muted
}

// RefreshDevices re-enumerates devices after the catalog changed.
func (o *Orchestrator) RefreshDevices(ctx context.Context) (audio, video []domain.Device, err error) {
	return o.Devices.ListDevices(ctx)
}
