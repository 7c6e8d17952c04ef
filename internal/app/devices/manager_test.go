package devices

import (
	"context"
	"errors"
	"testing"

	"github.com/dkeye/Stage/internal/app/voicefocus"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/core/coretest"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	mic1 = domain.Device{DeviceID: "mic-1", Label: "Built-in", Kind: domain.DeviceAudioInput}
	mic2 = domain.Device{DeviceID: "mic-2", Label: "Headset", Kind: domain.DeviceAudioInput}
	cam1 = domain.Device{DeviceID: "cam-1", Label: "FaceTime", Kind: domain.DeviceVideoInput}
)

// enhancer adapts the fake noise provider's transformer.
type enhancer struct {
	p   *coretest.NoiseProvider
	err error
}

func (e *enhancer) CreateEnhancedDevice(ctx context.Context, id string) (core.EnhancedDevice, error) {
	if e.err != nil {
		return nil, e.err
	}
	tr, err := e.p.NewTransformer(ctx, core.VoiceFocusSpec{}, false)
	if err != nil {
		return nil, err
	}
	return tr.CreateEnhancedDevice(ctx, id)
}

func (e *enhancer) Release(dev core.EnhancedDevice) { dev.Stop() }

func newManager(list ...domain.Device) (*Manager, *coretest.Devices, *coretest.Settings, *coretest.Notifier) {
	d := coretest.NewDevices(list...)
	d.Permissions[domain.DeviceAudioInput] = core.PermissionGranted
	d.Permissions[domain.DeviceVideoInput] = core.PermissionGranted
	s := coretest.NewSettings(domain.DefaultSettings())
	n := coretest.NewNotifier()
	return NewManager(d, nil, s, n), d, s, n
}

func TestSelectIdealDevice(t *testing.T) {
	tests := []struct {
		name      string
		saved     string
		available []domain.Device
		want      string
	}{
		{"saved present", "mic-2", []domain.Device{mic1, mic2}, "mic-2"},
		{"saved missing", "gone", []domain.Device{mic1, mic2}, "mic-1"},
		{"nothing saved", "", []domain.Device{mic2}, "mic-2"},
		{"empty list", "mic-1", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectIdealDevice(tt.saved, tt.available))
		})
	}
}

func TestListDevicesPartitions(t *testing.T) {
	m, _, _, n := newManager(mic1, cam1, mic2)
	audio, video, err := m.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.Device{mic1, mic2}, audio)
	assert.Equal(t, []domain.Device{cam1}, video)
	assert.Empty(t, n.ActiveIDs())
}

func TestListDevicesWarnsOnEmptyKinds(t *testing.T) {
	m, d, _, n := newManager(mic1)
	_, video, err := m.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, video)
	notice, ok := n.Active(NoticeNoVideoDevices)
	require.True(t, ok)
	assert.True(t, notice.Persistent)

	d.SetList(mic1, cam1)
	_, _, err = m.ListDevices(context.Background())
	require.NoError(t, err)
	_, ok = n.Active(NoticeNoVideoDevices)
	assert.False(t, ok)
}

func TestListDevicesUnsupportedFailsSoft(t *testing.T) {
	m, d, _, n := newManager()
	d.EnumerateErr = core.ErrUnsupported

	audio, video, err := m.ListDevices(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, audio)
	assert.Empty(t, audio)
	assert.Empty(t, video)
	_, ok := n.Active(NoticeNoMediaDevices)
	assert.True(t, ok)

	d.EnumerateErr = errors.New("boom")
	_, _, err = m.ListDevices(context.Background())
	assert.Error(t, err)
}

func TestAcquirePermissionsPromptsOnlyMissingKinds(t *testing.T) {
	m, d, _, _ := newManager(mic1, cam1)
	d.Permissions[domain.DeviceVideoInput] = core.PermissionPrompt

	require.True(t, m.AcquirePermissions(context.Background(), "mic-1", "cam-1"))
	audio, video, captured := d.Snapshot()
	assert.Empty(t, audio)
	require.Len(t, video, 1)
	assert.Equal(t, "cam-1", video[0].IdealDeviceID)
	assert.Empty(t, video[0].DeviceID)
	require.Len(t, captured, 1)
	assert.True(t, captured[0].Stopped())
	assert.True(t, m.Permissions())
}

func TestAcquirePermissionsDenied(t *testing.T) {
	m, d, _, n := newManager(mic1, cam1)
	d.Permissions[domain.DeviceAudioInput] = core.PermissionDenied
	d.AudioErr = errors.New("NotAllowedError")

	assert.False(t, m.AcquirePermissions(context.Background(), "", ""))
	notice, ok := n.Active(NoticePermissionDenied)
	require.True(t, ok)
	assert.True(t, notice.Persistent)
	assert.False(t, m.Permissions())
}

func TestSetAudioDeviceWithoutVoiceFocus(t *testing.T) {
	m, d, s, _ := newManager(mic1)
	var changes []TrackChange
	m.OnTrackChange(func(c TrackChange) { changes = append(changes, c) })

	require.NoError(t, m.SetAudioDevice(context.Background(), "mic-1", AudioOptions{}))
	audio, _, captured := d.Snapshot()
	require.Len(t, audio, 1)
	assert.Equal(t, core.AudioConstraints{DeviceID: "mic-1", PlatformDefaults: true}, audio[0])
	assert.Same(t, captured[0], m.AudioTrack())
	assert.Equal(t, "mic-1", s.Load().SavedAudioDeviceID)
	require.Len(t, changes, 1)
	assert.Equal(t, domain.KindAudio, changes[0].Kind)
}

func TestSetAudioDeviceVoiceFocus(t *testing.T) {
	m, d, _, _ := newManager(mic1)
	p := &coretest.NoiseProvider{IsSupported: true}
	m.enhancer = &enhancer{p: p}

	require.NoError(t, m.SetAudioDevice(context.Background(), "mic-1", AudioOptions{UseVoiceFocus: true}))
	require.Len(t, p.Devices, 1)
	assert.Same(t, p.Devices[0].Track(), m.AudioTrack())
	audio, _, _ := d.Snapshot()
	assert.Empty(t, audio)

	// Replacing the device stops the enhanced one.
	require.NoError(t, m.SetAudioDevice(context.Background(), "mic-1", AudioOptions{}))
	assert.True(t, p.Devices[0].Stopped())
}

func TestSwitchingAwayClearsVoiceFocusActivity(t *testing.T) {
	m, _, _, n := newManager(mic1, mic2)
	p := &coretest.NoiseProvider{IsSupported: true}
	vf := voicefocus.New(p, n, core.VoiceFocusSpec{})
	m.enhancer = vf

	require.NoError(t, m.SetAudioDevice(context.Background(), "mic-1", AudioOptions{UseVoiceFocus: true}))
	require.True(t, vf.Active())

	require.NoError(t, m.SetAudioDevice(context.Background(), "mic-2", AudioOptions{}))
	require.Len(t, p.Devices, 1)
	assert.True(t, p.Devices[0].Stopped())
	assert.False(t, vf.Active())
	assert.Equal(t, voicefocus.Status{Supported: true, Initialized: true}, vf.Status())
}

func TestCloseReleasesEnhancedDevice(t *testing.T) {
	m, _, _, n := newManager(mic1)
	vf := voicefocus.New(&coretest.NoiseProvider{IsSupported: true}, n, core.VoiceFocusSpec{})
	m.enhancer = vf

	require.NoError(t, m.SetAudioDevice(context.Background(), "mic-1", AudioOptions{UseVoiceFocus: true}))
	m.Close()
	assert.False(t, vf.Status().HasDevice)
}

func TestSetAudioDeviceVoiceFocusFallback(t *testing.T) {
	m, d, _, _ := newManager(mic1)
	m.enhancer = &enhancer{err: errors.New("unsupported")}

	require.NoError(t, m.SetAudioDevice(context.Background(), "mic-1", AudioOptions{UseVoiceFocus: true}))
	audio, _, _ := d.Snapshot()
	require.Len(t, audio, 1)
	assert.False(t, audio[0].PlatformDefaults)
	assert.False(t, audio[0].NoiseSuppression)
	assert.NotNil(t, m.AudioTrack())
}

func TestSetAudioDeviceStopsPreviousAfterHooks(t *testing.T) {
	m, d, _, _ := newManager(mic1, mic2)
	require.NoError(t, m.SetAudioDevice(context.Background(), "mic-1", AudioOptions{}))
	_, _, captured := d.Snapshot()
	first := captured[0]

	stoppedDuringHook := true
	m.OnTrackChange(func(TrackChange) { stoppedDuringHook = first.Stopped() })
	require.NoError(t, m.SetAudioDevice(context.Background(), "mic-2", AudioOptions{}))
	assert.False(t, stoppedDuringHook)
	assert.True(t, first.Stopped())
}

func TestSetAudioDeviceFailureKeepsTrack(t *testing.T) {
	m, d, _, _ := newManager(mic1)
	require.NoError(t, m.SetAudioDevice(context.Background(), "mic-1", AudioOptions{}))
	before := m.AudioTrack()

	d.AudioErr = errors.New("device busy")
	assert.Error(t, m.SetAudioDevice(context.Background(), "mic-1", AudioOptions{}))
	assert.Same(t, before, m.AudioTrack())
	assert.False(t, before.Stopped())
}

func TestSetVideoDeviceIdealConstraints(t *testing.T) {
	m, d, s, _ := newManager(cam1)
	require.NoError(t, m.SetVideoDevice(context.Background(), "cam-1"))
	_, video, _ := d.Snapshot()
	require.Len(t, video, 1)
	assert.Equal(t, core.VideoConstraints{
		DeviceID:    "cam-1",
		Width:       1280,
		Height:      720,
		FrameRate:   30,
		AspectRatio: 16.0 / 9.0,
		FacingMode:  "user",
	}, video[0])
	assert.Equal(t, "cam-1", s.Load().SavedVideoDeviceID)
}

func TestInitializeUsesSavedOrFirstDevices(t *testing.T) {
	d := coretest.NewDevices(mic1, mic2, cam1)
	s := coretest.NewSettings(domain.Settings{SavedAudioDeviceID: "mic-2", SavedVideoDeviceID: "gone", VoiceFocusEnabled: true})
	m := NewManager(d, &enhancer{p: &coretest.NoiseProvider{IsSupported: true}}, s, coretest.NewNotifier())

	require.NoError(t, m.Initialize(context.Background()))
	audioID, videoID := m.Selected()
	assert.Equal(t, "mic-2", audioID)
	assert.Equal(t, "cam-1", videoID)
	assert.True(t, m.Permissions())

	audio, _, captured := d.Snapshot()
	// Two permission trials, then the real captures. Voice focus is skipped.
	require.Len(t, audio, 2)
	assert.Equal(t, "mic-2", audio[0].IdealDeviceID)
	assert.True(t, audio[1].PlatformDefaults)
	assert.True(t, captured[0].Stopped())
	assert.True(t, captured[1].Stopped())
	assert.False(t, m.AudioTrack().Stopped())
}

func TestHotSwapSubstitutesMissingDevice(t *testing.T) {
	m, d, _, _ := newManager(mic1, mic2, cam1)
	require.NoError(t, m.SetAudioDevice(context.Background(), "mic-2", AudioOptions{}))
	require.NoError(t, m.SetVideoDevice(context.Background(), "cam-1"))
	m.Start(context.Background())
	assert.Equal(t, 1, d.ChangeListeners())

	d.SetList(mic1, cam1)
	d.FireChange()
	audioID, videoID := m.Selected()
	assert.Equal(t, "mic-1", audioID)
	assert.Equal(t, "cam-1", videoID)

	// Unrelated change keeps the selection.
	d.FireChange()
	_, _, captured := d.Snapshot()
	assert.Len(t, captured, 3)

	m.Close()
	assert.Zero(t, d.ChangeListeners())
}

func TestToggleMuteSurvivesSwitch(t *testing.T) {
	m, _, _, _ := newManager(mic1, mic2)
	require.NoError(t, m.SetAudioDevice(context.Background(), "mic-1", AudioOptions{}))

	assert.True(t, m.ToggleMute(domain.KindAudio))
	assert.False(t, m.AudioTrack().Enabled())

	require.NoError(t, m.SetAudioDevice(context.Background(), "mic-2", AudioOptions{}))
	assert.False(t, m.AudioTrack().Enabled())
	assert.True(t, m.Muted(domain.KindAudio))

	assert.False(t, m.ToggleMute(domain.KindAudio))
	assert.True(t, m.AudioTrack().Enabled())
	assert.True(t, m.ToggleMute(domain.KindVideo))
}

func TestCloseStopsOwnedTracks(t *testing.T) {
	m, _, _, _ := newManager(mic1, cam1)
	require.NoError(t, m.SetAudioDevice(context.Background(), "mic-1", AudioOptions{}))
	require.NoError(t, m.SetVideoDevice(context.Background(), "cam-1"))
	audio, video := m.AudioTrack(), m.VideoTrack()

	m.Close()
	assert.True(t, audio.Stopped())
	assert.True(t, video.Stopped())
	assert.Nil(t, m.AudioTrack())
	m.Close()
}
