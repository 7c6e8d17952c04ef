package filters

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

type coordFixture struct {
	*engineFixture
	provider *coretest.NoiseProvider
	vf       *voicefocus.Adapter
	settings *coretest.Settings
	notifier *coretest.Notifier
	c        *Coordinator
}

func newCoordFixture(t *testing.T, s domain.Settings, supported bool) *coordFixture {
	t.Helper()
	f := &coordFixture{
		engineFixture: newEngineFixture(t, testEngineConfig()),
		provider:      &coretest.NoiseProvider{IsSupported: supported},
		settings:      coretest.NewSettings(s),
		notifier:      coretest.NewNotifier(),
	}
	f.vf = voicefocus.New(f.provider, f.notifier, core.VoiceFocusSpec{})
	f.c = NewCoordinator(f.e, f.vf, f.settings, f.notifier)
	return f
}

func remote(id core.ParticipantID, audio core.MediaTrack) core.Participant {
	p := core.Participant{ID: id}
	if audio != nil {
		p.Streams = []core.Stream{{ID: audio.ID(), Kind: domain.KindAudio, Track: audio}}
	}
	return p
}

func TestReconcileFollowsRoster(t *testing.T) {
	f := newCoordFixture(t, domain.Settings{NormalizeOutputEnabled: true}, false)
	ctx := context.Background()
	local := remote("me", coretest.NewAudioTrack("mic"))
	local.IsLocal = true
	video := core.Participant{ID: "cam-only", Streams: []core.Stream{{ID: "v", Kind: domain.KindVideo, Track: coretest.NewTrack("v", domain.KindVideo, "")}}}

	f.c.Reconcile(ctx, []core.Participant{
		local,
		remote("p1", coretest.NewAudioTrack("a1")),
		remote("p2", coretest.NewAudioTrack("a2")),
		video,
	})
	assert.Equal(t, []core.ParticipantID{"p1", "p2"}, f.e.OutputChains())

	f.c.Reconcile(ctx, []core.Participant{local, remote("p2", coretest.NewAudioTrack("a2"))})
	assert.Equal(t, []core.ParticipantID{"p2"}, f.e.OutputChains())
}

func TestReconcileSkipsStoppedTracks(t *testing.T) {
	f := newCoordFixture(t, domain.Settings{NormalizeOutputEnabled: true}, false)
	tr := coretest.NewAudioTrack("a1")
	tr.Stop()

	f.c.Reconcile(context.Background(), []core.Participant{remote("p1", tr)})
	assert.Empty(t, f.e.OutputChains())
}

func TestReconcileDisabledCreatesNothing(t *testing.T) {
	f := newCoordFixture(t, domain.Settings{}, false)

	f.c.Reconcile(context.Background(), []core.Participant{remote("p1", coretest.NewAudioTrack("a1"))})
	assert.Empty(t, f.e.OutputChains())
}

func TestToggleNormalizeOutputReappliesLastRoster(t *testing.T) {
	f := newCoordFixture(t, domain.Settings{}, false)
	ctx := context.Background()
	f.c.Reconcile(ctx, []core.Participant{remote("p1", coretest.NewAudioTrack("a1"))})

	f.c.ToggleNormalizeOutput(ctx, true)
	assert.True(t, f.settings.Load().NormalizeOutputEnabled)
	assert.Equal(t, []core.ParticipantID{"p1"}, f.e.OutputChains())

	f.c.ToggleNormalizeOutput(ctx, false)
	assert.False(t, f.settings.Load().NormalizeOutputEnabled)
	assert.Empty(t, f.e.OutputChains())
	assert.Zero(t, f.graph.Live())
}

func TestReconcileFailureRaisesNotice(t *testing.T) {
	f := newCoordFixture(t, domain.Settings{NormalizeOutputEnabled: true}, false)
	f.graph.SourceErr = errors.New("no context")

	f.c.Reconcile(context.Background(), []core.Participant{remote("p1", coretest.NewAudioTrack("a1"))})

	n, ok := f.notifier.Active(NoticeNormalizeError("p1"))
	require.True(t, ok)
	assert.Equal(t, core.NoticeError, n.Level)
	assert.False(t, n.Persistent)

	f.graph.SourceErr = nil
	f.c.Reconcile(context.Background(), []core.Participant{remote("p1", coretest.NewAudioTrack("a1"))})
	_, ok = f.notifier.Active(NoticeNormalizeError("p1"))
	assert.False(t, ok)
}

func TestToggleMonitoringNeedsTrack(t *testing.T) {
	f := newCoordFixture(t, domain.Settings{}, false)

	assert.False(t, f.c.ToggleMonitoring(true))
	_, ok := f.notifier.Active(NoticeMonitoringNoTrack)
	assert.True(t, ok)
	assert.False(t, f.e.Monitoring())
	assert.False(t, f.c.Status().Monitoring.Enabled)
}

func TestMonitoringFollowsAudioTrack(t *testing.T) {
	f := newCoordFixture(t, domain.Settings{}, false)
	first := coretest.NewAudioTrack("mic-1")
	second := coretest.NewAudioTrack("mic-2")

	f.c.OnAudioTrackChanged(first)
	require.True(t, f.c.ToggleMonitoring(true))
	assert.True(t, f.e.Monitoring())

	f.c.OnAudioTrackChanged(second)
	src := nodesNamed(f.graph, "source")
	require.Len(t, src, 2)
	assert.True(t, src[0].Disconnected())
	assert.Same(t, second, src[1].Track)

	require.True(t, f.c.ToggleMonitoring(false))
	assert.False(t, f.e.Monitoring())

	// Track changes while disabled do not start a monitor.
	f.c.OnAudioTrackChanged(first)
	assert.False(t, f.e.Monitoring())
}

func TestToggleVoiceFocusUnsupported(t *testing.T) {
	f := newCoordFixture(t, domain.Settings{}, false)

	assert.False(t, f.c.ToggleVoiceFocus(context.Background(), true))
	assert.False(t, f.settings.Load().VoiceFocusEnabled)
	_, ok := f.notifier.Active(NoticeVoiceFocusUnsupported)
	assert.True(t, ok)
}

func TestToggleVoiceFocus(t *testing.T) {
	f := newCoordFixture(t, domain.Settings{}, true)
	ctx := context.Background()

	require.True(t, f.c.ToggleVoiceFocus(ctx, true))
	assert.True(t, f.c.VoiceFocusEnabled())

	dev := f.c.ApplyVoiceFocus(ctx, "mic-1")
	require.NotNil(t, dev)
	assert.Equal(t, "mic-1", dev.DeviceID())
	assert.True(t, f.c.Status().VoiceFocus.Active)

	require.True(t, f.c.ToggleVoiceFocus(ctx, false))
	assert.False(t, f.settings.Load().VoiceFocusEnabled)
	assert.True(t, f.provider.Devices[0].Stopped())
	n, ok := f.notifier.Active(NoticeVoiceFocusDisabled)
	require.True(t, ok)
	assert.Equal(t, core.NoticeSuccess, n.Level)

	assert.Nil(t, f.c.ApplyVoiceFocus(ctx, "mic-1"))
}

func TestApplyVoiceFocusFailureKeepsRawDevice(t *testing.T) {
	f := newCoordFixture(t, domain.Settings{VoiceFocusEnabled: true}, true)
	f.provider.DeviceErr = errors.New("worklet crashed")

	assert.Nil(t, f.c.ApplyVoiceFocus(context.Background(), "mic-1"))
}

func TestInitializeDropsUnsupportedVoiceFocus(t *testing.T) {
	f := newCoordFixture(t, domain.Settings{VoiceFocusEnabled: true}, false)

	f.c.Initialize(context.Background())

	assert.False(t, f.settings.Load().VoiceFocusEnabled)
	_, ok := f.notifier.Active(NoticeVoiceFocusUnsupported)
	assert.True(t, ok)
}

func TestNilVoiceFocusIsUnsupported(t *testing.T) {
	f := newCoordFixture(t, domain.Settings{}, true)
	c := NewCoordinator(f.e, nil, f.settings, f.notifier)

	assert.False(t, c.ToggleVoiceFocus(context.Background(), true))
	_, err := c.CreateEnhancedDevice(context.Background(), "mic-1")
	assert.ErrorIs(t, err, voicefocus.ErrUnsupported)
	assert.False(t, c.Status().VoiceFocus.Supported)
}

func TestShutdownRemovesChains(t *testing.T) {
	f := newCoordFixture(t, domain.Settings{NormalizeOutputEnabled: true}, false)
	ctx := context.Background()
	mic := coretest.NewAudioTrack("mic")
	f.c.OnAudioTrackChanged(mic)
	require.True(t, f.c.ToggleMonitoring(true))
	f.c.Reconcile(ctx, []core.Participant{remote("p1", coretest.NewAudioTrack("a1"))})

	f.c.Shutdown()
	f.c.Shutdown()

	assert.Zero(t, f.graph.Live())
	assert.True(t, f.graph.Closed())
	assert.False(t, mic.Stopped())

	f.c.Reconcile(ctx, []core.Participant{remote("p2", coretest.NewAudioTrack("a2"))})
	assert.Empty(t, f.e.OutputChains())
	st := f.c.Status()
	assert.False(t, st.Monitoring.Enabled)
	assert.False(t, st.Monitoring.Active)
}

func TestStatus(t *testing.T) {
	f := newCoordFixture(t, domain.Settings{NormalizeOutputEnabled: true}, true)
	ctx := context.Background()
	f.c.Initialize(ctx)
	f.c.Reconcile(ctx, []core.Participant{remote("p1", coretest.NewAudioTrack("a1"))})

	st := f.c.Status()
	assert.False(t, st.VoiceFocus.Enabled)
	assert.False(t, st.VoiceFocus.Active)
	assert.True(t, st.NormalizeOutput.Enabled)
	assert.Equal(t, 1, st.NormalizeOutput.Chains)
}

func TestTogglesApplyWhenSettingsCannotBeSaved(t *testing.T) {
	f := newCoordFixture(t, domain.DefaultSettings(), true)
	f.settings.WriteErr = errors.New("read-only filesystem")
	ctx := context.Background()
	f.c.Reconcile(ctx, []core.Participant{remote("p1", coretest.NewAudioTrack("a1"))})
	require.Empty(t, f.e.OutputChains())

	f.c.ToggleNormalizeOutput(ctx, true)
	assert.True(t, f.settings.Load().NormalizeOutputEnabled)
	assert.Equal(t, []core.ParticipantID{"p1"}, f.e.OutputChains())

	require.True(t, f.c.ToggleVoiceFocus(ctx, true))
	assert.True(t, f.c.VoiceFocusEnabled())
	assert.True(t, f.c.Status().VoiceFocus.Enabled)
}
