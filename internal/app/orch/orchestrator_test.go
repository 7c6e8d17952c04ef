package orch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/app/stage"
	"github.com/dkeye/Stage/internal/config"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/core/coretest"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// leaveRecorder records what was still alive when the transport was left.
type leaveRecorder struct {
	*coretest.Transport
	graph  *coretest.Graph
	devs   *coretest.Devices
	mu     sync.Mutex
	chains int
	live   int
}

func (p *leaveRecorder) Leave() {
	p.mu.Lock()
	p.chains = p.graph.Live()
	_, _, captured := p.devs.Snapshot()
	for _, t := range captured {
		if !t.Stopped() {
			p.live++
		}
	}
	p.mu.Unlock()
	p.Transport.Leave()
}

type fixture struct {
	o         *Orchestrator
	transport *leaveRecorder
	devs      *coretest.Devices
	graph     *coretest.Graph
	provider  *coretest.NoiseProvider
	settings  *coretest.Settings
	strategy  *app.PublishStrategy
}

func testConfig() *config.Config {
	return &config.Config{
		SubscribeType: domain.SubscribeAudioVideo,
		Normalization: config.NormalizationConfig{
			TargetLoudness:    -18,
			Headroom:          3,
			MinGain:           0.5,
			MaxGain:           6,
			Smoothing:         0.85,
			UpdateInterval:    time.Hour,
			CalibrationPeriod: 2 * time.Second,
			MakeupGain:        1.5,
		},
		Monitoring: config.MonitoringConfig{Gain: 0.5, Delay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond},
		VAD:        config.VADConfig{Enabled: true},
		VoiceFocus: config.VoiceFocusConfig{Name: "default", Variant: "c20"},
	}
}

func newFixture(t *testing.T, s domain.Settings, opts ...func(*config.Config, *Deps)) *fixture {
	t.Helper()
	f := &fixture{
		devs: coretest.NewDevices(
			domain.Device{DeviceID: "mic-1", Kind: domain.DeviceAudioInput},
			domain.Device{DeviceID: "cam-1", Kind: domain.DeviceVideoInput},
		),
		graph:    coretest.NewGraph(),
		provider: &coretest.NoiseProvider{IsSupported: true},
		settings: coretest.NewSettings(s),
	}
	f.devs.Permissions[domain.DeviceAudioInput] = core.PermissionGranted
	f.devs.Permissions[domain.DeviceVideoInput] = core.PermissionGranted
	f.transport = &leaveRecorder{Transport: coretest.NewTransport(), graph: f.graph, devs: f.devs}

	cfg := testConfig()
	f.strategy = app.NewPublishStrategy(cfg.SubscribeType)
	d := Deps{
		Transport: f.transport,
		Devices:   f.devs,
		Noise:     f.provider,
		Graph:     f.graph,
		VAD:       &coretest.VADFactory{},
		Settings:  f.settings,
	}
	for _, opt := range opts {
		opt(cfg, &d)
	}
	f.o = New(cfg, f.strategy, d)
	t.Cleanup(f.o.Close)
	return f
}

func remoteJoined(id core.ParticipantID, track core.MediaTrack) []core.Event {
	p := core.Participant{ID: id}
	return []core.Event{
		core.ParticipantJoined{Participant: p},
		core.StreamsAdded{Participant: p, Streams: []core.Stream{{ID: track.ID(), Kind: domain.KindAudio, Track: track}}},
	}
}

func TestStartBindsLocalTracks(t *testing.T) {
	f := newFixture(t, domain.DefaultSettings())

	require.NoError(t, f.o.Start(context.Background()))

	video, audio := f.strategy.Bound()
	require.NotNil(t, audio)
	require.NotNil(t, video)
	assert.Equal(t, "mic-1", audio.Track.DeviceID())
	assert.Equal(t, "cam-1", video.Track.DeviceID())
	assert.Equal(t, audio.Track.ID(), audio.ID)
}

func TestRosterDrivesOutputChains(t *testing.T) {
	f := newFixture(t, domain.Settings{NormalizeOutputEnabled: true})
	ctx := context.Background()
	require.NoError(t, f.o.Start(ctx))
	require.NoError(t, f.o.Join(ctx))

	f.transport.Emit(core.ConnectionStateChanged{State: domain.ConnectionConnected})
	for _, ev := range remoteJoined("p1", coretest.NewAudioTrack("remote-a")) {
		f.transport.Emit(ev)
	}
	assert.Equal(t, []core.ParticipantID{"p1"}, f.o.Engine.OutputChains())

	f.transport.Emit(core.ParticipantLeft{Participant: core.Participant{ID: "p1"}})
	assert.Empty(t, f.o.Engine.OutputChains())
}

func TestToggleNormalizeOutputUsesCurrentRoster(t *testing.T) {
	f := newFixture(t, domain.DefaultSettings())
	ctx := context.Background()
	require.NoError(t, f.o.Start(ctx))
	require.NoError(t, f.o.Join(ctx))
	f.transport.Emit(core.ConnectionStateChanged{State: domain.ConnectionConnected})
	for _, ev := range remoteJoined("p1", coretest.NewAudioTrack("remote-a")) {
		f.transport.Emit(ev)
	}
	assert.Empty(t, f.o.Engine.OutputChains())

	f.o.ToggleNormalizeOutput(ctx, true)
	assert.Equal(t, []core.ParticipantID{"p1"}, f.o.Engine.OutputChains())
}

func TestToggleVoiceFocusReplacesMicrophone(t *testing.T) {
	f := newFixture(t, domain.DefaultSettings())
	ctx := context.Background()
	require.NoError(t, f.o.Start(ctx))
	_, before := f.strategy.Bound()
	require.NotNil(t, before)

	require.True(t, f.o.ToggleVoiceFocus(ctx, true))

	_, after := f.strategy.Bound()
	require.NotNil(t, after)
	assert.Equal(t, "vf-mic-1", after.ID)
	assert.True(t, before.Track.Stopped())
	assert.True(t, hasNotice(f.o, NoticeVoiceFocusEnabled))

	require.True(t, f.o.ToggleVoiceFocus(ctx, false))
	_, raw := f.strategy.Bound()
	assert.NotEqual(t, "vf-mic-1", raw.ID)
	assert.True(t, f.provider.Devices[0].Stopped())
}

func TestMonitoringFollowsMicrophoneSwitch(t *testing.T) {
	f := newFixture(t, domain.DefaultSettings())
	ctx := context.Background()
	require.NoError(t, f.o.Start(ctx))
	require.True(t, f.o.ToggleMonitoring(true))

	require.NoError(t, f.o.SetAudioDevice(ctx, "mic-1"))

	st := f.o.Filters.Status()
	assert.True(t, st.Monitoring.Enabled)
	assert.True(t, st.Monitoring.Active)
	assert.Equal(t, 3, f.graph.Live())
}

func TestCloseOrder(t *testing.T) {
	f := newFixture(t, domain.Settings{NormalizeOutputEnabled: true})
	ctx := context.Background()
	require.NoError(t, f.o.Start(ctx))
	require.NoError(t, f.o.Join(ctx))
	f.transport.Emit(core.ConnectionStateChanged{State: domain.ConnectionConnected})
	for _, ev := range remoteJoined("p1", coretest.NewAudioTrack("remote-a")) {
		f.transport.Emit(ev)
	}
	require.Len(t, f.o.Engine.OutputChains(), 1)

	f.o.Close()
	f.o.Close()

	_, leaves, _ := f.transport.Counts()
	assert.Equal(t, 1, leaves)
	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	assert.Zero(t, f.transport.chains, "chains alive at transport leave")
	assert.Zero(t, f.transport.live, "local tracks alive at transport leave")
	assert.True(t, f.graph.Closed())
	assert.Zero(t, f.transport.Listeners())
}

func TestJoinFailureIsTerminal(t *testing.T) {
	f := newFixture(t, domain.DefaultSettings())
	ctx := context.Background()
	require.NoError(t, f.o.Start(ctx))
	f.transport.JoinErr = assert.AnError

	require.Error(t, f.o.Join(ctx))
	assert.Equal(t, domain.ConnectionErrored, f.o.Stage.State())
	assert.True(t, hasNotice(f.o, stage.NoticeConnectionFailed))
	assert.Empty(t, f.o.Engine.OutputChains())
}

func hasNotice(o *Orchestrator, id string) bool {
	for _, n := range o.Notices.Active() {
		if n.ID == id {
			return true
		}
	}
	return false
}

func TestSessionExpiryNotices(t *testing.T) {
	exp := time.Now().Add(300 * time.Millisecond)
	f := newFixture(t, domain.DefaultSettings(), func(cfg *config.Config, d *Deps) {
		cfg.SessionWarning = 250 * time.Millisecond
		d.Session = domain.SessionToken{SessionID: "s1", Expiration: exp}
	})
	left, ok := f.o.SessionRemaining(time.Now())
	require.True(t, ok)
	assert.LessOrEqual(t, left, 300*time.Millisecond)

	require.NoError(t, f.o.Start(context.Background()))
	assert.Eventually(t, func() bool {
		return hasNotice(f.o, NoticeSessionExpiring)
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return hasNotice(f.o, NoticeSessionExpired) && !hasNotice(f.o, NoticeSessionExpiring)
	}, 2*time.Second, 5*time.Millisecond)

	left, ok = f.o.SessionRemaining(time.Now())
	assert.True(t, ok)
	assert.Zero(t, left)
}

func TestSessionWithoutExpiryHasNoCountdown(t *testing.T) {
	f := newFixture(t, domain.DefaultSettings())
	require.NoError(t, f.o.Start(context.Background()))
	_, ok := f.o.SessionRemaining(time.Now())
	assert.False(t, ok)
	assert.False(t, hasNotice(f.o, NoticeSessionExpiring))
}

func TestRoundTripsComeFromTransport(t *testing.T) {
	f := newFixture(t, domain.DefaultSettings())
	assert.Empty(t, f.o.RoundTrips())
	f.transport.SetRoundTrip("p1", 42*time.Millisecond)
	assert.Equal(t, map[core.ParticipantID]time.Duration{"p1": 42 * time.Millisecond}, f.o.RoundTrips())
}
