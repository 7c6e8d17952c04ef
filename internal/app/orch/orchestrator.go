package orch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/adapters/audio"
	"github.com/dkeye/Stage/internal/adapters/media"
	"github.com/dkeye/Stage/internal/adapters/noise"
	"github.com/dkeye/Stage/internal/adapters/rtc"
	"github.com/dkeye/Stage/internal/adapters/vad"
	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/app/devices"
	"github.com/dkeye/Stage/internal/app/filters"
	"github.com/dkeye/Stage/internal/app/notify"
	"github.com/dkeye/Stage/internal/app/stage"
	"github.com/dkeye/Stage/internal/app/voicefocus"
	"github.com/dkeye/Stage/internal/config"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Deps are the platform facilities the orchestrator runs on.
type Deps struct {
	Transport core.StageTransport
	Devices   core.MediaDevices
	Noise     core.NoiseSuppressionProvider
	Graph     core.AudioGraph
	// VAD may be nil, output chains then run without voice gating.
	VAD      core.VADFactory
	Settings core.SettingsStore
	Metrics  *metrics.Metrics
	// Session is the token the transport joins with; its expiry drives the
	// countdown.
	Session domain.SessionToken
}

const (
	NoticeSessionExpiring = "session-expiring"
	NoticeSessionExpired  = "session-expired"
)

// Orchestrator wires one stage session: connection, local devices, voice
// focus and audio filters.
type Orchestrator struct {
	Stage      *stage.Controller
	Devices    *devices.Manager
	VoiceFocus *voicefocus.Adapter
	Filters    *filters.Coordinator
	Engine     *filters.Engine
	Notices    *notify.Notifier
	Metrics    *metrics.Metrics
	// Catalog is set when capture runs on the headless device catalog.
	Catalog interface{ SetCatalog([]domain.Device) }

	graph          core.AudioGraph
	session        domain.SessionToken
	sessionWarning time.Duration
	rtt            core.RoundTripSource
	logger         zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	unhooks []func()
	started bool
	closed  bool
}

// New assembles the session on d. strategy must be the one d.Transport reads.
func New(cfg *config.Config, strategy *app.PublishStrategy, d Deps) *Orchestrator {
	ttl := cfg.NoticeTTL
	if ttl == 0 {
		ttl = notify.DefaultTTL
	}
	notices := notify.NewWithTTL(ttl)
	vf := voicefocus.New(d.Noise, notices, core.VoiceFocusSpec{Name: cfg.VoiceFocus.Name, Variant: cfg.VoiceFocus.Variant})
	engine := filters.NewEngine(d.Graph, d.VAD, filters.EngineConfig{
		Normalization: cfg.Normalization,
		Monitoring:    cfg.Monitoring,
		VAD:           cfg.VAD.Enabled,
	}, d.Metrics)
	coord := filters.NewCoordinator(engine, vf, d.Settings, notices)

	rtt, _ := d.Transport.(core.RoundTripSource)
	return &Orchestrator{
		Stage:          stage.NewController(d.Transport, strategy, notices),
		Devices:        devices.NewManager(d.Devices, coord, d.Settings, notices),
		VoiceFocus:     vf,
		Filters:        coord,
		Engine:         engine,
		Notices:        notices,
		Metrics:        d.Metrics,
		graph:          d.Graph,
		session:        d.Session,
		sessionWarning: cfg.SessionWarning,
		rtt:            rtt,
		logger:         log.With().Str("module", "orch").Logger(),
	}
}

// NewFromConfig builds the session on the headless device catalog, the
// software audio graph and the websocket/WebRTC transport.
func NewFromConfig(cfg *config.Config, settings core.SettingsStore, m *metrics.Metrics) (*Orchestrator, error) {
	session, err := domain.ParseSessionToken(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("session token: %w", err)
	}
	user, err := domain.NewUser(cfg.Username)
	if err != nil {
		return nil, fmt.Errorf("username %q: %w", cfg.Username, err)
	}

	devs := media.NewDevices(cfg.Devices, cfg.Audio.SampleRate)
	strategy := app.NewPublishStrategy(cfg.SubscribeType)
	transport := rtc.NewTransport(rtc.Options{
		SignalURL:  cfg.SignalURL,
		Session:    session,
		User:       user,
		ICEServers: cfg.ICEServers,
		PingPeriod: cfg.PingPeriod,
		ReadLimit:  cfg.ReadLimit,
		Metrics:    m,
	}, strategy)

	o := New(cfg, strategy, Deps{
		Transport: transport,
		Devices:   devs,
		Noise:     noise.NewProvider(devs, cfg.Audio.SampleRate),
		Graph:     audio.NewGraph(cfg.Audio.SampleRate, cfg.Audio.Quantum),
		VAD: vad.Factory{Config: vad.Config{
			Threshold:  cfg.VAD.Threshold,
			Smoothing:  cfg.VAD.Smoothing,
			SampleRate: cfg.Audio.SampleRate,
			Window:     cfg.VAD.Window,
			MinSpeech:  cfg.VAD.MinSpeech,
			MinSilence: cfg.VAD.MinSilence,
		}},
		Settings: settings,
		Metrics:  m,
		Session:  session,
	})
	o.Catalog = devs
	o.logger.Info().Str("user_id", string(user.ID)).Str("session", session.SessionID).Msg("session prepared")
	return o, nil
}

// Start hooks the components together, acquires the local devices and starts
// audio rendering. It does not join the stage.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.unhooks = append(o.unhooks,
		o.Devices.OnTrackChange(o.onTrackChange),
		o.Stage.Watch(o.onRoster),
	)
	runCtx := o.ctx
	o.mu.Unlock()

	if g, ok := o.graph.(interface{ Start(context.Context) }); ok {
		g.Start(runCtx)
	}
	o.Metrics.SetConnectionState(o.Stage.State().String())
	o.Filters.Initialize(runCtx)

	err := o.Devices.Initialize(runCtx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("local devices partially initialized")
	}
	o.Devices.Start(runCtx)
	if !o.session.Expiration.IsZero() {
		go o.watchSession(runCtx)
	}
	o.logger.Info().Msg("stage client started")
	return err
}

// SessionRemaining is the time left on the session token; ok is false when
// the token never expires.
func (o *Orchestrator) SessionRemaining(now time.Time) (time.Duration, bool) {
	return o.session.Remaining(now)
}

// RoundTrips returns the latest media round trip per participant, empty when
// the transport does not measure them.
func (o *Orchestrator) RoundTrips() map[core.ParticipantID]time.Duration {
	if o.rtt == nil {
		return nil
	}
	return o.rtt.RoundTrips()
}

// watchSession warns sessionWarning before the token expires and reports the
// expiry itself. The stage server enforces it; the client only tells the user.
func (o *Orchestrator) watchSession(ctx context.Context) {
	exp := o.session.Expiration
	steps := []struct {
		at time.Time
		fn func()
	}{
		{exp.Add(-o.sessionWarning), o.warnSessionExpiring},
		{exp, o.sessionExpired},
	}
	for _, st := range steps {
		if d := time.Until(st.at); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		st.fn()
	}
}

func (o *Orchestrator) warnSessionExpiring() {
	left := time.Until(o.session.Expiration)
	if left <= 0 {
		return
	}
	o.Notices.Raise(core.Notice{
		ID:      NoticeSessionExpiring,
		Level:   core.NoticeWarning,
		Message: fmt.Sprintf("Session ends in %s", left.Round(time.Second)),
	})
}

func (o *Orchestrator) sessionExpired() {
	o.Notices.Dismiss(NoticeSessionExpiring)
	o.Notices.Raise(core.Notice{
		ID:         NoticeSessionExpired,
		Level:      core.NoticeError,
		Message:    "Your session has expired.",
		Persistent: true,
	})
	o.logger.Warn().Str("session", o.session.SessionID).Msg("session token expired")
}

func (o *Orchestrator) context() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx == nil {
		return context.Background()
	}
	return o.ctx
}

// Close tears the session down: audio chains first, then local tracks, then
// the stage connection.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	unhooks := o.unhooks
	o.unhooks = nil
	cancel := o.cancel
	o.mu.Unlock()

	for _, u := range unhooks {
		u()
	}
	o.Filters.Shutdown()
	o.Devices.Close()
	o.VoiceFocus.Dispose()
	o.Stage.Leave()
	if cancel != nil {
		cancel()
	}
	o.logger.Info().Msg("stage client closed")
}
