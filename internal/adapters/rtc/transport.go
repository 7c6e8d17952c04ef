// Package rtc connects to a stage over a websocket signalling channel and a
// single pion PeerConnection.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/adapters/media"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/metrics"
	"github.com/google/uuid"
	"github.com/pion/opus"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotJoined    = errors.New("not joined")
	ErrTokenExpired = errors.New("session token expired")
)

type Options struct {
	SignalURL string
	Session   domain.SessionToken
	// User is announced as participant attributes; nil joins anonymously.
	User       *domain.User
	ICEServers []string
	PingPeriod time.Duration
	ReadLimit  int64
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

func (t *Transport) joinMessage() joinMsg {
	m := joinMsg{
		Type:       "join",
		Token:      t.opts.Session.Token,
		SessionID:  t.opts.Session.SessionID,
		Attributes: maps.Clone(t.opts.Session.Attributes),
	}
	if u := t.opts.User; u != nil {
		m.Name = u.Username
		if m.Attributes == nil {
			m.Attributes = make(map[string]string)
		}
		maps.Copy(m.Attributes, u.Attributes())
	}
	return m
}

// session is everything tied to one Join.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan core.Event
	sig    *wsSignalConn
	pc     *WebRTCConnection
}

func (s *session) emit(ev core.Event) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

type remoteTrack struct {
	track *media.Track
	write func(core.PCMFrame)
	// ssrc is zero until OnTrack fires.
	ssrc uint32
}

// Transport implements core.StageTransport.
type Transport struct {
	opts     Options
	strategy core.PublishStrategy
	logger   zerolog.Logger

	lmu       sync.RWMutex
	listeners map[uint64]func(core.Event)
	nextID    uint64

	// negMu serialises offers.
	negMu sync.Mutex

	mu           sync.Mutex
	sess         *session
	senders      map[string]*webrtc.RTPSender
	participants map[core.ParticipantID]core.Participant
	subscribed   map[core.ParticipantID]domain.SubscribeType
	remote       map[string]*remoteTrack
}

var (
	_ core.StageTransport  = (*Transport)(nil)
	_ core.RoundTripSource = (*Transport)(nil)
)

func NewTransport(opts Options, strategy core.PublishStrategy) *Transport {
	return &Transport{
		opts:      opts,
		strategy:  strategy,
		logger:    log.With().Str("module", "rtc").Logger(),
		listeners: make(map[uint64]func(core.Event)),
	}
}

func (t *Transport) Subscribe(fn func(core.Event)) func() {
	t.lmu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.lmu.Lock()
			delete(t.listeners, id)
			t.lmu.Unlock()
		})
	}
}

func (t *Transport) dispatch(s *session) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			if s.ctx.Err() != nil {
				return
			}
			t.lmu.RLock()
			ls := make([]func(core.Event), 0, len(t.listeners))
			for _, fn := range t.listeners {
				ls = append(ls, fn)
			}
			t.lmu.RUnlock()
			for _, fn := range ls {
				fn(ev)
			}
		}
	}
}

func (t *Transport) Join(ctx context.Context) error {
	t.mu.Lock()
	if t.sess != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if t.opts.Session.Expired(time.Now()) {
		return ErrTokenExpired
	}

	sig, err := dialSignal(ctx, t.opts.SignalURL, http.Header{})
	if err != nil {
		return err
	}
	sid := uuid.NewString()
	pc, err := NewWebRTCConnection(WebRTCConfig(t.opts.ICEServers), sid)
	if err != nil {
		sig.Close()
		return fmt.Errorf("new peer connection: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{ctx: sctx, cancel: cancel, events: make(chan core.Event, 256), sig: sig, pc: pc}

	pc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if err := sig.sendJSON(newCandidateMsg(ci)); err != nil {
			t.logger.Warn().Err(err).Msg("send candidate")
		}
	})
	pc.OnState(func(st domain.ConnectionState) {
		s.emit(core.ConnectionStateChanged{State: st})
	})
	pc.OnTrack(func(ctx context.Context, tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.onRemoteTrack(ctx, tr)
	})
	if err := pc.Start(sctx); err != nil {
		cancel()
		pc.Close()
		sig.Close()
		return fmt.Errorf("start peer connection: %w", err)
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if err := pc.AddRecvTransceiver(kind); err != nil {
			t.logger.Warn().Err(err).Str("kind", kind.String()).Msg("add recv transceiver")
		}
	}

	t.mu.Lock()
	t.sess = s
	t.senders = make(map[string]*webrtc.RTPSender)
	t.participants = make(map[core.ParticipantID]core.Participant)
	t.subscribed = make(map[core.ParticipantID]domain.SubscribeType)
	t.remote = make(map[string]*remoteTrack)
	t.mu.Unlock()

	go t.dispatch(s)
	go sig.writePump(sctx, t.opts.PingPeriod)
	go sig.readPump(t.opts.ReadLimit, t.opts.PingPeriod, func(data []byte) { t.handleSignal(s, data) }, func(err error) { t.onSignalClosed(s, err) })

	s.emit(core.ConnectionStateChanged{State: domain.ConnectionConnecting})
	if err := sig.sendJSON(t.joinMessage()); err != nil {
		t.Leave()
		return fmt.Errorf("send join: %w", err)
	}

	t.syncSenders(s)
	if err := t.negotiate(s); err != nil {
		t.Leave()
		return err
	}
	t.logger.Info().Str("sid", sid).Str("url", t.opts.SignalURL).Msg("joining stage")
	return nil
}

// Leave tears down the session without emitting events.
func (t *Transport) Leave() {
	t.mu.Lock()
	s := t.sess
	if s == nil {
		t.mu.Unlock()
		return
	}
	t.sess = nil
	remote := t.remote
	t.remote = nil
	t.senders = nil
	t.participants = nil
	t.subscribed = nil
	t.mu.Unlock()

	_ = s.sig.sendJSON(typeMsg{Type: "leave"})
	s.cancel()
	s.pc.Close()
	for _, rt := range remote {
		rt.track.Stop()
	}
	t.logger.Info().Msg("left stage")
}

func (t *Transport) current(s *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess == s
}

func (t *Transport) onSignalClosed(s *session, err error) {
	if !t.current(s) {
		return
	}
	if err != nil {
		t.logger.Error().Err(err).Msg("signalling lost")
		s.emit(core.ConnectionStateChanged{State: domain.ConnectionErrored})
		return
	}
	s.emit(core.ConnectionStateChanged{State: domain.ConnectionDisconnected})
}

// RefreshStrategy re-reads the strategy: senders follow StreamsToPublish and
// remote subscriptions follow ShouldSubscribe.
func (t *Transport) RefreshStrategy() {
	t.mu.Lock()
	s := t.sess
	t.mu.Unlock()
	if s == nil {
		return
	}
	changed := t.syncSenders(s)
	t.syncSubscriptions(s)
	if changed {
		if err := t.negotiate(s); err != nil {
			t.logger.Error().Err(err).Msg("renegotiate after strategy refresh")
		}
	}
}

// syncSenders adds and removes RTP senders so they match the published
// streams. It reports whether anything changed.
func (t *Transport) syncSenders(s *session) bool {
	want := make(map[string]core.Stream)
	local, hasLocal := t.localParticipant()
	if !hasLocal || t.strategy.ShouldPublish(local) {
		for _, st := range t.strategy.StreamsToPublish() {
			if st.Track != nil && media.LocalOf(st.Track) != nil {
				want[st.ID] = st
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess != s {
		return false
	}
	changed := false
	for id, sender := range t.senders {
		if _, ok := want[id]; ok {
			continue
		}
		if err := s.pc.RemoveSender(sender); err != nil {
			t.logger.Warn().Err(err).Str("stream_id", id).Msg("remove sender")
		}
		delete(t.senders, id)
		changed = true
	}
	for id, st := range want {
		if _, ok := t.senders[id]; ok {
			continue
		}
		sender, err := s.pc.AddLocalTrack(media.LocalOf(st.Track))
		if err != nil {
			t.logger.Error().Err(err).Str("stream_id", id).Msg("add local track")
			continue
		}
		t.senders[id] = sender
		changed = true
		t.logger.Info().Str("stream_id", id).Str("kind", string(st.Kind)).Msg("publishing stream")
	}
	return changed
}

func (t *Transport) syncSubscriptions(s *session) {
	t.mu.Lock()
	ps := make([]core.Participant, 0, len(t.participants))
	for _, p := range t.participants {
		if !p.IsLocal {
			ps = append(ps, p)
		}
	}
	t.mu.Unlock()
	for _, p := range ps {
		t.subscribe(s, p)
	}
}

// subscribe sends the subscription mode for p when it differs from the last one sent.
func (t *Transport) subscribe(s *session, p core.Participant) {
	mode := t.strategy.ShouldSubscribe(p)
	t.mu.Lock()
	if t.sess != s || t.subscribed[p.ID] == mode {
		t.mu.Unlock()
		return
	}
	t.subscribed[p.ID] = mode
	t.mu.Unlock()
	if err := s.sig.sendJSON(subscribeMsg{Type: "subscribe", Participant: string(p.ID), Mode: mode}); err != nil {
		t.logger.Warn().Err(err).Str("participant", string(p.ID)).Msg("send subscribe")
	}
}

func (t *Transport) negotiate(s *session) error {
	t.negMu.Lock()
	defer t.negMu.Unlock()
	if !t.current(s) {
		return ErrNotJoined
	}
	offer, err := s.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.sig.sendJSON(sdpMsg{Type: "offer", SDP: offer.SDP}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	t.opts.Metrics.RecordRenegotiation()
	return nil
}

func (t *Transport) localParticipant() (core.Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.participants {
		if p.IsLocal {
			return p, true
		}
	}
	return core.Participant{}, false
}

// remoteTrackLocked returns the handle for a remote stream, creating it on
// first sight. Signalling and OnTrack may arrive in either order.
func (t *Transport) remoteTrackLocked(id string, kind domain.MediaKind) *remoteTrack {
	if rt, ok := t.remote[id]; ok {
		return rt
	}
	track, write := media.NewTrack(id, kind, "", nil, nil)
	rt := &remoteTrack{track: track, write: write}
	t.remote[id] = rt
	t.opts.Metrics.SetRemoteTracks(len(t.remote))
	return rt
}

func (t *Transport) trackLookupLocked(kinds map[string]domain.MediaKind) func(string) core.MediaTrack {
	return func(id string) core.MediaTrack {
		return t.remoteTrackLocked(id, kinds[id]).track
	}
}

func (t *Transport) onRemoteTrack(ctx context.Context, tr *webrtc.TrackRemote) {
	t.mu.Lock()
	if t.remote == nil {
		t.mu.Unlock()
		return
	}
	rt := t.remoteTrackLocked(tr.ID(), kindOf(tr.Kind()))
	rt.ssrc = uint32(tr.SSRC())
	t.mu.Unlock()

	if tr.Kind() != webrtc.RTPCodecTypeAudio {
		go drainLoop(ctx, tr)
		return
	}
	dec := opus.NewDecoder()
	go decodeLoop(ctx, tr, &dec, rt.write, t.opts.Metrics)
}

// RoundTrips returns the latest media round trip per participant. The local
// participant is measured on its published streams, remote ones on the
// streams received from them. Participants without a measurement are absent.
func (t *Transport) RoundTrips() map[core.ParticipantID]time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return nil
	}
	out := make(map[core.ParticipantID]time.Duration)
	for id, p := range t.participants {
		var ssrcs []uint32
		if p.IsLocal {
			for _, sender := range t.senders {
				for _, enc := range sender.GetParameters().Encodings {
					ssrcs = append(ssrcs, uint32(enc.SSRC))
				}
			}
		} else {
			for _, st := range p.Streams {
				if rt, ok := t.remote[st.ID]; ok && rt.ssrc != 0 {
					ssrcs = append(ssrcs, rt.ssrc)
				}
			}
		}
		if rtt, ok := t.sess.pc.RoundTrip(ssrcs, p.IsLocal); ok {
			out[id] = rtt
		}
	}
	return out
}

func (t *Transport) handleSignal(s *session, data []byte) {
	msg, err := parseServerMsg(data)
	if err != nil {
		t.opts.Metrics.RecordSignalError()
		t.logger.Error().Err(err).Msg("bad signal")
		return
	}
	t.opts.Metrics.RecordSignal(msg.Type)

	switch msg.Type {
	case "answer":
		if err := s.pc.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}); err != nil {
			t.logger.Error().Err(err).Msg("apply answer")
		}
	case "candidate":
		if err := s.pc.AddICECandidate(msg.candidate()); err != nil {
			t.logger.Warn().Err(err).Msg("add ice candidate")
		}
	case "renegotiate":
		if err := t.negotiate(s); err != nil {
			t.logger.Error().Err(err).Msg("renegotiate")
		}
	case "connection_state":
		st, err := domain.ParseConnectionState(msg.State)
		if err != nil {
			t.logger.Warn().Err(err).Msg("connection_state")
			return
		}
		s.emit(core.ConnectionStateChanged{State: st})
	case "participant_joined":
		t.onParticipantJoined(s, msg)
	case "participant_left":
		t.onParticipantLeft(s, msg)
	case "streams_added", "streams_removed":
		t.onStreams(s, msg)
	case "mute_changed":
		t.onMute(s, msg)
	case "publish_state", "subscribe_state":
		t.onMediaState(s, msg)
	case "pong":
	default:
		t.logger.Warn().Str("type", msg.Type).Msg("unknown signal")
	}
}

func (t *Transport) onParticipantJoined(s *session, msg serverMsg) {
	if msg.Participant == nil {
		return
	}
	t.mu.Lock()
	if t.sess != s {
		t.mu.Unlock()
		return
	}
	p := msg.Participant.participant()
	p.Streams = streamsOf(msg.Participant.Streams, t.trackLookupLocked(kindsOf(msg.Participant.Streams)))
	t.participants[p.ID] = p
	t.mu.Unlock()

	s.emit(core.ParticipantJoined{Participant: p})
	if p.IsLocal {
		if t.syncSenders(s) {
			if err := t.negotiate(s); err != nil {
				t.logger.Error().Err(err).Msg("negotiate after local join")
			}
		}
		return
	}
	t.subscribe(s, p)
}

func (t *Transport) onParticipantLeft(s *session, msg serverMsg) {
	if msg.Participant == nil {
		return
	}
	id := core.ParticipantID(msg.Participant.ID)
	t.mu.Lock()
	if t.sess != s {
		t.mu.Unlock()
		return
	}
	p, ok := t.participants[id]
	if !ok {
		p = msg.Participant.participant()
	}
	delete(t.participants, id)
	delete(t.subscribed, id)
	stopped := t.dropRemoteLocked(p.Streams)
	t.mu.Unlock()

	s.emit(core.ParticipantLeft{Participant: p})
	for _, tr := range stopped {
		tr.Stop()
	}
}

func (t *Transport) onStreams(s *session, msg serverMsg) {
	if msg.Participant == nil {
		return
	}
	id := core.ParticipantID(msg.Participant.ID)
	t.mu.Lock()
	if t.sess != s {
		t.mu.Unlock()
		return
	}
	p, ok := t.participants[id]
	if !ok {
		p = msg.Participant.participant()
	}
	var (
		ev      core.Event
		stopped []*media.Track
	)
	if msg.Type == "streams_added" {
		streams := streamsOf(msg.Streams, t.trackLookupLocked(kindsOf(msg.Streams)))
		p = p.AddStreams(streams)
		ev = core.StreamsAdded{Participant: p, Streams: streams}
	} else {
		streams := streamsOf(msg.Streams, nil)
		stopped = t.dropRemoteLocked(streams)
		p = p.RemoveStreams(streams)
		ev = core.StreamsRemoved{Participant: p, Streams: streams}
	}
	if ok {
		t.participants[id] = p
	}
	t.mu.Unlock()

	s.emit(ev)
	for _, tr := range stopped {
		tr.Stop()
	}
}

func (t *Transport) onMute(s *session, msg serverMsg) {
	if msg.Participant == nil || msg.Stream == nil {
		return
	}
	id := core.ParticipantID(msg.Participant.ID)
	t.mu.Lock()
	if t.sess != s {
		t.mu.Unlock()
		return
	}
	p, ok := t.participants[id]
	if !ok {
		p = msg.Participant.participant()
	}
	p = p.WithMute(msg.Stream.Kind, msg.Muted)
	if ok {
		t.participants[id] = p
	}
	stream := core.Stream{ID: msg.Stream.ID, Kind: msg.Stream.Kind}
	if rt, ok := t.remote[stream.ID]; ok {
		stream.Track = rt.track
	}
	t.mu.Unlock()

	s.emit(core.StreamMuteChanged{Participant: p, Stream: stream, Muted: msg.Muted})
}

func (t *Transport) onMediaState(s *session, msg serverMsg) {
	if msg.Participant == nil {
		return
	}
	st, err := domain.ParseMediaState(msg.State)
	if err != nil {
		t.logger.Warn().Err(err).Str("type", msg.Type).Msg("bad media state")
		return
	}
	id := core.ParticipantID(msg.Participant.ID)
	t.mu.Lock()
	if t.sess != s {
		t.mu.Unlock()
		return
	}
	p, ok := t.participants[id]
	if !ok {
		p = msg.Participant.participant()
	}
	if msg.Type == "publish_state" {
		p.PublishState = st
	} else {
		p.SubscribeState = st
	}
	if ok {
		t.participants[id] = p
	}
	t.mu.Unlock()

	if msg.Type == "publish_state" {
		s.emit(core.PublishStateChanged{Participant: p, State: st})
		return
	}
	s.emit(core.SubscribeStateChanged{Participant: p, State: st})
}

// dropRemoteLocked forgets remote handles for streams and returns them for stopping.
func (t *Transport) dropRemoteLocked(streams []core.Stream) []*media.Track {
	var out []*media.Track
	for _, st := range streams {
		if rt, ok := t.remote[st.ID]; ok {
			out = append(out, rt.track)
			delete(t.remote, st.ID)
		}
	}
	t.opts.Metrics.SetRemoteTracks(len(t.remote))
	return out
}

func kindsOf(ws []wireStream) map[string]domain.MediaKind {
	m := make(map[string]domain.MediaKind, len(ws))
	for _, s := range ws {
		m[s.ID] = s.Kind
	}
	return m
}
