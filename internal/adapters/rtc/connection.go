package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	sid    string
	onICE  func(webrtc.ICECandidateInit)
	cancel context.CancelFunc
	// stats is filled while the PeerConnection is built.
	stats stats.Getter

	onTrack func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onState func(domain.ConnectionState)
}

func WebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: iceServers,
			},
		},
	}
}

// NewWebRTCConnection builds a PeerConnection with the default codecs, NACK,
// RTCP reports, TWCC and a stats interceptor of its own for round trip times.
func NewWebRTCConnection(cfg webrtc.Configuration, sid string) (*WebRTCConnection, error) {
	c := &WebRTCConnection{sid: sid}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	sf, err := stats.NewInterceptor()
	if err != nil {
		return nil, fmt.Errorf("stats interceptor: %w", err)
	}
	sf.OnNewPeerConnection(func(_ string, g stats.Getter) { c.stats = g })
	ir.Add(sf)
	if err := webrtc.ConfigureNack(m, ir); err != nil {
		return nil, fmt.Errorf("nack: %w", err)
	}
	if err := webrtc.ConfigureRTCPReports(ir); err != nil {
		return nil, fmt.Errorf("rtcp reports: %w", err)
	}
	if err := webrtc.ConfigureTWCCSender(m, ir); err != nil {
		return nil, fmt.Errorf("twcc: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir))
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c.pc = pc
	return c, nil
}

// RoundTrip returns the latest measured round trip over ssrcs. Outbound
// streams use the receiver reports of the far end, inbound ones its sender
// reports.
func (c *WebRTCConnection) RoundTrip(ssrcs []uint32, outbound bool) (time.Duration, bool) {
	if c.stats == nil {
		return 0, false
	}
	return roundTripOf(c.stats.Get, ssrcs, outbound)
}

func roundTripOf(get func(uint32) *stats.Stats, ssrcs []uint32, outbound bool) (time.Duration, bool) {
	for _, ssrc := range ssrcs {
		st := get(ssrc)
		if st == nil {
			continue
		}
		if outbound && st.RemoteInboundRTPStreamStats.RoundTripTimeMeasurements > 0 {
			return st.RemoteInboundRTPStreamStats.RoundTripTime, true
		}
		if !outbound && st.RemoteOutboundRTPStreamStats.RoundTripTimeMeasurements > 0 {
			return st.RemoteOutboundRTPStreamStats.RoundTripTime, true
		}
	}
	return 0, false
}

// peerState maps a PeerConnection state onto the stage connection state.
func peerState(s webrtc.PeerConnectionState) (domain.ConnectionState, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionConnected, true
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		return domain.ConnectionDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionErrored, true
	}
	return 0, false
}

func (c *WebRTCConnection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("sid", c.sid).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("sid", c.sid).Str("peer_connection_state", s.String()).Msg("Peer state")
		if st, ok := peerState(s); ok && c.onState != nil {
			c.onState(st)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("sid", c.sid).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if c.onTrack != nil {
			c.onTrack(ctx, track, receiver)
		}
	})

	return nil
}

// CreateOffer sets and returns a local offer once ICE gathering is complete.
func (c *WebRTCConnection) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return c.pc.LocalDescription(), nil
}

func (c *WebRTCConnection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *WebRTCConnection) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("sid", c.sid).Msg("close error")
		} else {
			log.Info().Str("module", "webrtc").Str("sid", c.sid).Msg("closed")
		}
	}
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.onICE = fn
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.onTrack = fn
}

// OnState receives the stage-level view of the peer connection state.
func (c *WebRTCConnection) OnState(fn func(domain.ConnectionState)) { c.onState = fn }

// AddLocalTrack attaches a local track to the PeerConnection.
func (c *WebRTCConnection) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (c *WebRTCConnection) RemoveSender(sender *webrtc.RTPSender) error {
	return c.pc.RemoveTrack(sender)
}

// AddRecvTransceiver makes sure the offer can receive kind even with nothing published.
func (c *WebRTCConnection) AddRecvTransceiver(kind webrtc.RTPCodecType) error {
	_, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	return err
}
