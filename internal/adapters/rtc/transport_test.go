package rtc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Stage/internal/adapters/media"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 5 * time.Second

type fakeStrategy struct {
	mu      sync.Mutex
	streams []core.Stream
	mode    domain.SubscribeType
}

func (s *fakeStrategy) set(streams ...core.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = streams
}

func (s *fakeStrategy) StreamsToPublish() []core.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Stream(nil), s.streams...)
}

func (s *fakeStrategy) ShouldPublish(core.Participant) bool { return true }

func (s *fakeStrategy) ShouldSubscribe(core.Participant) domain.SubscribeType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// stageServer is a scripted signalling peer.
type stageServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	recv  chan map[string]any
}

func newStageServer(t *testing.T) *stageServer {
	s := &stageServer{conns: make(chan *websocket.Conn, 1), recv: make(chan map[string]any, 64)}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- ws
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				s.recv <- m
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stageServer) url() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") }

func (s *stageServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-s.conns:
		return ws
	case <-time.After(wait):
		t.Fatal("no signalling connection")
		return nil
	}
}

// next returns the next client message of type typ, skipping others.
func (s *stageServer) next(t *testing.T, typ string) map[string]any {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case m := <-s.recv:
			if m["type"] == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("no %q message", typ)
			return nil
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func waitEvent[E core.Event](t *testing.T, events <-chan core.Event) E {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case ev := <-events:
			if e, ok := ev.(E); ok {
				return e
			}
		case <-deadline:
			var zero E
			t.Fatalf("no %T event", zero)
			return zero
		}
	}
}

func joinTransport(t *testing.T, strat *fakeStrategy) (*Transport, *stageServer, *websocket.Conn, chan core.Event) {
	t.Helper()
	srv := newStageServer(t)
	user := &domain.User{ID: "u-1", Username: "kiwi-7"}
	tr := NewTransport(Options{
		SignalURL: srv.url(),
		Session:   domain.SessionToken{SessionID: "s-1", Token: "tok", Attributes: map[string]string{"role": "host"}},
		User:      user,
	}, strat)
	events := make(chan core.Event, 64)
	cancel := tr.Subscribe(func(ev core.Event) { events <- ev })
	t.Cleanup(cancel)

	ctx, done := context.WithTimeout(context.Background(), wait)
	defer done()
	require.NoError(t, tr.Join(ctx))
	t.Cleanup(tr.Leave)
	ws := srv.accept(t)

	join := srv.next(t, "join")
	assert.Equal(t, "tok", join["token"])
	assert.Equal(t, "s-1", join["sessionId"])
	assert.Equal(t, "kiwi-7", join["name"])
	assert.Equal(t, map[string]any{"role": "host", "userId": "u-1", "username": "kiwi-7"}, join["attributes"])
	offer := srv.next(t, "offer")
	assert.NotEmpty(t, offer["sdp"])
	return tr, srv, ws, events
}

func TestTransportMapsSignalsToEvents(t *testing.T) {
	strat := &fakeStrategy{mode: domain.SubscribeAudioOnly}
	_, srv, ws, events := joinTransport(t, strat)

	st := waitEvent[core.ConnectionStateChanged](t, events)
	assert.Equal(t, domain.ConnectionConnecting, st.State)

	send(t, ws, map[string]any{"type": "participant_joined", "participant": map[string]any{"id": "me", "isLocal": true}})
	local := waitEvent[core.ParticipantJoined](t, events)
	assert.True(t, local.Participant.IsLocal)

	send(t, ws, map[string]any{"type": "participant_joined", "participant": map[string]any{
		"id": "bob", "streams": []map[string]any{{"id": "bob-audio", "kind": "audio"}},
	}})
	joined := waitEvent[core.ParticipantJoined](t, events)
	assert.Equal(t, core.ParticipantID("bob"), joined.Participant.ID)
	require.Len(t, joined.Participant.Streams, 1)
	bobAudio := joined.Participant.Streams[0].Track
	require.NotNil(t, bobAudio)
	assert.Equal(t, domain.KindAudio, bobAudio.Kind())

	sub := srv.next(t, "subscribe")
	assert.Equal(t, "bob", sub["participant"])
	assert.Equal(t, "audio_only", sub["mode"])

	send(t, ws, map[string]any{"type": "streams_added", "participant": map[string]any{"id": "bob"},
		"streams": []map[string]any{{"id": "bob-video", "kind": "video"}}})
	added := waitEvent[core.StreamsAdded](t, events)
	assert.Len(t, added.Participant.Streams, 2)
	require.Len(t, added.Streams, 1)
	assert.Equal(t, domain.KindVideo, added.Streams[0].Track.Kind())

	send(t, ws, map[string]any{"type": "mute_changed", "participant": map[string]any{"id": "bob"},
		"stream": map[string]any{"id": "bob-audio", "kind": "audio"}, "muted": true})
	muted := waitEvent[core.StreamMuteChanged](t, events)
	assert.True(t, muted.Muted)
	assert.True(t, muted.Participant.AudioMuted)
	assert.Same(t, bobAudio, muted.Stream.Track)

	send(t, ws, map[string]any{"type": "publish_state", "participant": map[string]any{"id": "me"}, "state": "errored"})
	pub := waitEvent[core.PublishStateChanged](t, events)
	assert.Equal(t, domain.MediaErrored, pub.State)
	assert.True(t, pub.Participant.IsLocal)

	send(t, ws, map[string]any{"type": "participant_left", "participant": map[string]any{"id": "bob"}})
	left := waitEvent[core.ParticipantLeft](t, events)
	assert.Equal(t, core.ParticipantID("bob"), left.Participant.ID)
	assert.Eventually(t, bobAudio.Stopped, wait, 10*time.Millisecond)

	send(t, ws, map[string]any{"type": "connection_state", "state": "connected"})
	for {
		st := waitEvent[core.ConnectionStateChanged](t, events)
		if st.State == domain.ConnectionConnected {
			break
		}
	}
}

func TestTransportRefreshStrategyRenegotiates(t *testing.T) {
	strat := &fakeStrategy{mode: domain.SubscribeAudioVideo}
	tr, srv, _, _ := joinTransport(t, strat)

	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "mic-1", "stage-mic")
	require.NoError(t, err)
	track, _ := media.NewTrack("mic-1", domain.KindAudio, "mic", nil, local)
	strat.set(core.Stream{ID: track.ID(), Kind: domain.KindAudio, Track: track})

	tr.RefreshStrategy()
	offer := srv.next(t, "offer")
	assert.Contains(t, offer["sdp"], "mic-1")

	// Nothing changed, so no new offer is sent.
	tr.RefreshStrategy()
	tr.Leave()
	srv.next(t, "leave")
}

func TestTransportSignalLossErrors(t *testing.T) {
	strat := &fakeStrategy{mode: domain.SubscribeAudioVideo}
	_, _, ws, events := joinTransport(t, strat)

	require.NoError(t, ws.UnderlyingConn().Close())
	for {
		st := waitEvent[core.ConnectionStateChanged](t, events)
		if st.State == domain.ConnectionErrored {
			break
		}
	}
}

func TestJoinRejectsExpiredToken(t *testing.T) {
	tr := NewTransport(Options{
		SignalURL: "ws://127.0.0.1:1/unused",
		Session:   domain.SessionToken{Token: "tok", Expiration: time.Now().Add(-time.Minute)},
	}, &fakeStrategy{})

	err := tr.Join(context.Background())
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestLeaveWithoutJoin(t *testing.T) {
	tr := NewTransport(Options{}, &fakeStrategy{})
	tr.Leave()
	tr.RefreshStrategy()
}
