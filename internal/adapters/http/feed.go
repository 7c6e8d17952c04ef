package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/app/orch"
	"github.com/dkeye/Stage/internal/app/stage"
	"github.com/dkeye/Stage/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrFeedClosed   = errors.New("feed connection closed")
)

const (
	feedWriteWait  = 5 * time.Second
	feedSendBuffer = 32
)

// RosterView is the JSON shape of a roster snapshot.
type RosterView struct {
	Version      uint64                `json:"version"`
	State        string                `json:"state"`
	Participants []core.ParticipantDTO `json:"participants"`
}

func rosterView(r *stage.Roster, rtts map[core.ParticipantID]time.Duration) RosterView {
	ps := r.Participants()
	out := RosterView{
		Version:      r.Version,
		State:        r.State.String(),
		Participants: make([]core.ParticipantDTO, 0, len(ps)),
	}
	for _, p := range ps {
		dto := p.DTO()
		if rtt, ok := rtts[p.ID]; ok {
			ms := rtt.Milliseconds()
			dto.LatencyMs = &ms
		}
		out.Participants = append(out.Participants, dto)
	}
	return out
}

// StatsView carries the values that change without a roster commit.
type StatsView struct {
	// SessionRemaining is in whole seconds, absent for a non-expiring session.
	SessionRemaining *int64                       `json:"sessionRemaining,omitempty"`
	LatencyMs        map[core.ParticipantID]int64 `json:"latencyMs"`
}

func statsView(o *orch.Orchestrator, now time.Time) StatsView {
	rtts := o.RoundTrips()
	v := StatsView{LatencyMs: make(map[core.ParticipantID]int64, len(rtts))}
	for id, rtt := range rtts {
		v.LatencyMs[id] = rtt.Milliseconds()
	}
	if left, ok := o.SessionRemaining(now); ok {
		secs := int64(left / time.Second)
		v.SessionRemaining = &secs
	}
	return v
}

type feedFrame struct {
	Type    string        `json:"type"`
	Roster  *RosterView   `json:"roster,omitempty"`
	Notices []core.Notice `json:"notices,omitempty"`
	Stats   *StatsView    `json:"stats,omitempty"`
}

type feedConn struct {
	sid  string
	conn *websocket.Conn
	send chan core.Frame
	// binary subscribers get msgpack frames instead of JSON.
	binary bool

	mu     sync.RWMutex
	closed bool
}

var _ core.SignalConnection = (*feedConn)(nil)

func (c *feedConn) TrySend(b core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrFeedClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *feedConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

// Feed pushes roster, notice and stats snapshots to websocket subscribers.
type Feed struct {
	o          *orch.Orchestrator
	pingPeriod time.Duration
	readLimit  int64
	// statsEvery paces stats frames; zero disables them.
	statsEvery time.Duration
	upgrader   websocket.Upgrader
	logger     zerolog.Logger

	mu    sync.RWMutex
	conns map[*feedConn]struct{}
}

func NewFeed(o *orch.Orchestrator, pingPeriod time.Duration, readLimit int64, statsEvery time.Duration) *Feed {
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	return &Feed{
		o:          o,
		pingPeriod: pingPeriod,
		readLimit:  readLimit,
		statsEvery: statsEvery,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.With().Str("module", "adapters.http.feed").Logger(),
		conns:  make(map[*feedConn]struct{}),
	}
}

// Start forwards stage and notice changes until ctx ends, then drops every
// subscriber. Watchers are attached before Start returns.
func (f *Feed) Start(ctx context.Context) {
	unRoster := f.o.Stage.Watch(func(r *stage.Roster) {
		v := rosterView(r, f.o.RoundTrips())
		f.broadcast(feedFrame{Type: "roster", Roster: &v})
	})
	if f.statsEvery > 0 {
		go f.statsLoop(ctx)
	}
	unNotices := f.o.Notices.Watch(func(ns []core.Notice) {
		f.broadcast(feedFrame{Type: "notices", Notices: ns})
	})
	go func() {
		<-ctx.Done()
		unRoster()
		unNotices()

		f.mu.Lock()
		conns := f.conns
		f.conns = make(map[*feedConn]struct{})
		f.mu.Unlock()
		for c := range conns {
			c.Close()
		}
		f.logger.Info().Int("subscribers", len(conns)).Msg("feed stopped")
	}()
}

func (f *Feed) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(f.statsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if f.Count() == 0 {
				continue
			}
			v := statsView(f.o, now)
			f.broadcast(feedFrame{Type: "stats", Stats: &v})
		}
	}
}

func (f *Feed) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.conns)
}

// encodeFrame renders frame as msgpack or JSON. msgpack reuses the json tags.
func encodeFrame(frame feedFrame, binary bool) (core.Frame, error) {
	if !binary {
		return json.Marshal(frame)
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(frame); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *Feed) broadcast(frame feedFrame) {
	var encoded [2]core.Frame
	f.mu.RLock()
	defer f.mu.RUnlock()
	for c := range f.conns {
		i := 0
		if c.binary {
			i = 1
		}
		if encoded[i] == nil {
			b, err := encodeFrame(frame, c.binary)
			if err != nil {
				f.logger.Error().Err(err).Str("type", frame.Type).Bool("binary", c.binary).Msg("encode frame")
				return
			}
			encoded[i] = b
		}
		if err := c.TrySend(encoded[i]); err != nil {
			f.logger.Warn().Err(err).Str("sid", c.sid).Str("type", frame.Type).Msg("frame dropped")
		}
	}
}

// Serve upgrades the request and streams frames until the client goes away
// or ctx ends. The current roster and notices (and stats when enabled) are
// sent first. format=msgpack
// switches the connection to binary msgpack frames.
func (f *Feed) Serve(ctx context.Context, c *gin.Context) {
	sid := c.GetString(clientKey)
	ws, err := f.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.logger.Error().Err(err).Str("sid", sid).Msg("ws upgrade")
		return
	}
	conn := &feedConn{
		sid:    sid,
		conn:   ws,
		send:   make(chan core.Frame, feedSendBuffer),
		binary: c.Query("format") == "msgpack",
	}

	// Snapshots are queued while registration holds off broadcasts, so any
	// later change reaches this subscriber after them.
	f.mu.Lock()
	f.conns[conn] = struct{}{}
	v := rosterView(f.o.Stage.Roster(), f.o.RoundTrips())
	frames := []feedFrame{
		{Type: "roster", Roster: &v},
		{Type: "notices", Notices: f.o.Notices.Active()},
	}
	if f.statsEvery > 0 {
		st := statsView(f.o, time.Now())
		frames = append(frames, feedFrame{Type: "stats", Stats: &st})
	}
	for _, frame := range frames {
		if b, err := encodeFrame(frame, conn.binary); err == nil {
			_ = conn.TrySend(b)
		}
	}
	f.mu.Unlock()
	f.logger.Info().Str("sid", sid).Bool("binary", conn.binary).Msg("feed subscriber connected")

	ctx, cancel := context.WithCancel(ctx)
	go f.writePump(ctx, conn)
	go f.readPump(ctx, cancel, conn)
}

func (f *Feed) drop(c *feedConn) {
	f.mu.Lock()
	delete(f.conns, c)
	f.mu.Unlock()
	c.Close()
}

func (f *Feed) writePump(ctx context.Context, c *feedConn) {
	ticker := time.NewTicker(f.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait)); err != nil {
				f.logger.Error().Err(err).Str("sid", c.sid).Msg("writePump set deadline")
				f.drop(c)
				return
			}
			mt := websocket.TextMessage
			if c.binary {
				mt = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(mt, data); err != nil {
				f.logger.Error().Err(err).Str("sid", c.sid).Msg("writePump write error")
				f.drop(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				f.drop(c)
				return
			}
		}
	}
}

// readPump only drains control frames; the feed is one-way.
func (f *Feed) readPump(ctx context.Context, cancel context.CancelFunc, c *feedConn) {
	defer func() {
		cancel()
		f.drop(c)
		f.logger.Info().Str("sid", c.sid).Msg("feed subscriber gone")
	}()
	if f.readLimit > 0 {
		c.conn.SetReadLimit(f.readLimit)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(f.pingPeriod * 2))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(f.pingPeriod * 2))
	})
	for {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
