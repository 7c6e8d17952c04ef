// Package stage keeps the participant roster and connection state of one
// stage session in sync with the transport.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrControllerTerminated is returned once the controller went through Errored.
var ErrControllerTerminated = errors.New("stage controller terminated")

const (
	NoticeConnectionFailed = "toast-connection-failed"
	NoticePublishFailed    = "toast-publish-failed"
	NoticeSubscribeFailed  = "toast-subscribe-failed"
)

type Controller struct {
	transport core.StageTransport
	strategy  *app.PublishStrategy
	notifier  core.Notifier
	logger    zerolog.Logger

	mu     sync.Mutex
	roster *Roster
	unsub  func()

	// nmu keeps watcher notifications in mutation order.
	nmu      sync.Mutex
	wmu      sync.RWMutex
	watchers map[int]func(*Roster)
	nextW    int
}

func NewController(transport core.StageTransport, strategy *app.PublishStrategy, notifier core.Notifier) *Controller {
	return &Controller{
		transport: transport,
		strategy:  strategy,
		notifier:  notifier,
		logger:    log.With().Str("module", "stage").Logger(),
		roster:    emptyRoster(),
		watchers:  make(map[int]func(*Roster)),
	}
}

// Strategy is the publish strategy the transport consults.
func (c *Controller) Strategy() *app.PublishStrategy { return c.strategy }

// Join moves Disconnected to Connecting and starts the transport. Joining an
// active controller is a no-op.
func (c *Controller) Join(ctx context.Context) error {
	c.mu.Lock()
	switch c.roster.State {
	case domain.ConnectionErrored:
		c.mu.Unlock()
		return ErrControllerTerminated
	case domain.ConnectionConnecting, domain.ConnectionConnected:
		c.mu.Unlock()
		return nil
	}
	if c.unsub == nil {
		c.unsub = c.transport.Subscribe(c.handle)
	}
	c.commitLocked(func(r *Roster) bool {
		r.State = domain.ConnectionConnecting
		return true
	})

	c.logger.Info().Msg("joining stage")
	if err := c.transport.Join(ctx); err != nil {
		c.logger.Error().Err(err).Msg("join failed")
		c.fail()
		return fmt.Errorf("join stage: %w", err)
	}
	return nil
}

// Leave is the user initiated exit. The controller can join again afterwards.
func (c *Controller) Leave() {
	c.mu.Lock()
	if c.roster.State == domain.ConnectionErrored || c.unsub == nil {
		c.mu.Unlock()
		return
	}
	unsub := c.unsub
	c.unsub = nil
	c.commitLocked(func(r *Roster) bool {
		r.State = domain.ConnectionDisconnected
		r.Local = nil
		clear(r.Remote)
		return true
	})

	unsub()
	c.transport.Leave()
	c.logger.Info().Msg("left stage")
}

// RefreshStrategy asks the transport to re-read the strategy while joined.
func (c *Controller) RefreshStrategy() {
	switch c.State() {
	case domain.ConnectionConnecting, domain.ConnectionConnected:
		c.transport.RefreshStrategy()
	}
}

// UpdateMedia rebinds the published streams and refreshes the transport.
func (c *Controller) UpdateMedia(audio, video *core.Stream) {
	c.strategy.UpdateMedia(audio, video)
	c.RefreshStrategy()
}

func (c *Controller) Roster() *Roster {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster
}

func (c *Controller) State() domain.ConnectionState { return c.Roster().State }

func (c *Controller) Joined() bool { return c.Roster().Joined() }

func (c *Controller) Participants() []core.Participant { return c.Roster().Participants() }

func (c *Controller) LocalParticipant() (core.Participant, bool) {
	r := c.Roster()
	if r.Local == nil {
		return core.Participant{}, false
	}
	return *r.Local, true
}

// Watch calls fn with every new roster. The returned func detaches fn.
func (c *Controller) Watch(fn func(*Roster)) (cancel func()) {
	c.wmu.Lock()
	id := c.nextW
	c.nextW++
	c.watchers[id] = fn
	c.wmu.Unlock()
	return func() {
		c.wmu.Lock()
		defer c.wmu.Unlock()
		delete(c.watchers, id)
	}
}

// commitLocked applies fn to a copy of the roster and publishes it when fn
// reports a change. It must be entered with mu held and releases it.
func (c *Controller) commitLocked(fn func(r *Roster) bool) {
	nr := c.roster.next()
	if !fn(nr) {
		c.mu.Unlock()
		return
	}
	c.roster = nr
	c.nmu.Lock()
	c.mu.Unlock()
	defer c.nmu.Unlock()

	c.wmu.RLock()
	ws := make([]func(*Roster), 0, len(c.watchers))
	for _, w := range c.watchers {
		ws = append(ws, w)
	}
	c.wmu.RUnlock()
	for _, w := range ws {
		w(nr)
	}
}

func (c *Controller) mutate(fn func(r *Roster) bool) {
	c.mu.Lock()
	c.commitLocked(fn)
}

func (c *Controller) handle(ev core.Event) {
	switch e := ev.(type) {
	case core.ConnectionStateChanged:
		c.onConnectionState(e.State)
	case core.ParticipantJoined:
		t := targetOf(e.Participant)
		c.mutate(func(r *Roster) bool {
			t.put(r, e.Participant)
			return true
		})
		c.logger.Info().Str("participant", string(e.Participant.ID)).Bool("local", e.Participant.IsLocal).Msg("participant joined")
	case core.ParticipantLeft:
		t := targetOf(e.Participant)
		c.mutate(t.drop)
		c.logger.Info().Str("participant", string(e.Participant.ID)).Msg("participant left")
	case core.StreamsAdded:
		c.onStreams(e.Participant, e.Streams, true)
	case core.StreamsRemoved:
		c.onStreams(e.Participant, e.Streams, false)
	case core.StreamMuteChanged:
		t := targetOf(e.Participant)
		c.mutate(func(r *Roster) bool {
			old, ok := t.get(r)
			if !ok {
				return false
			}
			t.put(r, old.WithMute(e.Stream.Kind, e.Muted))
			return true
		})
	case core.PublishStateChanged:
		c.onMediaState(e.Participant, e.State, true)
	case core.SubscribeStateChanged:
		c.onMediaState(e.Participant, e.State, false)
	default:
		c.logger.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("unhandled transport event")
	}
}

// onStreams never re-inserts a participant that already left.
func (c *Controller) onStreams(p core.Participant, streams []core.Stream, added bool) {
	t := targetOf(p)
	c.mutate(func(r *Roster) bool {
		old, ok := t.get(r)
		if !ok {
			return false
		}
		t.put(r, t.streams(old, p, streams, added))
		return true
	})
}

func (c *Controller) onMediaState(p core.Participant, st domain.MediaState, publish bool) {
	t := targetOf(p)
	c.mutate(func(r *Roster) bool {
		old, ok := t.get(r)
		if !ok {
			return false
		}
		if publish {
			old.PublishState = st
		} else {
			old.SubscribeState = st
		}
		t.put(r, old)
		return true
	})

	id, msg := NoticeSubscribeFailed, "Could not receive media from "+string(p.ID)
	if publish {
		id, msg = NoticePublishFailed, "Could not publish your media"
	}
	if st != domain.MediaErrored {
		c.notifier.Dismiss(id)
		return
	}
	c.notifier.Raise(core.Notice{ID: id, Level: core.NoticeWarning, Message: msg})
}

func (c *Controller) onConnectionState(st domain.ConnectionState) {
	if st == domain.ConnectionErrored {
		c.fail()
		return
	}
	c.mutate(func(r *Roster) bool {
		switch {
		case st == domain.ConnectionConnected && r.State == domain.ConnectionConnecting:
			r.State = domain.ConnectionConnected
		case st == domain.ConnectionDisconnected &&
			(r.State == domain.ConnectionConnected || r.State == domain.ConnectionConnecting):
			r.State = domain.ConnectionDisconnected
			r.Local = nil
			clear(r.Remote)
		default:
			return false
		}
		c.logger.Info().Str("state", r.State.String()).Msg("connection state")
		return true
	})
}

// fail is the terminal path: one transport Leave, listeners detached and a
// persistent notice. No reconnect is attempted.
func (c *Controller) fail() {
	c.mu.Lock()
	if c.roster.State == domain.ConnectionErrored {
		c.mu.Unlock()
		return
	}
	unsub := c.unsub
	c.unsub = nil
	c.commitLocked(func(r *Roster) bool {
		r.State = domain.ConnectionErrored
		r.Local = nil
		clear(r.Remote)
		return true
	})

	c.transport.Leave()
	if unsub != nil {
		unsub()
	}
	c.logger.Error().Msg("stage connection failed")
	c.notifier.Raise(core.Notice{
		ID:         NoticeConnectionFailed,
		Level:      core.NoticeError,
		Message:    "Connection to the stage failed. Rejoin to continue.",
		Persistent: true,
	})
}
