package core

import (
	"context"
	"time"

	"github.com/dkeye/Stage/internal/domain"
)

// Event is one notification delivered by a StageTransport.
type Event interface{ isEvent() }

type ConnectionStateChanged struct {
	State domain.ConnectionState
}

type ParticipantJoined struct {
	Participant Participant
}

type ParticipantLeft struct {
	Participant Participant
}

type StreamsAdded struct {
	Participant Participant
	Streams     []Stream
}

type StreamsRemoved struct {
	Participant Participant
	Streams     []Stream
}

type StreamMuteChanged struct {
	Participant Participant
	Stream      Stream
	Muted       bool
}

type PublishStateChanged struct {
	Participant Participant
	State       domain.MediaState
}

type SubscribeStateChanged struct {
	Participant Participant
	State       domain.MediaState
}

func (ConnectionStateChanged) isEvent() {}
func (ParticipantJoined) isEvent()      {}
func (ParticipantLeft) isEvent()        {}
func (StreamsAdded) isEvent()           {}
func (StreamsRemoved) isEvent()         {}
func (StreamMuteChanged) isEvent()      {}
func (PublishStateChanged) isEvent()    {}
func (SubscribeStateChanged) isEvent()  {}

// PublishStrategy is consulted by the transport whenever it (re)negotiates.
type PublishStrategy interface {
	// StreamsToPublish returns the currently bound local streams.
	StreamsToPublish() []Stream
	ShouldPublish(p Participant) bool
	ShouldSubscribe(p Participant) domain.SubscribeType
}

// StageTransport is a live connection to a multi-party stage.
type StageTransport interface {
	// Join starts connecting. Progress is reported through events.
	Join(ctx context.Context) error
	// Leave disconnects. Safe to call more than once.
	Leave()
	// RefreshStrategy makes the transport re-read its PublishStrategy.
	RefreshStrategy()
	// Subscribe registers a listener. Events are delivered in order on the
	// transport's goroutine; the returned func detaches the listener.
	Subscribe(fn func(Event)) (cancel func())
}

// RoundTripSource is implemented by transports that measure media round trip
// times per participant.
type RoundTripSource interface {
	RoundTrips() map[ParticipantID]time.Duration
}
