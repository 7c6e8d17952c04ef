package app

import (
	"sync"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// PublishStrategy tells the transport what the local participant publishes and
// how remote participants are subscribed. After UpdateMedia the caller must
// ask the transport to refresh, the strategy never does it itself.
type PublishStrategy struct {
	mu        sync.RWMutex
	audio     *core.Stream
	video     *core.Stream
	subscribe domain.SubscribeType
}

var _ core.PublishStrategy = (*PublishStrategy)(nil)

func NewPublishStrategy(subscribe domain.SubscribeType) *PublishStrategy {
	if subscribe == "" {
		subscribe = domain.SubscribeAudioVideo
	}
	return &PublishStrategy{subscribe: subscribe}
}

// UpdateMedia rebinds the published streams. A nil stream stops publishing that kind.
func (s *PublishStrategy) UpdateMedia(audio, video *core.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = audio
	s.video = video
}

// Bound returns the currently bound streams.
func (s *PublishStrategy) Bound() (video, audio *core.Stream) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.video, s.audio
}

func (s *PublishStrategy) StreamsToPublish() []core.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Stream, 0, 2)
	if s.video != nil {
		out = append(out, *s.video)
	}
	if s.audio != nil {
		out = append(out, *s.audio)
	}
	return out
}

func (s *PublishStrategy) ShouldPublish(core.Participant) bool { return true }

func (s *PublishStrategy) ShouldSubscribe(core.Participant) domain.SubscribeType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribe
}
