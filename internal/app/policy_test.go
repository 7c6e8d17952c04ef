package app

import (
	"testing"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/core/coretest"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishStrategyStreams(t *testing.T) {
	s := NewPublishStrategy("")
	assert.Empty(t, s.StreamsToPublish())
	assert.Equal(t, domain.SubscribeAudioVideo, s.ShouldSubscribe(core.Participant{}))
	assert.True(t, s.ShouldPublish(core.Participant{ID: "x"}))

	audio := &core.Stream{ID: "a", Kind: domain.KindAudio, Track: coretest.NewAudioTrack("a")}
	video := &core.Stream{ID: "v", Kind: domain.KindVideo}
	s.UpdateMedia(audio, video)

	got := s.StreamsToPublish()
	require.Len(t, got, 2)
	assert.Equal(t, "v", got[0].ID)
	assert.Equal(t, "a", got[1].ID)

	s.UpdateMedia(audio, nil)
	got = s.StreamsToPublish()
	require.Len(t, got, 1)
	assert.Equal(t, domain.KindAudio, got[0].Kind)
}

func TestPublishStrategySubscribeType(t *testing.T) {
	s := NewPublishStrategy(domain.SubscribeAudioOnly)
	assert.Equal(t, domain.SubscribeAudioOnly, s.ShouldSubscribe(core.Participant{}))
}
