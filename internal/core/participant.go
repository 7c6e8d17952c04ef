package core

import (
	"maps"
	"slices"

	"github.com/dkeye/Stage/internal/domain"
)

type ParticipantID string

// Stream is one published media stream of a participant.
type Stream struct {
	ID    string
	Kind  domain.MediaKind
	Track MediaTrack
}

// Participant is an immutable value. Every helper returns a modified copy.
type Participant struct {
	ID             ParticipantID
	IsLocal        bool
	Attributes     map[string]string
	PublishState   domain.MediaState
	SubscribeState domain.MediaState
	AudioMuted     bool
	VideoMuted     bool
	Streams        []Stream
}

func (p Participant) clone() Participant {
	p.Attributes = maps.Clone(p.Attributes)
	p.Streams = slices.Clone(p.Streams)
	return p
}

// WithStreams replaces the stream list wholesale.
func (p Participant) WithStreams(streams []Stream) Participant {
	out := p.clone()
	out.Streams = slices.Clone(streams)
	return out
}

// AddStreams merges streams by id: known ids are replaced, new ones appended.
func (p Participant) AddStreams(add []Stream) Participant {
	out := p.clone()
	for _, s := range add {
		idx := slices.IndexFunc(out.Streams, func(e Stream) bool { return e.ID == s.ID })
		if idx >= 0 {
			out.Streams[idx] = s
			continue
		}
		out.Streams = append(out.Streams, s)
	}
	return out
}

// RemoveStreams drops every stream whose id appears in remove.
func (p Participant) RemoveStreams(remove []Stream) Participant {
	out := p.clone()
	out.Streams = slices.DeleteFunc(out.Streams, func(e Stream) bool {
		return slices.ContainsFunc(remove, func(r Stream) bool { return r.ID == e.ID })
	})
	return out
}

// WithMute updates the mute flag matching kind.
func (p Participant) WithMute(kind domain.MediaKind, muted bool) Participant {
	out := p.clone()
	switch kind {
	case domain.KindAudio:
		out.AudioMuted = muted
	case domain.KindVideo:
		out.VideoMuted = muted
	}
	return out
}

// AudioTrack returns the track of the first audio stream, nil when there is none.
func (p Participant) AudioTrack() MediaTrack {
	for _, s := range p.Streams {
		if s.Kind == domain.KindAudio && s.Track != nil {
			return s.Track
		}
	}
	return nil
}

// ParticipantDTO is a read-only view for APIs (no track handles).
type ParticipantDTO struct {
	ID             ParticipantID     `json:"id"`
	IsLocal        bool              `json:"isLocal"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	PublishState   string            `json:"publishState"`
	SubscribeState string            `json:"subscribeState"`
	AudioMuted     bool              `json:"audioMuted"`
	VideoMuted     bool              `json:"videoMuted"`
	StreamIDs      []string          `json:"streams"`
	// LatencyMs is the last measured media round trip, absent until one is known.
	LatencyMs *int64 `json:"latencyMs,omitempty"`
}

func (p Participant) DTO() ParticipantDTO {
	ids := make([]string, 0, len(p.Streams))
	for _, s := range p.Streams {
		ids = append(ids, s.ID)
	}
	return ParticipantDTO{
		ID:             p.ID,
		IsLocal:        p.IsLocal,
		Attributes:     maps.Clone(p.Attributes),
		PublishState:   p.PublishState.String(),
		SubscribeState: p.SubscribeState.String(),
		AudioMuted:     p.AudioMuted,
		VideoMuted:     p.VideoMuted,
		StreamIDs:      ids,
	}
}
