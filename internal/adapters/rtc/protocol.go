package rtc

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Client to server envelopes.

type joinMsg struct {
	Type       string            `json:"type"`
	Token      string            `json:"token"`
	SessionID  string            `json:"sessionId,omitempty"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type sdpMsg struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidateMsg struct {
	Type          string `json:"type"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

type subscribeMsg struct {
	Type        string               `json:"type"`
	Participant string               `json:"participant"`
	Mode        domain.SubscribeType `json:"mode"`
}

type typeMsg struct {
	Type string `json:"type"`
}

// Server to client envelopes share one struct; unused fields stay empty.

type wireStream struct {
	ID   string           `json:"id"`
	Kind domain.MediaKind `json:"kind"`
}

type wireParticipant struct {
	ID         string            `json:"id"`
	IsLocal    bool              `json:"isLocal"`
	Attributes map[string]string `json:"attributes,omitempty"`
	AudioMuted bool              `json:"audioMuted,omitempty"`
	VideoMuted bool              `json:"videoMuted,omitempty"`
	Streams    []wireStream      `json:"streams,omitempty"`
}

type serverMsg struct {
	Type          string           `json:"type"`
	SDP           string           `json:"sdp,omitempty"`
	Candidate     string           `json:"candidate,omitempty"`
	SDPMid        string           `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16           `json:"sdpMLineIndex,omitempty"`
	State         string           `json:"state,omitempty"`
	Participant   *wireParticipant `json:"participant,omitempty"`
	Streams       []wireStream     `json:"streams,omitempty"`
	Stream        *wireStream      `json:"stream,omitempty"`
	Muted         bool             `json:"muted,omitempty"`
}

func parseServerMsg(data []byte) (serverMsg, error) {
	var m serverMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("bad server message: %w", err)
	}
	if m.Type == "" {
		return m, fmt.Errorf("server message without type")
	}
	return m, nil
}

func (m serverMsg) candidate() webrtc.ICECandidateInit {
	ci := webrtc.ICECandidateInit{Candidate: m.Candidate}
	if m.SDPMid != "" {
		mid := m.SDPMid
		ci.SDPMid = &mid
	}
	idx := m.SDPMLineIndex
	ci.SDPMLineIndex = &idx
	return ci
}

func newCandidateMsg(ci webrtc.ICECandidateInit) candidateMsg {
	msg := candidateMsg{Type: "candidate", Candidate: ci.Candidate}
	if ci.SDPMid != nil {
		msg.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		msg.SDPMLineIndex = *ci.SDPMLineIndex
	}
	return msg
}

func (w wireParticipant) participant() core.Participant {
	return core.Participant{
		ID:         core.ParticipantID(w.ID),
		IsLocal:    w.IsLocal,
		Attributes: w.Attributes,
		AudioMuted: w.AudioMuted,
		VideoMuted: w.VideoMuted,
		Streams:    streamsOf(w.Streams, nil),
	}
}

// streamsOf converts wire streams, attaching any track already known for the id.
func streamsOf(ws []wireStream, tracks func(id string) core.MediaTrack) []core.Stream {
	out := make([]core.Stream, 0, len(ws))
	for _, s := range ws {
		st := core.Stream{ID: s.ID, Kind: s.Kind}
		if tracks != nil {
			st.Track = tracks(s.ID)
		}
		out = append(out, st)
	}
	return out
}
