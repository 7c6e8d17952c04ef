package domain

import "fmt"

type ConnectionState int

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionErrored
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionErrored:
		return "errored"
	}
	return fmt.Sprintf("connection_state(%d)", int(s))
}

// ParseConnectionState maps the wire name back to a state.
func ParseConnectionState(s string) (ConnectionState, error) {
	switch s {
	case "disconnected":
		return ConnectionDisconnected, nil
	case "connecting":
		return ConnectionConnecting, nil
	case "connected":
		return ConnectionConnected, nil
	case "errored":
		return ConnectionErrored, nil
	}
	return 0, fmt.Errorf("unknown connection state %q", s)
}

// MediaState is shared by publish and subscribe lifecycles.
type MediaState int

const (
	MediaNotStarted MediaState = iota
	MediaAttempting
	MediaActive
	MediaErrored
)

func (s MediaState) String() string {
	switch s {
	case MediaNotStarted:
		return "not_started"
	case MediaAttempting:
		return "attempting"
	case MediaActive:
		return "active"
	case MediaErrored:
		return "errored"
	}
	return fmt.Sprintf("media_state(%d)", int(s))
}

func ParseMediaState(s string) (MediaState, error) {
	switch s {
	case "not_started":
		return MediaNotStarted, nil
	case "attempting":
		return MediaAttempting, nil
	case "active":
		return MediaActive, nil
	case "errored":
		return MediaErrored, nil
	}
	return 0, fmt.Errorf("unknown media state %q", s)
}

type SubscribeType string

const (
	SubscribeNone       SubscribeType = "none"
	SubscribeAudioOnly  SubscribeType = "audio_only"
	SubscribeAudioVideo SubscribeType = "audio_video"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)
