// Package media implements MediaTrack with clone support on top of a fan-out source.
package media

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// LocalTrack is the encoded side of a captured track.
type LocalTrack = webrtc.TrackLocal

type SinkState int32

const (
	SinkOk SinkState = iota
	SinkDelete
)

// sink is a single subscriber of a source.
type sink struct {
	fn    func(core.PCMFrame)
	owner *Track
	state atomic.Int32 // Zero by default (SinkOk)
}

func (s *sink) getState() SinkState { return SinkState(s.state.Load()) }
func (s *sink) markDelete()         { s.state.Store(int32(SinkDelete)) }

// source is shared by a track and all of its clones. The producer is
// cancelled once the last handle stops.
type source struct {
	mu    sync.RWMutex
	sinks map[uint64]*sink
	next  uint64

	refs   atomic.Int32
	cancel context.CancelFunc
	local  LocalTrack
}

func newSource(cancel context.CancelFunc, local LocalTrack) *source {
	return &source{sinks: make(map[uint64]*sink), cancel: cancel, local: local}
}

// write fans f out to every live sink.
func (s *source) write(f core.PCMFrame) {
	snapshot := make(map[uint64]*sink, len(s.sinks))
	s.mu.RLock()
	maps.Copy(snapshot, s.sinks)
	s.mu.RUnlock()

	var silence core.PCMFrame
	dirty := make([]uint64, 0)
	for id, sk := range snapshot {
		switch sk.getState() {
		case SinkDelete:
			dirty = append(dirty, id)
		case SinkOk:
			if !sk.owner.Enabled() {
				if silence == nil {
					silence = make(core.PCMFrame, len(f))
				}
				sk.fn(silence)
				continue
			}
			sk.fn(f)
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		s.mu.Lock()
		for _, id := range dirty {
			delete(s.sinks, id)
		}
		s.mu.Unlock()
	}
}

func (s *source) add(sk *sink) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.sinks[id] = sk
	return id
}

func (s *source) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sk, ok := s.sinks[id]; ok {
		sk.markDelete()
		delete(s.sinks, id)
	}
}

func (s *source) markOwnerDelete(owner *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sk := range s.sinks {
		if sk.owner == owner {
			sk.markDelete()
			delete(s.sinks, id)
		}
	}
}

func (s *source) release() {
	if s.refs.Add(-1) == 0 && s.cancel != nil {
		s.cancel()
	}
}

// Track is one handle on a source.
type Track struct {
	id       string
	kind     domain.MediaKind
	deviceID string
	src      *source

	enabled atomic.Bool
	stopped atomic.Bool
}

var _ core.MediaTrack = (*Track)(nil)

// NewTrack returns a track and the writer feeding it. cancel runs when the
// last handle (original or clone) is stopped; local is the encoded side used
// for publishing, nil for remote tracks.
func NewTrack(id string, kind domain.MediaKind, deviceID string, cancel context.CancelFunc, local LocalTrack) (*Track, func(core.PCMFrame)) {
	src := newSource(cancel, local)
	t := newHandle(id, kind, deviceID, src)
	return t, src.write
}

func newHandle(id string, kind domain.MediaKind, deviceID string, src *source) *Track {
	t := &Track{id: id, kind: kind, deviceID: deviceID, src: src}
	t.enabled.Store(true)
	src.refs.Add(1)
	return t
}

func (t *Track) ID() string             { return t.id }
func (t *Track) Kind() domain.MediaKind { return t.kind }
func (t *Track) DeviceID() string       { return t.deviceID }
func (t *Track) Enabled() bool          { return t.enabled.Load() }
func (t *Track) SetEnabled(on bool)     { t.enabled.Store(on) }
func (t *Track) Stopped() bool          { return t.stopped.Load() }

// Local is the encoded track to hand to a PeerConnection, nil for remote media.
func (t *Track) Local() LocalTrack { return t.src.local }

// LocalOf returns the encoded side of t when it has one.
func LocalOf(t core.MediaTrack) LocalTrack {
	if lt, ok := t.(interface{ Local() LocalTrack }); ok {
		return lt.Local()
	}
	return nil
}

func (t *Track) Clone() core.MediaTrack {
	return newHandle(t.id, t.kind, t.deviceID, t.src)
}

func (t *Track) Stop() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	t.src.markOwnerDelete(t)
	t.src.release()
	log.Debug().Str("module", "media").Str("track_id", t.id).Str("kind", string(t.kind)).Msg("track handle stopped")
}

func (t *Track) Subscribe(fn func(core.PCMFrame)) func() {
	if t.Stopped() {
		return func() {}
	}
	id := t.src.add(&sink{fn: fn, owner: t})
	return func() { t.src.remove(id) }
}
