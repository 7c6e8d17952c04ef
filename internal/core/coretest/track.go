// Package coretest holds in-memory fakes of the core interfaces for tests.
package coretest

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

type trackSource struct {
	mu     sync.Mutex
	next   int
	sinks  map[int]func(core.PCMFrame)
	cloned atomic.Int32
}

// Track is a MediaTrack whose audio is pushed by the test through Emit.
type Track struct {
	id       string
	kind     domain.MediaKind
	deviceID string
	src      *trackSource

	enabled atomic.Bool
	stopped atomic.Bool
}

func NewTrack(id string, kind domain.MediaKind, deviceID string) *Track {
	t := &Track{
		id:       id,
		kind:     kind,
		deviceID: deviceID,
		src:      &trackSource{sinks: make(map[int]func(core.PCMFrame))},
	}
	t.enabled.Store(true)
	return t
}

func NewAudioTrack(id string) *Track { return NewTrack(id, domain.KindAudio, "") }

func (t *Track) ID() string             { return t.id }
func (t *Track) Kind() domain.MediaKind { return t.kind }
func (t *Track) DeviceID() string       { return t.deviceID }
func (t *Track) Enabled() bool          { return t.enabled.Load() }
func (t *Track) SetEnabled(on bool)     { t.enabled.Store(on) }
func (t *Track) Stop()                  { t.stopped.Store(true) }
func (t *Track) Stopped() bool          { return t.stopped.Load() }

// Clones reports how many times Clone was called on any handle of the source.
func (t *Track) Clones() int { return int(t.src.cloned.Load()) }

func (t *Track) Clone() core.MediaTrack {
	t.src.cloned.Add(1)
	c := &Track{id: t.id, kind: t.kind, deviceID: t.deviceID, src: t.src}
	c.enabled.Store(true)
	return c
}

func (t *Track) Subscribe(fn func(core.PCMFrame)) func() {
	t.src.mu.Lock()
	id := t.src.next
	t.src.next++
	t.src.sinks[id] = func(f core.PCMFrame) {
		if !t.stopped.Load() {
			fn(f)
		}
	}
	t.src.mu.Unlock()
	return func() {
		t.src.mu.Lock()
		delete(t.src.sinks, id)
		t.src.mu.Unlock()
	}
}

// Subscribers reports the number of attached sinks across all handles.
func (t *Track) Subscribers() int {
	t.src.mu.Lock()
	defer t.src.mu.Unlock()
	return len(t.src.sinks)
}

// Emit delivers f to every sink of every non-stopped handle.
func (t *Track) Emit(f core.PCMFrame) {
	t.src.mu.Lock()
	sinks := make([]func(core.PCMFrame), 0, len(t.src.sinks))
	for _, s := range t.src.sinks {
		sinks = append(sinks, s)
	}
	t.src.mu.Unlock()
	for _, s := range sinks {
		s(f)
	}
}
