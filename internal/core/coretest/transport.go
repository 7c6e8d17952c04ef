package coretest

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/core"
)

// Transport is a StageTransport driven by the test through Emit.
type Transport struct {
	mu        sync.Mutex
	next      int
	listeners map[int]func(core.Event)

	JoinErr     error
	Joins       int
	Leaves      int
	Refreshes   int
	Unsubscribe int
	rtts        map[core.ParticipantID]time.Duration
}

func NewTransport() *Transport {
	return &Transport{listeners: make(map[int]func(core.Event))}
}

func (t *Transport) Join(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Joins++
	return t.JoinErr
}

func (t *Transport) Leave() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Leaves++
}

func (t *Transport) RefreshStrategy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Refreshes++
}

func (t *Transport) Subscribe(fn func(core.Event)) func() {
	t.mu.Lock()
	id := t.next
	t.next++
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.listeners[id]; ok {
			delete(t.listeners, id)
			t.Unsubscribe++
		}
	}
}

// Listeners reports how many listeners are attached.
func (t *Transport) Listeners() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

// Counts returns joins, leaves and refreshes under the lock.
func (t *Transport) Counts() (joins, leaves, refreshes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Joins, t.Leaves, t.Refreshes
}

// Emit delivers ev synchronously to every attached listener.
func (t *Transport) Emit(ev core.Event) {
	t.mu.Lock()
	ls := make([]func(core.Event), 0, len(t.listeners))
	for _, l := range t.listeners {
		ls = append(ls, l)
	}
	t.mu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

// SetRoundTrip records the round trip reported for id.
func (t *Transport) SetRoundTrip(id core.ParticipantID, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rtts == nil {
		t.rtts = make(map[core.ParticipantID]time.Duration)
	}
	t.rtts[id] = d
}

func (t *Transport) RoundTrips() map[core.ParticipantID]time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.rtts)
}
