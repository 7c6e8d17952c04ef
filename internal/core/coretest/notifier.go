package coretest

import (
	"maps"
	"sync"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// Notifier records raised and dismissed notices.
type Notifier struct {
	mu        sync.Mutex
	active    map[string]core.Notice
	Raised    []core.Notice
	Dismissed []string
}

func NewNotifier() *Notifier {
	return &Notifier{active: make(map[string]core.Notice)}
}

func (n *Notifier) Raise(notice core.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.active[notice.ID] = notice
	n.Raised = append(n.Raised, notice)
}

func (n *Notifier) Dismiss(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.active, id)
	n.Dismissed = append(n.Dismissed, id)
}

// Active returns the notice currently shown under id.
func (n *Notifier) Active(id string) (core.Notice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.active[id]
	return v, ok
}

func (n *Notifier) ActiveIDs() map[string]core.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return maps.Clone(n.active)
}

// RaisedCount counts how many times id was raised.
func (n *Notifier) RaisedCount(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, r := range n.Raised {
		if r.ID == id {
			c++
		}
	}
	return c
}

// Settings is an in-memory SettingsStore.
type Settings struct {
	mu       sync.Mutex
	value    domain.Settings
	Saves    int
	WriteErr error
}

func NewSettings(s domain.Settings) *Settings { return &Settings{value: s} }

func (s *Settings) Load() domain.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (s *Settings) Update(fn func(domain.Settings) domain.Settings) (domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = fn(s.value)
	if s.WriteErr != nil {
		return s.value, s.WriteErr
	}
	s.Saves++
	return s.value, nil
}
