// Package notify keeps the set of user-facing notices raised by the stage client.
package notify

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/rs/zerolog/log"
)

var (
	ErrPersistent    = errors.New("notice cannot be dismissed")
	ErrUnknownNotice = errors.New("unknown notice")
)

// DefaultTTL is how long a non-persistent notice stays up.
const DefaultTTL = 4 * time.Second

// Notifier is an id-keyed notice board. Raising an id replaces the notice,
// dismissing an unknown id is a no-op. Non-persistent notices expire after
// the TTL; persistent ones stay until their owner dismisses them.
type Notifier struct {
	ttl time.Duration

	mu        sync.RWMutex
	active    map[string]core.Notice
	order     []string
	timers    map[string]*time.Timer
	gens      map[string]uint64
	gen       uint64
	listeners map[int]func([]core.Notice)
	next      int
}

func New() *Notifier { return NewWithTTL(DefaultTTL) }

// NewWithTTL returns a notifier whose transient notices expire after ttl.
// A ttl <= 0 keeps them until dismissed.
func NewWithTTL(ttl time.Duration) *Notifier {
	return &Notifier{
		ttl:       ttl,
		active:    make(map[string]core.Notice),
		timers:    make(map[string]*time.Timer),
		gens:      make(map[string]uint64),
		listeners: make(map[int]func([]core.Notice)),
	}
}

func (n *Notifier) Raise(notice core.Notice) {
	ev := log.Info()
	switch notice.Level {
	case core.NoticeError:
		ev = log.Error()
	case core.NoticeWarning:
		ev = log.Warn()
	}
	ev.Str("module", "notify").Str("id", notice.ID).Bool("persistent", notice.Persistent).Msg(notice.Message)

	n.mu.Lock()
	if _, ok := n.active[notice.ID]; !ok {
		n.order = append(n.order, notice.ID)
	}
	n.active[notice.ID] = notice
	n.stopTimerLocked(notice.ID)
	if !notice.Persistent && n.ttl > 0 {
		n.gen++
		id, gen := notice.ID, n.gen
		n.gens[id] = gen
		n.timers[id] = time.AfterFunc(n.ttl, func() { n.expire(id, gen) })
	}
	snap, ls := n.snapshotLocked()
	n.mu.Unlock()
	publish(ls, snap)
}

// Dismiss removes id whatever its persistence. It is the owner's path.
func (n *Notifier) Dismiss(id string) {
	n.mu.Lock()
	if _, ok := n.active[id]; !ok {
		n.mu.Unlock()
		return
	}
	n.removeLocked(id, "notice dismissed")
}

// DismissByUser removes a notice on user request. Persistent notices are
// refused with ErrPersistent.
func (n *Notifier) DismissByUser(id string) error {
	n.mu.Lock()
	notice, ok := n.active[id]
	switch {
	case !ok:
		n.mu.Unlock()
		return ErrUnknownNotice
	case notice.Persistent:
		n.mu.Unlock()
		return ErrPersistent
	}
	n.removeLocked(id, "notice dismissed by user")
	return nil
}

func (n *Notifier) expire(id string, gen uint64) {
	n.mu.Lock()
	if n.gens[id] != gen {
		n.mu.Unlock()
		return
	}
	n.removeLocked(id, "notice expired")
}

// removeLocked must be entered with mu held and releases it.
func (n *Notifier) removeLocked(id, msg string) {
	n.stopTimerLocked(id)
	delete(n.active, id)
	n.order = slices.DeleteFunc(n.order, func(s string) bool { return s == id })
	snap, ls := n.snapshotLocked()
	n.mu.Unlock()

	log.Debug().Str("module", "notify").Str("id", id).Msg(msg)
	publish(ls, snap)
}

func (n *Notifier) stopTimerLocked(id string) {
	if t, ok := n.timers[id]; ok {
		t.Stop()
		delete(n.timers, id)
	}
	delete(n.gens, id)
}

// Active returns the shown notices, oldest first.
func (n *Notifier) Active() []core.Notice {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]core.Notice, 0, len(n.order))
	for _, id := range n.order {
		out = append(out, n.active[id])
	}
	return out
}

// Watch calls fn with the full notice list after every change.
func (n *Notifier) Watch(fn func([]core.Notice)) (cancel func()) {
	n.mu.Lock()
	id := n.next
	n.next++
	n.listeners[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.listeners, id)
		n.mu.Unlock()
	}
}

func (n *Notifier) snapshotLocked() ([]core.Notice, []func([]core.Notice)) {
	snap := make([]core.Notice, 0, len(n.order))
	for _, id := range n.order {
		snap = append(snap, n.active[id])
	}
	ls := make([]func([]core.Notice), 0, len(n.listeners))
	for _, l := range n.listeners {
		ls = append(ls, l)
	}
	return snap, ls
}

func publish(ls []func([]core.Notice), snap []core.Notice) {
	for _, l := range ls {
		l(snap)
	}
}
