package stage

import (
	"maps"
	"slices"
	"strings"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// Roster is an immutable snapshot of the stage. Every change produces a new
// Roster with a higher Version, so observers can compare versions instead of
// locking.
type Roster struct {
	Version uint64
	State   domain.ConnectionState
	Local   *core.Participant
	Remote  map[core.ParticipantID]core.Participant
}

func emptyRoster() *Roster {
	return &Roster{Remote: map[core.ParticipantID]core.Participant{}}
}

// next returns a writable copy with the version bumped.
func (r *Roster) next() *Roster {
	out := &Roster{
		Version: r.Version + 1,
		State:   r.State,
		Remote:  maps.Clone(r.Remote),
	}
	if r.Local != nil {
		l := *r.Local
		out.Local = &l
	}
	return out
}

// Joined reports whether the stage connection is up.
func (r *Roster) Joined() bool { return r.State == domain.ConnectionConnected }

// Participant looks an id up in the local slot and the remote map.
func (r *Roster) Participant(id core.ParticipantID) (core.Participant, bool) {
	if r.Local != nil && r.Local.ID == id {
		return *r.Local, true
	}
	p, ok := r.Remote[id]
	return p, ok
}

// Participants lists the local participant first, then remote ones by id.
func (r *Roster) Participants() []core.Participant {
	out := make([]core.Participant, 0, len(r.Remote)+1)
	if r.Local != nil {
		out = append(out, *r.Local)
	}
	remote := slices.Collect(maps.Values(r.Remote))
	slices.SortFunc(remote, func(a, b core.Participant) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return append(out, remote...)
}

// participantTarget resolves the local/remote split once per event.
type participantTarget interface {
	get(r *Roster) (core.Participant, bool)
	put(r *Roster, p core.Participant)
	drop(r *Roster) bool
	streams(old, ev core.Participant, changed []core.Stream, added bool) core.Participant
}

type localTarget struct{}

type remoteTarget struct {
	id core.ParticipantID
}

func targetOf(p core.Participant) participantTarget {
	if p.IsLocal {
		return localTarget{}
	}
	return remoteTarget{id: p.ID}
}

func (localTarget) get(r *Roster) (core.Participant, bool) {
	if r.Local == nil {
		return core.Participant{}, false
	}
	return *r.Local, true
}

func (localTarget) put(r *Roster, p core.Participant) { r.Local = &p }

func (localTarget) drop(r *Roster) bool {
	if r.Local == nil {
		return false
	}
	r.Local = nil
	return true
}

// Local streams are replaced wholesale with what the transport reports.
func (localTarget) streams(old, ev core.Participant, _ []core.Stream, _ bool) core.Participant {
	return old.WithStreams(ev.Streams)
}

func (t remoteTarget) get(r *Roster) (core.Participant, bool) {
	p, ok := r.Remote[t.id]
	return p, ok
}

func (t remoteTarget) put(r *Roster, p core.Participant) { r.Remote[t.id] = p }

func (t remoteTarget) drop(r *Roster) bool {
	if _, ok := r.Remote[t.id]; !ok {
		return false
	}
	delete(r.Remote, t.id)
	return true
}

// Remote streams are merged or filtered by stream id.
func (remoteTarget) streams(old, _ core.Participant, changed []core.Stream, added bool) core.Participant {
	if added {
		return old.AddStreams(changed)
	}
	return old.RemoveStreams(changed)
}
