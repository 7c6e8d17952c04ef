package orch

import (
	"context"

	"github.com/dkeye/Stage/internal/app/stage"
)

// Join connects to the stage with the current local tracks.
func (o *Orchestrator) Join(ctx context.Context) error {
	o.Stage.UpdateMedia(streamOf(o.Devices.AudioTrack()), streamOf(o.Devices.VideoTrack()))
	return o.Stage.Join(ctx)
}

func (o *Orchestrator) Leave() { o.Stage.Leave() }

// onRoster keeps output chains in line with every published roster.
func (o *Orchestrator) onRoster(r *stage.Roster) {
	ps := r.Participants()
	o.Metrics.SetConnectionState(r.State.String())
	o.Metrics.RecordRoster(len(ps))
	o.Filters.Reconcile(o.context(), ps)
}
