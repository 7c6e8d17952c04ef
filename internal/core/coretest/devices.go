package coretest

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// Devices is a scripted MediaDevices.
type Devices struct {
	mu sync.Mutex

	List         []domain.Device
	EnumerateErr error
	Permissions  map[domain.DeviceKind]core.PermissionState
	AudioErr     error
	VideoErr     error

	AudioRequests []core.AudioConstraints
	VideoRequests []core.VideoConstraints
	Captured      []*Track

	next     int
	onChange map[int]func()
}

func NewDevices(list ...domain.Device) *Devices {
	return &Devices{
		List:        list,
		Permissions: map[domain.DeviceKind]core.PermissionState{},
		onChange:    map[int]func(){},
	}
}

func (d *Devices) Enumerate(context.Context) ([]domain.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.EnumerateErr != nil {
		return nil, d.EnumerateErr
	}
	return append([]domain.Device(nil), d.List...), nil
}

func (d *Devices) Permission(_ context.Context, kind domain.DeviceKind) (core.PermissionState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Permissions[kind], nil
}

func (d *Devices) CaptureAudio(_ context.Context, c core.AudioConstraints) (core.MediaTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.AudioRequests = append(d.AudioRequests, c)
	if d.AudioErr != nil {
		return nil, d.AudioErr
	}
	t := NewTrack(fmt.Sprintf("mic-%d", len(d.Captured)), domain.KindAudio, c.DeviceID)
	d.Captured = append(d.Captured, t)
	return t, nil
}

func (d *Devices) CaptureVideo(_ context.Context, c core.VideoConstraints) (core.MediaTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.VideoRequests = append(d.VideoRequests, c)
	if d.VideoErr != nil {
		return nil, d.VideoErr
	}
	t := NewTrack(fmt.Sprintf("cam-%d", len(d.Captured)), domain.KindVideo, c.DeviceID)
	d.Captured = append(d.Captured, t)
	return t, nil
}

func (d *Devices) OnDeviceChange(fn func()) func() {
	d.mu.Lock()
	id := d.next
	d.next++
	d.onChange[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.onChange, id)
		d.mu.Unlock()
	}
}

// SetList replaces the enumeration result.
func (d *Devices) SetList(list ...domain.Device) {
	d.mu.Lock()
	d.List = list
	d.mu.Unlock()
}

// ChangeListeners reports how many device change listeners are attached.
func (d *Devices) ChangeListeners() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.onChange)
}

// FireChange calls every device change listener synchronously.
func (d *Devices) FireChange() {
	d.mu.Lock()
	fns := make([]func(), 0, len(d.onChange))
	for _, fn := range d.onChange {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Snapshot returns copies of the recorded capture requests.
func (d *Devices) Snapshot() (audio []core.AudioConstraints, video []core.VideoConstraints, captured []*Track) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append(audio, d.AudioRequests...), append(video, d.VideoRequests...), append(captured, d.Captured...)
}
