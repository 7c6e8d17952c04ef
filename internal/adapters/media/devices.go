package media

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrPermissionDenied = errors.New("permission denied")
)

// opusSilence is a 20 ms Opus frame of digital silence.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

const frameDuration = 20 * time.Millisecond

// Devices is a headless capture facility backed by a configured device
// catalog. Microphones produce silence at the configured rate.
type Devices struct {
	sampleRate int

	mu        sync.RWMutex
	catalog   []domain.Device
	denied    map[domain.DeviceKind]bool
	listeners map[int]func()
	next      int
}

var _ core.MediaDevices = (*Devices)(nil)

func NewDevices(catalog []domain.Device, sampleRate int) *Devices {
	return &Devices{
		sampleRate: sampleRate,
		catalog:    slices.Clone(catalog),
		denied:     make(map[domain.DeviceKind]bool),
		listeners:  make(map[int]func()),
	}
}

func (d *Devices) Enumerate(ctx context.Context) ([]domain.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.catalog == nil {
		return nil, core.ErrUnsupported
	}
	return slices.Clone(d.catalog), nil
}

// Permission is granted for any kind the catalog has, unless denied with Deny.
func (d *Devices) Permission(_ context.Context, kind domain.DeviceKind) (core.PermissionState, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.denied[kind] {
		return core.PermissionDenied, nil
	}
	for _, dev := range d.catalog {
		if dev.Kind == kind {
			return core.PermissionGranted, nil
		}
	}
	return core.PermissionPrompt, nil
}

// Deny makes captures of kind fail as if the user refused access.
func (d *Devices) Deny(kind domain.DeviceKind, denied bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.denied[kind] = denied
}

// find resolves an exact id, or prefers ideal and falls back to the first
// device of kind when id is empty.
func (d *Devices) find(kind domain.DeviceKind, id, ideal string) (domain.Device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.denied[kind] {
		return domain.Device{}, fmt.Errorf("%s: %w", kind, ErrPermissionDenied)
	}
	var first *domain.Device
	for i, dev := range d.catalog {
		if dev.Kind != kind {
			continue
		}
		if id != "" && dev.DeviceID == id || id == "" && ideal != "" && dev.DeviceID == ideal {
			return dev, nil
		}
		if first == nil {
			first = &d.catalog[i]
		}
	}
	if id == "" && first != nil {
		return *first, nil
	}
	return domain.Device{}, fmt.Errorf("%s %q: %w", kind, id, ErrDeviceNotFound)
}

func (d *Devices) CaptureAudio(ctx context.Context, c core.AudioConstraints) (core.MediaTrack, error) {
	dev, err := d.find(domain.DeviceAudioInput, c.DeviceID, c.IdealDeviceID)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		id, "stage-"+dev.DeviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("capture audio: %w", err)
	}

	// The capture outlives the request context, it ends when every handle stops.
	capCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	track, write := NewTrack(id, domain.KindAudio, dev.DeviceID, cancel, local)
	go d.produce(capCtx, dev, local, write)

	log.Info().Str("module", "media").Str("device_id", dev.DeviceID).Str("label", dev.Label).
		Bool("platform_defaults", c.PlatformDefaults).Bool("noise_suppression", c.NoiseSuppression).
		Msg("microphone opened")
	return track, nil
}

func (d *Devices) produce(ctx context.Context, dev domain.Device, local *webrtc.TrackLocalStaticSample, write func(core.PCMFrame)) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	frame := make(core.PCMFrame, int(int64(d.sampleRate)*int64(frameDuration)/int64(time.Second)))
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "media").Str("device_id", dev.DeviceID).Msg("microphone closed")
			return
		case <-ticker.C:
			write(frame)
			if err := local.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
				log.Debug().Err(err).Str("module", "media").Str("device_id", dev.DeviceID).Msg("write sample")
			}
		}
	}
}

func (d *Devices) CaptureVideo(_ context.Context, c core.VideoConstraints) (core.MediaTrack, error) {
	dev, err := d.find(domain.DeviceVideoInput, c.DeviceID, c.IdealDeviceID)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		id, "stage-"+dev.DeviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("capture video: %w", err)
	}
	track, _ := NewTrack(id, domain.KindVideo, dev.DeviceID, nil, local)

	log.Info().Str("module", "media").Str("device_id", dev.DeviceID).
		Int("width", c.Width).Int("height", c.Height).Int("fps", c.FrameRate).Str("facing", c.FacingMode).
		Msg("camera opened")
	return track, nil
}

func (d *Devices) OnDeviceChange(fn func()) func() {
	d.mu.Lock()
	id := d.next
	d.next++
	d.listeners[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// SetCatalog replaces the device list and notifies change listeners.
func (d *Devices) SetCatalog(catalog []domain.Device) {
	d.mu.Lock()
	d.catalog = slices.Clone(catalog)
	fns := make([]func(), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	log.Info().Str("module", "media").Int("devices", len(catalog)).Msg("device list changed")
	for _, fn := range fns {
		fn()
	}
}
