package noise

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Stage/internal/adapters/media"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
)

// variants maps a model variant to its suppression level.
var variants = map[string]float64{
	"c10":  0.25,
	"c20":  0.5,
	"c50":  0.75,
	"c100": 1.0,
	"auto": 0.5,
}

// Provider is a NoiseSuppressionProvider working on captures from devices.
type Provider struct {
	devices    core.MediaDevices
	sampleRate int
}

var _ core.NoiseSuppressionProvider = (*Provider)(nil)

func NewProvider(devices core.MediaDevices, sampleRate int) *Provider {
	return &Provider{devices: devices, sampleRate: sampleRate}
}

// Supported needs a rate the suppressor is tuned for.
func (p *Provider) Supported(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	switch p.sampleRate {
	case 16000, 24000, 48000:
		return true, nil
	}
	return false, nil
}

func (p *Provider) NewTransformer(_ context.Context, spec core.VoiceFocusSpec, preload bool) (core.NoiseTransformer, error) {
	level, ok := variants[spec.Variant]
	if !ok {
		return nil, fmt.Errorf("voice focus variant %q: %w", spec.Variant, core.ErrUnsupported)
	}
	log.Info().Str("module", "noise").Str("name", spec.Name).Str("variant", spec.Variant).
		Float64("level", level).Bool("preload", preload).Msg("transformer created")
	return &Transformer{p: p, level: level, devices: make(map[*Device]struct{})}, nil
}

type Transformer struct {
	p     *Provider
	level float64

	mu      sync.Mutex
	devices map[*Device]struct{}
}

func (t *Transformer) CreateEnhancedDevice(ctx context.Context, deviceID string) (core.EnhancedDevice, error) {
	raw, err := t.p.devices.CaptureAudio(ctx, core.AudioConstraints{DeviceID: deviceID, NoiseSuppression: false})
	if err != nil {
		return nil, fmt.Errorf("enhanced device %q: %w", deviceID, err)
	}

	sup := NewSuppressor(t.level)
	var mu sync.Mutex
	track, write := media.NewTrack("vf-"+raw.ID(), domain.KindAudio, raw.DeviceID(), raw.Stop, media.LocalOf(raw))
	unsubscribe := raw.Subscribe(func(f core.PCMFrame) {
		mu.Lock()
		out := sup.Process(f)
		mu.Unlock()
		write(out)
	})

	d := &Device{id: raw.DeviceID(), track: track, unsubscribe: unsubscribe, t: t}
	t.mu.Lock()
	t.devices[d] = struct{}{}
	t.mu.Unlock()
	log.Info().Str("module", "noise").Str("device_id", d.id).Msg("enhanced device created")
	return d, nil
}

func (t *Transformer) Destroy() {
	t.mu.Lock()
	ds := make([]*Device, 0, len(t.devices))
	for d := range t.devices {
		ds = append(ds, d)
	}
	t.mu.Unlock()
	for _, d := range ds {
		d.Stop()
	}
	log.Info().Str("module", "noise").Int("devices", len(ds)).Msg("transformer destroyed")
}

// Device is an enhanced capture. Stopping it releases the raw capture once
// every handle of its track is stopped too.
type Device struct {
	id          string
	track       *media.Track
	unsubscribe func()
	t           *Transformer
	once        sync.Once
}

func (d *Device) DeviceID() string       { return d.id }
func (d *Device) Track() core.MediaTrack { return d.track }

func (d *Device) Stop() {
	d.once.Do(func() {
		d.unsubscribe()
		d.track.Stop()
		d.t.mu.Lock()
		delete(d.t.devices, d)
		d.t.mu.Unlock()
	})
}
