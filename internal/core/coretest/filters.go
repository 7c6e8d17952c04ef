package coretest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// VAD is a detector whose state is set by the test.
type VAD struct {
	speaking atomic.Bool
	closed   atomic.Bool
}

func (v *VAD) Speaking() bool      { return v.speaking.Load() }
func (v *VAD) SetSpeaking(on bool) { v.speaking.Store(on) }
func (v *VAD) Close()              { v.closed.Store(true) }
func (v *VAD) Closed() bool        { return v.closed.Load() }

// VADFactory hands out VAD fakes, or Err when set.
type VADFactory struct {
	mu        sync.Mutex
	Err       error
	Detectors []*VAD
}

func (f *VADFactory) NewDetector(context.Context, core.MediaTrack) (core.VoiceActivityDetector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	v := &VAD{}
	f.Detectors = append(f.Detectors, v)
	return v, nil
}

func (f *VADFactory) Last() *VAD {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Detectors) == 0 {
		return nil
	}
	return f.Detectors[len(f.Detectors)-1]
}

// EnhancedDevice is a fake noise suppressed device.
type EnhancedDevice struct {
	id      string
	track   *Track
	stopped atomic.Bool
}

func (d *EnhancedDevice) DeviceID() string       { return d.id }
func (d *EnhancedDevice) Track() core.MediaTrack { return d.track }
func (d *EnhancedDevice) Stopped() bool          { return d.stopped.Load() }

func (d *EnhancedDevice) Stop() {
	d.stopped.Store(true)
	d.track.Stop()
}

// NoiseProvider is a scripted NoiseSuppressionProvider.
type NoiseProvider struct {
	mu sync.Mutex

	IsSupported    bool
	SupportErr     error
	TransformerErr error
	DeviceErr      error

	SupportChecks int
	Specs         []core.VoiceFocusSpec
	Preloads      []bool
	Devices       []*EnhancedDevice
	Destroyed     int
}

func (p *NoiseProvider) Supported(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SupportChecks++
	return p.IsSupported, p.SupportErr
}

func (p *NoiseProvider) NewTransformer(_ context.Context, spec core.VoiceFocusSpec, preload bool) (core.NoiseTransformer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Specs = append(p.Specs, spec)
	p.Preloads = append(p.Preloads, preload)
	if p.TransformerErr != nil {
		return nil, p.TransformerErr
	}
	return &noiseTransformer{p: p}, nil
}

type noiseTransformer struct{ p *NoiseProvider }

func (t *noiseTransformer) CreateEnhancedDevice(_ context.Context, deviceID string) (core.EnhancedDevice, error) {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	if t.p.DeviceErr != nil {
		return nil, t.p.DeviceErr
	}
	d := &EnhancedDevice{id: deviceID, track: NewTrack("vf-"+deviceID, domain.KindAudio, deviceID)}
	t.p.Devices = append(t.p.Devices, d)
	return d, nil
}

func (t *noiseTransformer) Destroy() {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	t.p.Destroyed++
}
