// Package vad is an energy based voice activity detector fed by a media track.
package vad

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Threshold is the smoothed RMS level, in [0, 1], above which a window is voiced.
	Threshold float64
	// Smoothing weights the previous energy in the running average.
	Smoothing  float64
	SampleRate int
	// Window is the analysis window length.
	Window     time.Duration
	MinSpeech  time.Duration
	MinSilence time.Duration
}

func (c Config) validate() error {
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0, 1], got %f", c.Threshold)
	}
	if c.Smoothing < 0 || c.Smoothing >= 1 {
		return fmt.Errorf("smoothing must be in [0, 1), got %f", c.Smoothing)
	}
	if c.SampleRate <= 0 || c.Window <= 0 {
		return fmt.Errorf("invalid window %s at %d Hz", c.Window, c.SampleRate)
	}
	return nil
}

// Stats mirror what the detector has seen so far.
type Stats struct {
	TotalWindows uint64  `json:"total_windows"`
	VoiceWindows uint64  `json:"voice_windows"`
	Energy       float64 `json:"energy"`
	Speaking     bool    `json:"speaking"`
}

// Detector follows one track. Speech starts after MinSpeech of voiced windows
// and ends after MinSilence of unvoiced ones.
type Detector struct {
	cfg        Config
	windowSize int

	mu       sync.RWMutex
	pending  []float32
	energy   float64
	speaking bool
	run      time.Duration
	total    uint64
	voiced   uint64

	unsubscribe func()
	closeOnce   sync.Once
}

var _ core.VoiceActivityDetector = (*Detector)(nil)

func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	size := int(int64(cfg.Window) * int64(cfg.SampleRate) / int64(time.Second))
	if size <= 0 {
		return nil, fmt.Errorf("window %s too short at %d Hz", cfg.Window, cfg.SampleRate)
	}
	return &Detector{cfg: cfg, windowSize: size}, nil
}

// Attach starts following track until Close.
func (d *Detector) Attach(track core.MediaTrack) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unsubscribe = track.Subscribe(d.Process)
}

// Process feeds samples; complete windows are analysed immediately.
func (d *Detector) Process(frame core.PCMFrame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, frame...)
	for len(d.pending) >= d.windowSize {
		d.processWindow(d.pending[:d.windowSize])
		d.pending = d.pending[d.windowSize:]
	}
}

func (d *Detector) processWindow(w []float32) {
	var sum float64
	for _, s := range w {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(w)))

	if d.total > 0 {
		d.energy = d.cfg.Smoothing*d.energy + (1-d.cfg.Smoothing)*rms
	} else {
		d.energy = rms
	}
	d.total++

	voiced := d.energy >= d.cfg.Threshold
	if voiced {
		d.voiced++
	}

	// run counts how long the input has disagreed with the current state.
	if voiced == d.speaking {
		d.run = 0
		return
	}
	d.run += d.cfg.Window
	switch {
	case voiced && d.run >= d.cfg.MinSpeech:
		d.speaking = true
		d.run = 0
		log.Debug().Str("module", "vad").Float64("energy", d.energy).Msg("speech start")
	case !voiced && d.run >= d.cfg.MinSilence:
		d.speaking = false
		d.run = 0
		log.Debug().Str("module", "vad").Float64("energy", d.energy).Msg("speech end")
	}
}

func (d *Detector) Speaking() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.speaking
}

func (d *Detector) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Stats{TotalWindows: d.total, VoiceWindows: d.voiced, Energy: d.energy, Speaking: d.speaking}
}

func (d *Detector) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		unsub := d.unsubscribe
		d.unsubscribe = nil
		d.mu.Unlock()
		if unsub != nil {
			unsub()
		}
	})
}

// Factory builds one detector per track.
type Factory struct {
	Config Config
}

var _ core.VADFactory = Factory{}

func (f Factory) NewDetector(_ context.Context, track core.MediaTrack) (core.VoiceActivityDetector, error) {
	d, err := NewDetector(f.Config)
	if err != nil {
		return nil, fmt.Errorf("vad: %w", err)
	}
	d.Attach(track)
	return d, nil
}
