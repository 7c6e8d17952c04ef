// Package noise provides the voice focus backend: a noise floor tracking
// suppressor applied to a raw microphone capture.
package noise

import (
	"math"

	"github.com/dkeye/Stage/internal/core"
)

const (
	learnBlocks     = 10
	overSubtraction = 2.0
	spectralFloor   = 0.1
	floorRise       = 1.002
)

// Suppressor attenuates blocks whose energy is close to the estimated noise
// floor. The floor is learned from the first blocks and then follows the
// quietest recent input.
type Suppressor struct {
	level  float64
	floor  float64
	blocks int
	gain   float64
}

// NewSuppressor takes a suppression level in [0, 1].
func NewSuppressor(level float64) *Suppressor {
	return &Suppressor{level: math.Max(0, math.Min(1, level)), gain: 1}
}

func (s *Suppressor) Process(in core.PCMFrame) core.PCMFrame {
	out := make(core.PCMFrame, len(in))
	if len(in) == 0 {
		return out
	}
	var sum float64
	for _, v := range in {
		sum += float64(v) * float64(v)
	}
	rms := math.Sqrt(sum / float64(len(in)))
	s.updateFloor(rms)

	target := 1.0
	if s.blocks >= learnBlocks && rms > 0 {
		subtracted := rms - overSubtraction*s.level*s.floor
		target = math.Max(subtracted, spectralFloor*rms) / rms
	}
	// Smooth to avoid zipper noise between blocks.
	s.gain = 0.7*s.gain + 0.3*target

	g := float32(s.gain)
	for i, v := range in {
		out[i] = v * g
	}
	return out
}

func (s *Suppressor) updateFloor(rms float64) {
	switch {
	case s.blocks == 0:
		s.floor = rms
	case s.blocks < learnBlocks:
		s.floor = 0.8*s.floor + 0.2*rms
	case rms < s.floor:
		s.floor = 0.5*s.floor + 0.5*rms
	default:
		s.floor *= floorRise
	}
	s.blocks++
}

// Gain is the last applied block gain.
func (s *Suppressor) Gain() float64 { return s.gain }
