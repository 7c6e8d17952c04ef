package audio

import (
	"math"

	"github.com/dkeye/Stage/internal/core"
)

// compressorKernel is a feed-forward soft-knee compressor with a one-pole
// envelope on the gain reduction, in dB.
type compressorKernel struct {
	params     core.CompressorParams
	sampleRate int

	attackCoef  float64
	releaseCoef float64
	envDB       float64
}

func newCompressorKernel(p core.CompressorParams, sampleRate int) *compressorKernel {
	k := &compressorKernel{sampleRate: sampleRate}
	k.configure(p)
	return k
}

func (k *compressorKernel) configure(p core.CompressorParams) {
	k.params = p
	k.attackCoef = timeCoef(p.Attack.Seconds(), k.sampleRate)
	k.releaseCoef = timeCoef(p.Release.Seconds(), k.sampleRate)
}

func timeCoef(seconds float64, sampleRate int) float64 {
	if seconds <= 0 {
		return 0
	}
	return math.Exp(-1 / (seconds * float64(sampleRate)))
}

// staticCurve returns the output level for an input level, both in dB.
func staticCurve(x float64, p core.CompressorParams) float64 {
	t, w, r := p.ThresholdDB, p.KneeDB, p.Ratio
	if r < 1 {
		r = 1
	}
	switch {
	case 2*(x-t) < -w:
		return x
	case w > 0 && 2*math.Abs(x-t) <= w:
		d := x - t + w/2
		return x + (1/r-1)*d*d/(2*w)
	default:
		return t + (x-t)/r
	}
}

func (k *compressorKernel) process(in, out []float32) {
	for i, v := range in {
		level := math.Abs(float64(v))
		xDB := -120.0
		if level > 1e-6 {
			xDB = 20 * math.Log10(level)
		}
		target := staticCurve(xDB, k.params) - xDB

		coef := k.releaseCoef
		if target < k.envDB {
			coef = k.attackCoef
		}
		k.envDB = target + (k.envDB-target)*coef

		out[i] = float32(float64(v) * math.Pow(10, k.envDB/20))
	}
}
