package core

import "time"

// AudioNode is a vertex of an audio processing graph.
type AudioNode interface {
	Connect(dst AudioNode) error
	// Disconnect removes every outgoing edge of the node.
	Disconnect()
}

type GainNode interface {
	AudioNode
	Gain() float64
	SetGain(g float64)
}

// AnalyserNode passes audio through and keeps the latest time-domain window.
type AnalyserNode interface {
	AudioNode
	FFTSize() int
	// FrequencyBinCount is FFTSize/2, the number of samples TimeDomain fills.
	FrequencyBinCount() int
	TimeDomain(dst []float32) int
}

type CompressorParams struct {
	ThresholdDB float64
	KneeDB      float64
	Ratio       float64
	Attack      time.Duration
	Release     time.Duration
}

type CompressorNode interface {
	AudioNode
	Params() CompressorParams
	SetParams(p CompressorParams)
	// ReductionDB is the current gain reduction, zero or negative.
	ReductionDB() float64
}

type DelayNode interface {
	AudioNode
	Delay() time.Duration
	SetDelay(d time.Duration)
}

// AudioGraph creates nodes on one shared rendering context.
type AudioGraph interface {
	NewSource(track MediaTrack) (AudioNode, error)
	NewGain(gain float64) GainNode
	NewAnalyser(fftSize int) AnalyserNode
	NewCompressor(p CompressorParams) CompressorNode
	NewDelay(delay, maxDelay time.Duration) DelayNode
	Destination() AudioNode
	SampleRate() int
	Close() error
}
