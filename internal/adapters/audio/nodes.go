package audio

import (
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/core"
)

var (
	_ core.AudioGraph     = (*Graph)(nil)
	_ core.GainNode       = (*Gain)(nil)
	_ core.AnalyserNode   = (*Analyser)(nil)
	_ core.CompressorNode = (*Compressor)(nil)
	_ core.DelayNode      = (*Delay)(nil)
)

// Source plays a MediaTrack into the graph.
type Source struct{ *node }

// sourceKernel buffers pushed frames until the renderer pulls them. It keeps
// at most limit samples, dropping the oldest when the graph falls behind.
type sourceKernel struct {
	mu    sync.Mutex
	fifo  []float32
	limit int
}

func (s *sourceKernel) push(f core.PCMFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fifo = append(s.fifo, f...)
	if over := len(s.fifo) - s.limit; over > 0 {
		s.fifo = s.fifo[over:]
	}
}

func (s *sourceKernel) process(_, out []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(out, s.fifo)
	clear(out[n:])
	s.fifo = s.fifo[n:]
}

type Gain struct {
	*node
	kern *gainKernel
}

type gainKernel struct{ gain float64 }

func (k *gainKernel) process(in, out []float32) {
	g := float32(k.gain)
	for i, v := range in {
		out[i] = v * g
	}
}

func (n *Gain) Gain() float64 {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	return n.kern.gain
}

func (n *Gain) SetGain(g float64) {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	n.kern.gain = g
}

// Analyser passes audio through and remembers the last fftSize samples.
type Analyser struct {
	*node
	kern *analyserKernel
}

type analyserKernel struct {
	window []float32
}

func (k *analyserKernel) process(in, out []float32) {
	copy(out, in)
	w := k.window
	if len(in) >= len(w) {
		copy(w, in[len(in)-len(w):])
		return
	}
	copy(w, w[len(in):])
	copy(w[len(w)-len(in):], in)
}

func (n *Analyser) FFTSize() int           { return len(n.kern.window) }
func (n *Analyser) FrequencyBinCount() int { return len(n.kern.window) / 2 }

// TimeDomain copies the window oldest first, truncated to len(dst).
func (n *Analyser) TimeDomain(dst []float32) int {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	return copy(dst, n.kern.window)
}

type Compressor struct {
	*node
	kern *compressorKernel
}

func (n *Compressor) Params() core.CompressorParams {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	return n.kern.params
}

func (n *Compressor) SetParams(p core.CompressorParams) {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	n.kern.configure(p)
}

func (n *Compressor) ReductionDB() float64 {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	return n.kern.envDB
}

type Delay struct {
	*node
	kern *delayKernel
}

func (n *Delay) Delay() time.Duration {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	return time.Duration(n.kern.delay) * time.Second / time.Duration(n.kern.sampleRate)
}

// SetDelay clamps d to the maximum the node was created with.
func (n *Delay) SetDelay(d time.Duration) {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	n.kern.setDelay(d)
}

type delayKernel struct {
	buf        []float32
	pos        int
	delay      int
	maxDelay   int
	sampleRate int
}

func newDelayKernel(delay, maxDelay time.Duration, sampleRate, quantum int) *delayKernel {
	maxSamples := durationSamples(maxDelay, sampleRate)
	k := &delayKernel{
		buf:        make([]float32, maxSamples+quantum),
		maxDelay:   maxSamples,
		sampleRate: sampleRate,
	}
	k.setDelay(delay)
	return k
}

func (k *delayKernel) setDelay(d time.Duration) {
	k.delay = max(0, min(durationSamples(d, k.sampleRate), k.maxDelay))
}

func (k *delayKernel) process(in, out []float32) {
	size := len(k.buf)
	for i, v := range in {
		k.buf[k.pos] = v
		out[i] = k.buf[(k.pos-k.delay+size)%size]
		k.pos = (k.pos + 1) % size
	}
}

func durationSamples(d time.Duration, sampleRate int) int {
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}
