// Package audio is a small pull-based audio graph rendering float32 blocks.
//
// The destination is rendered once per quantum; every node reachable from it
// is processed at most once per quantum, so fan-out works without copies.
package audio

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/rs/zerolog/log"
)

var (
	ErrForeignNode = errors.New("node belongs to another graph")
	ErrCycle       = errors.New("connection would create a cycle")
	ErrClosed      = errors.New("graph closed")
)

// kernel transforms one mixed input block into an output block of equal length.
type kernel interface {
	process(in, out []float32)
}

type node struct {
	g       *Graph
	name    string
	k       kernel
	inputs  []*node
	outputs []*node

	mix        []float32
	out        []float32
	renderedAt uint64
	onDetach   func()
}

func (n *node) base() *node { return n }

type graphNode interface{ base() *node }

func (n *node) render(frame uint64) []float32 {
	if n.renderedAt == frame {
		return n.out
	}
	n.renderedAt = frame
	clear(n.mix)
	for _, in := range n.inputs {
		src := in.render(frame)
		for i := range n.mix {
			n.mix[i] += src[i]
		}
	}
	if n.k == nil {
		copy(n.out, n.mix)
		return n.out
	}
	n.k.process(n.mix, n.out)
	return n.out
}

func (n *node) reaches(target *node) bool {
	if n == target {
		return true
	}
	for _, o := range n.outputs {
		if o.reaches(target) {
			return true
		}
	}
	return false
}

func (n *node) Connect(dst core.AudioNode) error {
	gn, ok := dst.(graphNode)
	if !ok || gn.base().g != n.g {
		return ErrForeignNode
	}
	d := gn.base()

	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	if n.g.closed {
		return ErrClosed
	}
	if slices.Contains(n.outputs, d) {
		return nil
	}
	if d.reaches(n) {
		return ErrCycle
	}
	n.outputs = append(n.outputs, d)
	d.inputs = append(d.inputs, n)
	return nil
}

func (n *node) Disconnect() {
	n.g.mu.Lock()
	for _, o := range n.outputs {
		o.inputs = slices.DeleteFunc(o.inputs, func(in *node) bool { return in == n })
	}
	n.outputs = nil
	detach := n.onDetach
	n.onDetach = nil
	n.g.mu.Unlock()

	if detach != nil {
		detach()
	}
}

// Graph is a rendering context. All topology and parameter changes are
// serialized with rendering.
type Graph struct {
	mu         sync.Mutex
	sampleRate int
	quantum    int
	frame      uint64
	dest       *node
	sink       func(core.PCMFrame)
	closed     bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewGraph creates a graph rendering quantum samples per block.
func NewGraph(sampleRate, quantum int) *Graph {
	g := &Graph{sampleRate: sampleRate, quantum: quantum}
	g.dest = g.newNode("destination", nil)
	return g
}

func (g *Graph) newNode(name string, k kernel) *node {
	return &node{
		g:    g,
		name: name,
		k:    k,
		mix:  make([]float32, g.quantum),
		out:  make([]float32, g.quantum),
	}
}

func (g *Graph) SampleRate() int { return g.sampleRate }
func (g *Graph) Quantum() int    { return g.quantum }

func (g *Graph) Destination() core.AudioNode { return g.dest }

// SetSink receives every rendered destination block. The slice is reused.
func (g *Graph) SetSink(fn func(core.PCMFrame)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sink = fn
}

// RenderQuantum pulls one block through the graph.
func (g *Graph) RenderQuantum() core.PCMFrame {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.frame++
	out := g.dest.render(g.frame)
	sink := g.sink
	g.mu.Unlock()

	if sink != nil {
		sink(out)
	}
	return out
}

// Start renders in real time until ctx ends or Close is called.
func (g *Graph) Start(ctx context.Context) {
	g.mu.Lock()
	if g.cancel != nil || g.closed {
		g.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})
	done := g.done
	g.mu.Unlock()

	period := time.Duration(g.quantum) * time.Second / time.Duration(g.sampleRate)
	log.Info().Str("module", "audio").Int("sample_rate", g.sampleRate).Int("quantum", g.quantum).Dur("period", period).Msg("render loop started")

	go func() {
		defer close(done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info().Str("module", "audio").Msg("render loop stopped")
				return
			case <-ticker.C:
				g.RenderQuantum()
			}
		}
	}()
}

// Close stops rendering. Nodes stay valid but are never rendered again.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	cancel, done := g.cancel, g.done
	g.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (g *Graph) NewSource(track core.MediaTrack) (core.AudioNode, error) {
	if track == nil {
		return nil, fmt.Errorf("audio source: nil track")
	}
	if track.Stopped() {
		return nil, fmt.Errorf("audio source %s: %w", track.ID(), core.ErrTrackStopped)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	src := &sourceKernel{limit: g.sampleRate}
	n := g.newNode("source:"+track.ID(), src)
	n.onDetach = track.Subscribe(src.push)
	return &Source{node: n}, nil
}

func (g *Graph) NewGain(gain float64) core.GainNode {
	k := &gainKernel{gain: gain}
	return &Gain{node: g.newNode("gain", k), kern: k}
}

func (g *Graph) NewAnalyser(fftSize int) core.AnalyserNode {
	k := &analyserKernel{window: make([]float32, fftSize)}
	return &Analyser{node: g.newNode("analyser", k), kern: k}
}

func (g *Graph) NewCompressor(p core.CompressorParams) core.CompressorNode {
	k := newCompressorKernel(p, g.sampleRate)
	return &Compressor{node: g.newNode("compressor", k), kern: k}
}

func (g *Graph) NewDelay(delay, maxDelay time.Duration) core.DelayNode {
	k := newDelayKernel(delay, maxDelay, g.sampleRate, g.quantum)
	return &Delay{node: g.newNode("delay", k), kern: k}
}
