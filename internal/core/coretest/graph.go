package coretest

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/core"
)

// Graph is an AudioGraph that records topology without rendering anything.
type Graph struct {
	mu        sync.Mutex
	Nodes     []*Node
	SourceErr error
	closed    bool
	dest      *Node
}

func NewGraph() *Graph {
	g := &Graph{}
	g.dest = &Node{g: g, Name: "destination"}
	return g
}

// Node is the shared part of every fake node.
type Node struct {
	g     *Graph
	Name  string
	Track core.MediaTrack

	outs         []core.AudioNode
	disconnected bool
}

func (n *Node) Connect(dst core.AudioNode) error {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	if n.g.closed {
		return errors.New("graph closed")
	}
	n.outs = append(n.outs, dst)
	return nil
}

func (n *Node) Disconnect() {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	n.outs = nil
	n.disconnected = true
}

// Disconnected reports whether Disconnect was called.
func (n *Node) Disconnected() bool {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	return n.disconnected
}

func (n *Node) Outputs() int {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	return len(n.outs)
}

type Gain struct {
	*Node
	mu    sync.Mutex
	value float64
}

func (n *Gain) Gain() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.value
}

func (n *Gain) SetGain(g float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.value = g
}

// Analyser returns whatever window the test stores with SetWindow.
type Analyser struct {
	*Node
	mu     sync.Mutex
	size   int
	window []float32
}

func (n *Analyser) FFTSize() int           { return n.size }
func (n *Analyser) FrequencyBinCount() int { return n.size / 2 }

func (n *Analyser) SetWindow(w []float32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.window = append([]float32(nil), w...)
}

func (n *Analyser) TimeDomain(dst []float32) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range dst {
		dst[i] = 0
	}
	return copy(dst, n.window)
}

type Compressor struct {
	*Node
	mu sync.Mutex
	p  core.CompressorParams
}

func (n *Compressor) Params() core.CompressorParams {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.p
}

func (n *Compressor) SetParams(p core.CompressorParams) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.p = p
}

func (n *Compressor) ReductionDB() float64 { return 0 }

type Delay struct {
	*Node
	mu  sync.Mutex
	d   time.Duration
	Max time.Duration
}

func (n *Delay) Delay() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.d
}

func (n *Delay) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.d = d
}

func (g *Graph) add(name string) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := &Node{g: g, Name: name}
	g.Nodes = append(g.Nodes, n)
	return n
}

func (g *Graph) NewSource(track core.MediaTrack) (core.AudioNode, error) {
	if g.SourceErr != nil {
		return nil, g.SourceErr
	}
	n := g.add("source")
	n.Track = track
	return n, nil
}

func (g *Graph) NewGain(gain float64) core.GainNode {
	return &Gain{Node: g.add("gain"), value: gain}
}

func (g *Graph) NewAnalyser(fftSize int) core.AnalyserNode {
	return &Analyser{Node: g.add("analyser"), size: fftSize}
}

func (g *Graph) NewCompressor(p core.CompressorParams) core.CompressorNode {
	return &Compressor{Node: g.add("compressor"), p: p}
}

func (g *Graph) NewDelay(delay, maxDelay time.Duration) core.DelayNode {
	return &Delay{Node: g.add("delay"), d: delay, Max: maxDelay}
}

func (g *Graph) Destination() core.AudioNode { return g.dest }
func (g *Graph) SampleRate() int             { return 48000 }

func (g *Graph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *Graph) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Live counts created nodes that were never disconnected.
func (g *Graph) Live() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := 0
	for _, n := range g.Nodes {
		if !n.disconnected {
			c++
		}
	}
	return c
}
