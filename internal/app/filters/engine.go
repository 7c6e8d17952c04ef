// Package filters runs the audio processing chains of a stage session: per
// participant output normalization and the local loopback monitor.
package filters

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/config"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrChainSetup   = errors.New("audio chain setup failed")
	ErrEngineClosed = errors.New("audio filter engine closed")
)

const analyserFFTSize = 2048

// DefaultCompressor is the output chain compressor.
var DefaultCompressor = core.CompressorParams{
	ThresholdDB: -24,
	KneeDB:      30,
	Ratio:       12,
	Attack:      3 * time.Millisecond,
	Release:     250 * time.Millisecond,
}

type EngineConfig struct {
	Normalization config.NormalizationConfig
	Monitoring    config.MonitoringConfig
	// VAD disables voice gating when false.
	VAD bool
}

// OutputSettings overrides parts of one output chain. Nil fields are kept.
type OutputSettings struct {
	ThresholdDB *float64       `json:"threshold,omitempty"`
	KneeDB      *float64       `json:"knee,omitempty"`
	Ratio       *float64       `json:"ratio,omitempty"`
	Attack      *time.Duration `json:"attack,omitempty"`
	Release     *time.Duration `json:"release,omitempty"`
	PreGain     *float64       `json:"preGain,omitempty"`
	MakeupGain  *float64       `json:"makeupGain,omitempty"`
}

// ChainInfo describes one output chain for debugging.
type ChainInfo struct {
	ParticipantID core.ParticipantID    `json:"participantId"`
	TrackID       string                `json:"trackId"`
	PreGain       float64               `json:"preGain"`
	MakeupGain    float64               `json:"makeupGain"`
	Compressor    core.CompressorParams `json:"compressor"`
	ReductionDB   float64               `json:"reductionDb"`
	VAD           bool                  `json:"vad"`
	Running       bool                  `json:"running"`
	Normalization NormalizerState       `json:"normalization"`
}

type outputChain struct {
	id      core.ParticipantID
	trackID string
	clone   core.MediaTrack

	source   core.AudioNode
	analyser core.AnalyserNode
	pre      core.GainNode
	comp     core.CompressorNode
	makeup   core.GainNode
	vad      core.VoiceActivityDetector

	cancel context.CancelFunc
	done   chan struct{}

	// mu guards norm and buf.
	mu   sync.Mutex
	norm *Normalizer
	buf  []float32
}

func (c *outputChain) nodes() []core.AudioNode {
	return []core.AudioNode{c.source, c.analyser, c.pre, c.comp, c.makeup}
}

// tick reads the analyser and applies one normalizer step.
func (c *outputChain) tick(now time.Time, m *metrics.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.analyser.TimeDomain(c.buf)
	lv := MeasureLevels(c.buf[:n])
	gate := c.vad == nil || c.vad.Speaking()
	if g, ok := c.norm.Tick(now, lv, gate); ok {
		c.pre.SetGain(g)
		m.ObserveGain(g)
	}
}

type monitorChain struct {
	source core.AudioNode
	gain   core.GainNode
	delay  core.DelayNode
}

// Engine owns every chain built on one audio graph.
type Engine struct {
	graph   core.AudioGraph
	vads    core.VADFactory
	cfg     EngineConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	chains  map[core.ParticipantID]*outputChain
	monitor *monitorChain
	closed  bool
}

// NewEngine builds an engine on graph. vads may be nil, chains then run
// without voice gating.
func NewEngine(graph core.AudioGraph, vads core.VADFactory, cfg EngineConfig, m *metrics.Metrics) *Engine {
	return &Engine{
		graph:   graph,
		vads:    vads,
		cfg:     cfg,
		metrics: m,
		logger:  log.With().Str("module", "filters.engine").Logger(),
		now:     time.Now,
		chains:  make(map[core.ParticipantID]*outputChain),
	}
}

// CreateOutputChain normalizes the audio of track for participant id. A live
// chain on the same track is kept, a chain on another track is replaced.
func (e *Engine) CreateOutputChain(ctx context.Context, id core.ParticipantID, track core.MediaTrack) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if old, ok := e.chains[id]; ok {
		if old.trackID == track.ID() {
			e.logger.Debug().Str("participant", string(id)).Msg("reusing output chain")
			return nil
		}
		e.removeLocked(old)
	}

	c, err := e.buildOutput(ctx, id, track)
	if err != nil {
		e.metrics.RecordChainSetupError()
		return err
	}
	e.chains[id] = c
	e.metrics.SetOutputChains(len(e.chains))

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go e.run(runCtx, c)

	e.logger.Info().
		Str("participant", string(id)).
		Str("track", c.trackID).
		Bool("vad", c.vad != nil).
		Msg("output chain created")
	return nil
}

// buildOutput wires clone -> source -> analyser -> pre-gain -> compressor ->
// makeup -> destination.
func (e *Engine) buildOutput(ctx context.Context, id core.ParticipantID, track core.MediaTrack) (*outputChain, error) {
	clone := track.Clone()
	source, err := e.graph.NewSource(clone)
	if err != nil {
		clone.Stop()
		return nil, fmt.Errorf("%w: source for %s: %v", ErrChainSetup, id, err)
	}
	n := e.cfg.Normalization
	c := &outputChain{
		id:       id,
		trackID:  track.ID(),
		clone:    clone,
		source:   source,
		analyser: e.graph.NewAnalyser(analyserFFTSize),
		pre:      e.graph.NewGain(1),
		comp:     e.graph.NewCompressor(DefaultCompressor),
		makeup:   e.graph.NewGain(n.MakeupGain),
		norm:     NewNormalizer(n, e.now()),
		done:     make(chan struct{}),
	}
	c.buf = make([]float32, c.analyser.FrequencyBinCount())

	chain := append(c.nodes(), e.graph.Destination())
	for i := 0; i < len(chain)-1; i++ {
		if err := chain[i].Connect(chain[i+1]); err != nil {
			disconnect(c.nodes())
			clone.Stop()
			return nil, fmt.Errorf("%w: connect %s: %v", ErrChainSetup, id, err)
		}
	}

	if e.cfg.VAD && e.vads != nil {
		vad, err := e.vads.NewDetector(ctx, clone)
		if err != nil {
			e.logger.Warn().Err(err).Str("participant", string(id)).Msg("voice detection unavailable, normalizing without gating")
		} else {
			c.vad = vad
		}
	}
	return c, nil
}

func (e *Engine) run(ctx context.Context, c *outputChain) {
	defer close(c.done)
	t := time.NewTicker(e.cfg.Normalization.UpdateInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			prev := c.norm.Phase()
			c.tick(now, e.metrics)
			if prev == PhaseCalibrating && c.norm.Phase() == PhaseActive {
				st := c.norm.State()
				e.logger.Info().
					Str("participant", string(c.id)).
					Float64("peak_db", st.PeakLevel).
					Float64("rms_db", st.RMSLevel).
					Msg("calibration complete")
			}
		}
	}
}

// RemoveOutputChain tears down the chain of id. It returns once the ticker
// has stopped and is a no-op for unknown ids.
func (e *Engine) RemoveOutputChain(id core.ParticipantID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.chains[id]; ok {
		e.removeLocked(c)
	}
}

func (e *Engine) removeLocked(c *outputChain) {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	if c.vad != nil {
		c.vad.Close()
	}
	disconnect(c.nodes())
	c.clone.Stop()
	delete(e.chains, c.id)
	e.metrics.SetOutputChains(len(e.chains))
	e.logger.Info().Str("participant", string(c.id)).Msg("output chain removed")
}

func disconnect(nodes []core.AudioNode) {
	for _, n := range nodes {
		if n != nil {
			n.Disconnect()
		}
	}
}

// HasOutputChain reports whether id has a live chain.
func (e *Engine) HasOutputChain(id core.ParticipantID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.chains[id]
	return ok
}

// OutputChains lists the participants with a live chain, sorted.
func (e *Engine) OutputChains() []core.ParticipantID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]core.ParticipantID, 0, len(e.chains))
	for id := range e.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// UpdateOutputSettings applies s to the chain of id. Unknown ids are ignored.
// A pre-gain override lasts until the next normalizer write.
func (e *Engine) UpdateOutputSettings(id core.ParticipantID, s OutputSettings) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.chains[id]
	if !ok {
		return false
	}
	p := c.comp.Params()
	setIf(&p.ThresholdDB, s.ThresholdDB)
	setIf(&p.KneeDB, s.KneeDB)
	setIf(&p.Ratio, s.Ratio)
	setIf(&p.Attack, s.Attack)
	setIf(&p.Release, s.Release)
	c.comp.SetParams(p)
	if s.PreGain != nil {
		c.pre.SetGain(*s.PreGain)
	}
	if s.MakeupGain != nil {
		c.makeup.SetGain(*s.MakeupGain)
	}
	return true
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// CreateMonitoringChain plays track back locally through gain and delay.
// An existing monitor is replaced.
func (e *Engine) CreateMonitoringChain(track core.MediaTrack) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	e.removeMonitorLocked()

	source, err := e.graph.NewSource(track)
	if err != nil {
		return fmt.Errorf("%w: monitor source: %v", ErrChainSetup, err)
	}
	m := e.cfg.Monitoring
	mc := &monitorChain{
		source: source,
		gain:   e.graph.NewGain(m.Gain),
		delay:  e.graph.NewDelay(m.Delay, m.MaxDelay),
	}
	steps := []core.AudioNode{mc.source, mc.gain, mc.delay, e.graph.Destination()}
	for i := 0; i < len(steps)-1; i++ {
		if err := steps[i].Connect(steps[i+1]); err != nil {
			disconnect(steps[:3])
			return fmt.Errorf("%w: monitor connect: %v", ErrChainSetup, err)
		}
	}
	e.monitor = mc
	e.metrics.SetMonitoring(true)
	e.logger.Info().Str("track", track.ID()).Msg("monitoring started")
	return nil
}

func (e *Engine) RemoveMonitoringChain() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeMonitorLocked()
}

func (e *Engine) removeMonitorLocked() {
	if e.monitor == nil {
		return
	}
	disconnect([]core.AudioNode{e.monitor.source, e.monitor.gain, e.monitor.delay})
	e.monitor = nil
	e.metrics.SetMonitoring(false)
	e.logger.Info().Msg("monitoring stopped")
}

// SetMonitoringGain sets the monitor level clamped to [0, 1].
func (e *Engine) SetMonitoringGain(g float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.monitor != nil {
		e.monitor.gain.SetGain(min(max(g, 0), 1))
	}
}

func (e *Engine) Monitoring() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.monitor != nil
}

func (e *Engine) DebugInfo() []ChainInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ChainInfo, 0, len(e.chains))
	for _, c := range e.chains {
		c.mu.Lock()
		st := c.norm.State()
		c.mu.Unlock()
		running := true
		select {
		case <-c.done:
			running = false
		default:
		}
		out = append(out, ChainInfo{
			ParticipantID: c.id,
			TrackID:       c.trackID,
			PreGain:       c.pre.Gain(),
			MakeupGain:    c.makeup.Gain(),
			Compressor:    c.comp.Params(),
			ReductionDB:   c.comp.ReductionDB(),
			VAD:           c.vad != nil,
			Running:       running,
			Normalization: st,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// Dispose removes every chain and closes the graph. The engine rejects new
// chains afterwards.
func (e *Engine) Dispose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, c := range e.chains {
		e.removeLocked(c)
	}
	e.removeMonitorLocked()
	e.closed = true
	if err := e.graph.Close(); err != nil {
		e.logger.Error().Err(err).Msg("close audio graph")
	}
	e.logger.Info().Msg("audio filter engine disposed")
}
