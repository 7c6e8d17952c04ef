package filters

import (
	"math"
	"time"

	"github.com/dkeye/Stage/internal/config"
)

const (
	floorDB      = -80.0
	meaningfulDB = -50.0
	quietDB      = -60.0
	historySize  = 10
)

type Phase int

const (
	PhaseCalibrating Phase = iota
	PhaseActive
)

func (p Phase) String() string {
	if p == PhaseCalibrating {
		return "calibrating"
	}
	return "active"
}

// Levels is one analyser reading in dBFS.
type Levels struct {
	PeakDB float64
	RMSDB  float64
}

// MeasureLevels returns peak and RMS of w in dB with a floor of -80.
func MeasureLevels(w []float32) Levels {
	if len(w) == 0 {
		return Levels{PeakDB: floorDB, RMSDB: floorDB}
	}
	var peak, sum float64
	for _, s := range w {
		v := math.Abs(float64(s))
		peak = max(peak, v)
		sum += float64(s) * float64(s)
	}
	return Levels{PeakDB: toDB(peak), RMSDB: toDB(math.Sqrt(sum / float64(len(w))))}
}

func toDB(v float64) float64 {
	if v <= 0.0001 {
		return floorDB
	}
	return 20 * math.Log10(v)
}

// NormalizerState is a read-only copy of the normalizer fields.
type NormalizerState struct {
	Phase       string  `json:"phase"`
	PeakLevel   float64 `json:"peakLevel"`
	RMSLevel    float64 `json:"rmsLevel"`
	TargetGain  float64 `json:"targetGain"`
	CurrentGain float64 `json:"currentGain"`
	History     int     `json:"history"`
}

// Normalizer derives the pre-gain of one output chain from periodic level
// readings. It is not safe for concurrent use.
type Normalizer struct {
	cfg     config.NormalizationConfig
	phase   Phase
	start   time.Time
	history []float64

	peakLevel   float64
	rmsLevel    float64
	targetGain  float64
	currentGain float64
}

func NewNormalizer(cfg config.NormalizationConfig, start time.Time) *Normalizer {
	return &Normalizer{
		cfg:         cfg,
		start:       start,
		history:     make([]float64, 0, historySize),
		peakLevel:   math.Inf(-1),
		rmsLevel:    math.Inf(-1),
		targetGain:  1,
		currentGain: 1,
	}
}

func (n *Normalizer) Phase() Phase { return n.phase }

// Tick consumes one reading. gate is false while a voice detector reports
// silence. The returned gain must be written to the pre-gain node when write
// is true.
func (n *Normalizer) Tick(now time.Time, lv Levels, gate bool) (gain float64, write bool) {
	if gate && lv.PeakDB > meaningfulDB {
		n.history = append(n.history, lv.PeakDB)
		if len(n.history) > historySize {
			n.history = n.history[1:]
		}
	}
	recent := n.recentPeak(lv.PeakDB)

	if n.phase == PhaseCalibrating {
		if now.Sub(n.start) < n.cfg.CalibrationPeriod {
			if gate {
				n.peakLevel = max(n.peakLevel, recent)
				n.rmsLevel = max(n.rmsLevel, lv.RMSDB)
			}
			return 0, false
		}
		n.phase = PhaseActive
	}

	if recent <= quietDB {
		return 0, false
	}
	n.targetGain = n.targetFor(recent)
	n.currentGain = n.currentGain*n.cfg.Smoothing + n.targetGain*(1-n.cfg.Smoothing)
	n.peakLevel = recent
	n.rmsLevel = lv.RMSDB
	return n.currentGain, true
}

// recentPeak is the loudest history entry above -60 dB, or the instantaneous
// peak when none qualifies.
func (n *Normalizer) recentPeak(instant float64) float64 {
	best, found := 0.0, false
	for _, p := range n.history {
		if p > quietDB && (!found || p > best) {
			best, found = p, true
		}
	}
	if !found {
		return instant
	}
	return best
}

func (n *Normalizer) targetFor(peakDB float64) float64 {
	g := math.Pow(10, (n.cfg.TargetLoudness-peakDB+n.cfg.Headroom)/20)
	return min(max(g, n.cfg.MinGain), n.cfg.MaxGain)
}

func (n *Normalizer) State() NormalizerState {
	return NormalizerState{
		Phase:       n.phase.String(),
		PeakLevel:   finite(n.peakLevel),
		RMSLevel:    finite(n.rmsLevel),
		TargetGain:  n.targetGain,
		CurrentGain: n.currentGain,
		History:     len(n.history),
	}
}

// finite keeps -Inf out of JSON.
func finite(v float64) float64 {
	if math.IsInf(v, -1) {
		return floorDB
	}
	return v
}
