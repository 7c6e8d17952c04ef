package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of one stage client. All methods
// are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	// Connection metrics
	ConnectionState *prometheus.GaugeVec
	Participants    prometheus.Gauge
	RosterUpdates   prometheus.Counter
	SignalMessages  *prometheus.CounterVec
	SignalErrors    prometheus.Counter
	Renegotiations  prometheus.Counter

	// Media metrics
	RemoteTracks    prometheus.Gauge
	DecodedFrames   prometheus.Counter
	DecodeErrors    prometheus.Counter
	DeviceSwitches  *prometheus.CounterVec
	EnhancedDevices prometheus.Counter

	// Filter metrics
	OutputChains     prometheus.Gauge
	ChainSetupErrors prometheus.Counter
	NormalizerGain   prometheus.Histogram
	Monitoring       prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stage_connection_state",
			Help: "1 for the current stage connection state, 0 otherwise",
		}, []string{"state"}),
		Participants: f.NewGauge(prometheus.GaugeOpts{
			Name: "stage_participants",
			Help: "Current number of participants in the roster, local included",
		}),
		RosterUpdates: f.NewCounter(prometheus.CounterOpts{
			Name: "stage_roster_updates_total",
			Help: "Total number of published roster snapshots",
		}),
		SignalMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_signal_messages_total",
			Help: "Signalling messages received from the stage server",
		}, []string{"type"}),
		SignalErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "stage_signal_errors_total",
			Help: "Signalling messages that could not be parsed or handled",
		}),
		Renegotiations: f.NewCounter(prometheus.CounterOpts{
			Name: "stage_renegotiations_total",
			Help: "Offers sent to the stage server",
		}),

		RemoteTracks: f.NewGauge(prometheus.GaugeOpts{
			Name: "stage_remote_tracks",
			Help: "Current number of remote media tracks",
		}),
		DecodedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "stage_decoded_frames_total",
			Help: "Opus frames decoded from remote audio tracks",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "stage_decode_errors_total",
			Help: "Opus frames that failed to decode",
		}),
		DeviceSwitches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_device_switches_total",
			Help: "Local capture device switches",
		}, []string{"kind"}),
		EnhancedDevices: f.NewCounter(prometheus.CounterOpts{
			Name: "stage_voice_focus_devices_total",
			Help: "Noise suppressed devices created",
		}),

		OutputChains: f.NewGauge(prometheus.GaugeOpts{
			Name: "stage_output_chains",
			Help: "Current number of output normalization chains",
		}),
		ChainSetupErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "stage_output_chain_errors_total",
			Help: "Output normalization chains that failed to build",
		}),
		NormalizerGain: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stage_normalizer_gain",
			Help:    "Pre-gain values written by the output normalizer",
			Buckets: prometheus.LinearBuckets(0.5, 0.5, 12), // 0.5 to 6.0
		}),
		Monitoring: f.NewGauge(prometheus.GaugeOpts{
			Name: "stage_monitoring_active",
			Help: "1 while the local loopback monitor is running",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_http_requests_total",
			Help: "Total number of control API requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stage_http_request_duration_seconds",
			Help:    "Duration of control API requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

var connectionStates = []string{"disconnected", "connecting", "connected", "errored"}

// SetConnectionState flags state as the current one.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

// RecordRoster records a published roster with n participants.
func (m *Metrics) RecordRoster(n int) {
	if m == nil {
		return
	}
	m.RosterUpdates.Inc()
	m.Participants.Set(float64(n))
}

func (m *Metrics) RecordSignal(typ string) {
	if m == nil {
		return
	}
	m.SignalMessages.WithLabelValues(typ).Inc()
}

func (m *Metrics) RecordSignalError() {
	if m == nil {
		return
	}
	m.SignalErrors.Inc()
}

func (m *Metrics) RecordRenegotiation() {
	if m == nil {
		return
	}
	m.Renegotiations.Inc()
}

func (m *Metrics) SetRemoteTracks(n int) {
	if m == nil {
		return
	}
	m.RemoteTracks.Set(float64(n))
}

// RecordDecode counts one decoded frame, or one failure when ok is false.
func (m *Metrics) RecordDecode(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.DecodedFrames.Inc()
		return
	}
	m.DecodeErrors.Inc()
}

// RecordDeviceSwitch counts a switch of kind, enhanced when voice focus was applied.
func (m *Metrics) RecordDeviceSwitch(kind string, enhanced bool) {
	if m == nil {
		return
	}
	m.DeviceSwitches.WithLabelValues(kind).Inc()
	if enhanced {
		m.EnhancedDevices.Inc()
	}
}

func (m *Metrics) SetOutputChains(n int) {
	if m == nil {
		return
	}
	m.OutputChains.Set(float64(n))
}

func (m *Metrics) RecordChainSetupError() {
	if m == nil {
		return
	}
	m.ChainSetupErrors.Inc()
}

func (m *Metrics) ObserveGain(g float64) {
	if m == nil {
		return
	}
	m.NormalizerGain.Observe(g)
}

func (m *Metrics) SetMonitoring(on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.Monitoring.Set(v)
}

// RecordHTTPRequest records a served control API request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
