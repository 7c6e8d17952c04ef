package vad

import (
	"testing"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/core/coretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Threshold:  0.05,
		Smoothing:  0,
		SampleRate: 1000,
		Window:     10 * time.Millisecond,
		MinSpeech:  30 * time.Millisecond,
		MinSilence: 50 * time.Millisecond,
	}
}

func windows(n int, v float32) core.PCMFrame {
	f := make(core.PCMFrame, n*10)
	for i := range f {
		f[i] = v
	}
	return f
}

func TestNewDetectorValidates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero threshold", func(c *Config) { c.Threshold = 0 }},
		{"smoothing one", func(c *Config) { c.Smoothing = 1 }},
		{"no sample rate", func(c *Config) { c.SampleRate = 0 }},
		{"window under a sample", func(c *Config) { c.Window = time.Microsecond }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConfig()
			tt.mutate(&c)
			_, err := NewDetector(c)
			assert.Error(t, err)
		})
	}
}

func TestSpeechNeedsMinimumDuration(t *testing.T) {
	d, err := NewDetector(testConfig())
	require.NoError(t, err)

	d.Process(windows(2, 0.5))
	assert.False(t, d.Speaking(), "two voiced windows are under min speech")

	d.Process(windows(1, 0.5))
	assert.True(t, d.Speaking())

	d.Process(windows(4, 0))
	assert.True(t, d.Speaking(), "silence shorter than min silence keeps speaking")

	d.Process(windows(1, 0))
	assert.False(t, d.Speaking())

	st := d.Stats()
	assert.Equal(t, uint64(8), st.TotalWindows)
	assert.Equal(t, uint64(3), st.VoiceWindows)
}

func TestShortBurstIsIgnored(t *testing.T) {
	d, err := NewDetector(testConfig())
	require.NoError(t, err)

	d.Process(windows(2, 0.5))
	d.Process(windows(1, 0))
	d.Process(windows(2, 0.5))
	assert.False(t, d.Speaking())
}

func TestFactoryFollowsTrack(t *testing.T) {
	track := coretest.NewAudioTrack("mic")
	det, err := Factory{Config: testConfig()}.NewDetector(t.Context(), track)
	require.NoError(t, err)
	assert.Equal(t, 1, track.Subscribers())

	track.Emit(windows(3, 0.5))
	assert.True(t, det.Speaking())

	det.Close()
	det.Close()
	assert.Equal(t, 0, track.Subscribers())
}
