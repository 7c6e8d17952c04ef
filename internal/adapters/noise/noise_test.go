package noise

import (
	"context"
	"testing"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/core/coretest"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func block(n int, v float32) core.PCMFrame {
	f := make(core.PCMFrame, n)
	for i := range f {
		f[i] = v
	}
	return f
}

func TestSuppressorAttenuatesNoiseFloor(t *testing.T) {
	s := NewSuppressor(1)
	for range learnBlocks {
		s.Process(block(480, 0.01))
	}
	var out core.PCMFrame
	for range 20 {
		out = s.Process(block(480, 0.01))
	}
	assert.Less(t, float64(out[0]), 0.005, "steady noise should be pushed down")

	for range 20 {
		out = s.Process(block(480, 0.5))
	}
	assert.Greater(t, float64(out[0]), 0.4, "speech well above the floor passes")
}

func TestSuppressorZeroLevelIsTransparent(t *testing.T) {
	s := NewSuppressor(0)
	var out core.PCMFrame
	for range 30 {
		out = s.Process(block(10, 0.2))
	}
	assert.InDelta(t, 0.2, out[0], 1e-6)
}

func TestProviderSupport(t *testing.T) {
	ok, err := NewProvider(coretest.NewDevices(), 48000).Supported(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = NewProvider(coretest.NewDevices(), 44100).Supported(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransformerRejectsUnknownVariant(t *testing.T) {
	p := NewProvider(coretest.NewDevices(), 48000)
	_, err := p.NewTransformer(context.Background(), core.VoiceFocusSpec{Name: "default", Variant: "c7"}, false)
	assert.ErrorIs(t, err, core.ErrUnsupported)
}

func TestEnhancedDeviceProcessesRawCapture(t *testing.T) {
	devs := coretest.NewDevices(domain.Device{DeviceID: "mic-1", Kind: domain.DeviceAudioInput})
	p := NewProvider(devs, 48000)
	tr, err := p.NewTransformer(context.Background(), core.VoiceFocusSpec{Name: "default", Variant: "c20"}, false)
	require.NoError(t, err)

	dev, err := tr.CreateEnhancedDevice(context.Background(), "mic-1")
	require.NoError(t, err)
	assert.Equal(t, "mic-1", dev.DeviceID())

	audio, _, captured := devs.Snapshot()
	require.Len(t, audio, 1)
	assert.False(t, audio[0].NoiseSuppression)
	require.Len(t, captured, 1)
	raw := captured[0]

	got := 0
	dev.Track().Subscribe(func(core.PCMFrame) { got++ })
	raw.Emit(block(480, 0.3))
	assert.Equal(t, 1, got)

	tr.Destroy()
	assert.True(t, dev.Track().Stopped())
	assert.True(t, raw.Stopped())
	assert.Equal(t, 0, raw.Subscribers())
}
