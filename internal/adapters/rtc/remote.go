package rtc

import (
	"context"
	"encoding/binary"
	"errors"
	"io"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/metrics"
	"github.com/pion/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// decodeRate is the output rate of the opus decoder.
const decodeRate = 48000

// maxFrameSamples covers a 120 ms packet at 48 kHz.
const maxFrameSamples = decodeRate * 120 / 1000

// opusFrameMillis10 is the frame duration in tenths of a millisecond per TOC config.
var opusFrameMillis10 = [32]int{
	100, 200, 400, 600, // SILK NB
	100, 200, 400, 600, // SILK MB
	100, 200, 400, 600, // SILK WB
	100, 200, // Hybrid SWB
	100, 200, // Hybrid FB
	25, 50, 100, 200, // CELT NB
	25, 50, 100, 200, // CELT WB
	25, 50, 100, 200, // CELT SWB
	25, 50, 100, 200, // CELT FB
}

// packetSamples reads the TOC byte and returns the number of 48 kHz samples
// the packet decodes to.
func packetSamples(pkt []byte) int {
	if len(pkt) == 0 {
		return 0
	}
	toc := pkt[0]
	frameSamples := opusFrameMillis10[toc>>3] * decodeRate / 10000
	frames := 1
	switch toc & 0x3 {
	case 1, 2:
		frames = 2
	case 3:
		if len(pkt) < 2 {
			return 0
		}
		frames = int(pkt[1] & 0x3f)
	}
	n := frameSamples * frames
	if n > maxFrameSamples {
		n = maxFrameSamples
	}
	return n
}

// pcm16ToFloat converts little-endian s16 samples to mono float32, averaging
// interleaved channels when stereo.
func pcm16ToFloat(buf []byte, samples int, stereo bool) core.PCMFrame {
	channels := 1
	if stereo {
		channels = 2
	}
	if limit := len(buf) / (2 * channels); samples > limit {
		samples = limit
	}
	out := make(core.PCMFrame, samples)
	for i := range samples {
		var sum float32
		for ch := range channels {
			off := (i*channels + ch) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(buf[off:]))) / 32768
		}
		out[i] = sum / float32(channels)
	}
	return out
}

type opusDecoder interface {
	Decode(in, out []byte) (opus.Bandwidth, bool, error)
}

// decodeLoop reads RTP from a remote audio track, decodes it and feeds write.
func decodeLoop(ctx context.Context, tr *webrtc.TrackRemote, dec opusDecoder, write func(core.PCMFrame), m *metrics.Metrics) {
	logger := log.With().Str("module", "rtc").Str("track_id", tr.ID()).Logger()
	buf := make([]byte, maxFrameSamples*2*2)
	var (
		pkt *rtp.Packet
		err error
	)
	loggedBandwidth := false
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, _, err = tr.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Msg("remote audio read ended")
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		bw, stereo, err := dec.Decode(pkt.Payload, buf)
		m.RecordDecode(err == nil)
		if err != nil {
			logger.Debug().Err(err).Msg("opus decode failed")
			continue
		}
		if !loggedBandwidth {
			logger.Info().Str("bandwidth", bw.String()).Bool("stereo", stereo).Msg("remote audio decoding")
			loggedBandwidth = true
		}
		write(pcm16ToFloat(buf, packetSamples(pkt.Payload), stereo))
	}
}

// drainLoop discards RTP so the receiver's buffers never fill up.
func drainLoop(ctx context.Context, tr *webrtc.TrackRemote) {
	for ctx.Err() == nil {
		if _, _, err := tr.ReadRTP(); err != nil {
			return
		}
	}
}

func kindOf(k webrtc.RTPCodecType) domain.MediaKind {
	if k == webrtc.RTPCodecTypeVideo {
		return domain.KindVideo
	}
	return domain.KindAudio
}
