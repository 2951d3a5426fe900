package transcribe

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/LastBotInc/coralie-interview-session/internal/logging"
	"github.com/LastBotInc/coralie-interview-session/internal/media"
)

const (
	// RecognitionSampleRate is the rate of PCM sent to the recognition service.
	RecognitionSampleRate = 16000
	chunkEncoding         = "pcm_s16le"
)

// chunk is one capture window of mono PCM at RecognitionSampleRate.
type chunk struct {
	Samples  []int16
	Captured time.Time
}

func (c chunk) message(language string) Outbound {
	return Outbound{
		Type:       TypeAudioChunk,
		Data:       base64.StdEncoding.EncodeToString(media.EncodePCM16(c.Samples)),
		Encoding:   chunkEncoding,
		SampleRate: RecognitionSampleRate,
		Language:   language,
		Timestamp:  c.Captured.UnixMilli(),
	}
}

// capture slices an audio track into fixed windows. Windows with no data
// are skipped.
type capture struct {
	source media.AudioTrack
	window time.Duration
	emit   func(chunk)

	firstChunkLogged bool
}

func (c *capture) run(ctx context.Context) {
	frames, unsubscribe := c.source.SubscribeAudio(64)
	defer unsubscribe()

	resampler := media.NewResampler(RecognitionSampleRate)
	defer resampler.Close()

	ticker := time.NewTicker(c.window)
	defer ticker.Stop()

	var pending []int16
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				logging.Info(logging.CategoryTranscribe, "capture source ended")
				return
			}
			mono := media.Downmix(frame.Samples, frame.Channels)
			samples, err := resampler.Resample(mono, frame.SampleRate)
			if err != nil {
				logging.Error(logging.CategoryCodec, "failed to resample capture: %v", err)
				continue
			}
			pending = append(pending, samples...)
		case now := <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			c.emit(chunk{Samples: pending, Captured: now})
			if !c.firstChunkLogged {
				c.firstChunkLogged = true
				logging.Info(logging.CategoryTranscribe, "captured first chunk samples=%d", len(pending))
			}
			pending = nil
		}
	}
}
