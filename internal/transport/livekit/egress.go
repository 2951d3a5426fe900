package livekit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"

	"github.com/LastBotInc/coralie-interview-session/internal/logging"
	"github.com/LastBotInc/coralie-interview-session/internal/media"
)

const (
	publishSampleRate = 48000
	// 960 samples = 20ms @ 48kHz
	publishFrameSamples = 960
)

// audioPublisher forwards the local microphone to LiveKit as 48kHz mono PCM.
type audioPublisher struct {
	source media.AudioTrack
	track  *lkmedia.PCMLocalTrack
	pub    *lksdk.LocalTrackPublication
	mu     sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	resampler *media.Resampler

	firstWriteLogged bool
}

func newAudioPublisher(room *lksdk.Room, source media.AudioTrack) (*audioPublisher, error) {
	track, err := lkmedia.NewPCMLocalTrack(publishSampleRate, 1, nil)
	if err != nil {
		return nil, fmt.Errorf("create PCM track: %w", err)
	}

	pub, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "microphone",
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		track.Close()
		return nil, fmt.Errorf("publish track: %w", err)
	}
	pub.SetMuted(false)

	ctx, cancel := context.WithCancel(context.Background())
	return &audioPublisher{
		source:    source,
		track:     track,
		pub:       pub,
		ctx:       ctx,
		cancel:    cancel,
		resampler: media.NewResampler(publishSampleRate),
	}, nil
}

// Start starts forwarding frames.
func (p *audioPublisher) Start() {
	p.wg.Add(1)
	go p.process()
	logging.Info(logging.CategoryLiveKit, "started microphone publishing")
}

// SetMuted mutes the published track.
func (p *audioPublisher) SetMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pub != nil {
		p.pub.SetMuted(muted)
	}
}

// Stop stops forwarding and closes the published track.
func (p *audioPublisher) Stop() {
	p.cancel()

	p.mu.Lock()
	if p.track != nil {
		p.track.Close()
		p.track = nil
	}
	p.pub = nil
	p.mu.Unlock()

	p.wg.Wait()

	p.resampler.Close()
	logging.Info(logging.CategoryLiveKit, "stopped microphone publishing")
}

func (p *audioPublisher) process() {
	defer p.wg.Done()

	frames, unsubscribe := p.source.SubscribeAudio(16)
	defer unsubscribe()

	hold := make([]int16, 0, publishFrameSamples*2)
	for {
		select {
		case <-p.ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				logging.Info(logging.CategoryLiveKit, "microphone track ended")
				return
			}

			mono := media.Downmix(frame.Samples, frame.Channels)
			samples, err := p.resampler.Resample(mono, frame.SampleRate)
			if err != nil {
				logging.Error(logging.CategoryCodec, "failed to resample: %v", err)
				continue
			}

			hold = append(hold, samples...)
			for len(hold) >= publishFrameSamples {
				chunk := make([]int16, publishFrameSamples)
				copy(chunk, hold[:publishFrameSamples])
				hold = hold[publishFrameSamples:]

				p.mu.Lock()
				if p.track == nil {
					p.mu.Unlock()
					return
				}
				err := p.track.WriteSample(chunk)
				p.mu.Unlock()
				if err != nil {
					if strings.Contains(strings.ToLower(err.Error()), "closed") {
						logging.Info(logging.CategoryLiveKit, "microphone track closed, stopping: %v", err)
						return
					}
					logging.Error(logging.CategoryLiveKit, "failed to write sample: %v", err)
					continue
				}
				if !p.firstWriteLogged {
					p.firstWriteLogged = true
					logging.Info(logging.CategoryLiveKit, "wrote first microphone sample size=%d", len(chunk))
				}
			}
		}
	}
}
