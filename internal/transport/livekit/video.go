package livekit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/LastBotInc/coralie-interview-session/internal/logging"
	"github.com/LastBotInc/coralie-interview-session/internal/media"
)

// VideoEncoder compresses frames for publishing.
type VideoEncoder interface {
	// MimeType is the RTP codec of the encoded output, e.g. webrtc.MimeTypeVP8.
	MimeType() string
	Encode(frame media.VideoFrame) ([]byte, error)
}

// videoPublisher publishes whichever local video track is current. Replacing
// the source unpublishes the previous track.
type videoPublisher struct {
	s   *session
	enc VideoEncoder

	mu      sync.Mutex
	source  media.VideoTrack
	track   *lksdk.LocalSampleTrack
	pub     *lksdk.LocalTrackPublication
	muted   bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	warned  bool
	stopped bool
}

func newVideoPublisher(s *session, enc VideoEncoder) *videoPublisher {
	return &videoPublisher{s: s, enc: enc}
}

// Publish replaces the outgoing video source.
func (v *videoPublisher) Publish(source media.VideoTrack) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.stopped || v.source == source {
		return nil
	}
	v.source = source
	if v.enc == nil {
		if !v.warned {
			v.warned = true
			logging.Warning(logging.CategoryLiveKit, "no video encoder configured, video is not published room=%s", v.s.roomID)
		}
		return nil
	}

	v.unpublishLocked()
	if source == nil {
		return nil
	}

	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  v.enc.MimeType(),
		ClockRate: 90000,
	})
	if err != nil {
		return fmt.Errorf("create sample track: %w", err)
	}

	trackSource := livekit.TrackSource_CAMERA
	name := "camera"
	if strings.Contains(source.Label(), "display") {
		trackSource = livekit.TrackSource_SCREEN_SHARE
		name = "screen"
	}
	pub, err := v.s.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   name,
		Source: trackSource,
	})
	if err != nil {
		return fmt.Errorf("publish video track: %w", err)
	}
	pub.SetMuted(v.muted)

	ctx, cancel := context.WithCancel(v.s.ctx)
	v.track = track
	v.pub = pub
	v.cancel = cancel
	v.wg.Add(1)
	go v.pump(ctx, source, track)

	logging.Info(logging.CategoryLiveKit, "published video track=%s source=%s", source.ID(), trackSource.String())
	return nil
}

// SetMuted mutes the current video publication.
func (v *videoPublisher) SetMuted(muted bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.muted = muted
	if v.pub != nil {
		v.pub.SetMuted(muted)
	}
}

// Stop unpublishes video.
func (v *videoPublisher) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.unpublishLocked()
	v.mu.Unlock()
}

func (v *videoPublisher) unpublishLocked() {
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
	v.wg.Wait()
	if v.pub != nil {
		if err := v.s.room.LocalParticipant.UnpublishTrack(v.pub.SID()); err != nil {
			logging.Warning(logging.CategoryLiveKit, "failed to unpublish video: %v", err)
		}
		v.pub = nil
	}
	v.track = nil
}

func (v *videoPublisher) pump(ctx context.Context, source media.VideoTrack, track *lksdk.LocalSampleTrack) {
	defer v.wg.Done()

	frames, unsubscribe := source.SubscribeVideo(2)
	defer unsubscribe()

	var last time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			data, err := v.enc.Encode(frame)
			if err != nil {
				logging.Warning(logging.CategoryCodec, "failed to encode frame: %v", err)
				continue
			}
			duration := frame.Timestamp - last
			if duration <= 0 {
				duration = 33 * time.Millisecond
			}
			last = frame.Timestamp
			if err := track.WriteSample(pionmedia.Sample{Data: data, Duration: duration}, nil); err != nil {
				logging.Warning(logging.CategoryLiveKit, "failed to write video sample: %v", err)
			}
		}
	}
}
