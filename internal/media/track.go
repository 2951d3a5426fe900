package media

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Track is the common surface of audio and video tracks.
type Track interface {
	ID() string
	Kind() Kind
	Label() string
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop ends the track. It is idempotent.
	Stop()
	// Done is closed when the track ends, whether stopped by its owner or
	// ended by the source (device unplugged, capture revoked).
	Done() <-chan struct{}
}

// AudioTrack is a track carrying PCM frames.
type AudioTrack interface {
	Track
	SubscribeAudio(buffer int) (<-chan AudioFrame, func())
}

// VideoTrack is a track carrying decoded pictures.
type VideoTrack interface {
	Track
	SubscribeVideo(buffer int) (<-chan VideoFrame, func())
}

type baseTrack struct {
	id      string
	kind    Kind
	label   string
	enabled atomic.Bool
	done    chan struct{}
	once    sync.Once
	onStop  func()
}

func newBaseTrack(kind Kind, label string, onStop func()) baseTrack {
	return baseTrack{
		id:     uuid.NewString(),
		kind:   kind,
		label:  label,
		done:   make(chan struct{}),
		onStop: onStop,
	}
}

func (t *baseTrack) ID() string              { return t.id }
func (t *baseTrack) Kind() Kind              { return t.kind }
func (t *baseTrack) Label() string           { return t.label }
func (t *baseTrack) Enabled() bool           { return t.enabled.Load() }
func (t *baseTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *baseTrack) Done() <-chan struct{}   { return t.done }

func (t *baseTrack) stop(closeFeed func()) {
	t.once.Do(func() {
		close(t.done)
		closeFeed()
		if t.onStop != nil {
			t.onStop()
		}
	})
}

// LocalAudioTrack is an AudioTrack written by its owner.
type LocalAudioTrack struct {
	baseTrack
	feed *fanout[AudioFrame]
}

// NewLocalAudioTrack creates an enabled audio track. onStop, if set, runs once
// when the track ends and is where the owner releases the underlying device.
func NewLocalAudioTrack(label string, onStop func()) *LocalAudioTrack {
	t := &LocalAudioTrack{
		baseTrack: newBaseTrack(KindAudio, label, onStop),
		feed:      newFanout[AudioFrame](),
	}
	t.enabled.Store(true)
	return t
}

// WriteFrame delivers a frame to subscribers. Frames written while the track
// is disabled are discarded.
func (t *LocalAudioTrack) WriteFrame(f AudioFrame) {
	if !t.Enabled() {
		return
	}
	t.feed.publish(f)
}

func (t *LocalAudioTrack) SubscribeAudio(buffer int) (<-chan AudioFrame, func()) {
	return t.feed.subscribe(buffer)
}

func (t *LocalAudioTrack) Stop() { t.stop(t.feed.close) }

// LocalVideoTrack is a VideoTrack written by its owner.
type LocalVideoTrack struct {
	baseTrack
	feed *fanout[VideoFrame]
}

// NewLocalVideoTrack creates an enabled video track.
func NewLocalVideoTrack(label string, onStop func()) *LocalVideoTrack {
	t := &LocalVideoTrack{
		baseTrack: newBaseTrack(KindVideo, label, onStop),
		feed:      newFanout[VideoFrame](),
	}
	t.enabled.Store(true)
	return t
}

// WriteFrame delivers a frame to subscribers. Frames written while the track
// is disabled are discarded.
func (t *LocalVideoTrack) WriteFrame(f VideoFrame) {
	if !t.Enabled() {
		return
	}
	t.feed.publish(f)
}

func (t *LocalVideoTrack) SubscribeVideo(buffer int) (<-chan VideoFrame, func()) {
	return t.feed.subscribe(buffer)
}

func (t *LocalVideoTrack) Stop() { t.stop(t.feed.close) }
