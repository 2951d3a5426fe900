// Package media holds the in-process track model shared by the transport,
// transcription and compositor components. Tracks are written by one owner
// and fanned out to any number of read-only subscribers.
package media

import (
	"image"
	"time"
)

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// AudioFrame is a block of interleaved signed 16-bit PCM.
type AudioFrame struct {
	Samples    []int16
	SampleRate int
	Channels   int
	Timestamp  time.Duration
}

// Duration returns the playback duration of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	perChannel := len(f.Samples) / f.Channels
	return time.Duration(perChannel) * time.Second / time.Duration(f.SampleRate)
}

// Silent reports whether every sample in the frame is zero.
func (f AudioFrame) Silent() bool {
	for _, s := range f.Samples {
		if s != 0 {
			return false
		}
	}
	return true
}

// VideoFrame is a single decoded picture.
type VideoFrame struct {
	Image     *image.RGBA
	Timestamp time.Duration
}
