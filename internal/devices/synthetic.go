// Package devices provides capture device sources for headless runs: a
// synthetic microphone, camera and display surface, and a source that
// simulates a denied permission prompt.
package devices

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"time"

	"github.com/LastBotInc/coralie-interview-session/internal/logging"
	"github.com/LastBotInc/coralie-interview-session/internal/media"
)

// ErrPermissionDenied is returned by Denied for every acquisition.
var ErrPermissionDenied = errors.New("permission denied")

const audioFrameDuration = 20 * time.Millisecond

// Synthetic generates a tone on the microphone and a moving test pattern on
// the camera and display tracks.
type Synthetic struct {
	ToneHz float64

	mu      sync.Mutex
	active  int
	display *media.LocalVideoTrack
}

// Active returns the number of acquired, not yet released tracks.
func (s *Synthetic) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Acquire starts a microphone and camera.
func (s *Synthetic) Acquire(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	audio := s.startAudio(c.Audio)
	video := s.startVideo("camera", c.Video, cameraPattern)
	logging.Info(logging.CategoryApp, "synthetic devices acquired audio=%dHz video=%dx%d@%d",
		c.Audio.SampleRate, c.Video.Width, c.Video.Height, c.Video.FrameRate)
	return media.NewStream(audio, video), nil
}

// AcquireDisplay starts a display capture track.
func (s *Synthetic) AcquireDisplay(ctx context.Context, c media.VideoConstraints) (media.VideoTrack, error) {
	track := s.startVideo("display", c, displayPattern)
	s.mu.Lock()
	s.display = track
	s.mu.Unlock()
	return track, nil
}

// RevokeDisplay ends the active display capture as if the user pressed the
// platform's stop sharing control.
func (s *Synthetic) RevokeDisplay() {
	s.mu.Lock()
	track := s.display
	s.display = nil
	s.mu.Unlock()
	if track != nil {
		track.Stop()
	}
}

func (s *Synthetic) retain() {
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
}

func (s *Synthetic) release() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}

func (s *Synthetic) startAudio(c media.AudioConstraints) *media.LocalAudioTrack {
	rate := c.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	channels := c.Channels
	if channels <= 0 {
		channels = 1
	}
	hz := s.ToneHz
	if hz <= 0 {
		hz = 440
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	s.retain()
	track := media.NewLocalAudioTrack("synthetic-microphone", func() {
		cancel()
		wg.Wait()
		s.release()
	})

	perFrame := rate * int(audioFrameDuration/time.Millisecond) / 1000
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(audioFrameDuration)
		defer ticker.Stop()
		var n int
		var ts time.Duration
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				samples := make([]int16, perFrame*channels)
				for i := 0; i < perFrame; i++ {
					v := int16(8000 * math.Sin(2*math.Pi*hz*float64(n)/float64(rate)))
					for ch := 0; ch < channels; ch++ {
						samples[i*channels+ch] = v
					}
					n++
				}
				track.WriteFrame(media.AudioFrame{Samples: samples, SampleRate: rate, Channels: channels, Timestamp: ts})
				ts += audioFrameDuration
			}
		}
	}()
	return track
}

func (s *Synthetic) startVideo(label string, c media.VideoConstraints, pattern func(img *image.RGBA, n int)) *media.LocalVideoTrack {
	w, h, fps := c.Width, c.Height, c.FrameRate
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}
	if fps <= 0 {
		fps = 30
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	s.retain()
	track := media.NewLocalVideoTrack("synthetic-"+label, func() {
		cancel()
		wg.Wait()
		s.release()
	})

	interval := time.Second / time.Duration(fps)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var n int
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				img := image.NewRGBA(image.Rect(0, 0, w, h))
				pattern(img, n)
				track.WriteFrame(media.VideoFrame{Image: img, Timestamp: time.Duration(n) * interval})
				n++
			}
		}
	}()
	return track
}

func cameraPattern(img *image.RGBA, n int) {
	b := img.Bounds()
	bar := b.Dx() / 8
	if bar == 0 {
		bar = 1
	}
	colors := []color.RGBA{
		{255, 255, 255, 255}, {255, 255, 0, 255}, {0, 255, 255, 255}, {0, 255, 0, 255},
		{255, 0, 255, 255}, {255, 0, 0, 255}, {0, 0, 255, 255}, {16, 16, 16, 255},
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := ((x + n) / bar) % len(colors)
			img.SetRGBA(x, y, colors[i])
		}
	}
}

func displayPattern(img *image.RGBA, n int) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := uint8((x ^ y) + n)
			img.SetRGBA(x, y, color.RGBA{v, v, 200, 255})
		}
	}
}

// Denied fails every acquisition with ErrPermissionDenied.
type Denied struct{}

func (Denied) Acquire(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	return nil, ErrPermissionDenied
}

func (Denied) AcquireDisplay(ctx context.Context, c media.VideoConstraints) (media.VideoTrack, error) {
	return nil, ErrPermissionDenied
}
