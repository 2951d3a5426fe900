// Package compositor replaces or blurs the background of the outgoing
// camera video, frame by frame.
package compositor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/LastBotInc/coralie-interview-session/internal/capability"
	"github.com/LastBotInc/coralie-interview-session/internal/logging"
	"github.com/LastBotInc/coralie-interview-session/internal/media"
)

var (
	// ErrUnsupportedPlatform is returned when frames cannot be processed here.
	ErrUnsupportedPlatform = errors.New("background processing not supported")
	// ErrModelLoad is returned when the segmentation model cannot be loaded.
	ErrModelLoad = errors.New("segmentation model failed to load")
	// ErrValidation is returned for invalid backgrounds or uploads.
	ErrValidation = errors.New("validation error")
)

const maxUploadBytes = 10 << 20

// Options configures a Compositor.
type Options struct {
	Width     int
	Height    int
	FrameRate int
	// Segmenter is the shared segmentation capability used for image
	// backgrounds.
	Segmenter *capability.Capability[Segmenter]
	// NewScheduler creates the pacing source for each frame loop.
	NewScheduler func() FrameScheduler
	// Probe reports renderer availability.
	Probe func() error
}

// Compositor owns the background catalog and the frame loop.
type Compositor struct {
	opts Options

	supportOnce sync.Once
	supportErr  error

	// opMu serializes Enable and Disable
	opMu sync.Mutex

	mu      sync.Mutex
	source  media.VideoTrack
	catalog []Background
	current Background
	enabled bool
	err     error
	loop    *frameLoop

	// bufMu guards the output buffer and the loop generation
	bufMu  sync.Mutex
	gen    uint64
	buffer *image.RGBA
	frames uint64
}

type frameLoop struct {
	gen     uint64
	bg      Background
	bgImage image.Image
	out     *media.LocalVideoTrack
	handle  *capability.Handle[Segmenter]
	sched   FrameScheduler
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a compositor with the built-in catalog.
func New(opts Options) *Compositor {
	if opts.FrameRate <= 0 {
		opts.FrameRate = 30
	}
	if opts.NewScheduler == nil {
		fps := opts.FrameRate
		opts.NewScheduler = func() FrameScheduler { return NewTickerScheduler(fps) }
	}
	return &Compositor{
		opts:    opts,
		catalog: DefaultBackgrounds(),
		current: Background{ID: "none", Name: "None", Type: BackgroundNone},
	}
}

// SetSource sets the camera track to process. It applies from the next
// Enable.
func (c *Compositor) SetSource(track media.VideoTrack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.source = track
}

// CheckSupport probes offscreen surface allocation and the renderer once.
func (c *Compositor) CheckSupport() error {
	c.supportOnce.Do(func() {
		c.supportErr = c.probe()
		if c.supportErr != nil {
			logging.Warning(logging.CategoryCompositor, "background processing unavailable: %v", c.supportErr)
		}
	})
	return c.supportErr
}

func (c *Compositor) probe() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: offscreen surface: %v", ErrUnsupportedPlatform, r)
		}
	}()
	if c.opts.Width <= 0 || c.opts.Height <= 0 {
		return fmt.Errorf("%w: invalid surface %dx%d", ErrUnsupportedPlatform, c.opts.Width, c.opts.Height)
	}
	surface := image.NewRGBA(image.Rect(0, 0, c.opts.Width, c.opts.Height))
	_ = blurFrame(image.NewRGBA(image.Rect(0, 0, 8, 8)), 1)
	if len(surface.Pix) == 0 {
		return fmt.Errorf("%w: empty surface", ErrUnsupportedPlatform)
	}
	if c.opts.Probe != nil {
		if err := c.opts.Probe(); err != nil {
			return fmt.Errorf("%w: %w", ErrUnsupportedPlatform, err)
		}
	}
	return nil
}

// IsSupported reports the cached probe result.
func (c *Compositor) IsSupported() bool {
	return c.CheckSupport() == nil
}

// Enable starts rendering bg. Enabling a none background disables
// processing.
func (c *Compositor) Enable(ctx context.Context, bg Background) error {
	if err := c.CheckSupport(); err != nil {
		return err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch bg.Type {
	case BackgroundNone:
		c.stopLoop()
		c.mu.Lock()
		c.enabled = false
		c.current = bg
		c.mu.Unlock()
		return nil
	case BackgroundBlur, BackgroundImage, BackgroundVideo:
	default:
		return fmt.Errorf("%w: unknown background type %q", ErrValidation, bg.Type)
	}

	c.mu.Lock()
	source := c.source
	c.mu.Unlock()
	if source == nil {
		return fmt.Errorf("%w: no video source", ErrValidation)
	}

	l := &frameLoop{bg: bg, done: make(chan struct{})}
	if bg.NeedsSegmentation() {
		img, err := loadSource(bg.Source)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
		l.bgImage = img

		handle, err := c.acquireSegmenter(ctx)
		if err != nil {
			c.stopLoop()
			c.mu.Lock()
			c.err = err
			c.enabled = false
			c.mu.Unlock()
			logging.Error(logging.CategoryCompositor, "failed to load segmentation model: %v", err)
			return err
		}
		l.handle = handle
	}

	c.stopLoop()

	l.out = media.NewLocalVideoTrack("background-processed", nil)
	l.sched = c.opts.NewScheduler()
	loopCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	c.bufMu.Lock()
	c.gen++
	l.gen = c.gen
	c.bufMu.Unlock()

	c.mu.Lock()
	c.loop = l
	c.enabled = true
	c.current = bg
	c.err = nil
	c.mu.Unlock()

	go c.run(loopCtx, l, source)
	logging.Success(logging.CategoryCompositor, "background enabled id=%s type=%s", bg.ID, bg.Type)
	return nil
}

func (c *Compositor) acquireSegmenter(ctx context.Context) (*capability.Handle[Segmenter], error) {
	if c.opts.Segmenter == nil {
		return nil, fmt.Errorf("%w: no segmenter configured", ErrModelLoad)
	}
	handle, err := c.opts.Segmenter.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	return handle, nil
}

// Disable stops processing. No frame is written to the output after it
// returns.
func (c *Compositor) Disable() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.stopLoop()
	c.mu.Lock()
	wasEnabled := c.enabled
	c.enabled = false
	c.current = Background{ID: "none", Name: "None", Type: BackgroundNone}
	c.mu.Unlock()
	if wasEnabled {
		logging.Info(logging.CategoryCompositor, "background disabled")
	}
}

// stopLoop ends the active frame loop, if any, and waits for it.
func (c *Compositor) stopLoop() {
	c.mu.Lock()
	l := c.loop
	c.loop = nil
	c.mu.Unlock()
	if l == nil {
		return
	}

	// Invalidate in-flight results before anything else
	c.bufMu.Lock()
	c.gen++
	c.bufMu.Unlock()

	l.cancel()
	<-l.done
	l.sched.Stop()
	l.out.Stop()
	if l.handle != nil {
		l.handle.Release()
	}
}

func (c *Compositor) run(ctx context.Context, l *frameLoop, source media.VideoTrack) {
	defer close(l.done)

	frames, unsubscribe := source.SubscribeVideo(1)
	defer unsubscribe()

	var (
		seg      Segmenter
		results  chan Mask
		latest   *image.RGBA
		seq      uint64
		inflight bool
		started  = time.Now()
	)
	if l.handle != nil {
		seg = l.handle.Value()
		results = make(chan Mask, 1)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				logging.Info(logging.CategoryCompositor, "source video ended")
				return
			}
			latest = f.Image
		case <-l.sched.C():
			if latest == nil {
				continue
			}
			if seg == nil {
				c.write(l, blurFrame(latest, l.bg.BlurAmount), time.Since(started))
				continue
			}
			if inflight {
				continue
			}
			if err := seg.Submit(seq+1, latest, results); err != nil {
				if !errors.Is(err, ErrSegmenterBusy) {
					logging.Warning(logging.CategoryCompositor, "failed to submit frame: %v", err)
				}
				continue
			}
			seq++
			inflight = true
		case m := <-results:
			if !inflight || m.Seq != seq {
				logging.Debug(logging.CategoryCompositor, "ignoring stale mask seq=%d outstanding=%d", m.Seq, seq)
				continue
			}
			inflight = false
			if m.Err != nil {
				logging.Warning(logging.CategoryCompositor, "segmentation failed seq=%d: %v", m.Seq, m.Err)
				continue
			}
			c.write(l, composite(l.bgImage, m.Frame, m.Alpha), time.Since(started))
		}
	}
}

// write publishes img unless l has been superseded.
func (c *Compositor) write(l *frameLoop, img *image.RGBA, ts time.Duration) bool {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	if l.gen != c.gen {
		return false
	}
	c.buffer = img
	c.frames++
	if c.frames == 1 {
		logging.Info(logging.CategoryCompositor, "rendered first frame size=%dx%d", img.Bounds().Dx(), img.Bounds().Dy())
	}
	l.out.WriteFrame(media.VideoFrame{Image: img, Timestamp: ts})
	return true
}

// UploadCustomBackground validates an image and adds it to the catalog.
func (c *Compositor) UploadCustomBackground(name string, data []byte) (Background, error) {
	if len(data) == 0 {
		return Background{}, fmt.Errorf("%w: empty upload", ErrValidation)
	}
	if len(data) > maxUploadBytes {
		return Background{}, fmt.Errorf("%w: upload exceeds %d bytes", ErrValidation, maxUploadBytes)
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return Background{}, fmt.Errorf("%w: not an image (%s)", ErrValidation, contentType)
	}
	if _, err := imaging.Decode(bytes.NewReader(data)); err != nil {
		return Background{}, fmt.Errorf("%w: undecodable image: %w", ErrValidation, err)
	}

	if strings.TrimSpace(name) == "" {
		name = "Custom background"
	}
	bg := Background{
		ID:     uuid.NewString(),
		Name:   name,
		Type:   BackgroundImage,
		Source: "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data),
	}

	c.mu.Lock()
	c.catalog = append(c.catalog, bg)
	c.mu.Unlock()
	logging.Info(logging.CategoryCompositor, "uploaded background id=%s type=%s size=%d", bg.ID, contentType, len(data))
	return bg, nil
}

// Lookup returns the catalog entry with id.
func (c *Compositor) Lookup(id string) (Background, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, bg := range c.catalog {
		if bg.ID == id {
			return bg, true
		}
	}
	return Background{}, false
}

// ProcessedStream returns the processed track while enabled, otherwise the
// unmodified source.
func (c *Compositor) ProcessedStream() media.VideoTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled && c.loop != nil {
		return c.loop.out
	}
	return c.source
}

// Frame returns the last rendered frame.
func (c *Compositor) Frame() *image.RGBA {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	return c.buffer
}

func (c *Compositor) Available() []Background {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Background(nil), c.catalog...)
}

func (c *Compositor) Current() Background {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Compositor) IsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// IsProcessing reports whether a frame loop is running.
func (c *Compositor) IsProcessing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loop != nil
}

func (c *Compositor) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close disables processing.
func (c *Compositor) Close() {
	c.Disable()
}
