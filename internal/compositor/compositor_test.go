package compositor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LastBotInc/coralie-interview-session/internal/capability"
	"github.com/LastBotInc/coralie-interview-session/internal/media"
)

type manualScheduler struct {
	ch chan time.Time
}

func (s *manualScheduler) C() <-chan time.Time { return s.ch }
func (s *manualScheduler) Stop()               {}

func (s *manualScheduler) tick() {
	select {
	case s.ch <- time.Now():
	case <-time.After(time.Second):
	}
}

type submission struct {
	seq   uint64
	frame *image.RGBA
	reply chan<- Mask
}

// answer delivers a full-coverage mask for the submitted frame.
func (s submission) answer() {
	alpha := image.NewAlpha(s.frame.Bounds())
	draw.Draw(alpha, alpha.Bounds(), image.Opaque, image.Point{}, draw.Src)
	s.reply <- Mask{Seq: s.seq, Frame: s.frame, Alpha: alpha}
}

type mockSegmenter struct {
	submitted chan submission
}

func newMockSegmenter() *mockSegmenter {
	return &mockSegmenter{submitted: make(chan submission, 8)}
}

func (m *mockSegmenter) Submit(seq uint64, frame *image.RGBA, reply chan<- Mask) error {
	m.submitted <- submission{seq: seq, frame: frame, reply: reply}
	return nil
}

func (m *mockSegmenter) Close() error { return nil }

func (m *mockSegmenter) next(t *testing.T) submission {
	t.Helper()
	select {
	case sub := <-m.submitted:
		return sub
	case <-time.After(3 * time.Second):
		t.Fatal("frame was not submitted")
	}
	return submission{}
}

type fixture struct {
	comp   *Compositor
	source *media.LocalVideoTrack
	sched  *manualScheduler
	seg    *mockSegmenter
	loads  *atomic.Int32
}

func newFixture(t *testing.T, loadErr error) *fixture {
	t.Helper()
	seg := newMockSegmenter()
	loads := &atomic.Int32{}
	segCap := capability.New[Segmenter]("segmenter", func(ctx context.Context) (Segmenter, error) {
		loads.Add(1)
		if loadErr != nil {
			return nil, loadErr
		}
		return seg, nil
	}, nil)
	return newSharedFixture(t, segCap, seg, loads)
}

// newSharedFixture builds a compositor on an existing segmenter capability.
func newSharedFixture(t *testing.T, segCap *capability.Capability[Segmenter], seg *mockSegmenter, loads *atomic.Int32) *fixture {
	t.Helper()
	f := &fixture{
		source: media.NewLocalVideoTrack("camera", nil),
		sched:  &manualScheduler{ch: make(chan time.Time)},
		seg:    seg,
		loads:  loads,
	}
	f.comp = New(Options{
		Width:        64,
		Height:       48,
		FrameRate:    30,
		Segmenter:    segCap,
		NewScheduler: func() FrameScheduler { return f.sched },
	})
	f.comp.SetSource(f.source)
	t.Cleanup(f.comp.Close)
	return f
}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

// pushFrame writes frames until the loop has one, then ticks once.
func (f *fixture) pushFrame(t *testing.T) {
	t.Helper()
	f.pushColor(t, color.RGBA{R: 200, A: 255})
}

func (f *fixture) pushColor(t *testing.T, c color.Color) {
	t.Helper()
	frame := solid(64, 48, c)
	// The loop subscribes asynchronously, so repeat the write with each tick
	for i := 0; i < 5; i++ {
		f.source.WriteFrame(media.VideoFrame{Image: frame})
		time.Sleep(10 * time.Millisecond)
	}
	f.sched.tick()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBlurNeverLoadsSegmenter(t *testing.T) {
	f := newFixture(t, nil)
	blur, _ := f.comp.Lookup("blur-light")

	if err := f.comp.Enable(context.Background(), blur); err != nil {
		t.Fatalf("enable blur: %v", err)
	}
	if f.comp.ProcessedStream() == media.VideoTrack(f.source) {
		t.Fatal("expected processed track while enabled")
	}

	f.pushFrame(t)
	waitFor(t, "blurred frame", func() bool { return f.comp.Frame() != nil })

	if n := f.loads.Load(); n != 0 {
		t.Fatalf("blur loaded the segmenter %d times", n)
	}
	select {
	case <-f.seg.submitted:
		t.Fatal("blur submitted a frame to the segmenter")
	default:
	}

	f.comp.Disable()
	if f.comp.IsEnabled() || f.comp.IsProcessing() {
		t.Fatal("expected disabled")
	}
	if f.comp.ProcessedStream() != media.VideoTrack(f.source) {
		t.Fatal("expected source stream after disable")
	}
}

func TestDelayedMaskAfterDisableIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	studio, _ := f.comp.Lookup("studio")

	if err := f.comp.Enable(context.Background(), studio); err != nil {
		t.Fatalf("enable image: %v", err)
	}

	f.pushFrame(t)
	f.seg.next(t).answer()
	waitFor(t, "composited frame", func() bool { return f.comp.Frame() != nil })
	before := f.comp.Frame()

	f.sched.tick()
	late := f.seg.next(t)

	f.comp.Disable()
	late.reply <- Mask{Seq: late.seq, Frame: solid(64, 48, color.RGBA{G: 200, A: 255}), Alpha: image.NewAlpha(image.Rect(0, 0, 64, 48))}
	time.Sleep(50 * time.Millisecond)

	if f.comp.Frame() != before {
		t.Fatal("output buffer written after disable")
	}
}

func TestModelLoadFailureLeavesBlurWorking(t *testing.T) {
	f := newFixture(t, errors.New("model missing"))
	studio, _ := f.comp.Lookup("studio")

	err := f.comp.Enable(context.Background(), studio)
	if !errors.Is(err, ErrModelLoad) {
		t.Fatalf("expected ErrModelLoad, got %v", err)
	}
	if !errors.Is(f.comp.Err(), ErrModelLoad) {
		t.Fatalf("expected Err to hold ErrModelLoad, got %v", f.comp.Err())
	}
	if f.comp.IsEnabled() {
		t.Fatal("expected disabled after model load failure")
	}

	blur, _ := f.comp.Lookup("blur-strong")
	if err := f.comp.Enable(context.Background(), blur); err != nil {
		t.Fatalf("enable blur after model failure: %v", err)
	}
	f.pushFrame(t)
	waitFor(t, "blurred frame", func() bool { return f.comp.Frame() != nil })
	if f.comp.Current().ID != "blur-strong" {
		t.Fatalf("unexpected current background %s", f.comp.Current().ID)
	}
}

func TestUnsupportedPlatform(t *testing.T) {
	comp := New(Options{Width: 64, Height: 48, Probe: func() error { return errors.New("no renderer") }})
	comp.SetSource(media.NewLocalVideoTrack("camera", nil))
	blur, _ := comp.Lookup("blur-light")

	for i := 0; i < 2; i++ {
		if err := comp.Enable(context.Background(), blur); !errors.Is(err, ErrUnsupportedPlatform) {
			t.Fatalf("attempt %d: expected ErrUnsupportedPlatform, got %v", i, err)
		}
	}
	if comp.IsSupported() || comp.IsEnabled() {
		t.Fatal("expected unsupported and disabled")
	}
}

func TestUploadCustomBackground(t *testing.T) {
	comp := New(Options{Width: 64, Height: 48})
	before := len(comp.Available())

	if _, err := comp.UploadCustomBackground("notes", []byte("just some text")); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(comp.Available()) != before {
		t.Fatal("catalog changed after rejected upload")
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, solid(4, 4, color.RGBA{B: 255, A: 255})); err != nil {
		t.Fatalf("encode: %v", err)
	}
	bg, err := comp.UploadCustomBackground("Beach", buf.Bytes())
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if bg.ID == "" || bg.Type != BackgroundImage || len(comp.Available()) != before+1 {
		t.Fatalf("unexpected upload result: %+v", bg)
	}
	img, err := loadSource(bg.Source)
	if err != nil {
		t.Fatalf("load uploaded source: %v", err)
	}
	if img.Bounds().Dx() != 4 {
		t.Fatalf("unexpected decoded size %v", img.Bounds())
	}
}

func TestComposite(t *testing.T) {
	frame := solid(4, 2, color.RGBA{R: 255, A: 255})
	bg := solid(8, 4, color.RGBA{B: 255, A: 255})
	mask := image.NewAlpha(image.Rect(0, 0, 4, 2))
	for y := 0; y < 2; y++ {
		mask.SetAlpha(0, y, color.Alpha{A: 255})
		mask.SetAlpha(1, y, color.Alpha{A: 255})
	}

	out := composite(bg, frame, mask)
	if got := out.RGBAAt(0, 0); got.R != 255 || got.B != 0 {
		t.Fatalf("expected person pixel, got %v", got)
	}
	if got := out.RGBAAt(3, 1); got.B != 255 || got.R != 0 {
		t.Fatalf("expected background pixel, got %v", got)
	}
}

func TestHTTPSegmenter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusOK)
		case "/segment":
			frame, err := png.Decode(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			_, _ = io.Copy(io.Discard, r.Body)
			mask := image.NewGray(frame.Bounds())
			mask.SetGray(0, 0, color.Gray{Y: 255})
			w.Header().Set("Content-Type", "image/png")
			_ = png.Encode(w, mask)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	segCap := NewSegmenterCapability(srv.URL)
	h, err := segCap.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Release()

	seg := h.Value()
	first, second := make(chan Mask, 1), make(chan Mask, 1)
	if err := seg.Submit(7, solid(4, 4, color.RGBA{R: 1, A: 255}), first); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := seg.Submit(1, solid(4, 4, color.RGBA{G: 1, A: 255}), second); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for want, reply := range map[uint64]chan Mask{7: first, 1: second} {
		select {
		case m := <-reply:
			if m.Err != nil {
				t.Fatalf("segment: %v", m.Err)
			}
			if m.Seq != want || m.Alpha.AlphaAt(0, 0).A != 255 || m.Alpha.AlphaAt(1, 1).A != 0 {
				t.Fatalf("unexpected mask seq=%d, want %d", m.Seq, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("no segmentation result for seq=%d", want)
		}
	}
}

func TestSegmenterCapabilityLoadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	segCap := NewSegmenterCapability(srv.URL)
	if _, err := segCap.Acquire(context.Background()); err == nil {
		t.Fatal("expected load failure")
	}
	if segCap.State() != capability.StateFailed {
		t.Fatalf("expected failed state, got %s", segCap.State())
	}
}

func TestSharedSegmenterKeepsSessionsApart(t *testing.T) {
	seg := newMockSegmenter()
	loads := &atomic.Int32{}
	segCap := capability.New[Segmenter]("segmenter", func(ctx context.Context) (Segmenter, error) {
		loads.Add(1)
		return seg, nil
	}, nil)
	call := newSharedFixture(t, segCap, seg, loads)
	preview := newSharedFixture(t, segCap, seg, loads)

	for _, f := range []*fixture{call, preview} {
		studio, _ := f.comp.Lookup("studio")
		if err := f.comp.Enable(context.Background(), studio); err != nil {
			t.Fatalf("enable: %v", err)
		}
	}
	if n := loads.Load(); n != 1 {
		t.Fatalf("expected one shared segmenter load, got %d", n)
	}

	call.pushColor(t, color.RGBA{R: 200, A: 255})
	call.seg.next(t).answer()
	waitFor(t, "call composited frame", func() bool { return call.comp.Frame() != nil })

	time.Sleep(50 * time.Millisecond)
	if preview.comp.Frame() != nil {
		t.Fatal("preview rendered a frame it never submitted")
	}

	// The call keeps segmenting after the first mask
	call.sched.tick()
	call.seg.next(t).answer()

	preview.pushColor(t, color.RGBA{B: 200, A: 255})
	sub := preview.seg.next(t)
	if px := sub.frame.RGBAAt(0, 0); px.B != 200 || px.R != 0 {
		t.Fatalf("preview submitted the wrong camera frame: %+v", px)
	}
	sub.answer()
	waitFor(t, "preview composited frame", func() bool { return preview.comp.Frame() != nil })
	if px := preview.comp.Frame().RGBAAt(0, 0); px.B != 200 || px.R != 0 {
		t.Fatalf("preview output carries another session's frame: %+v", px)
	}
}

func TestStaleMaskIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	studio, _ := f.comp.Lookup("studio")
	if err := f.comp.Enable(context.Background(), studio); err != nil {
		t.Fatalf("enable: %v", err)
	}

	f.pushFrame(t)
	sub := f.seg.next(t)
	sub.reply <- Mask{Seq: sub.seq + 5, Frame: sub.frame, Alpha: image.NewAlpha(sub.frame.Bounds())}
	time.Sleep(50 * time.Millisecond)
	if f.comp.Frame() != nil {
		t.Fatal("mask for another submission was rendered")
	}

	sub.answer()
	waitFor(t, "composited frame", func() bool { return f.comp.Frame() != nil })
}
