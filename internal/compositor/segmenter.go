package compositor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/LastBotInc/coralie-interview-session/internal/capability"
	"github.com/LastBotInc/coralie-interview-session/internal/logging"
)

// Mask is a segmentation result for a submitted frame.
type Mask struct {
	Seq   uint64
	Frame *image.RGBA
	Alpha *image.Alpha
	Err   error
}

// ErrSegmenterBusy is returned by Submit when the job queue is full. The
// caller retries with a later frame.
var ErrSegmenterBusy = errors.New("segmenter busy")

// Segmenter separates the person from the background. It is shared by
// every compositor in the process, so each submission names the channel
// its Mask is delivered to.
type Segmenter interface {
	Submit(seq uint64, frame *image.RGBA, reply chan<- Mask) error
	Close() error
}

// HTTPSegmenter posts PNG frames to a segmentation service and reads back
// a PNG mask.
type HTTPSegmenter struct {
	url    string
	client *http.Client

	jobs chan job
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

type job struct {
	seq   uint64
	frame *image.RGBA
	reply chan<- Mask
}

const segmenterQueue = 8

// NewHTTPSegmenter creates a segmenter for the service at url.
func NewHTTPSegmenter(url string, client *http.Client) *HTTPSegmenter {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	s := &HTTPSegmenter{
		url:    url,
		client: client,
		jobs:   make(chan job, segmenterQueue),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Ping checks that the service is reachable.
func (s *HTTPSegmenter) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url+"/healthz", nil)
	if err != nil {
		return err
	}
	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("segmenter unreachable: %w", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode >= 300 {
		return fmt.Errorf("segmenter health status %d", res.StatusCode)
	}
	return nil
}

// Submit queues a frame. Its Mask is sent on reply, which should have room
// for one value. Queued jobs of other submitters are never displaced.
func (s *HTTPSegmenter) Submit(seq uint64, frame *image.RGBA, reply chan<- Mask) error {
	select {
	case <-s.done:
		return fmt.Errorf("segmenter closed")
	default:
	}
	select {
	case s.jobs <- job{seq: seq, frame: frame, reply: reply}:
		return nil
	default:
		return ErrSegmenterBusy
	}
}

func (s *HTTPSegmenter) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

func (s *HTTPSegmenter) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case j := <-s.jobs:
			alpha, err := s.segment(j.frame)
			select {
			case j.reply <- Mask{Seq: j.seq, Frame: j.frame, Alpha: alpha, Err: err}:
			default:
				logging.Debug(logging.CategoryCompositor, "mask dropped seq=%d, submitter not waiting", j.seq)
			}
		}
	}
}

func (s *HTTPSegmenter) segment(frame *image.RGBA) (*image.Alpha, error) {
	var body bytes.Buffer
	if err := png.Encode(&body, frame); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/segment", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/png")
	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("segment request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, fmt.Errorf("segment status %d", res.StatusCode)
	}
	mask, err := png.Decode(res.Body)
	if err != nil {
		logging.Warning(logging.CategoryCompositor, "failed to decode mask: %v", err)
		return nil, fmt.Errorf("decode mask: %w", err)
	}
	return toAlpha(mask), nil
}

// NewSegmenterCapability returns a shared, lazily loaded HTTP segmenter.
// Loading fails when the service does not answer its health check.
func NewSegmenterCapability(url string) *capability.Capability[Segmenter] {
	return capability.New[Segmenter]("segmenter",
		func(ctx context.Context) (Segmenter, error) {
			s := NewHTTPSegmenter(url, nil)
			if err := s.Ping(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
			logging.Success(logging.CategoryCompositor, "segmenter ready url=%s", url)
			return s, nil
		},
		func(s Segmenter) { _ = s.Close() },
	)
}
