package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LastBotInc/coralie-interview-session/internal/callapi"
	"github.com/LastBotInc/coralie-interview-session/internal/logging"
	"github.com/LastBotInc/coralie-interview-session/internal/media"
	"github.com/LastBotInc/coralie-interview-session/internal/models"
)

var (
	// ErrChannel reports a recognition channel failure.
	ErrChannel = errors.New("transcription channel error")
	// ErrValidation reports an invalid argument.
	ErrValidation = errors.New("validation error")
	// ErrDisabled is returned by Start when the call has transcription off.
	ErrDisabled = errors.New("transcription disabled for this call")
)

const (
	defaultChunkDuration = time.Second
	persistTimeout       = 10 * time.Second
)

// Store is the transcript collaborator.
type Store interface {
	GetTranscript(ctx context.Context, callID string) ([]models.Segment, error)
	SaveSegment(ctx context.Context, callID string, seg models.Segment) error
	TranscriptDownloadURL(ctx context.Context, callID string, format models.ExportFormat) (string, error)
}

// SegmentSink receives a copy of every persisted segment.
type SegmentSink interface {
	SaveSegment(ctx context.Context, callID string, seg models.Segment) error
}

// SegmentSource is implemented by sinks that can replay what they stored.
type SegmentSource interface {
	LoadSegments(ctx context.Context, callID string) ([]models.Segment, error)
}

// EventType identifies a pipeline event.
type EventType string

const (
	EventSegment EventType = "segment"
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
	EventError   EventType = "error"
)

// Event is emitted on state changes and new segments.
type Event struct {
	Type    EventType
	Segment *models.Segment
	Err     error
}

// Options configures a Pipeline.
type Options struct {
	CallID   string
	Enabled  bool
	Language string
	Dialer   Dialer
	Store    Store
	// Archive optionally mirrors persisted segments.
	Archive SegmentSink
	// ChunkDuration is the capture window, one second by default.
	ChunkDuration time.Duration
	// RequireConsent holds persistence until SetConsent is called.
	RequireConsent bool
	// SpeakerNames maps speaker IDs to display names.
	SpeakerNames map[string]string
}

type consentState int

const (
	consentPending consentState = iota
	consentGiven
	consentRefused
)

// run is one active capture and channel.
type run struct {
	ch     Channel
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Pipeline streams audio to the recognition service and accumulates the
// transcript for one call.
type Pipeline struct {
	opts Options

	mu           sync.Mutex
	language     string
	segments     []models.Segment
	query        string
	highlighted  []string
	transcribing bool
	err          error
	active       *run
	loaded       bool
	consent      consentState
	unsaved      []models.Segment

	events  chan Event
	persist sync.WaitGroup
}

// NewPipeline creates a pipeline.
func NewPipeline(opts Options) *Pipeline {
	if opts.ChunkDuration <= 0 {
		opts.ChunkDuration = defaultChunkDuration
	}
	p := &Pipeline{
		opts:     opts,
		language: opts.Language,
		events:   make(chan Event, 64),
		consent:  consentGiven,
	}
	if opts.RequireConsent {
		p.consent = consentPending
	}
	return p
}

// Start begins capturing audio and streaming it. Starting while already
// transcribing is a no-op.
func (p *Pipeline) Start(ctx context.Context, audio media.AudioTrack) error {
	if !p.opts.Enabled {
		return ErrDisabled
	}
	if audio == nil {
		return fmt.Errorf("%w: no audio track", ErrValidation)
	}

	p.mu.Lock()
	if p.active != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	ch, err := p.opts.Dialer.Dial(ctx, p.opts.CallID)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrChannel, err)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		p.emit(Event{Type: EventError, Err: err})
		return err
	}

	p.mu.Lock()
	if p.active != nil {
		p.mu.Unlock()
		_ = ch.Close()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{ch: ch, cancel: cancel}
	p.active = r
	p.transcribing = true
	p.err = nil
	p.mu.Unlock()

	c := &capture{
		source: audio,
		window: p.opts.ChunkDuration,
		emit:   func(c chunk) { p.sendChunk(r, c) },
	}
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		c.run(runCtx)
	}()
	go func() {
		defer r.wg.Done()
		p.receive(r)
	}()

	logging.Success(logging.CategoryTranscribe, "transcription started call=%s language=%s", p.opts.CallID, p.Language())
	p.emit(Event{Type: EventStarted})
	return nil
}

// Stop ends capture and closes the channel. Safe to call repeatedly.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	r := p.active
	p.active = nil
	p.transcribing = false
	p.mu.Unlock()

	if r == nil {
		return
	}
	r.cancel()
	_ = r.ch.Close()
	r.wg.Wait()
	logging.Info(logging.CategoryTranscribe, "transcription stopped call=%s", p.opts.CallID)
	p.emit(Event{Type: EventStopped})
}

// Close stops the pipeline and waits for pending segment writes.
func (p *Pipeline) Close() {
	p.Stop()
	p.persist.Wait()
}

// SetLanguage changes the recognition language. An active channel is
// notified immediately; later chunks carry the new tag.
func (p *Pipeline) SetLanguage(lang string) error {
	if lang == "" {
		return fmt.Errorf("%w: empty language", ErrValidation)
	}
	p.mu.Lock()
	p.language = lang
	r := p.active
	p.mu.Unlock()

	if r != nil {
		if err := r.ch.Send(Outbound{Type: TypeLanguageChange, Language: lang}); err != nil {
			logging.Warning(logging.CategoryTranscribe, "failed to send language change: %v", err)
		}
	}
	return nil
}

// Language returns the current recognition language.
func (p *Pipeline) Language() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.language
}

// Search records query and returns the IDs of matching segments.
func (p *Pipeline) Search(query string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.query = query
	p.highlighted = Search(p.segments, query)
	return append([]string(nil), p.highlighted...)
}

// Highlighted returns the matches for the last query.
func (p *Pipeline) Highlighted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.highlighted...)
}

// Export requests a download location for the transcript.
func (p *Pipeline) Export(ctx context.Context, format models.ExportFormat) (string, error) {
	if !format.Valid() {
		return "", fmt.Errorf("%w: unsupported export format %q", ErrValidation, format)
	}
	u, err := p.opts.Store.TranscriptDownloadURL(ctx, p.opts.CallID, format)
	if err != nil {
		return "", fmt.Errorf("export transcript: %w", err)
	}
	return u, nil
}

// LoadExisting fetches previously persisted segments once. When the store
// has no transcript, a replayable archive is consulted. A missing
// transcript is not an error.
func (p *Pipeline) LoadExisting(ctx context.Context) error {
	p.mu.Lock()
	if p.loaded {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	existing, err := p.opts.Store.GetTranscript(ctx, p.opts.CallID)
	if err != nil {
		if !errors.Is(err, callapi.ErrNotFound) {
			logging.Warning(logging.CategoryTranscribe, "failed to load transcript: %v", err)
			return fmt.Errorf("load transcript: %w", err)
		}
		logging.Debug(logging.CategoryTranscribe, "no existing transcript call=%s", p.opts.CallID)
		existing = p.loadArchived(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return nil
	}
	p.loaded = true
	p.segments = append(existing, p.segments...)
	p.highlighted = Search(p.segments, p.query)
	logging.Info(logging.CategoryTranscribe, "loaded %d existing segments", len(existing))
	return nil
}

func (p *Pipeline) loadArchived(ctx context.Context) []models.Segment {
	src, ok := p.opts.Archive.(SegmentSource)
	if !ok {
		return nil
	}
	segments, err := src.LoadSegments(ctx, p.opts.CallID)
	if err != nil {
		logging.Warning(logging.CategoryTranscribe, "failed to load archived transcript: %v", err)
		return nil
	}
	if len(segments) > 0 {
		logging.Info(logging.CategoryTranscribe, "restored %d segments from archive call=%s", len(segments), p.opts.CallID)
	}
	return segments
}

// SetConsent releases or discards segments held for consent. Segments
// are never persisted once consent is refused.
func (p *Pipeline) SetConsent(consented bool) {
	p.mu.Lock()
	held := p.unsaved
	p.unsaved = nil
	if consented {
		p.consent = consentGiven
	} else {
		p.consent = consentRefused
	}
	p.mu.Unlock()

	if !consented {
		if len(held) > 0 {
			logging.Info(logging.CategoryTranscribe, "consent refused, discarding %d unsaved segments", len(held))
		}
		return
	}
	for _, seg := range held {
		p.save(seg)
	}
}

// Segments returns a copy of the transcript in arrival order.
func (p *Pipeline) Segments() []models.Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Segment(nil), p.segments...)
}

// IsTranscribing reports whether a channel is active.
func (p *Pipeline) IsTranscribing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transcribing
}

// Err returns the last channel error.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Events yields pipeline events. Slow readers miss events.
func (p *Pipeline) Events() <-chan Event {
	return p.events
}

func (p *Pipeline) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
	}
}

func (p *Pipeline) sendChunk(r *run, c chunk) {
	if err := r.ch.Send(c.message(p.Language())); err != nil {
		logging.Debug(logging.CategoryTranscribe, "chunk not sent: %v", err)
	}
}

func (p *Pipeline) receive(r *run) {
	for msg := range r.ch.Receive() {
		switch msg.Type {
		case TypeSegment:
			p.addSegment(r, *msg.Segment)
		case TypeError:
			p.fail(r, fmt.Errorf("%w: %s", ErrChannel, msg.Message))
			return
		default:
			logging.Debug(logging.CategoryTranscribe, "ignoring message type=%s", msg.Type)
		}
	}
	if err := r.ch.Err(); err != nil {
		p.fail(r, fmt.Errorf("%w: %w", ErrChannel, err))
	}
}

func (p *Pipeline) addSegment(r *run, payload SegmentPayload) {
	if payload.StartTime > payload.EndTime {
		logging.Warning(logging.CategoryTranscribe, "dropping segment with start %.2f after end %.2f", payload.StartTime, payload.EndTime)
		return
	}

	seg := models.Segment{
		ID:          payload.ID,
		CallID:      p.opts.CallID,
		SpeakerID:   payload.SpeakerID,
		SpeakerName: payload.SpeakerName,
		Text:        payload.Text,
		StartTime:   payload.StartTime,
		EndTime:     payload.EndTime,
		Confidence:  payload.Confidence,
		CreatedAt:   time.Now().UTC(),
	}
	if seg.ID == "" {
		seg.ID = uuid.NewString()
	}
	if seg.SpeakerName == "" {
		seg.SpeakerName = p.opts.SpeakerNames[seg.SpeakerID]
	}

	p.mu.Lock()
	if p.active != r {
		p.mu.Unlock()
		return
	}
	p.segments = append(p.segments, seg)
	if p.query != "" {
		p.highlighted = Search(p.segments, p.query)
	}
	consent := p.consent
	if consent == consentPending {
		p.unsaved = append(p.unsaved, seg)
	}
	p.mu.Unlock()

	p.emit(Event{Type: EventSegment, Segment: &seg})
	if consent == consentGiven {
		p.save(seg)
	}
}

// fail ends the run r after a channel failure.
func (p *Pipeline) fail(r *run, err error) {
	p.mu.Lock()
	if p.active != r {
		p.mu.Unlock()
		return
	}
	p.active = nil
	p.transcribing = false
	p.err = err
	p.mu.Unlock()

	logging.Error(logging.CategoryTranscribe, "transcription failed: %v", err)
	r.cancel()
	// Close waits only on the channel's own loops
	go func() { _ = r.ch.Close() }()
	p.emit(Event{Type: EventError, Err: err})
}

func (p *Pipeline) save(seg models.Segment) {
	p.persist.Add(1)
	go func() {
		defer p.persist.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := p.opts.Store.SaveSegment(ctx, p.opts.CallID, seg); err != nil {
			logging.Warning(logging.CategoryTranscribe, "failed to persist segment id=%s: %v", seg.ID, err)
		}
		if p.opts.Archive != nil {
			if err := p.opts.Archive.SaveSegment(ctx, p.opts.CallID, seg); err != nil {
				logging.Warning(logging.CategoryStore, "failed to archive segment id=%s: %v", seg.ID, err)
			}
		}
	}()
}
