// Package session drives the lifecycle of one interview call: loading the
// call record, joining the media session, the consent gate, transcription
// and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LastBotInc/coralie-interview-session/internal/callapi"
	"github.com/LastBotInc/coralie-interview-session/internal/compositor"
	"github.com/LastBotInc/coralie-interview-session/internal/logging"
	"github.com/LastBotInc/coralie-interview-session/internal/media"
	"github.com/LastBotInc/coralie-interview-session/internal/models"
	"github.com/LastBotInc/coralie-interview-session/internal/transcribe"
	"github.com/LastBotInc/coralie-interview-session/internal/transport"
)

var (
	ErrNotFound     = callapi.ErrNotFound
	ErrUnauthorized = callapi.ErrUnauthorized
	// ErrInvalidState is returned when an operation does not apply to the
	// current state.
	ErrInvalidState = errors.New("invalid session state")
	// ErrCallEnded is returned when joining a completed or cancelled call.
	ErrCallEnded = errors.New("call already ended")
	// ErrConsentRecorded is returned when consent was already given or refused.
	ErrConsentRecorded = errors.New("consent already recorded")
)

// State is the controller lifecycle state.
type State string

const (
	StateIdle            State = "idle"
	StateLoading         State = "loading"
	StateJoined          State = "joined"
	StateAwaitingConsent State = "awaiting_consent"
	StateActive          State = "active"
	StateEnded           State = "ended"
	StateError           State = "error"
)

// EventType identifies a controller event.
type EventType string

const (
	EventStateChanged    EventType = "state_changed"
	EventConsentRequired EventType = "consent_required"
)

// Event is emitted on state changes and when consent must be asked.
type Event struct {
	Type  EventType
	State State
}

// CallAPI is the call record collaborator.
type CallAPI interface {
	GetCall(ctx context.Context, callID string) (*models.CallSession, error)
	JoinCall(ctx context.Context, callID string) (*models.CallSession, error)
	EndCall(ctx context.Context, callID string) error
	RecordConsent(ctx context.Context, callID string, consented bool) (*models.ConsentRecord, error)
}

// Options configures a Controller.
type Options struct {
	UserID string
	API    CallAPI
	// NewTransport creates the transport for the call's room.
	NewTransport func(roomID string) *transport.Manager
	// NewTranscriber creates the pipeline for calls with transcription on.
	// Nil disables transcription.
	NewTranscriber func(call *models.CallSession) *transcribe.Pipeline
	// Compositor is optional.
	Compositor *compositor.Compositor
}

// Controller owns the call record and consent for the current user and
// wires the transport, transcription and compositor together.
type Controller struct {
	opts Options

	mu              sync.Mutex
	state           State
	err             error
	call            *models.CallSession
	consent         *models.ConsentRecord
	consentPrompted bool
	transport       *transport.Manager
	pipeline        *transcribe.Pipeline
	joinCancel      context.CancelFunc
	ended           bool

	events chan Event
}

// NewController creates an idle controller.
func NewController(opts Options) *Controller {
	return &Controller{
		opts:   opts,
		state:  StateIdle,
		events: make(chan Event, 16),
	}
}

// Load fetches the call record and checks that the user participates.
func (c *Controller) Load(ctx context.Context, callID string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: load in state %s", ErrInvalidState, st)
	}
	c.state = StateLoading
	c.mu.Unlock()
	c.emit(Event{Type: EventStateChanged, State: StateLoading})

	call, err := c.opts.API.GetCall(ctx, callID)
	if err != nil {
		return c.fail(fmt.Errorf("load call %s: %w", callID, err))
	}
	if !call.HasParticipant(c.opts.UserID) {
		return c.fail(fmt.Errorf("%w: user %s is not a participant of call %s", ErrUnauthorized, c.opts.UserID, callID))
	}

	c.mu.Lock()
	c.call = call
	if rec, ok := call.ConsentFor(c.opts.UserID); ok {
		c.consent = &rec
	}
	c.state = StateJoined
	c.mu.Unlock()

	logging.Info(logging.CategorySession, "loaded call id=%s room=%s status=%s transcription=%v", call.ID, call.RoomID, call.Status, call.TranscriptionEnabled)
	c.emit(Event{Type: EventStateChanged, State: StateJoined})
	return nil
}

// Join marks the user active on the call and connects the transport.
// Transcription starts afterwards when the call has it enabled. End aborts
// a Join in flight; such a Join returns ErrCallEnded and leaves nothing
// running.
func (c *Controller) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateJoined || c.transport != nil || c.joinCancel != nil {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: join in state %s", ErrInvalidState, st)
	}
	call := c.call
	ctx, cancel := context.WithCancel(ctx)
	c.joinCancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.joinCancel = nil
		c.mu.Unlock()
	}()

	if call.Status.Terminal() {
		return fmt.Errorf("%w: status %s", ErrCallEnded, call.Status)
	}

	updated, err := c.opts.API.JoinCall(ctx, call.ID)
	if err != nil {
		if c.isEnded() {
			return fmt.Errorf("%w: ended while joining", ErrCallEnded)
		}
		return c.fail(fmt.Errorf("join call: %w", err))
	}
	if updated.Consents == nil {
		updated.Consents = call.Consents
	}

	tm := c.opts.NewTransport(updated.RoomID)
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return fmt.Errorf("%w: ended while joining", ErrCallEnded)
	}
	c.call = updated
	c.transport = tm
	c.mu.Unlock()

	err = tm.Connect(ctx)

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		tm.Disconnect()
		logging.Info(logging.CategorySession, "join abandoned, session ended call=%s", updated.ID)
		return fmt.Errorf("%w: ended while joining", ErrCallEnded)
	}
	if err != nil {
		c.mu.Unlock()
		return c.fail(fmt.Errorf("connect: %w", err))
	}
	if c.consent == nil {
		if rec, ok := updated.ConsentFor(c.opts.UserID); ok {
			c.consent = &rec
		}
	}
	prompt := updated.Status == models.CallInProgress && c.consent == nil && !c.consentPrompted
	if prompt {
		c.consentPrompted = true
		c.state = StateAwaitingConsent
	} else {
		c.state = StateActive
	}
	state := c.state
	local := tm.LocalStream()
	c.mu.Unlock()

	logging.Success(logging.CategorySession, "joined call id=%s room=%s", updated.ID, updated.RoomID)
	if c.opts.Compositor != nil && local != nil {
		c.opts.Compositor.SetSource(local.Video())
	}

	c.emit(Event{Type: EventStateChanged, State: state})
	if prompt {
		logging.Info(logging.CategorySession, "consent required user=%s", c.opts.UserID)
		c.emit(Event{Type: EventConsentRequired, State: state})
	}

	if updated.TranscriptionEnabled && c.opts.NewTranscriber != nil && local != nil {
		c.startTranscription(ctx, updated, local)
	}
	return nil
}

func (c *Controller) startTranscription(ctx context.Context, call *models.CallSession, local *media.Stream) {
	p := c.opts.NewTranscriber(call)

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.pipeline = p
	if c.consent != nil {
		p.SetConsent(c.consent.Consented)
	}
	c.mu.Unlock()

	if err := p.LoadExisting(ctx); err != nil {
		logging.Warning(logging.CategorySession, "failed to load existing transcript: %v", err)
	}
	if err := p.Start(ctx, local.Audio()); err != nil {
		logging.Warning(logging.CategorySession, "transcription did not start: %v", err)
	}
	// End may have closed the pipeline before Start ran
	if c.isEnded() {
		p.Close()
	}
}

func (c *Controller) isEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// StartTranscription restarts transcription after a channel failure.
func (c *Controller) StartTranscription(ctx context.Context) error {
	c.mu.Lock()
	p := c.pipeline
	tm := c.transport
	active := c.state == StateActive || c.state == StateAwaitingConsent
	c.mu.Unlock()
	if !active || p == nil || tm == nil {
		return fmt.Errorf("%w: transcription not available", ErrInvalidState)
	}
	local := tm.LocalStream()
	if local == nil {
		return fmt.Errorf("%w: transport disconnected", ErrInvalidState)
	}
	return p.Start(ctx, local.Audio())
}

// StopTranscription stops transcription without ending the call.
func (c *Controller) StopTranscription() {
	if p := c.Transcriber(); p != nil {
		p.Stop()
	}
}

// RecordConsent persists the user's consent decision. Refusal does not stop
// the call or the local transcript, but no segment is persisted remotely.
func (c *Controller) RecordConsent(ctx context.Context, consented bool) (*models.ConsentRecord, error) {
	c.mu.Lock()
	if c.state != StateAwaitingConsent && c.state != StateActive {
		st := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: consent in state %s", ErrInvalidState, st)
	}
	if c.consent != nil {
		c.mu.Unlock()
		return nil, ErrConsentRecorded
	}
	callID := c.call.ID
	c.mu.Unlock()

	rec, err := c.opts.API.RecordConsent(ctx, callID, consented)
	if err != nil {
		return nil, fmt.Errorf("record consent: %w", err)
	}
	if rec.UserID == "" {
		rec.UserID = c.opts.UserID
	}

	c.mu.Lock()
	if c.consent != nil {
		c.mu.Unlock()
		return nil, ErrConsentRecorded
	}
	c.consent = rec
	changed := c.state == StateAwaitingConsent
	if changed {
		c.state = StateActive
	}
	if c.pipeline != nil {
		c.pipeline.SetConsent(rec.Consented)
	}
	c.mu.Unlock()

	if consented {
		logging.Info(logging.CategorySession, "consent given user=%s", c.opts.UserID)
	} else {
		logging.Warning(logging.CategorySession, "consent refused user=%s, transcript will not be persisted", c.opts.UserID)
	}
	if changed {
		c.emit(Event{Type: EventStateChanged, State: StateActive})
	}
	return rec, nil
}

// End stops transcription and background processing, disconnects and marks
// the call ended. Calling End again is a no-op.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	c.ended = true
	p := c.pipeline
	tm := c.transport
	call := c.call
	if c.joinCancel != nil {
		c.joinCancel()
	}
	c.mu.Unlock()

	if p != nil {
		p.Close()
	}
	if c.opts.Compositor != nil {
		c.opts.Compositor.Disable()
	}
	if tm != nil {
		tm.Disconnect()
	}

	var err error
	if tm != nil && call != nil {
		if err = c.opts.API.EndCall(ctx, call.ID); err != nil {
			logging.Warning(logging.CategorySession, "failed to mark call ended: %v", err)
			err = fmt.Errorf("end call: %w", err)
		}
	}

	c.mu.Lock()
	if c.state != StateError {
		c.state = StateEnded
	}
	state := c.state
	c.mu.Unlock()

	logging.Info(logging.CategorySession, "session ended state=%s", state)
	c.emit(Event{Type: EventStateChanged, State: state})
	return err
}

// EnableBackground applies the catalog background id to the outgoing video.
func (c *Controller) EnableBackground(ctx context.Context, id string) (compositor.Background, error) {
	comp := c.opts.Compositor
	if comp == nil {
		return compositor.Background{}, compositor.ErrUnsupportedPlatform
	}
	bg, ok := comp.Lookup(id)
	if !ok {
		return compositor.Background{}, fmt.Errorf("%w: unknown background %q", compositor.ErrValidation, id)
	}
	if err := comp.Enable(ctx, bg); err != nil {
		return compositor.Background{}, err
	}
	c.publishProcessed()
	return bg, nil
}

// DisableBackground restores the raw camera.
func (c *Controller) DisableBackground() {
	if c.opts.Compositor == nil {
		return
	}
	c.opts.Compositor.Disable()
	c.publishProcessed()
}

func (c *Controller) publishProcessed() {
	tm := c.Transport()
	if tm == nil {
		return
	}
	track := c.opts.Compositor.ProcessedStream()
	if !c.opts.Compositor.IsEnabled() {
		track = nil
	}
	if err := tm.SetOutgoingVideo(track); err != nil {
		logging.Warning(logging.CategorySession, "failed to publish processed video: %v", err)
	}
}

func (c *Controller) fail(err error) error {
	c.mu.Lock()
	c.state = StateError
	c.err = err
	c.mu.Unlock()
	logging.Error(logging.CategorySession, "session failed: %v", err)
	c.emit(Event{Type: EventStateChanged, State: StateError})
	return err
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		logging.Warning(logging.CategorySession, "event dropped type=%s", ev.Type)
	}
}

// Events yields controller events.
func (c *Controller) Events() <-chan Event { return c.events }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Call returns a copy of the call record.
func (c *Controller) Call() *models.CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return nil
	}
	call := *c.call
	return &call
}

func (c *Controller) Consent() *models.ConsentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consent == nil {
		return nil
	}
	rec := *c.consent
	return &rec
}

func (c *Controller) Transport() *transport.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

func (c *Controller) Transcriber() *transcribe.Pipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipeline
}

func (c *Controller) Compositor() *compositor.Compositor {
	return c.opts.Compositor
}
