package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/LastBotInc/coralie-interview-session/internal/callapi"
	"github.com/LastBotInc/coralie-interview-session/internal/devices"
	"github.com/LastBotInc/coralie-interview-session/internal/media"
	"github.com/LastBotInc/coralie-interview-session/internal/models"
	"github.com/LastBotInc/coralie-interview-session/internal/transcribe"
	"github.com/LastBotInc/coralie-interview-session/internal/transport"
)

type fakeAPI struct {
	mu       sync.Mutex
	call     *models.CallSession
	getErr   error
	joins    int
	ends     int
	consents []bool
	saved    int
}

func (a *fakeAPI) GetCall(ctx context.Context, callID string) (*models.CallSession, error) {
	if a.getErr != nil {
		return nil, a.getErr
	}
	call := *a.call
	return &call, nil
}

func (a *fakeAPI) JoinCall(ctx context.Context, callID string) (*models.CallSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.joins++
	call := *a.call
	call.Status = models.CallInProgress
	if call.StartedAt == nil {
		now := time.Now()
		call.StartedAt = &now
	}
	return &call, nil
}

func (a *fakeAPI) EndCall(ctx context.Context, callID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ends++
	return nil
}

func (a *fakeAPI) RecordConsent(ctx context.Context, callID string, consented bool) (*models.ConsentRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consents = append(a.consents, consented)
	return &models.ConsentRecord{UserID: "user-1", Consented: consented, ConsentedAt: time.Now()}, nil
}

func (a *fakeAPI) GetTranscript(ctx context.Context, callID string) ([]models.Segment, error) {
	return nil, &callapi.APIError{Status: http.StatusNotFound}
}

func (a *fakeAPI) SaveSegment(ctx context.Context, callID string, seg models.Segment) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved++
	return nil
}

func (a *fakeAPI) TranscriptDownloadURL(ctx context.Context, callID string, format models.ExportFormat) (string, error) {
	return "https://files.example/t." + string(format), nil
}

type fakePeer struct {
	remote *media.Stream
	first  chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newFakePeer() *fakePeer {
	p := &fakePeer{
		remote: media.NewStream(media.NewLocalAudioTrack("remote", nil), nil),
		first:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	close(p.first)
	return p
}

func (p *fakePeer) RemoteStream() *media.Stream                { return p.remote }
func (p *fakePeer) FirstMedia() <-chan struct{}                { return p.first }
func (p *fakePeer) Closed() <-chan struct{}                    { return p.closed }
func (p *fakePeer) PublishVideo(track media.VideoTrack) error  { return nil }
func (p *fakePeer) SetMuted(kind media.Kind, muted bool) error { return nil }
func (p *fakePeer) Stats() (transport.Stats, error)            { return transport.Stats{}, nil }
func (p *fakePeer) Close() error                               { p.once.Do(func() { close(p.closed) }); return nil }

type fakeNegotiator struct {
	// entered is closed when Join starts, release unblocks it.
	entered chan struct{}
	release chan struct{}
	// honorCtx makes a held Join return when its context ends.
	honorCtx bool
}

func (n *fakeNegotiator) Join(ctx context.Context, roomID string, local *media.Stream) (transport.PeerSession, error) {
	if n.entered != nil {
		close(n.entered)
		if n.honorCtx {
			select {
			case <-n.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-n.release
		}
	}
	return newFakePeer(), nil
}

func (n *fakeNegotiator) hold() {
	n.entered = make(chan struct{})
	n.release = make(chan struct{})
}

type fakeChannel struct {
	recv chan transcribe.Inbound
	once sync.Once
}

func (c *fakeChannel) Send(msg transcribe.Outbound) error { return nil }
func (c *fakeChannel) Receive() <-chan transcribe.Inbound { return c.recv }
func (c *fakeChannel) Err() error                         { return nil }
func (c *fakeChannel) Close() error                       { c.once.Do(func() { close(c.recv) }); return nil }

type fakeDialer struct{ ch *fakeChannel }

func (d *fakeDialer) Dial(ctx context.Context, callID string) (transcribe.Channel, error) {
	return d.ch, nil
}

type harness struct {
	ctrl       *Controller
	negotiator *fakeNegotiator
	api        *fakeAPI
	devices    *devices.Synthetic
	channel    *fakeChannel
}

func newHarness(call *models.CallSession, dev transport.Devices) *harness {
	h := &harness{
		negotiator: &fakeNegotiator{},
		api:        &fakeAPI{call: call},
		channel:    &fakeChannel{recv: make(chan transcribe.Inbound, 4)},
	}
	if dev == nil {
		h.devices = &devices.Synthetic{}
		dev = h.devices
	}
	h.ctrl = NewController(Options{
		UserID: "user-1",
		API:    h.api,
		NewTransport: func(roomID string) *transport.Manager {
			return transport.NewManager(transport.Options{
				RoomID:     roomID,
				Devices:    dev,
				Negotiator: h.negotiator,
				Constraints: media.Constraints{
					Audio: media.AudioConstraints{SampleRate: 16000, Channels: 1},
					Video: media.VideoConstraints{Width: 16, Height: 16, FrameRate: 10},
				},
				NegotiationTimeout: time.Second,
			})
		},
		NewTranscriber: func(call *models.CallSession) *transcribe.Pipeline {
			return transcribe.NewPipeline(transcribe.Options{
				CallID:         call.ID,
				Enabled:        call.TranscriptionEnabled,
				Language:       call.TranscriptionLanguage,
				Dialer:         &fakeDialer{ch: h.channel},
				Store:          h.api,
				RequireConsent: true,
			})
		},
	})
	return h
}

func testCall() *models.CallSession {
	return &models.CallSession{
		ID:                    "call-1",
		RoomID:                "room-1",
		ParticipantIDs:        []string{"user-1", "user-2"},
		Status:                models.CallScheduled,
		TranscriptionEnabled:  true,
		TranscriptionLanguage: "en-US",
	}
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countType(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestLoadNotFound(t *testing.T) {
	h := newHarness(testCall(), nil)
	h.api.getErr = &callapi.APIError{Status: http.StatusNotFound, Message: "no such call"}

	if err := h.ctrl.Load(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if h.ctrl.State() != StateError {
		t.Fatalf("expected error state, got %s", h.ctrl.State())
	}
	if err := h.ctrl.Join(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after failure, got %v", err)
	}
}

func TestLoadNonParticipantIsUnauthorized(t *testing.T) {
	call := testCall()
	call.ParticipantIDs = []string{"someone-else"}
	h := newHarness(call, nil)

	if err := h.ctrl.Load(context.Background(), "call-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestLifecycleWithConsent(t *testing.T) {
	h := newHarness(testCall(), nil)
	ctx := context.Background()

	if err := h.ctrl.Load(ctx, "call-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if h.ctrl.State() != StateJoined {
		t.Fatalf("expected joined, got %s", h.ctrl.State())
	}
	if err := h.ctrl.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	if h.ctrl.State() != StateAwaitingConsent {
		t.Fatalf("expected awaiting_consent, got %s", h.ctrl.State())
	}
	if !h.ctrl.Transport().IsConnected() {
		t.Fatal("expected transport connected")
	}
	p := h.ctrl.Transcriber()
	if p == nil || !p.IsTranscribing() {
		t.Fatal("expected transcription started on join")
	}

	if _, err := h.ctrl.RecordConsent(ctx, true); err != nil {
		t.Fatalf("consent: %v", err)
	}
	if h.ctrl.State() != StateActive {
		t.Fatalf("expected active, got %s", h.ctrl.State())
	}
	if _, err := h.ctrl.RecordConsent(ctx, false); !errors.Is(err, ErrConsentRecorded) {
		t.Fatalf("expected ErrConsentRecorded, got %v", err)
	}

	events := drain(h.ctrl.Events())
	if n := countType(events, EventConsentRequired); n != 1 {
		t.Fatalf("expected one consent prompt, got %d", n)
	}

	if err := h.ctrl.End(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := h.ctrl.End(ctx); err != nil {
		t.Fatalf("second end: %v", err)
	}
	if h.api.ends != 1 {
		t.Fatalf("expected one end request, got %d", h.api.ends)
	}
	if h.ctrl.State() != StateEnded {
		t.Fatalf("expected ended, got %s", h.ctrl.State())
	}
	if p.IsTranscribing() || h.ctrl.Transport().IsConnected() {
		t.Fatal("expected transcription stopped and transport disconnected")
	}
	if n := h.devices.Active(); n != 0 {
		t.Fatalf("expected devices released, %d still active", n)
	}
}

func TestExistingConsentSkipsPrompt(t *testing.T) {
	call := testCall()
	call.Consents = []models.ConsentRecord{{UserID: "user-1", Consented: true, ConsentedAt: time.Now()}}
	h := newHarness(call, nil)
	ctx := context.Background()

	if err := h.ctrl.Load(ctx, "call-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := h.ctrl.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer h.ctrl.End(ctx)

	if h.ctrl.State() != StateActive {
		t.Fatalf("expected active, got %s", h.ctrl.State())
	}
	if n := countType(drain(h.ctrl.Events()), EventConsentRequired); n != 0 {
		t.Fatalf("expected no consent prompt, got %d", n)
	}
}

func TestRefusedConsentKeepsCallButSkipsPersistence(t *testing.T) {
	h := newHarness(testCall(), nil)
	ctx := context.Background()

	if err := h.ctrl.Load(ctx, "call-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := h.ctrl.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := h.ctrl.RecordConsent(ctx, false); err != nil {
		t.Fatalf("consent: %v", err)
	}

	h.channel.recv <- transcribe.Inbound{Type: transcribe.TypeSegment, Segment: &transcribe.SegmentPayload{
		SpeakerID: "user-1", Text: "hello", StartTime: 0, EndTime: 1,
	}}
	p := h.ctrl.Transcriber()
	deadline := time.Now().Add(2 * time.Second)
	for len(p.Segments()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(p.Segments()) != 1 {
		t.Fatal("expected local transcript to build after refusal")
	}
	if err := h.ctrl.End(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}

	h.api.mu.Lock()
	defer h.api.mu.Unlock()
	if h.api.saved != 0 {
		t.Fatalf("expected no persisted segments, got %d", h.api.saved)
	}
	if h.ctrl.Transport() == nil || h.ctrl.State() != StateEnded {
		t.Fatal("expected call to proceed to a normal end")
	}
}

func TestJoinFailsWhenDevicesDenied(t *testing.T) {
	h := newHarness(testCall(), devices.Denied{})
	ctx := context.Background()

	if err := h.ctrl.Load(ctx, "call-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	err := h.ctrl.Join(ctx)
	if !errors.Is(err, transport.ErrMediaAcquisition) {
		t.Fatalf("expected ErrMediaAcquisition, got %v", err)
	}
	if h.ctrl.State() != StateError || h.ctrl.Transport().IsConnected() {
		t.Fatal("expected error state with transport disconnected")
	}
}

func TestJoinEndedCall(t *testing.T) {
	call := testCall()
	call.Status = models.CallCompleted
	h := newHarness(call, nil)

	if err := h.ctrl.Load(context.Background(), "call-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := h.ctrl.Join(context.Background()); !errors.Is(err, ErrCallEnded) {
		t.Fatalf("expected ErrCallEnded, got %v", err)
	}
	if h.api.joins != 0 {
		t.Fatal("expected no join request")
	}
}

func TestEndDuringJoinIsFinal(t *testing.T) {
	h := newHarness(testCall(), nil)
	h.negotiator.hold()
	ctx := context.Background()

	if err := h.ctrl.Load(ctx, "call-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	joined := make(chan error, 1)
	go func() { joined <- h.ctrl.Join(ctx) }()

	<-h.negotiator.entered
	if err := h.ctrl.End(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	if h.ctrl.State() != StateEnded {
		t.Fatalf("expected ended, got %s", h.ctrl.State())
	}
	close(h.negotiator.release)

	select {
	case err := <-joined:
		if !errors.Is(err, ErrCallEnded) {
			t.Fatalf("expected ErrCallEnded from interrupted join, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("join did not return")
	}

	if h.ctrl.State() != StateEnded {
		t.Fatalf("join resurrected the session, state=%s", h.ctrl.State())
	}
	if tm := h.ctrl.Transport(); tm != nil && tm.IsConnected() {
		t.Fatalf("expected transport disconnected")
	}
	if h.ctrl.Transcriber() != nil {
		t.Fatalf("expected no transcription after end")
	}
	if h.devices.Active() != 0 {
		t.Fatalf("expected devices released, %d active", h.devices.Active())
	}
	h.api.mu.Lock()
	ends := h.api.ends
	h.api.mu.Unlock()
	if ends != 1 {
		t.Fatalf("expected one end call, got %d", ends)
	}
	if countType(drain(h.ctrl.Events()), EventConsentRequired) != 0 {
		t.Fatalf("expected no consent prompt after end")
	}
}

func TestEndAbortsPendingNegotiation(t *testing.T) {
	h := newHarness(testCall(), nil)
	h.negotiator.hold()
	h.negotiator.honorCtx = true
	ctx := context.Background()

	if err := h.ctrl.Load(ctx, "call-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	joined := make(chan error, 1)
	go func() { joined <- h.ctrl.Join(ctx) }()

	<-h.negotiator.entered
	h.ctrl.End(ctx)

	select {
	case err := <-joined:
		if !errors.Is(err, ErrCallEnded) {
			t.Fatalf("expected ErrCallEnded, got %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("end did not abort the pending negotiation")
	}
	if h.devices.Active() != 0 {
		t.Fatalf("expected devices released, %d active", h.devices.Active())
	}
}
