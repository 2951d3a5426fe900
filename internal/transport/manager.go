// Package transport owns the live peer media session of one call attempt:
// local capture devices, the negotiated remote connection, mute and camera
// toggles, screen share and the connection quality signal.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LastBotInc/coralie-interview-session/internal/logging"
	"github.com/LastBotInc/coralie-interview-session/internal/media"
)

// Options configures a Manager.
type Options struct {
	RoomID             string
	Devices            Devices
	Negotiator         Negotiator
	Constraints        media.Constraints
	NegotiationTimeout time.Duration
	StatsInterval      time.Duration
}

// State is a snapshot of the observable transport state.
type State struct {
	Connected     bool    `json:"connected"`
	Muted         bool    `json:"muted"`
	VideoOn       bool    `json:"video_on"`
	ScreenSharing bool    `json:"screen_sharing"`
	Quality       Quality `json:"quality"`
}

// Manager handles the peer session for one room.
type Manager struct {
	opts Options

	mu         sync.Mutex
	connecting bool
	connected  bool
	muted      bool
	videoOn    bool
	sharing    bool
	quality    Quality
	local      *media.Stream
	camera     media.VideoTrack
	display    media.VideoTrack
	outgoing   media.VideoTrack // replaces the camera when set
	peer       PeerSession
	cancel     context.CancelFunc
	abort      context.CancelFunc // cancels a pending Connect
	wg         sync.WaitGroup

	changes chan struct{}
}

// NewManager creates a disconnected manager.
func NewManager(opts Options) *Manager {
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = 30 * time.Second
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 2 * time.Second
	}
	if opts.Constraints == (media.Constraints{}) {
		opts.Constraints = media.DefaultConstraints()
	}
	return &Manager{
		opts:    opts,
		quality: QualityUnknown,
		changes: make(chan struct{}, 1),
	}
}

// Connect acquires local devices, joins the room and returns once remote
// media is receivable. NegotiationTimeout bounds the join and the wait for
// the first remote packet together. Disconnect aborts a pending Connect.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	if m.connecting {
		m.mu.Unlock()
		return ErrConnectInProgress
	}
	connCtx, abort := context.WithCancel(ctx)
	m.connecting = true
	m.abort = abort
	m.mu.Unlock()

	defer func() {
		abort()
		m.mu.Lock()
		m.connecting = false
		m.abort = nil
		m.mu.Unlock()
	}()

	logging.Info(logging.CategoryTransport, "connecting room=%s", m.opts.RoomID)

	local, err := m.opts.Devices.Acquire(connCtx, m.opts.Constraints)
	if err != nil {
		logging.Fail(logging.CategoryTransport, "failed to acquire capture devices room=%s: %v", m.opts.RoomID, err)
		return fmt.Errorf("%w: %w", ErrMediaAcquisition, err)
	}

	negCtx, cancelNeg := context.WithTimeout(connCtx, m.opts.NegotiationTimeout)
	defer cancelNeg()

	peer, err := m.opts.Negotiator.Join(negCtx, m.opts.RoomID, local)
	if err != nil {
		local.Stop()
		return m.negotiationFailed(ctx, connCtx, fmt.Errorf("join room %s: %w", m.opts.RoomID, err))
	}

	select {
	case <-peer.FirstMedia():
	case <-peer.Closed():
		peer.Close()
		local.Stop()
		return m.negotiationFailed(ctx, connCtx, fmt.Errorf("peer session closed before remote media arrived room=%s", m.opts.RoomID))
	case <-negCtx.Done():
		peer.Close()
		local.Stop()
		return m.negotiationFailed(ctx, connCtx, fmt.Errorf("no remote media room=%s", m.opts.RoomID))
	}

	m.mu.Lock()
	if connCtx.Err() != nil {
		m.mu.Unlock()
		peer.Close()
		local.Stop()
		return m.negotiationFailed(ctx, connCtx, nil)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	m.local = local
	m.camera = local.Video()
	m.peer = peer
	m.cancel = cancel
	m.connected = true
	m.muted = false
	m.videoOn = m.camera != nil
	m.sharing = false
	m.quality = QualityUnknown
	outgoing := m.outgoing
	m.wg.Add(2)
	m.mu.Unlock()

	if outgoing != nil {
		if err := peer.PublishVideo(outgoing); err != nil {
			logging.Warning(logging.CategoryTransport, "failed to publish processed video: %v", err)
		}
	}

	go m.sampleStats(loopCtx, peer)
	go m.watchPeer(loopCtx, peer)

	logging.Success(logging.CategoryTransport, "connected room=%s", m.opts.RoomID)
	m.notify()
	return nil
}

// negotiationFailed classifies a connect attempt that got past device
// acquisition. Caller cancellation is returned as is.
func (m *Manager) negotiationFailed(ctx, connCtx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case connCtx.Err() != nil:
		logging.Info(logging.CategoryTransport, "connect aborted room=%s", m.opts.RoomID)
		return ErrConnectAborted
	}
	logging.Warning(logging.CategoryTransport, "negotiation failed room=%s timeout=%s: %v", m.opts.RoomID, m.opts.NegotiationTimeout, err)
	return fmt.Errorf("%w: %w", ErrNegotiationTimeout, err)
}

// Disconnect closes the peer session and releases every local device. It is
// idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.connected {
		if m.abort != nil {
			logging.Info(logging.CategoryTransport, "aborting pending connect room=%s", m.opts.RoomID)
			m.abort()
		}
		m.mu.Unlock()
		return
	}
	peer, local, display, cancel := m.peer, m.local, m.display, m.cancel
	m.connected = false
	m.sharing = false
	m.muted = false
	m.videoOn = false
	m.quality = QualityUnknown
	m.peer = nil
	m.local = nil
	m.camera = nil
	m.display = nil
	m.cancel = nil
	m.mu.Unlock()

	logging.Info(logging.CategoryTransport, "disconnecting room=%s", m.opts.RoomID)

	cancel()
	if err := peer.Close(); err != nil {
		logging.Warning(logging.CategoryTransport, "failed to close peer session: %v", err)
	}
	if display != nil {
		display.Stop()
	}
	local.Stop()
	m.wg.Wait()

	logging.Info(logging.CategoryTransport, "disconnected room=%s", m.opts.RoomID)
	m.notify()
}

// ToggleAudio mutes or unmutes the microphone. No-op when disconnected.
func (m *Manager) ToggleAudio() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return
	}
	audio := m.local.Audio()
	if audio == nil {
		return
	}
	m.muted = !m.muted
	audio.SetEnabled(!m.muted)
	if err := m.peer.SetMuted(media.KindAudio, m.muted); err != nil {
		logging.Warning(logging.CategoryTransport, "failed to update audio mute: %v", err)
	}
	m.notify()
}

// ToggleVideo turns the camera on or off. No-op when disconnected.
func (m *Manager) ToggleVideo() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected || m.camera == nil {
		return
	}
	m.videoOn = !m.videoOn
	m.camera.SetEnabled(m.videoOn)
	if !m.sharing {
		if err := m.peer.SetMuted(media.KindVideo, !m.videoOn); err != nil {
			logging.Warning(logging.CategoryTransport, "failed to update video mute: %v", err)
		}
	}
	m.notify()
}

// StartScreenShare replaces the outgoing video with a captured display
// surface. If the capture is revoked out of band the camera is restored.
func (m *Manager) StartScreenShare(ctx context.Context) error {
	m.mu.Lock()
	if !m.connected || m.sharing {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	display, err := m.opts.Devices.AcquireDisplay(ctx, m.opts.Constraints.Video)
	if err != nil {
		return fmt.Errorf("%w: display: %w", ErrMediaAcquisition, err)
	}

	m.mu.Lock()
	if !m.connected || m.sharing {
		m.mu.Unlock()
		display.Stop()
		return nil
	}
	if err := m.peer.PublishVideo(display); err != nil {
		m.mu.Unlock()
		display.Stop()
		return fmt.Errorf("publish display: %w", err)
	}
	m.local.ReplaceVideo(display)
	m.display = display
	m.sharing = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.watchDisplay(display)

	logging.Info(logging.CategoryTransport, "screen share started track=%s", display.ID())
	m.notify()
	return nil
}

// StopScreenShare restores the camera as the outgoing video. No-op when not
// sharing.
func (m *Manager) StopScreenShare() {
	m.mu.Lock()
	display := m.restoreCameraLocked(nil)
	m.mu.Unlock()

	if display != nil {
		display.Stop()
		logging.Info(logging.CategoryTransport, "screen share stopped track=%s", display.ID())
		m.notify()
	}
}

// SetOutgoingVideo publishes track in place of the raw camera. A nil track
// restores the camera. While screen sharing the change applies once sharing
// stops.
func (m *Manager) SetOutgoingVideo(track media.VideoTrack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outgoing = track
	if !m.connected || m.sharing {
		return nil
	}
	return m.peer.PublishVideo(m.cameraSourceLocked())
}

// restoreCameraLocked ends screen sharing if the active display track is
// expected (or any display when expected is nil) and returns the display
// track that was replaced.
func (m *Manager) restoreCameraLocked(expected media.VideoTrack) media.VideoTrack {
	if !m.connected || !m.sharing {
		return nil
	}
	if expected != nil && m.display != expected {
		return nil
	}
	display := m.display
	m.display = nil
	m.sharing = false
	m.local.ReplaceVideo(m.camera)
	if src := m.cameraSourceLocked(); src != nil {
		if err := m.peer.PublishVideo(src); err != nil {
			logging.Warning(logging.CategoryTransport, "failed to restore camera track: %v", err)
		}
	}
	return display
}

func (m *Manager) cameraSourceLocked() media.VideoTrack {
	if m.outgoing != nil {
		return m.outgoing
	}
	return m.camera
}

func (m *Manager) watchDisplay(display media.VideoTrack) {
	defer m.wg.Done()
	<-display.Done()

	m.mu.Lock()
	replaced := m.restoreCameraLocked(display)
	m.mu.Unlock()

	if replaced != nil {
		logging.Info(logging.CategoryTransport, "screen capture ended by user, camera restored track=%s", display.ID())
		m.notify()
	}
}

func (m *Manager) watchPeer(ctx context.Context, peer PeerSession) {
	defer m.wg.Done()
	select {
	case <-ctx.Done():
		return
	case <-peer.Closed():
	}
	logging.Warning(logging.CategoryTransport, "peer session closed remotely room=%s", m.opts.RoomID)
	go m.Disconnect()
}

func (m *Manager) sampleStats(ctx context.Context, peer PeerSession) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := peer.Stats()
			if err != nil {
				logging.Debug(logging.CategoryTransport, "stats unavailable: %v", err)
				continue
			}
			q := Classify(stats)

			m.mu.Lock()
			changed := m.connected && m.quality != q
			if changed {
				m.quality = q
			}
			m.mu.Unlock()

			if changed {
				logging.Debug(logging.CategoryTransport, "connection quality=%s loss=%.3f rtt=%s", q, stats.PacketLoss, stats.RTT)
				m.notify()
			}
		}
	}
}

func (m *Manager) notify() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

// Changes delivers a coalesced signal whenever observable state changes.
func (m *Manager) Changes() <-chan struct{} { return m.changes }

// State returns a snapshot of the observable state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Connected:     m.connected,
		Muted:         m.muted,
		VideoOn:       m.videoOn,
		ScreenSharing: m.sharing,
		Quality:       m.quality,
	}
}

func (m *Manager) IsConnected() bool     { return m.State().Connected }
func (m *Manager) IsMuted() bool         { return m.State().Muted }
func (m *Manager) IsVideoOn() bool       { return m.State().VideoOn }
func (m *Manager) IsScreenSharing() bool { return m.State().ScreenSharing }
func (m *Manager) Quality() Quality      { return m.State().Quality }

// LocalStream returns the local stream, or nil when disconnected.
func (m *Manager) LocalStream() *media.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// RemoteStream returns the remote stream, or nil when disconnected.
func (m *Manager) RemoteStream() *media.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peer == nil {
		return nil
	}
	return m.peer.RemoteStream()
}

// IsMediaAcquisition reports whether err is a device acquisition failure.
func IsMediaAcquisition(err error) bool { return errors.Is(err, ErrMediaAcquisition) }
