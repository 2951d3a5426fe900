package livekit

import (
	"context"
	"sync"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/LastBotInc/coralie-interview-session/internal/logging"
	"github.com/LastBotInc/coralie-interview-session/internal/media"
	"github.com/LastBotInc/coralie-interview-session/internal/transport"
)

// session is one joined room. Remote audio from every subscribed participant
// is decoded onto a single remote audio track.
type session struct {
	roomID string
	room   *lksdk.Room
	local  *media.Stream

	remoteAudio *media.LocalAudioTrack
	remote      *media.Stream

	ctx    context.Context
	cancel context.CancelFunc

	first     chan struct{}
	firstOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once

	tracksMu sync.Mutex
	tracks   map[string]*remoteTrack // track id -> reader
	owners   map[string]string       // track id -> participant identity

	audio *audioPublisher
	video *videoPublisher

	statsMu      sync.Mutex
	lastExpected uint64
	lastReceived uint64
}

func newSession(roomID string, local *media.Stream, enc VideoEncoder) *session {
	ctx, cancel := context.WithCancel(context.Background())
	remoteAudio := media.NewLocalAudioTrack("remote-audio", nil)
	s := &session{
		roomID:      roomID,
		local:       local,
		remoteAudio: remoteAudio,
		remote:      media.NewStream(remoteAudio, nil),
		ctx:         ctx,
		cancel:      cancel,
		first:       make(chan struct{}),
		closed:      make(chan struct{}),
		tracks:      make(map[string]*remoteTrack),
		owners:      make(map[string]string),
	}
	s.video = newVideoPublisher(s, enc)
	return s
}

func (s *session) RemoteStream() *media.Stream { return s.remote }
func (s *session) FirstMedia() <-chan struct{} { return s.first }
func (s *session) Closed() <-chan struct{}     { return s.closed }

func (s *session) markFirstMedia() {
	s.firstOnce.Do(func() {
		logging.Info(logging.CategoryLiveKit, "first remote media received room=%s", s.roomID)
		close(s.first)
	})
}

func (s *session) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *session) handleTrack(participant string, track *webrtc.TrackRemote) {
	s.tracksMu.Lock()
	defer s.tracksMu.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	if _, exists := s.tracks[track.ID()]; exists {
		logging.Warning(logging.CategoryLiveKit, "track already handled participant=%s track=%s", participant, track.ID())
		return
	}

	var out *media.LocalAudioTrack
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		out = s.remoteAudio
	}
	rt, err := newRemoteTrack(participant, track, out, s.markFirstMedia)
	if err != nil {
		logging.Error(logging.CategoryLiveKit, "failed to create remote track reader participant=%s: %v", participant, err)
		return
	}
	s.tracks[track.ID()] = rt
	s.owners[track.ID()] = participant
	rt.Start()
}

func (s *session) removeTrack(trackID string) {
	s.tracksMu.Lock()
	rt, ok := s.tracks[trackID]
	delete(s.tracks, trackID)
	delete(s.owners, trackID)
	s.tracksMu.Unlock()

	if ok {
		rt.Stop()
	}
}

func (s *session) removeParticipant(identity string) {
	s.tracksMu.Lock()
	var ids []string
	for id, owner := range s.owners {
		if owner == identity {
			ids = append(ids, id)
		}
	}
	s.tracksMu.Unlock()

	for _, id := range ids {
		s.removeTrack(id)
	}
}

func (s *session) PublishVideo(track media.VideoTrack) error {
	return s.video.Publish(track)
}

func (s *session) SetMuted(kind media.Kind, muted bool) error {
	switch kind {
	case media.KindAudio:
		if s.audio != nil {
			s.audio.SetMuted(muted)
		}
	case media.KindVideo:
		s.video.SetMuted(muted)
	}
	return nil
}

// Stats reports loss since the previous call, derived from RTP sequence
// numbers of every remote track. RTT is not measured.
func (s *session) Stats() (transport.Stats, error) {
	s.tracksMu.Lock()
	var expected, received uint64
	for _, rt := range s.tracks {
		e, r := rt.Counters()
		expected += e
		received += r
	}
	s.tracksMu.Unlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	var loss float64
	dExpected := int64(expected) - int64(s.lastExpected)
	dReceived := int64(received) - int64(s.lastReceived)
	if dExpected > 0 {
		lost := dExpected - dReceived
		if lost < 0 {
			lost = 0
		}
		loss = float64(lost) / float64(dExpected)
	}
	s.lastExpected = expected
	s.lastReceived = received

	return transport.Stats{PacketLoss: loss, PacketsReceived: received}, nil
}

func (s *session) Close() error {
	s.stopOnce.Do(func() {
		logging.Info(logging.CategoryLiveKit, "closing peer session room=%s", s.roomID)
		s.cancel()

		if s.audio != nil {
			s.audio.Stop()
		}
		s.video.Stop()

		s.tracksMu.Lock()
		tracks := s.tracks
		s.tracks = make(map[string]*remoteTrack)
		s.owners = make(map[string]string)
		s.tracksMu.Unlock()
		for _, rt := range tracks {
			rt.Stop()
		}

		if s.room != nil {
			s.room.Disconnect()
		}
		s.remote.Stop()
		s.markClosed()
	})
	return nil
}
