package media

import (
	"sync"

	"github.com/google/uuid"
)

// Stream groups at most one audio and one video track.
type Stream struct {
	id string

	mu    sync.RWMutex
	audio AudioTrack
	video VideoTrack
}

// NewStream creates a stream over the given tracks. Either may be nil.
func NewStream(audio AudioTrack, video VideoTrack) *Stream {
	return &Stream{id: uuid.NewString(), audio: audio, video: video}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Audio() AudioTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audio
}

func (s *Stream) Video() VideoTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.video
}

// ReplaceVideo swaps the video track and returns the previous one. The
// previous track is not stopped.
func (s *Stream) ReplaceVideo(video VideoTrack) VideoTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.video
	s.video = video
	return old
}

// SetAudio sets the audio track.
func (s *Stream) SetAudio(audio AudioTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = audio
}

// Stop stops every track in the stream.
func (s *Stream) Stop() {
	s.mu.RLock()
	audio, video := s.audio, s.video
	s.mu.RUnlock()
	if audio != nil {
		audio.Stop()
	}
	if video != nil {
		video.Stop()
	}
}
