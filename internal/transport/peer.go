package transport

import (
	"context"
	"time"

	"github.com/LastBotInc/coralie-interview-session/internal/media"
)

// Devices acquires local capture devices. Tracks it returns release their
// device when stopped.
type Devices interface {
	Acquire(ctx context.Context, c media.Constraints) (*media.Stream, error)
	AcquireDisplay(ctx context.Context, c media.VideoConstraints) (media.VideoTrack, error)
}

// Negotiator joins the peer session identified by a room id.
type Negotiator interface {
	Join(ctx context.Context, roomID string, local *media.Stream) (PeerSession, error)
}

// PeerSession is one negotiated connection to the remote peer.
type PeerSession interface {
	// RemoteStream is the stream carrying remote media.
	RemoteStream() *media.Stream
	// FirstMedia is closed once the first remote packet is receivable.
	FirstMedia() <-chan struct{}
	// Closed is closed when the session ends for any reason.
	Closed() <-chan struct{}
	// PublishVideo replaces the outgoing video source.
	PublishVideo(track media.VideoTrack) error
	// SetMuted mutes or unmutes the published track of the given kind.
	SetMuted(kind media.Kind, muted bool) error
	// Stats returns the transport statistics accumulated so far.
	Stats() (Stats, error)
	Close() error
}

// Stats is a sample of transport health.
type Stats struct {
	// PacketLoss is the fraction of expected packets lost since the previous
	// sample, in [0, 1].
	PacketLoss      float64
	RTT             time.Duration
	PacketsReceived uint64
}
