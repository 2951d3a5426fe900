// Package livekit negotiates the interview peer session through a LiveKit
// room named by the call's room identifier.
package livekit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/livekit/protocol/auth"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/LastBotInc/coralie-interview-session/internal/logging"
	"github.com/LastBotInc/coralie-interview-session/internal/media"
	"github.com/LastBotInc/coralie-interview-session/internal/transport"
)

// Negotiator joins LiveKit rooms with a locally minted access token.
type Negotiator struct {
	URL       string
	APIKey    string
	APISecret string
	Identity  string
	Name      string
	TokenTTL  time.Duration

	// VideoEncoder, when set, publishes the outgoing video track. Without an
	// encoder only audio is published.
	VideoEncoder VideoEncoder
}

// Join connects to the room and publishes the local microphone.
func (n *Negotiator) Join(ctx context.Context, roomID string, local *media.Stream) (transport.PeerSession, error) {
	token, err := n.buildToken(roomID)
	if err != nil {
		return nil, fmt.Errorf("build access token: %w", err)
	}

	s := newSession(roomID, local, n.VideoEncoder)

	callbacks := &lksdk.RoomCallback{
		OnDisconnected: func() {
			logging.Info(logging.CategoryLiveKit, "disconnected from room room=%s", roomID)
			s.markClosed()
		},
		OnParticipantDisconnected: func(participant *lksdk.RemoteParticipant) {
			logging.Info(logging.CategoryLiveKit, "participant disconnected identity=%s", participant.Identity())
			s.removeParticipant(participant.Identity())
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				logging.Info(logging.CategoryLiveKit, "track subscribed participant=%s kind=%s", rp.Identity(), track.Kind().String())
				s.handleTrack(rp.Identity(), track)
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				logging.Info(logging.CategoryLiveKit, "track unsubscribed participant=%s kind=%s", rp.Identity(), track.Kind().String())
				s.removeTrack(track.ID())
			},
		},
	}

	// Connect with context cancellation
	roomChan := make(chan *lksdk.Room, 1)
	errChan := make(chan error, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(n.URL, token, callbacks)
		if err != nil {
			errChan <- err
			return
		}
		roomChan <- room
	}()

	var room *lksdk.Room
	select {
	case <-ctx.Done():
		// The connect goroutine still owns the result; drop the room if it
		// arrives late.
		go func() {
			select {
			case r := <-roomChan:
				r.Disconnect()
			case err := <-errChan:
				logging.Debug(logging.CategoryLiveKit, "abandoned connect failed room=%s: %v", roomID, err)
			}
		}()
		return nil, ctx.Err()
	case err := <-errChan:
		return nil, fmt.Errorf("connect to room: %w", err)
	case room = <-roomChan:
	}

	logging.Info(logging.CategoryLiveKit, "connected to room room=%s identity=%s", room.Name(), room.LocalParticipant.Identity())
	s.room = room

	if audio := local.Audio(); audio != nil {
		pub, err := newAudioPublisher(room, audio)
		if err != nil {
			room.Disconnect()
			return nil, fmt.Errorf("publish microphone: %w", err)
		}
		s.audio = pub
		pub.Start()
	}

	if video := local.Video(); video != nil {
		if err := s.PublishVideo(video); err != nil {
			logging.Warning(logging.CategoryLiveKit, "failed to publish camera: %v", err)
		}
	}

	// Process existing participants
	for _, p := range room.GetRemoteParticipants() {
		identity := p.Identity()
		if strings.HasPrefix(identity, "agent-") {
			logging.Info(logging.CategoryLiveKit, "skipping agent participant identity=%s", identity)
			continue
		}
		for _, pub := range p.TrackPublications() {
			remotePub, ok := pub.(*lksdk.RemoteTrackPublication)
			if !ok {
				continue
			}
			if !remotePub.IsSubscribed() {
				remotePub.SetSubscribed(true)
			}
			if track := remotePub.Track(); track != nil {
				if remoteTrack, ok := track.(*webrtc.TrackRemote); ok {
					s.handleTrack(identity, remoteTrack)
				}
			}
		}
	}

	return s, nil
}

func (n *Negotiator) buildToken(roomID string) (string, error) {
	ttl := n.TokenTTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	at := auth.NewAccessToken(n.APIKey, n.APISecret)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     roomID,
	}
	at.AddGrant(grant).
		SetIdentity(n.Identity).
		SetName(n.Name).
		SetValidFor(ttl)
	return at.ToJWT()
}
