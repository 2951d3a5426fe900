package devices

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LastBotInc/coralie-interview-session/internal/media"
)

func TestSyntheticAcquireAndRelease(t *testing.T) {
	s := &Synthetic{}
	c := media.Constraints{
		Audio: media.AudioConstraints{SampleRate: 16000, Channels: 1},
		Video: media.VideoConstraints{Width: 32, Height: 24, FrameRate: 50},
	}
	stream, err := s.Acquire(context.Background(), c)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if s.Active() != 2 {
		t.Fatalf("expected 2 active tracks, got %d", s.Active())
	}

	frames, cancel := stream.Audio().SubscribeAudio(4)
	defer cancel()
	select {
	case f := <-frames:
		if f.SampleRate != 16000 || len(f.Samples) != 320 || f.Silent() {
			t.Fatalf("unexpected audio frame: rate=%d len=%d", f.SampleRate, len(f.Samples))
		}
	case <-time.After(time.Second):
		t.Fatalf("no audio frame")
	}

	video, cancelVideo := stream.Video().SubscribeVideo(2)
	defer cancelVideo()
	select {
	case f := <-video:
		if f.Image.Bounds().Dx() != 32 {
			t.Fatalf("unexpected frame size: %v", f.Image.Bounds())
		}
	case <-time.After(time.Second):
		t.Fatalf("no video frame")
	}

	stream.Stop()
	if s.Active() != 0 {
		t.Fatalf("expected devices released, got %d active", s.Active())
	}
}

func TestRevokeDisplayEndsTrack(t *testing.T) {
	s := &Synthetic{}
	track, err := s.AcquireDisplay(context.Background(), media.VideoConstraints{Width: 16, Height: 16, FrameRate: 10})
	if err != nil {
		t.Fatalf("acquire display: %v", err)
	}
	s.RevokeDisplay()
	select {
	case <-track.Done():
	case <-time.After(time.Second):
		t.Fatalf("display track did not end")
	}
}

func TestDenied(t *testing.T) {
	if _, err := (Denied{}).Acquire(context.Background(), media.DefaultConstraints()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}
