package media

import (
	"testing"
	"time"
)

func TestAudioTrackFanout(t *testing.T) {
	track := NewLocalAudioTrack("mic", nil)
	a, cancelA := track.SubscribeAudio(4)
	b, cancelB := track.SubscribeAudio(4)
	defer cancelA()
	defer cancelB()

	track.WriteFrame(AudioFrame{Samples: []int16{1, 2}, SampleRate: 16000, Channels: 1})

	for _, ch := range []<-chan AudioFrame{a, b} {
		select {
		case f := <-ch:
			if len(f.Samples) != 2 {
				t.Fatalf("unexpected frame: %+v", f)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber did not receive frame")
		}
	}
}

func TestDisabledTrackDropsFrames(t *testing.T) {
	track := NewLocalAudioTrack("mic", nil)
	ch, cancel := track.SubscribeAudio(1)
	defer cancel()

	track.SetEnabled(false)
	track.WriteFrame(AudioFrame{Samples: []int16{1}, SampleRate: 16000, Channels: 1})

	select {
	case f := <-ch:
		t.Fatalf("unexpected frame while disabled: %+v", f)
	default:
	}
}

func TestStopIsIdempotentAndReleases(t *testing.T) {
	released := 0
	track := NewLocalVideoTrack("camera", func() { released++ })
	ch, _ := track.SubscribeVideo(1)

	track.Stop()
	track.Stop()

	if released != 1 {
		t.Fatalf("expected release once, got %d", released)
	}
	select {
	case <-track.Done():
	default:
		t.Fatalf("expected done to be closed")
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected subscriber channel closed")
	}

	late, _ := track.SubscribeVideo(1)
	if _, ok := <-late; ok {
		t.Fatalf("expected subscription after stop to be closed")
	}
}

func TestFrameDurationAndSilence(t *testing.T) {
	f := AudioFrame{Samples: make([]int16, 1600), SampleRate: 16000, Channels: 1}
	if f.Duration() != 100*time.Millisecond {
		t.Fatalf("unexpected duration: %s", f.Duration())
	}
	if !f.Silent() {
		t.Fatalf("expected silent frame")
	}
	f.Samples[10] = 3
	if f.Silent() {
		t.Fatalf("expected non-silent frame")
	}
}

func TestStreamReplaceVideo(t *testing.T) {
	camera := NewLocalVideoTrack("camera", nil)
	screen := NewLocalVideoTrack("screen", nil)
	s := NewStream(nil, camera)

	old := s.ReplaceVideo(screen)
	if old != VideoTrack(camera) {
		t.Fatalf("expected camera to be returned")
	}
	if s.Video() != VideoTrack(screen) {
		t.Fatalf("expected screen to be current")
	}
}

func TestDownmixAndPCMRoundTrip(t *testing.T) {
	mono := Downmix([]int16{100, 200, -50, 50}, 2)
	if len(mono) != 2 || mono[0] != 150 || mono[1] != 0 {
		t.Fatalf("unexpected downmix: %v", mono)
	}
	b := EncodePCM16([]int16{-2, 1})
	if len(b) != 4 || b[0] != 0xFE || b[1] != 0xFF {
		t.Fatalf("unexpected encoding: %v", b)
	}
	if got := DecodePCM16(b); got[0] != -2 || got[1] != 1 {
		t.Fatalf("unexpected decoding: %v", got)
	}
}

func TestResamplerPassThrough(t *testing.T) {
	r := NewResampler(16000)
	defer r.Close()
	in := []int16{1, 2, 3}
	out, err := r.Resample(in, 16000)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected pass-through, got %v", out)
	}
}
