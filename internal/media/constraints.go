package media

// AudioConstraints describe the requested microphone capture.
type AudioConstraints struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
}

// VideoConstraints describe the requested camera or display capture.
type VideoConstraints struct {
	Width     int
	Height    int
	FrameRate int
}

// Constraints is a combined capture request.
type Constraints struct {
	Audio AudioConstraints
	Video VideoConstraints
}

// DefaultConstraints is 48 kHz mono echo-cancelled audio and 640x480@30 video.
func DefaultConstraints() Constraints {
	return Constraints{
		Audio: AudioConstraints{SampleRate: 48000, Channels: 1, EchoCancellation: true, NoiseSuppression: true},
		Video: VideoConstraints{Width: 640, Height: 480, FrameRate: 30},
	}
}
