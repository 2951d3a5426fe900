// Package transcribe streams captured microphone audio to a recognition
// service and accumulates the returned transcript segments.
package transcribe

import (
	"encoding/json"
	"fmt"
)

// Message types on the recognition channel.
const (
	TypeAudioChunk     = "audio_chunk"
	TypeLanguageChange = "language_change"
	TypeSegment        = "segment"
	TypeError          = "error"
)

// Outbound is a message sent to the recognition service.
type Outbound struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Language   string `json:"language,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

// SegmentPayload is a recognized segment as delivered by the service.
type SegmentPayload struct {
	ID          string   `json:"id,omitempty"`
	SpeakerID   string   `json:"speaker_id"`
	SpeakerName string   `json:"speaker_name,omitempty"`
	Text        string   `json:"segment_text"`
	StartTime   float64  `json:"start_time"`
	EndTime     float64  `json:"end_time"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

// Inbound is a message received from the recognition service.
type Inbound struct {
	Type    string          `json:"type"`
	Segment *SegmentPayload `json:"segment,omitempty"`
	Message string          `json:"message,omitempty"`
}

func decodeInbound(b []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(b, &in); err != nil {
		return Inbound{}, fmt.Errorf("decode message: %w", err)
	}
	if in.Type == TypeSegment && in.Segment == nil {
		return Inbound{}, fmt.Errorf("segment message without payload")
	}
	return in, nil
}
