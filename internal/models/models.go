// Package models holds the records exchanged with the call collaborator.
package models

import "time"

// CallStatus is the lifecycle status of a scheduled call.
type CallStatus string

const (
	CallScheduled  CallStatus = "scheduled"
	CallInProgress CallStatus = "in_progress"
	CallCompleted  CallStatus = "completed"
	CallCancelled  CallStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s CallStatus) Terminal() bool {
	return s == CallCompleted || s == CallCancelled
}

// CallSession identifies one interview call.
type CallSession struct {
	ID                    string     `json:"id"`
	RoomID                string     `json:"room_id"`
	ParticipantIDs        []string   `json:"participant_ids"`
	Status                CallStatus `json:"status"`
	TranscriptionEnabled  bool       `json:"transcription_enabled"`
	TranscriptionLanguage string     `json:"transcription_language"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	EndedAt               *time.Time `json:"ended_at,omitempty"`
	// Consents already recorded for this call, when the collaborator
	// includes them.
	Consents []ConsentRecord `json:"consents,omitempty"`
}

// HasParticipant reports whether userID takes part in the call.
func (c *CallSession) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ConsentFor returns the consent recorded by userID, if any.
func (c *CallSession) ConsentFor(userID string) (ConsentRecord, bool) {
	for _, r := range c.Consents {
		if r.UserID == userID {
			return r, true
		}
	}
	return ConsentRecord{}, false
}

// ConsentRecord is one participant's recorded transcription consent.
type ConsentRecord struct {
	UserID      string    `json:"user_id"`
	Consented   bool      `json:"consented"`
	ConsentedAt time.Time `json:"consented_at"`
}

// Segment is one recognized span of speech.
type Segment struct {
	ID          string    `json:"id"`
	CallID      string    `json:"video_call_id"`
	SpeakerID   string    `json:"speaker_id"`
	SpeakerName string    `json:"speaker_name,omitempty"`
	Text        string    `json:"segment_text"`
	StartTime   float64   `json:"start_time"`
	EndTime     float64   `json:"end_time"`
	Confidence  *float64  `json:"confidence,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExportFormat is a transcript download format.
type ExportFormat string

const (
	ExportTXT ExportFormat = "txt"
	ExportPDF ExportFormat = "pdf"
	ExportSRT ExportFormat = "srt"
)

// Valid reports whether f is a supported format.
func (f ExportFormat) Valid() bool {
	switch f {
	case ExportTXT, ExportPDF, ExportSRT:
		return true
	}
	return false
}
