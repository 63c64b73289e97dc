package models

import "time"

// StreamState is bookkeeping for live-video sessions, used by health
// reporting. It is not on the hot path; the transmuxer keeps its own
// in-memory state.
type StreamState struct {
	BaseModel

	Identifier string `gorm:"index;not null;size:24" json:"identifier"`
	Channel    uint8  `json:"channel"`

	// StreamType is 0 for main stream, 1 for sub stream.
	StreamType uint8 `json:"stream_type"`

	Active    bool       `gorm:"index" json:"active"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// TableName overrides the table name.
func (StreamState) TableName() string { return "dashcam_streams" }
