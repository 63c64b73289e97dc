package models

import "time"

// Connection mirrors an in-memory device session for cross-process
// visibility. The registry on the ingest node is authoritative; this row is
// an eventually-consistent replica updated on login, heartbeat and
// disconnect.
type Connection struct {
	BaseModel

	// Identifier is the canonical device phone.
	Identifier string `gorm:"uniqueIndex;not null;size:24" json:"identifier"`

	// AuthCode is the auth code most recently issued to the device.
	AuthCode string `gorm:"size:64" json:"auth_code"`

	IsConnected    bool       `gorm:"index" json:"is_connected"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`

	PeerIP   string `gorm:"size:64" json:"peer_ip,omitempty"`
	PeerPort int    `json:"peer_port,omitempty"`
}

// TableName overrides the table name.
func (Connection) TableName() string { return "dashcam_connections" }
