package models

import (
	"fmt"
	"strings"
)

// Device is a catalogued dashcam terminal. Only catalogued devices may
// register; registration and auth from unknown identifiers are rejected and
// their heartbeats and location reports are dropped.
type Device struct {
	BaseModel

	// IMEI is the terminal identity surfaced during registration.
	IMEI string `gorm:"uniqueIndex;not null;size:32" json:"imei"`

	// Phone is the canonical wire identifier (the BCD SIM field with
	// leading zeros stripped).
	Phone string `gorm:"uniqueIndex;not null;size:24" json:"phone"`

	// Name is a human-friendly label (usually the vehicle plate).
	Name string `gorm:"size:255" json:"name"`

	// Manufacturer and Model are opaque strings from the registration body.
	Manufacturer string `gorm:"size:16" json:"manufacturer,omitempty"`
	Model        string `gorm:"size:64" json:"model,omitempty"`

	// Enabled gates ingestion; a disabled device is treated as unknown.
	Enabled *bool `gorm:"default:true" json:"enabled"`
}

// TableName overrides the table name.
func (Device) TableName() string { return "dashcam_devices" }

// IsEnabled reports whether the device may connect.
func (d *Device) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Validate checks required fields.
func (d *Device) Validate() error {
	if strings.TrimSpace(d.IMEI) == "" {
		return fmt.Errorf("device imei is required")
	}
	if strings.TrimSpace(d.Phone) == "" {
		return fmt.Errorf("device phone is required")
	}
	return nil
}

// CanonicalPhone strips leading zeros from a wire phone number so that the
// BCD-padded form and the bare form resolve to the same device.
func CanonicalPhone(phone string) string {
	trimmed := strings.TrimLeft(phone, "0")
	if trimmed == "" && phone != "" {
		return "0"
	}
	return trimmed
}
