package models

import "time"

// Location is a persisted GPS fix. Rows are append-mostly: the repository
// deduplicates consecutive identical fixes by bumping updated_at on the
// latest row instead of inserting.
type Location struct {
	BaseModel

	// Identifier is the canonical device phone.
	Identifier string `gorm:"index:idx_locations_device_created,priority:1;not null;size:24" json:"identifier"`

	// Latitude and Longitude are signed decimal degrees; wire precision
	// is 1e-6 degrees.
	Latitude  float64 `gorm:"type:decimal(10,6)" json:"latitude"`
	Longitude float64 `gorm:"type:decimal(10,6)" json:"longitude"`

	// Altitude in meters.
	Altitude int16 `json:"altitude"`

	// Speed in km/h with one decimal.
	Speed float64 `gorm:"type:decimal(6,1)" json:"speed"`

	// Heading in degrees, 0-359.
	Heading uint16 `json:"heading"`

	// AlarmFlags and StatusFlags are the raw 32-bit wire bitfields.
	AlarmFlags  uint32 `json:"alarm_flags"`
	StatusFlags uint32 `json:"status_flags"`

	// FixTime is the device-reported GPS time (UTC). Unreliable device
	// clocks make it unfit for ordering; the dedup lookup keys on row
	// insertion order instead.
	FixTime time.Time `json:"fix_time"`

	// CreatedAt shadows the embedded field to back the dedup lookup's
	// ORDER BY created_at DESC with the composite index.
	CreatedAt time.Time `gorm:"index:idx_locations_device_created,priority:2,sort:desc" json:"created_at"`

	// TLV extras from the location body, when present.
	MileageKM     *float64 `json:"mileage_km,omitempty"`
	FuelLiters    *float64 `json:"fuel_liters,omitempty"`
	RecorderSpeed *float64 `json:"recorder_speed,omitempty"`
	SignalDBM     *uint8   `json:"signal,omitempty"`
}

// TableName overrides the table name.
func (Location) TableName() string { return "dashcam_locations" }

// SameFix reports whether two fixes are semantically identical for
// deduplication: lat/lon within 1e-6 degrees, speed within 0.1 km/h,
// heading and altitude equal as integers.
func (l *Location) SameFix(other *Location) bool {
	if other == nil {
		return false
	}
	const degEps = 1e-6 / 2
	const speedEps = 0.1 / 2
	return abs(l.Latitude-other.Latitude) < degEps &&
		abs(l.Longitude-other.Longitude) < degEps &&
		abs(l.Speed-other.Speed) < speedEps &&
		l.Heading == other.Heading &&
		l.Altitude == other.Altitude
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
