package models

import "time"

// FleetZone is the fixed display timezone for the fleet (UTC+05:45).
// Rows are persisted in UTC; anything user-facing is formatted in this zone.
var FleetZone = time.FixedZone("+05:45", 5*3600+45*60)

// FleetTimeFormat is the layout used when presenting timestamps in APIs.
const FleetTimeFormat = "2006-01-02 15:04:05"

// FormatFleetTime formats t in the fleet display timezone.
func FormatFleetTime(t time.Time) string {
	return t.In(FleetZone).Format(FleetTimeFormat)
}

// FormatFleetTimePtr formats t, returning "" for nil.
func FormatFleetTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return FormatFleetTime(*t)
}
