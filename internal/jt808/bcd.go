package jt808

import (
	"fmt"
	"time"

	"github.com/dashlink/dashlink/internal/models"
)

// DecodeBCD unpacks packed BCD into a decimal string, two digits per byte,
// high nibble first. Nibbles of 0xF are padding and are skipped.
func DecodeBCD(b []byte) string {
	out := make([]byte, 0, len(b)*2)
	for _, v := range b {
		high := (v >> 4) & 0x0F
		low := v & 0x0F
		if high < 10 {
			out = append(out, '0'+high)
		}
		if low < 10 {
			out = append(out, '0'+low)
		}
	}
	return string(out)
}

// EncodeBCD packs a decimal string into width bytes of BCD, left-padding
// with zeros. Strings longer than 2*width digits are rejected.
func EncodeBCD(digits string, width int) ([]byte, error) {
	if len(digits) > width*2 {
		return nil, fmt.Errorf("bcd: %q does not fit in %d bytes", digits, width)
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return nil, fmt.Errorf("bcd: non-digit %q in %q", digits[i], digits)
		}
	}
	padded := make([]byte, width*2-len(digits), width*2)
	for i := range padded {
		padded[i] = '0'
	}
	padded = append(padded, digits...)

	out := make([]byte, width)
	for i := 0; i < width; i++ {
		out[i] = (padded[i*2]-'0')<<4 | (padded[i*2+1] - '0')
	}
	return out, nil
}

// EncodePhone packs a wire phone number into the fixed 6-byte BCD field.
func EncodePhone(phone string) ([6]byte, error) {
	var out [6]byte
	b, err := EncodeBCD(phone, 6)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

// DecodeBCDTime parses a 6-byte YYMMDDhhmmss BCD timestamp. Devices report
// fleet-local wall time with a two-digit year meaning 2000+YY; the result is
// normalized to UTC.
func DecodeBCDTime(b []byte) (time.Time, error) {
	if len(b) != 6 {
		return time.Time{}, fmt.Errorf("bcd time: want 6 bytes, got %d", len(b))
	}
	s := DecodeBCD(b)
	if len(s) != 12 {
		return time.Time{}, fmt.Errorf("bcd time: malformed digits %q", s)
	}
	t, err := time.ParseInLocation("060102150405", s, models.FleetZone)
	if err != nil {
		return time.Time{}, fmt.Errorf("bcd time: %w", err)
	}
	return t.UTC(), nil
}

// EncodeBCDTime packs a timestamp into the 6-byte YYMMDDhhmmss BCD form,
// expressed in fleet-local time.
func EncodeBCDTime(t time.Time) []byte {
	s := t.In(models.FleetZone).Format("060102150405")
	b, _ := EncodeBCD(s, 6)
	return b
}
