package jt808

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dashlink/dashlink/internal/models"
)

// MessageID identifies a JT808 message type.
type MessageID uint16

// Inbound message IDs.
const (
	MsgTerminalResponse MessageID = 0x0001
	MsgHeartbeat        MessageID = 0x0002
	MsgRegistration     MessageID = 0x0100
	MsgAuthentication   MessageID = 0x0102
	MsgLocationReport   MessageID = 0x0200
)

// Outbound (platform) message IDs.
const (
	MsgPlatformResponse     MessageID = 0x8001
	MsgRegistrationResponse MessageID = 0x8100
	MsgAVRequest            MessageID = 0x9101
	MsgAVControl            MessageID = 0x9102
)

func (id MessageID) String() string {
	switch id {
	case MsgTerminalResponse:
		return "terminal_response"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgRegistration:
		return "registration"
	case MsgAuthentication:
		return "authentication"
	case MsgLocationReport:
		return "location_report"
	case MsgPlatformResponse:
		return "platform_response"
	case MsgRegistrationResponse:
		return "registration_response"
	case MsgAVRequest:
		return "av_request"
	case MsgAVControl:
		return "av_control"
	default:
		return fmt.Sprintf("0x%04X", uint16(id))
	}
}

// Header is the JT808 message envelope.
type Header struct {
	MsgID      MessageID
	Properties uint16
	PhoneBCD   [6]byte
	Seq        uint16

	// Subpackage info, present only when IsSubpacket.
	PartTotal uint16
	PartIndex uint16
}

// Phone returns the canonical device identifier (BCD decoded, leading
// zeros stripped).
func (h *Header) Phone() string {
	return models.CanonicalPhone(DecodeBCD(h.PhoneBCD[:]))
}

// BodyLength is the declared body size from the properties field.
func (h *Header) BodyLength() int { return int(h.Properties & 0x03FF) }

// IsEncrypted reports the RSA-encryption bit. Encrypted bodies are not
// supported and are surfaced as Unknown.
func (h *Header) IsEncrypted() bool { return h.Properties&0x0400 != 0 }

// IsSubpacket reports the long-message subpackage bit.
func (h *Header) IsSubpacket() bool { return h.Properties&0x2000 != 0 }

// Message is a parsed inbound frame.
type Message struct {
	Header     Header
	Body       Body
	ChecksumOK bool
}

// Body is the tagged sum of supported message bodies. The router matches
// on the concrete type; IDs outside the table decode to Unknown.
type Body interface {
	isBody()
}

// TerminalResponse is a 0x0001 terminal general response.
type TerminalResponse struct {
	ResponseSeq uint16
	ResponseID  MessageID
	Result      uint8
}

// Heartbeat is an empty 0x0002 keepalive.
type Heartbeat struct{}

// Registration is a 0x0100 terminal registration body.
type Registration struct {
	Province     uint16
	City         uint16
	Manufacturer string
	Model        string
	TerminalID   string
	PlateColor   uint8
	Plate        string
}

// Authentication is a 0x0102 body carrying the cached auth code.
type Authentication struct {
	Code string
}

// LocationReport is a decoded 0x0200 body. Latitude and longitude carry
// their sign; flags are preserved verbatim.
type LocationReport struct {
	AlarmFlags  uint32
	StatusFlags uint32
	Latitude    float64
	Longitude   float64
	Altitude    int16
	Speed       float64
	Heading     uint16
	FixTime     time.Time

	MileageKM     *float64
	FuelLiters    *float64
	RecorderSpeed *float64
	SignalDBM     *uint8
}

// Unknown carries the raw body of any unhandled message ID.
type Unknown struct {
	Raw []byte
}

func (TerminalResponse) isBody() {}
func (Heartbeat) isBody()        {}
func (Registration) isBody()     {}
func (Authentication) isBody()   {}
func (LocationReport) isBody()   {}
func (Unknown) isBody()          {}

// Status bits carrying coordinate signs.
const (
	statusSouthBit = 1 << 2
	statusWestBit  = 1 << 3
)

// Decode parses an escaped frame (the bytes between two 0x7E flags) into a
// Message. Checksum mismatches do not fail the parse; the caller inspects
// ChecksumOK and logs.
func Decode(raw []byte) (*Message, error) {
	payload, checksumOK, err := DecodeFrame(raw)
	if err != nil {
		return nil, err
	}

	var h Header
	h.MsgID = MessageID(binary.BigEndian.Uint16(payload[0:2]))
	h.Properties = binary.BigEndian.Uint16(payload[2:4])
	copy(h.PhoneBCD[:], payload[4:10])
	h.Seq = binary.BigEndian.Uint16(payload[10:12])

	body := payload[headerLen:]
	if h.IsSubpacket() {
		if len(body) < 4 {
			return nil, fmt.Errorf("subpacket info truncated")
		}
		h.PartTotal = binary.BigEndian.Uint16(body[0:2])
		h.PartIndex = binary.BigEndian.Uint16(body[2:4])
		body = body[4:]
	}

	msg := &Message{Header: h, ChecksumOK: checksumOK}
	if h.IsEncrypted() {
		msg.Body = Unknown{Raw: append([]byte(nil), body...)}
		return msg, nil
	}

	msg.Body, err = decodeBody(h.MsgID, body)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeBody(id MessageID, body []byte) (Body, error) {
	switch id {
	case MsgTerminalResponse:
		if len(body) < 5 {
			return nil, fmt.Errorf("terminal response body too short: %d", len(body))
		}
		return TerminalResponse{
			ResponseSeq: binary.BigEndian.Uint16(body[0:2]),
			ResponseID:  MessageID(binary.BigEndian.Uint16(body[2:4])),
			Result:      body[4],
		}, nil

	case MsgHeartbeat:
		return Heartbeat{}, nil

	case MsgRegistration:
		return decodeRegistration(body)

	case MsgAuthentication:
		return Authentication{Code: string(bytes.Trim(body, "\x00"))}, nil

	case MsgLocationReport:
		return decodeLocation(body)

	default:
		return Unknown{Raw: append([]byte(nil), body...)}, nil
	}
}

func decodeRegistration(body []byte) (Body, error) {
	// province(2) city(2) manufacturer(5) model(20) terminal id(7) color(1)
	if len(body) < 37 {
		return nil, fmt.Errorf("registration body too short: %d", len(body))
	}
	reg := Registration{
		Province:     binary.BigEndian.Uint16(body[0:2]),
		City:         binary.BigEndian.Uint16(body[2:4]),
		Manufacturer: trimPadding(body[4:9]),
		Model:        trimPadding(body[9:29]),
		TerminalID:   trimPadding(body[29:36]),
		PlateColor:   body[36],
	}
	if len(body) > 37 {
		reg.Plate = trimPadding(body[37:])
	}
	return reg, nil
}

func decodeLocation(body []byte) (Body, error) {
	if len(body) < 28 {
		return nil, fmt.Errorf("location body too short: %d", len(body))
	}

	loc := LocationReport{
		AlarmFlags:  binary.BigEndian.Uint32(body[0:4]),
		StatusFlags: binary.BigEndian.Uint32(body[4:8]),
		Altitude:    int16(binary.BigEndian.Uint16(body[16:18])),
		Speed:       float64(binary.BigEndian.Uint16(body[18:20])) / 10.0,
		Heading:     binary.BigEndian.Uint16(body[20:22]),
	}

	// Coordinates are unsigned 1e-6 degrees; the hemisphere lives in the
	// status bits.
	loc.Latitude = float64(binary.BigEndian.Uint32(body[8:12])) / 1e6
	loc.Longitude = float64(binary.BigEndian.Uint32(body[12:16])) / 1e6
	if loc.StatusFlags&statusSouthBit != 0 {
		loc.Latitude = -loc.Latitude
	}
	if loc.StatusFlags&statusWestBit != 0 {
		loc.Longitude = -loc.Longitude
	}

	// A garbled device clock must not cost us the fix.
	fixTime, err := DecodeBCDTime(body[22:28])
	if err != nil {
		fixTime = time.Now().UTC()
	}
	loc.FixTime = fixTime

	if len(body) > 28 {
		decodeLocationExtras(body[28:], &loc)
	}
	return loc, nil
}

// decodeLocationExtras walks the trailing TLV list. Unrecognized IDs are
// skipped; a truncated entry ends the walk.
func decodeLocationExtras(data []byte, loc *LocationReport) {
	for len(data) >= 2 {
		id := data[0]
		length := int(data[1])
		if len(data) < 2+length {
			return
		}
		value := data[2 : 2+length]

		switch id {
		case 0x01: // mileage, 0.1 km units
			if length >= 4 {
				v := float64(binary.BigEndian.Uint32(value[0:4])) / 10.0
				loc.MileageKM = &v
			}
		case 0x02: // fuel, 0.1 L units
			if length >= 2 {
				v := float64(binary.BigEndian.Uint16(value[0:2])) / 10.0
				loc.FuelLiters = &v
			}
		case 0x03: // tachograph speed, 0.1 km/h units
			if length >= 2 {
				v := float64(binary.BigEndian.Uint16(value[0:2])) / 10.0
				loc.RecorderSpeed = &v
			}
		case 0x30: // wireless signal strength
			if length >= 1 {
				v := value[0]
				loc.SignalDBM = &v
			}
		}

		data = data[2+length:]
	}
}

func trimPadding(b []byte) string {
	return string(bytes.TrimRight(bytes.Trim(b, "\x00"), " "))
}
