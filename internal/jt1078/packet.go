// Package jt1078 implements the JT/T 1078 real-time audio/video transport:
// packet boundary scanning on a TCP stream and reassembly of fragmented
// payloads into complete frames.
package jt1078

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dashlink/dashlink/internal/jt808"
	"github.com/dashlink/dashlink/internal/models"
)

// magic is the packet preamble, ASCII "01cd".
var magic = []byte{0x30, 0x31, 0x63, 0x64}

// FrameType is the high nibble of the data-type byte.
type FrameType uint8

const (
	FrameI           FrameType = 0
	FrameP           FrameType = 1
	FrameB           FrameType = 2
	FrameAudio       FrameType = 3
	FrameTransparent FrameType = 4
)

// IsVideo reports whether the frame carries coded video.
func (f FrameType) IsVideo() bool { return f <= FrameB }

// IsKeyframe reports whether the frame is an I frame.
func (f FrameType) IsKeyframe() bool { return f == FrameI }

func (f FrameType) String() string {
	switch f {
	case FrameI:
		return "I"
	case FrameP:
		return "P"
	case FrameB:
		return "B"
	case FrameAudio:
		return "audio"
	case FrameTransparent:
		return "transparent"
	default:
		return fmt.Sprintf("frame_type(%d)", uint8(f))
	}
}

// Marker is the low nibble of the data-type byte: the subpackage role of
// this packet within a frame.
type Marker uint8

const (
	MarkerAtomic Marker = 0
	MarkerFirst  Marker = 1
	MarkerLast   Marker = 2
	MarkerMiddle Marker = 3
)

func (m Marker) String() string {
	switch m {
	case MarkerAtomic:
		return "atomic"
	case MarkerFirst:
		return "first"
	case MarkerLast:
		return "last"
	case MarkerMiddle:
		return "middle"
	default:
		return fmt.Sprintf("marker(%d)", uint8(m))
	}
}

// Header sizes by payload kind. The trailing 2 bytes of each header are
// the body length; the payload starts right after.
const (
	videoHeaderLen       = 30
	audioHeaderLen       = 26
	transparentHeaderLen = 18
)

// Packet is one parsed JT1078 packet.
type Packet struct {
	Seq       uint16
	SIM       string // canonical, leading zeros stripped
	Channel   uint8
	FrameType FrameType
	Marker    Marker
	Timestamp uint64 // milliseconds, absent for transparent data
	Payload   []byte
}

func headerLenFor(t FrameType) int {
	switch {
	case t.IsVideo():
		return videoHeaderLen
	case t == FrameAudio:
		return audioHeaderLen
	default:
		return transparentHeaderLen
	}
}

// Marshal builds the wire form of the packet.
func (p *Packet) Marshal() ([]byte, error) {
	simBCD, err := jt808.EncodeBCD(p.SIM, 6)
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}
	if len(p.Payload) > 0xFFFF {
		return nil, fmt.Errorf("payload too large: %d", len(p.Payload))
	}

	hlen := headerLenFor(p.FrameType)
	out := make([]byte, 0, hlen+len(p.Payload))
	out = append(out, magic...)
	out = append(out, 0x81, 0x62) // V=2 P X CC / M PT, constants devices emit
	out = binary.BigEndian.AppendUint16(out, p.Seq)
	out = append(out, simBCD...)
	out = append(out, p.Channel)
	out = append(out, byte(p.FrameType)<<4|byte(p.Marker)&0x0F)
	if p.FrameType != FrameTransparent {
		out = binary.BigEndian.AppendUint64(out, p.Timestamp)
	}
	if p.FrameType.IsVideo() {
		out = binary.BigEndian.AppendUint16(out, 0) // last I frame interval
		out = binary.BigEndian.AppendUint16(out, 0) // last frame interval
	}
	out = binary.BigEndian.AppendUint16(out, uint16(len(p.Payload)))
	out = append(out, p.Payload...)
	return out, nil
}

// Scanner extracts complete packets from a TCP byte stream, buffering
// partial packets across reads and discarding garbage between magic words.
type Scanner struct {
	buf []byte
}

// Feed appends p to the rolling buffer and returns every complete packet
// now available.
func (s *Scanner) Feed(p []byte) []*Packet {
	s.buf = append(s.buf, p...)

	var packets []*Packet
	for {
		start := bytes.Index(s.buf, magic)
		if start < 0 {
			// Keep a tail in case the magic straddles the read boundary.
			if len(s.buf) > len(magic)-1 {
				s.buf = s.buf[len(s.buf)-(len(magic)-1):]
			}
			return packets
		}
		s.buf = s.buf[start:]

		pkt, size := s.parseOne()
		if pkt == nil && size == 0 {
			// Incomplete: wait for more bytes.
			return packets
		}
		if pkt != nil {
			packets = append(packets, pkt)
		}
		s.buf = s.buf[size:]
	}
}

// parseOne attempts to parse a packet at the start of the buffer. Returns
// (nil, 0) when more bytes are needed, (nil, n) to skip n bytes on a
// malformed header, or the packet and its total size.
func (s *Scanner) parseOne() (*Packet, int) {
	if len(s.buf) < transparentHeaderLen {
		return nil, 0
	}

	frameType := FrameType(s.buf[15] >> 4)
	if frameType > FrameTransparent {
		// Not a real header; resync past this magic.
		return nil, len(magic)
	}

	hlen := headerLenFor(frameType)
	if len(s.buf) < hlen {
		return nil, 0
	}
	bodyLen := int(binary.BigEndian.Uint16(s.buf[hlen-2 : hlen]))
	total := hlen + bodyLen
	if len(s.buf) < total {
		return nil, 0
	}

	pkt := &Packet{
		Seq:       binary.BigEndian.Uint16(s.buf[6:8]),
		SIM:       models.CanonicalPhone(jt808.DecodeBCD(s.buf[8:14])),
		Channel:   s.buf[14],
		FrameType: frameType,
		Marker:    Marker(s.buf[15] & 0x0F),
	}
	if frameType != FrameTransparent {
		pkt.Timestamp = binary.BigEndian.Uint64(s.buf[16:24])
	}
	pkt.Payload = make([]byte, bodyLen)
	copy(pkt.Payload, s.buf[hlen:total])
	return pkt, total
}

// Reset discards any buffered partial packet.
func (s *Scanner) Reset() {
	s.buf = s.buf[:0]
}
