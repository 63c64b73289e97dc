// Package jt808 implements the JT/T 808 signaling protocol: frame
// escaping and checksums, packed BCD fields, message envelope parsing, and
// platform response construction.
package jt808

import (
	"bytes"
	"fmt"
)

const (
	// Flag delimits a frame at both ends.
	Flag byte = 0x7E

	escapeMarker byte = 0x7D
)

// headerLen is the fixed envelope size, excluding subpackage info.
const headerLen = 12

// Escape applies byte stuffing: 0x7E becomes 0x7D 0x02 and 0x7D becomes
// 0x7D 0x01.
func Escape(data []byte) []byte {
	out := make([]byte, 0, len(data)+4)
	for _, b := range data {
		switch b {
		case Flag:
			out = append(out, escapeMarker, 0x02)
		case escapeMarker:
			out = append(out, escapeMarker, 0x01)
		default:
			out = append(out, b)
		}
	}
	return out
}

// Unescape reverses Escape. A trailing lone 0x7D or an unknown escape pair
// is passed through as-is rather than erroring; devices occasionally emit
// such sequences.
func Unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == escapeMarker && i+1 < len(data) {
			switch data[i+1] {
			case 0x02:
				out = append(out, Flag)
				i++
				continue
			case 0x01:
				out = append(out, escapeMarker)
				i++
				continue
			}
		}
		out = append(out, data[i])
	}
	return out
}

// Checksum is the XOR of every byte.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// EncodeFrame wraps an unescaped header+body payload into a complete wire
// frame: checksum appended, bytes stuffed, flags at both ends.
func EncodeFrame(payload []byte) []byte {
	content := make([]byte, 0, len(payload)+1)
	content = append(content, payload...)
	content = append(content, Checksum(payload))

	escaped := Escape(content)
	frame := make([]byte, 0, len(escaped)+2)
	frame = append(frame, Flag)
	frame = append(frame, escaped...)
	frame = append(frame, Flag)
	return frame
}

// DecodeFrame takes the escaped bytes between two flags, unstuffs them, and
// verifies the trailing checksum. The returned payload excludes the checksum
// byte. A checksum mismatch is reported via checksumOK rather than an error;
// malformed frames from the field are logged upstream but still parsed.
func DecodeFrame(raw []byte) (payload []byte, checksumOK bool, err error) {
	content := Unescape(raw)
	if len(content) < headerLen+1 {
		return nil, false, fmt.Errorf("frame too short: %d bytes", len(content))
	}
	payload = content[:len(content)-1]
	checksumOK = Checksum(payload) == content[len(content)-1]
	return payload, checksumOK, nil
}

// Splitter extracts complete frames from a TCP byte stream. Feed it reads
// as they arrive; it buffers partial frames across calls and skips garbage
// between frames. Returned slices are the escaped content between flags.
type Splitter struct {
	buf []byte
}

// Feed appends p to the rolling buffer and returns every complete frame
// now available.
func (s *Splitter) Feed(p []byte) [][]byte {
	s.buf = append(s.buf, p...)

	var frames [][]byte
	for {
		start := bytes.IndexByte(s.buf, Flag)
		if start < 0 {
			// No opener anywhere: everything so far is garbage.
			s.buf = s.buf[:0]
			return frames
		}
		end := bytes.IndexByte(s.buf[start+1:], Flag)
		if end < 0 {
			// Partial frame: keep from the opener onward.
			s.buf = s.buf[start:]
			return frames
		}
		end += start + 1

		content := s.buf[start+1 : end]
		if len(content) > 0 {
			frame := make([]byte, len(content))
			copy(frame, content)
			frames = append(frames, frame)
		}
		// The closing flag may double as the next frame's opener.
		s.buf = s.buf[end:]
	}
}

// Reset discards any buffered partial frame.
func (s *Splitter) Reset() {
	s.buf = s.buf[:0]
}
