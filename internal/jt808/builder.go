package jt808

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Platform general response result codes (0x8001).
const (
	ResultSuccess      uint8 = 0
	ResultFailure      uint8 = 1
	ResultMessageError uint8 = 2
	ResultNotSupported uint8 = 3
	ResultAlarmAck     uint8 = 4
)

// Registration response result codes (0x8100).
const (
	RegResultSuccess            uint8 = 0
	RegResultVehicleRegistered  uint8 = 1
	RegResultVehicleNotFound    uint8 = 2
	RegResultTerminalRegistered uint8 = 3
	RegResultTerminalNotFound   uint8 = 4
)

// AV control commands (0x9102).
const (
	AVControlStop         uint8 = 0
	AVControlSwitchStream uint8 = 1
	AVControlPause        uint8 = 2
	AVControlResume       uint8 = 3
)

// buildFrame assembles the 12-byte envelope, appends the body, and wraps
// the result into a wire frame.
func buildFrame(msgID MessageID, phone [6]byte, seq uint16, body []byte) []byte {
	payload := make([]byte, headerLen, headerLen+len(body))
	binary.BigEndian.PutUint16(payload[0:2], uint16(msgID))
	binary.BigEndian.PutUint16(payload[2:4], uint16(len(body))&0x03FF)
	copy(payload[4:10], phone[:])
	binary.BigEndian.PutUint16(payload[10:12], seq)
	payload = append(payload, body...)
	return EncodeFrame(payload)
}

// BuildPlatformResponse builds a 0x8001 general response acknowledging the
// terminal message (respSeq, respID) with the given result code.
func BuildPlatformResponse(phone [6]byte, seq, respSeq uint16, respID MessageID, result uint8) []byte {
	body := make([]byte, 5)
	binary.BigEndian.PutUint16(body[0:2], respSeq)
	binary.BigEndian.PutUint16(body[2:4], uint16(respID))
	body[4] = result
	return buildFrame(MsgPlatformResponse, phone, seq, body)
}

// BuildRegistrationResponse builds a 0x8100 registration response. The auth
// code is included only on success.
func BuildRegistrationResponse(phone [6]byte, seq, respSeq uint16, result uint8, authCode string) []byte {
	body := make([]byte, 3, 3+len(authCode))
	binary.BigEndian.PutUint16(body[0:2], respSeq)
	body[2] = result
	if result == RegResultSuccess {
		body = append(body, authCode...)
	}
	return buildFrame(MsgRegistrationResponse, phone, seq, body)
}

// BuildAVRequest builds a 0x9101 real-time AV request telling the device to
// dial the video server and start pushing the given channel.
func BuildAVRequest(phone [6]byte, seq uint16, serverIP string, tcpPort, udpPort uint16, channel, dataType, streamType uint8) ([]byte, error) {
	if net.ParseIP(serverIP) == nil {
		return nil, fmt.Errorf("av request: invalid server ip %q", serverIP)
	}
	body := make([]byte, 0, 1+len(serverIP)+7)
	body = append(body, byte(len(serverIP)))
	body = append(body, serverIP...)
	body = binary.BigEndian.AppendUint16(body, tcpPort)
	body = binary.BigEndian.AppendUint16(body, udpPort)
	body = append(body, channel, dataType, streamType)
	return buildFrame(MsgAVRequest, phone, seq, body), nil
}

// BuildAVControl builds a 0x9102 AV control command for an active stream.
func BuildAVControl(phone [6]byte, seq uint16, channel, command, closeType, switchStream uint8) []byte {
	body := []byte{channel, command, closeType, switchStream}
	return buildFrame(MsgAVControl, phone, seq, body)
}
