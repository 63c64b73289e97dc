// Package bus is the cross-process fan-out surface between the ingest node
// and web gateway processes. Video init/media segments flow out on
// per-device topics; stream start/stop commands flow back on a shared
// command topic.
package bus

// VideoKind discriminates the two payloads on a video topic.
type VideoKind string

const (
	VideoKindInit    VideoKind = "init"
	VideoKindSegment VideoKind = "segment"
)

// VideoMessage is one published init or media segment. Payload is
// base64-encoded by the JSON codec, which suits text transports downstream.
type VideoMessage struct {
	Kind    VideoKind `json:"kind"`
	Codec   string    `json:"codec,omitempty"` // set on init only
	Channel uint8     `json:"channel"`
	Payload []byte    `json:"payload"`
}

// CommandOp is a gateway-issued stream operation.
type CommandOp string

const (
	CommandStart CommandOp = "start"
	CommandStop  CommandOp = "stop"
)

// Command asks the ingest node to start or stop a device's live stream.
// ServerIP and VideoPort tell the device where to dial back with video.
type Command struct {
	Op         CommandOp `json:"op"`
	Identifier string    `json:"identifier"`
	Channel    uint8     `json:"channel"`
	StreamType uint8     `json:"stream_type"`
	ServerIP   string    `json:"server_ip,omitempty"`
	VideoPort  uint16    `json:"video_port,omitempty"`
}

// CommandTopic carries Command messages from gateways to the ingest node.
const CommandTopic = "dashcam:commands"

// VideoTopic returns the per-device topic for video messages.
func VideoTopic(identifier string) string {
	return "video:" + identifier
}
