package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dashlink/dashlink/internal/bus"
	"github.com/dashlink/dashlink/internal/repository"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 4096
)

// wsRequest is one inbound browser message. Phone carries the IMEI; the
// dashboard predates the phone/IMEI split and the field name stuck.
type wsRequest struct {
	Action     string `json:"action"`
	Phone      string `json:"phone,omitempty"`
	Channel    uint8  `json:"channel,omitempty"`
	StreamType uint8  `json:"stream_type,omitempty"`
}

type wsDevicesReply struct {
	Type    string       `json:"type"`
	Devices []DeviceView `json:"devices"`
}

type wsAck struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Phone   string `json:"phone"`
	Channel uint8  `json:"channel"`
}

type wsError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// wsMedia carries an init or media segment to the browser. Data is
// base64-encoded by the JSON codec.
type wsMedia struct {
	Type    string `json:"type"`
	Codec   string `json:"codec,omitempty"`
	Channel uint8  `json:"channel"`
	Data    []byte `json:"data"`
}

// WSHandler serves the /ws/dashcam/ endpoint: device listing and live
// video relay from the fan-out bus.
type WSHandler struct {
	log         *slog.Logger
	devices     repository.DeviceRepository
	connections repository.ConnectionRepository
	bus         bus.Bus
	upgrader    websocket.Upgrader
}

// NewWSHandler creates the WebSocket handler.
func NewWSHandler(
	log *slog.Logger,
	devices repository.DeviceRepository,
	connections repository.ConnectionRepository,
	b bus.Bus,
) *WSHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WSHandler{
		log:         log,
		devices:     devices,
		connections: connections,
		bus:         b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The dashboard runs on a separate origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs the client loop.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		handler: h,
		conn:    conn,
		log:     h.log.With("remote", conn.RemoteAddr().String()),
		subs:    make(map[string]func()),
	}
	client.run(r.Context())
}

// wsClient is one connected browser. The write mutex serializes frames
// from the reader loop and the relay goroutines.
type wsClient struct {
	handler *WSHandler
	conn    *websocket.Conn
	log     *slog.Logger

	writeMu sync.Mutex

	// subs maps device identifier to the bus unsubscribe function.
	subMu sync.Mutex
	subs  map[string]func()
}

func (c *wsClient) run(ctx context.Context) {
	defer func() {
		c.cancelAll()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)

	for {
		var req wsRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", "error", err)
			}
			return
		}

		switch req.Action {
		case "get_devices":
			c.handleGetDevices(ctx)
		case "start_live":
			c.handleStartLive(ctx, req)
		case "stop_live":
			c.handleStopLive(ctx, req)
		default:
			c.writeJSON(wsError{Type: "error", Message: "Unknown action"})
		}
	}
}

func (c *wsClient) handleGetDevices(ctx context.Context) {
	devices, err := c.handler.devices.List(ctx)
	if err != nil {
		c.log.Error("listing devices failed", "error", err)
		c.writeJSON(wsError{Type: "error", Message: "Device list unavailable"})
		return
	}

	reply := wsDevicesReply{Type: "devices", Devices: make([]DeviceView, 0, len(devices))}
	for _, device := range devices {
		conn, err := c.handler.connections.Get(ctx, device.Phone)
		if err != nil {
			c.log.Error("connection lookup failed", "device", device.Phone, "error", err)
		}
		reply.Devices = append(reply.Devices, deviceView(device, conn))
	}
	c.writeJSON(reply)
}

// resolveConnected maps the client-supplied IMEI to the wire identifier of
// a currently connected device.
func (c *wsClient) resolveConnected(ctx context.Context, imei string) (string, bool) {
	device, err := c.handler.devices.GetByIMEI(ctx, imei)
	if err != nil {
		c.log.Error("device lookup failed", "imei", imei, "error", err)
		return "", false
	}
	if device == nil {
		return "", false
	}

	conn, err := c.handler.connections.Get(ctx, device.Phone)
	if err != nil {
		c.log.Error("connection lookup failed", "device", device.Phone, "error", err)
		return "", false
	}
	if conn == nil || !conn.IsConnected {
		return "", false
	}
	return device.Phone, true
}

func (c *wsClient) handleStartLive(ctx context.Context, req wsRequest) {
	identifier, ok := c.resolveConnected(ctx, req.Phone)
	if !ok {
		c.writeJSON(wsError{Type: "error", Message: "Device not connected"})
		return
	}

	channel := req.Channel
	if channel == 0 {
		channel = 1
	}

	// Subscribe before publishing the start command so the init segment
	// cannot slip past between the two.
	ch, cancel, err := c.handler.bus.SubscribeVideo(ctx, identifier)
	if err != nil {
		c.log.Error("video subscribe failed", "device", identifier, "error", err)
		c.writeJSON(wsError{Type: "error", Message: "Stream unavailable"})
		return
	}
	c.replaceSub(identifier, cancel)

	cmd := &bus.Command{
		Op:         bus.CommandStart,
		Identifier: identifier,
		Channel:    channel,
		StreamType: req.StreamType,
	}
	if err := c.handler.bus.PublishCommand(ctx, cmd); err != nil {
		c.log.Error("start command publish failed", "device", identifier, "error", err)
		c.dropSub(identifier)
		c.writeJSON(wsError{Type: "error", Message: "Stream unavailable"})
		return
	}

	c.writeJSON(wsAck{
		Type:    "response",
		Action:  "start_live",
		Success: true,
		Phone:   req.Phone,
		Channel: channel,
	})

	go c.relay(identifier, ch)
}

func (c *wsClient) handleStopLive(ctx context.Context, req wsRequest) {
	identifier, ok := c.resolveConnected(ctx, req.Phone)
	if !ok {
		c.writeJSON(wsError{Type: "error", Message: "Device not connected"})
		return
	}

	channel := req.Channel
	if channel == 0 {
		channel = 1
	}

	cmd := &bus.Command{
		Op:         bus.CommandStop,
		Identifier: identifier,
		Channel:    channel,
	}
	if err := c.handler.bus.PublishCommand(ctx, cmd); err != nil {
		c.log.Error("stop command publish failed", "device", identifier, "error", err)
	}
	c.dropSub(identifier)

	c.writeJSON(wsAck{
		Type:    "response",
		Action:  "stop_live",
		Success: true,
		Phone:   req.Phone,
		Channel: channel,
	})
}

// relay forwards bus video messages to the browser until the subscription
// channel closes.
func (c *wsClient) relay(identifier string, ch <-chan *bus.VideoMessage) {
	for msg := range ch {
		out := wsMedia{Channel: msg.Channel, Data: msg.Payload}
		switch msg.Kind {
		case bus.VideoKindInit:
			out.Type = "init_segment"
			out.Codec = msg.Codec
		case bus.VideoKindSegment:
			out.Type = "video"
		default:
			continue
		}
		if !c.writeJSON(out) {
			c.dropSub(identifier)
			return
		}
	}
}

func (c *wsClient) replaceSub(identifier string, cancel func()) {
	c.subMu.Lock()
	prior := c.subs[identifier]
	c.subs[identifier] = cancel
	c.subMu.Unlock()
	if prior != nil {
		prior()
	}
}

func (c *wsClient) dropSub(identifier string) {
	c.subMu.Lock()
	cancel := c.subs[identifier]
	delete(c.subs, identifier)
	c.subMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *wsClient) cancelAll() {
	c.subMu.Lock()
	cancels := make([]func(), 0, len(c.subs))
	for _, cancel := range c.subs {
		cancels = append(cancels, cancel)
	}
	c.subs = make(map[string]func())
	c.subMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// writeJSON sends one frame under the write mutex, reporting false on
// failure so callers can stop relaying.
func (c *wsClient) writeJSON(v any) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		c.log.Warn("websocket write failed", "error", err)
		return false
	}
	return true
}
