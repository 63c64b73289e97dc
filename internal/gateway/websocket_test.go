package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashlink/dashlink/internal/bus"
	"github.com/dashlink/dashlink/internal/config"
	"github.com/dashlink/dashlink/internal/models"
	"github.com/dashlink/dashlink/internal/repository"
)

type wsTestEnv struct {
	bus         bus.Bus
	conn        *websocket.Conn
	devices     repository.DeviceRepository
	connections repository.ConnectionRepository
}

func newWSEnv(t *testing.T) *wsTestEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	b, err := bus.NewRedisBus(context.Background(), config.RedisConfig{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	db := newTestDB(t)
	devices := repository.NewDeviceRepository(db)
	connections := repository.NewConnectionRepository(db)
	require.NoError(t, devices.Create(context.Background(), &models.Device{
		IMEI:  testIMEI,
		Phone: testPhone,
		Name:  "unit one",
	}))

	handler := NewWSHandler(nil, devices, connections, b)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/dashcam/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &wsTestEnv{bus: b, conn: conn, devices: devices, connections: connections}
}

func (e *wsTestEnv) send(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, e.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, e.conn.WriteJSON(v))
}

func (e *wsTestEnv) recv(t *testing.T) map[string]any {
	t.Helper()
	require.NoError(t, e.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := e.conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func (e *wsTestEnv) markConnected(t *testing.T) {
	t.Helper()
	require.NoError(t, e.connections.UpsertOnLogin(
		context.Background(), testPhone, "code", "10.0.0.1", 40000, time.Now().UTC()))
}

func TestWSGetDevices(t *testing.T) {
	env := newWSEnv(t)
	env.markConnected(t)

	env.send(t, map[string]any{"action": "get_devices"})
	reply := env.recv(t)

	assert.Equal(t, "devices", reply["type"])
	devices := reply["devices"].([]any)
	require.Len(t, devices, 1)
	device := devices[0].(map[string]any)
	assert.Equal(t, testIMEI, device["imei"])
	assert.Equal(t, true, device["is_connected"])
}

func TestWSStartLiveStreamsVideo(t *testing.T) {
	env := newWSEnv(t)
	env.markConnected(t)
	ctx := context.Background()

	// Watch the command topic the way the ingest node would.
	commands, cancel, err := env.bus.SubscribeCommands(ctx)
	require.NoError(t, err)
	defer cancel()

	env.send(t, map[string]any{"action": "start_live", "phone": testIMEI, "channel": 1})

	ack := env.recv(t)
	assert.Equal(t, "response", ack["type"])
	assert.Equal(t, "start_live", ack["action"])
	assert.Equal(t, true, ack["success"])
	assert.Equal(t, testIMEI, ack["phone"])
	assert.Equal(t, float64(1), ack["channel"])

	select {
	case cmd := <-commands:
		assert.Equal(t, bus.CommandStart, cmd.Op)
		assert.Equal(t, testPhone, cmd.Identifier)
		assert.Equal(t, uint8(1), cmd.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("no start command published")
	}

	// The ingest node starts producing; the browser gets init then media.
	require.NoError(t, env.bus.PublishVideo(ctx, testPhone, &bus.VideoMessage{
		Kind:    bus.VideoKindInit,
		Codec:   "avc1.64001F",
		Channel: 1,
		Payload: []byte{0x00, 0x01},
	}))
	init := env.recv(t)
	assert.Equal(t, "init_segment", init["type"])
	assert.Equal(t, "avc1.64001F", init["codec"])
	assert.NotEmpty(t, init["data"])

	require.NoError(t, env.bus.PublishVideo(ctx, testPhone, &bus.VideoMessage{
		Kind:    bus.VideoKindSegment,
		Channel: 1,
		Payload: []byte{0x02, 0x03},
	}))
	seg := env.recv(t)
	assert.Equal(t, "video", seg["type"])
	assert.Equal(t, float64(1), seg["channel"])
}

func TestWSStopLive(t *testing.T) {
	env := newWSEnv(t)
	env.markConnected(t)
	ctx := context.Background()

	commands, cancel, err := env.bus.SubscribeCommands(ctx)
	require.NoError(t, err)
	defer cancel()

	env.send(t, map[string]any{"action": "start_live", "phone": testIMEI, "channel": 1})
	env.recv(t) // ack
	<-commands  // start command

	env.send(t, map[string]any{"action": "stop_live", "phone": testIMEI, "channel": 1})
	ack := env.recv(t)
	assert.Equal(t, "stop_live", ack["action"])

	select {
	case cmd := <-commands:
		assert.Equal(t, bus.CommandStop, cmd.Op)
		assert.Equal(t, testPhone, cmd.Identifier)
	case <-time.After(2 * time.Second):
		t.Fatal("no stop command published")
	}
}

func TestWSStartLiveDisconnectedDevice(t *testing.T) {
	env := newWSEnv(t)
	// No connection row: the device has never dialed in.

	env.send(t, map[string]any{"action": "start_live", "phone": testIMEI, "channel": 1})
	reply := env.recv(t)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "Device not connected", reply["message"])
}

func TestWSUnknownAction(t *testing.T) {
	env := newWSEnv(t)

	env.send(t, map[string]any{"action": "dance"})
	reply := env.recv(t)
	assert.Equal(t, "error", reply["type"])
}
