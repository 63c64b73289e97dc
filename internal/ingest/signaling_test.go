package ingest

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dashlink/dashlink/internal/config"
	"github.com/dashlink/dashlink/internal/jt808"
	"github.com/dashlink/dashlink/internal/models"
	"github.com/dashlink/dashlink/internal/registry"
	"github.com/dashlink/dashlink/internal/repository"
)

const testPhone = "1234567890"

type testEnv struct {
	router      *Router
	server      *SignalingServer
	registry    *registry.Registry
	devices     repository.DeviceRepository
	connections repository.ConnectionRepository
	locations   repository.LocationRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Device{}, &models.Connection{}, &models.Location{}, &models.StreamState{},
	))

	env := &testEnv{
		registry:    registry.New(nil),
		devices:     repository.NewDeviceRepository(db),
		connections: repository.NewConnectionRepository(db),
		locations:   repository.NewLocationRepository(db),
	}
	env.router = NewRouter(nil, env.registry, env.devices, env.connections, env.locations, time.Second)

	cfg := config.IngestConfig{
		SignalingIdleTimeout: 5 * time.Second,
		WriteTimeout:         time.Second,
		PublicIP:             "203.0.113.10",
		VideoPort:            6664,
	}
	env.server = NewSignalingServer(cfg, nil, env.router, env.connections)

	require.NoError(t, env.devices.Create(context.Background(), &models.Device{
		IMEI:  "860000000000001",
		Phone: testPhone,
		Name:  "test rig",
	}))
	return env
}

// deviceConn speaks the device side of a piped connection.
type deviceConn struct {
	t        *testing.T
	conn     net.Conn
	splitter jt808.Splitter
}

func dialTestServer(t *testing.T, s *SignalingServer) *deviceConn {
	t.Helper()
	client, server := net.Pipe()
	go s.HandleConn(server)
	t.Cleanup(func() { _ = client.Close() })
	return &deviceConn{t: t, conn: client}
}

func (d *deviceConn) send(frame []byte) {
	d.t.Helper()
	require.NoError(d.t, d.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := d.conn.Write(frame)
	require.NoError(d.t, err)
}

// recv reads until one complete response frame arrives.
func (d *deviceConn) recv() *jt808.Message {
	d.t.Helper()
	buf := make([]byte, 1024)
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(d.t, d.conn.SetReadDeadline(deadline))
		n, err := d.conn.Read(buf)
		require.NoError(d.t, err, "no response before deadline")

		frames := d.splitter.Feed(buf[:n])
		if len(frames) == 0 {
			continue
		}
		require.Len(d.t, frames, 1)
		msg, err := jt808.Decode(frames[0])
		require.NoError(d.t, err)
		return msg
	}
}

// expectSilence asserts no bytes arrive for a short window.
func (d *deviceConn) expectSilence() {
	d.t.Helper()
	require.NoError(d.t, d.conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	buf := make([]byte, 64)
	n, err := d.conn.Read(buf)
	assert.Error(d.t, err, "expected no response, got %d bytes", n)
}

func registrationFrame(t *testing.T, phone string, seq uint16) []byte {
	t.Helper()
	body := make([]byte, 0, 37)
	body = binary.BigEndian.AppendUint16(body, 11)
	body = binary.BigEndian.AppendUint16(body, 44)
	body = append(body, []byte("BSJGP")...)
	body = append(body, []byte("Dashcam Model V1    ")...)
	body = append(body, []byte("JT808ID")...)
	body = append(body, 0)
	return testFrame(t, jt808.MsgRegistration, phone, seq, body)
}

func testFrame(t *testing.T, id jt808.MessageID, phone string, seq uint16, body []byte) []byte {
	t.Helper()
	p, err := jt808.EncodePhone(phone)
	require.NoError(t, err)

	payload := make([]byte, 12, 12+len(body))
	binary.BigEndian.PutUint16(payload[0:2], uint16(id))
	binary.BigEndian.PutUint16(payload[2:4], uint16(len(body))&0x03FF)
	copy(payload[4:10], p[:])
	binary.BigEndian.PutUint16(payload[10:12], seq)
	payload = append(payload, body...)
	return jt808.EncodeFrame(payload)
}

func locationFrame(t *testing.T, phone string, seq uint16, lat, lon uint32, alt, speed, heading uint16) []byte {
	t.Helper()
	body := make([]byte, 0, 28)
	body = binary.BigEndian.AppendUint32(body, 0)
	body = binary.BigEndian.AppendUint32(body, 0)
	body = binary.BigEndian.AppendUint32(body, lat)
	body = binary.BigEndian.AppendUint32(body, lon)
	body = binary.BigEndian.AppendUint16(body, alt)
	body = binary.BigEndian.AppendUint16(body, speed)
	body = binary.BigEndian.AppendUint16(body, heading)
	body = append(body, jt808.EncodeBCDTime(time.Now())...)
	return testFrame(t, jt808.MsgLocationReport, phone, seq, body)
}

func TestSignalingRegistrationAuthHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	dev := dialTestServer(t, env.server)

	// Registration.
	dev.send(registrationFrame(t, testPhone, 1))
	resp := dev.recv()
	require.Equal(t, jt808.MsgRegistrationResponse, resp.Header.MsgID)

	raw := resp.Body.(jt808.Unknown).Raw
	require.GreaterOrEqual(t, len(raw), 3)
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(raw[0:2]))
	assert.Equal(t, jt808.RegResultSuccess, raw[2])
	authCode := string(raw[3:])
	assert.NotEmpty(t, authCode)

	// Authentication with the issued code.
	dev.send(testFrame(t, jt808.MsgAuthentication, testPhone, 2, []byte(authCode)))
	resp = dev.recv()
	require.Equal(t, jt808.MsgPlatformResponse, resp.Header.MsgID)
	ack := resp.Body.(jt808.Unknown).Raw
	require.Len(t, ack, 5)
	assert.Equal(t, uint16(2), binary.BigEndian.Uint16(ack[0:2]))
	assert.Equal(t, uint16(jt808.MsgAuthentication), binary.BigEndian.Uint16(ack[2:4]))
	assert.Equal(t, jt808.ResultSuccess, ack[4])

	// Heartbeat.
	dev.send(testFrame(t, jt808.MsgHeartbeat, testPhone, 3, nil))
	resp = dev.recv()
	require.Equal(t, jt808.MsgPlatformResponse, resp.Header.MsgID)
	ack = resp.Body.(jt808.Unknown).Raw
	assert.Equal(t, uint16(jt808.MsgHeartbeat), binary.BigEndian.Uint16(ack[2:4]))
	assert.Equal(t, jt808.ResultSuccess, ack[4])

	// Persisted replica reflects the login and heartbeat.
	env.router.Wait()
	row, err := env.connections.Get(context.Background(), testPhone)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.IsConnected)
	assert.NotNil(t, row.LastHeartbeat)

	// And the in-memory session exists.
	_, ok := env.registry.Lookup(testPhone)
	assert.True(t, ok)
}

func TestSignalingUnknownDevice(t *testing.T) {
	env := newTestEnv(t)
	dev := dialTestServer(t, env.server)

	dev.send(registrationFrame(t, "999999", 1))
	resp := dev.recv()
	require.Equal(t, jt808.MsgRegistrationResponse, resp.Header.MsgID)
	raw := resp.Body.(jt808.Unknown).Raw
	require.Len(t, raw, 3)
	assert.Equal(t, jt808.RegResultTerminalNotFound, raw[2])

	// Heartbeats from uncatalogued devices are silently ignored.
	dev.send(testFrame(t, jt808.MsgHeartbeat, "999999", 2, nil))
	dev.expectSilence()
}

func TestSignalingFrameSplitAcrossReads(t *testing.T) {
	env := newTestEnv(t)
	dev := dialTestServer(t, env.server)

	frame := testFrame(t, jt808.MsgHeartbeat, testPhone, 7, nil)

	dev.send(frame[:3])
	dev.send(frame[3:8])
	dev.send(frame[8:])

	resp := dev.recv()
	require.Equal(t, jt808.MsgPlatformResponse, resp.Header.MsgID)
	ack := resp.Body.(jt808.Unknown).Raw
	assert.Equal(t, uint16(7), binary.BigEndian.Uint16(ack[0:2]))

	// Exactly one response for exactly one frame.
	dev.expectSilence()
}

func TestSignalingUnknownMessageID(t *testing.T) {
	env := newTestEnv(t)
	dev := dialTestServer(t, env.server)

	dev.send(testFrame(t, jt808.MessageID(0x0704), testPhone, 4, []byte{0x00, 0x01}))
	resp := dev.recv()
	require.Equal(t, jt808.MsgPlatformResponse, resp.Header.MsgID)
	ack := resp.Body.(jt808.Unknown).Raw
	assert.Equal(t, jt808.ResultSuccess, ack[4])
}

func TestSignalingBadChecksumStillHandled(t *testing.T) {
	env := newTestEnv(t)
	dev := dialTestServer(t, env.server)

	frame := testFrame(t, jt808.MsgHeartbeat, testPhone, 5, nil)
	// Corrupt the checksum byte (immediately before the closing flag;
	// safe here because a heartbeat checksum never needs escaping).
	frame[len(frame)-2] ^= 0x01

	dev.send(frame)
	resp := dev.recv()
	assert.Equal(t, jt808.MsgPlatformResponse, resp.Header.MsgID)
}

func TestSignalingLocationDeduplication(t *testing.T) {
	env := newTestEnv(t)
	dev := dialTestServer(t, env.server)
	ctx := context.Background()

	// Five identical fixes.
	for seq := uint16(1); seq <= 5; seq++ {
		dev.send(locationFrame(t, testPhone, seq, 27717500, 85324000, 1320, 0, 0))
		resp := dev.recv()
		require.Equal(t, jt808.MsgPlatformResponse, resp.Header.MsgID)
		env.router.Wait()
	}

	count, err := env.locations.CountForDevice(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// A moved fix inserts.
	dev.send(locationFrame(t, testPhone, 6, 27717600, 85324000, 1320, 0, 0))
	dev.recv()
	env.router.Wait()

	count, err = env.locations.CountForDevice(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	latest, err := env.locations.Latest(ctx, testPhone)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.InDelta(t, 27.7176, latest.Latitude, 1e-9)
}

func TestSignalingDisconnectTearsDownSession(t *testing.T) {
	env := newTestEnv(t)
	dev := dialTestServer(t, env.server)

	dev.send(registrationFrame(t, testPhone, 1))
	dev.recv()
	_, ok := env.registry.Lookup(testPhone)
	require.True(t, ok)

	require.NoError(t, dev.conn.Close())
	require.Eventually(t, func() bool {
		_, ok := env.registry.Lookup(testPhone)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	env.router.Wait()
	row, err := env.connections.Get(context.Background(), testPhone)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.False(t, row.IsConnected)
}

func TestSignalingSupersessionClosesOldConnection(t *testing.T) {
	env := newTestEnv(t)

	first := dialTestServer(t, env.server)
	first.send(registrationFrame(t, testPhone, 1))
	first.recv()

	second := dialTestServer(t, env.server)
	second.send(registrationFrame(t, testPhone, 1))
	second.recv()

	// The first socket is closed server-side. The deadline only bounds the
	// read; it may itself fail once the pipe is torn down.
	_ = first.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	_, err := first.conn.Read(buf)
	assert.Error(t, err)

	// The replacement session still works.
	second.send(testFrame(t, jt808.MsgHeartbeat, testPhone, 2, nil))
	resp := second.recv()
	assert.Equal(t, jt808.MsgPlatformResponse, resp.Header.MsgID)
}
