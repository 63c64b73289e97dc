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

	"github.com/dashlink/dashlink/internal/bus"
	"github.com/dashlink/dashlink/internal/config"
	"github.com/dashlink/dashlink/internal/jt808"
	"github.com/dashlink/dashlink/internal/models"
	"github.com/dashlink/dashlink/internal/registry"
	"github.com/dashlink/dashlink/internal/repository"
)

type commandEnv struct {
	consumer *CommandConsumer
	registry *registry.Registry
	streams  repository.StreamRepository
	bus      *memBus
}

func newCommandEnv(t *testing.T) *commandEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.StreamState{}))

	env := &commandEnv{
		registry: registry.New(nil),
		streams:  repository.NewStreamRepository(db),
		bus:      newMemBus(),
	}
	cfg := config.IngestConfig{
		PublicIP:     "203.0.113.10",
		VideoPort:    6664,
		WriteTimeout: time.Second,
	}
	env.consumer = NewCommandConsumer(cfg, nil, env.registry, env.streams, env.bus)
	return env
}

// connectDevice registers a piped session and returns the device end.
func (e *commandEnv) connectDevice(t *testing.T, identifier string) (*registry.Session, *deviceConn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	session := e.registry.Register(identifier, "code", server, time.Second)
	return session, &deviceConn{t: t, conn: client}
}

func TestCommandStartSendsAVRequest(t *testing.T) {
	env := newCommandEnv(t)
	session, dev := env.connectDevice(t, testPhone)

	go env.consumer.HandleCommand(&bus.Command{
		Op:         bus.CommandStart,
		Identifier: testPhone,
		Channel:    1,
		StreamType: 0,
	})

	msg := dev.recv()
	require.Equal(t, jt808.MsgAVRequest, msg.Header.MsgID)
	assert.Equal(t, testPhone, msg.Header.Phone())

	body := msg.Body.(jt808.Unknown).Raw
	ipLen := int(body[0])
	ip := string(body[1 : 1+ipLen])
	assert.Equal(t, "203.0.113.10", ip)
	tcpPort := binary.BigEndian.Uint16(body[1+ipLen : 3+ipLen])
	udpPort := binary.BigEndian.Uint16(body[3+ipLen : 5+ipLen])
	assert.Equal(t, uint16(6664), tcpPort)
	assert.Equal(t, uint16(6664), udpPort)
	assert.Equal(t, uint8(1), body[5+ipLen]) // channel
	assert.Equal(t, uint8(0), body[6+ipLen]) // data type: audio and video
	assert.Equal(t, uint8(0), body[7+ipLen]) // stream type: main

	streaming, channel := session.Streaming()
	assert.True(t, streaming)
	assert.Equal(t, uint8(1), channel)

	require.Eventually(t, func() bool {
		active, err := env.streams.ListActive(context.Background())
		return err == nil && len(active) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCommandStartHonorsOverrides(t *testing.T) {
	env := newCommandEnv(t)
	_, dev := env.connectDevice(t, testPhone)

	go env.consumer.HandleCommand(&bus.Command{
		Op:         bus.CommandStart,
		Identifier: testPhone,
		Channel:    2,
		StreamType: 1,
		ServerIP:   "198.51.100.7",
		VideoPort:  9000,
	})

	msg := dev.recv()
	require.Equal(t, jt808.MsgAVRequest, msg.Header.MsgID)
	body := msg.Body.(jt808.Unknown).Raw
	ipLen := int(body[0])
	assert.Equal(t, "198.51.100.7", string(body[1:1+ipLen]))
	assert.Equal(t, uint16(9000), binary.BigEndian.Uint16(body[1+ipLen:3+ipLen]))
	assert.Equal(t, uint8(2), body[5+ipLen])
	assert.Equal(t, uint8(1), body[7+ipLen]) // sub stream
}

func TestCommandStopSendsAVControl(t *testing.T) {
	env := newCommandEnv(t)
	session, dev := env.connectDevice(t, testPhone)
	session.SetStreaming(1)
	require.NoError(t, env.streams.MarkStarted(context.Background(), testPhone, 1, 0, time.Now().UTC()))

	go env.consumer.HandleCommand(&bus.Command{
		Op:         bus.CommandStop,
		Identifier: testPhone,
		Channel:    1,
	})

	msg := dev.recv()
	require.Equal(t, jt808.MsgAVControl, msg.Header.MsgID)
	body := msg.Body.(jt808.Unknown).Raw
	require.Len(t, body, 4)
	assert.Equal(t, uint8(1), body[0])                 // channel
	assert.Equal(t, jt808.AVControlStop, body[1])      // command
	assert.Equal(t, []byte{0x00, 0x00}, body[2:4])     // close type, switch stream

	streaming, _ := session.Streaming()
	assert.False(t, streaming)

	require.Eventually(t, func() bool {
		active, err := env.streams.ListActive(context.Background())
		return err == nil && len(active) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCommandForDisconnectedDeviceDropped(t *testing.T) {
	env := newCommandEnv(t)

	env.consumer.HandleCommand(&bus.Command{
		Op:         bus.CommandStart,
		Identifier: "555000",
		Channel:    1,
	})

	active, err := env.streams.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCommandConsumerStartStop(t *testing.T) {
	env := newCommandEnv(t)
	_, dev := env.connectDevice(t, testPhone)

	require.NoError(t, env.consumer.Start(context.Background()))
	defer env.consumer.Stop()

	require.NoError(t, env.bus.PublishCommand(context.Background(), &bus.Command{
		Op:         bus.CommandStart,
		Identifier: testPhone,
		Channel:    1,
	}))

	msg := dev.recv()
	assert.Equal(t, jt808.MsgAVRequest, msg.Header.MsgID)
}
