package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/dashlink/dashlink/internal/bus"
	"github.com/dashlink/dashlink/internal/config"
	"github.com/dashlink/dashlink/internal/jt808"
	"github.com/dashlink/dashlink/internal/registry"
	"github.com/dashlink/dashlink/internal/repository"
)

// CommandConsumer subscribes to the bus command topic and turns gateway
// stream requests into 0x9101/0x9102 frames on the device socket.
type CommandConsumer struct {
	cfg      config.IngestConfig
	log      *slog.Logger
	registry *registry.Registry
	streams  repository.StreamRepository
	busSub   bus.Bus

	cancel func()
	done   chan struct{}
}

// NewCommandConsumer creates the consumer.
func NewCommandConsumer(cfg config.IngestConfig, log *slog.Logger, reg *registry.Registry, streams repository.StreamRepository, b bus.Bus) *CommandConsumer {
	if log == nil {
		log = slog.Default()
	}
	return &CommandConsumer{
		cfg:      cfg,
		log:      log,
		registry: reg,
		streams:  streams,
		busSub:   b,
	}
}

// Start subscribes and begins consuming until Stop.
func (c *CommandConsumer) Start(ctx context.Context) error {
	ch, cancel, err := c.busSub.SubscribeCommands(ctx)
	if err != nil {
		return err
	}
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		for cmd := range ch {
			c.HandleCommand(cmd)
		}
	}()
	return nil
}

// Stop unsubscribes and waits for the consumer loop to exit.
func (c *CommandConsumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

// HandleCommand resolves the session and sends the device frame for one
// command. Exposed for tests.
func (c *CommandConsumer) HandleCommand(cmd *bus.Command) {
	log := c.log.With("op", string(cmd.Op), "device", cmd.Identifier, "channel", cmd.Channel)

	session, ok := c.registry.Lookup(cmd.Identifier)
	if !ok {
		log.Warn("command for disconnected device, dropping")
		return
	}

	phone, err := jt808.EncodePhone(cmd.Identifier)
	if err != nil {
		log.Error("bad device identifier", "error", err)
		return
	}

	switch cmd.Op {
	case bus.CommandStart:
		serverIP := cmd.ServerIP
		if serverIP == "" {
			serverIP = c.cfg.PublicIP
		}
		videoPort := cmd.VideoPort
		if videoPort == 0 {
			videoPort = uint16(c.cfg.VideoPort)
		}

		frame, err := jt808.BuildAVRequest(
			phone, session.NextSeq(), serverIP, videoPort, videoPort,
			cmd.Channel, 0, cmd.StreamType)
		if err != nil {
			log.Error("building av request failed", "error", err)
			return
		}
		if err := session.Write(frame); err != nil {
			log.Warn("av request write failed", "error", err)
			return
		}

		session.SetStreaming(cmd.Channel)
		c.recordStream(func(ctx context.Context) error {
			return c.streams.MarkStarted(ctx, cmd.Identifier, cmd.Channel, cmd.StreamType, time.Now().UTC())
		})
		log.Info("live stream requested", "server_ip", serverIP, "port", videoPort)

	case bus.CommandStop:
		frame := jt808.BuildAVControl(phone, session.NextSeq(), cmd.Channel, jt808.AVControlStop, 0, 0)
		if err := session.Write(frame); err != nil {
			log.Warn("av control write failed", "error", err)
			return
		}

		session.SetStreaming(0)
		c.recordStream(func(ctx context.Context) error {
			return c.streams.MarkStopped(ctx, cmd.Identifier, cmd.Channel, time.Now().UTC())
		})
		log.Info("live stream stopped")

	default:
		log.Warn("unknown command op, dropping")
	}
}

func (c *CommandConsumer) recordStream(fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.log.Error("recording stream state failed", "error", err)
		}
	}()
}
