package ingest

import (
	"context"
	"sync"

	"github.com/dashlink/dashlink/internal/bus"
)

// memBus is an in-process bus.Bus for tests: published video messages are
// recorded per topic, and commands flow through an unbuffered channel.
type memBus struct {
	mu    sync.Mutex
	video map[string][]*bus.VideoMessage

	commands chan *bus.Command
}

func newMemBus() *memBus {
	return &memBus{
		video:    make(map[string][]*bus.VideoMessage),
		commands: make(chan *bus.Command),
	}
}

func (b *memBus) PublishVideo(_ context.Context, identifier string, msg *bus.VideoMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.video[identifier] = append(b.video[identifier], msg)
	return nil
}

func (b *memBus) SubscribeVideo(context.Context, string) (<-chan *bus.VideoMessage, func(), error) {
	ch := make(chan *bus.VideoMessage)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }, nil
}

func (b *memBus) PublishCommand(_ context.Context, cmd *bus.Command) error {
	b.commands <- cmd
	return nil
}

func (b *memBus) SubscribeCommands(context.Context) (<-chan *bus.Command, func(), error) {
	out := make(chan *bus.Command)
	stop := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case cmd := <-b.commands:
				select {
				case out <- cmd:
				case <-stop:
					return
				}
			case <-stop:
				return
			}
		}
	}()
	var once sync.Once
	return out, func() { once.Do(func() { close(stop) }) }, nil
}

func (b *memBus) Close() error { return nil }

// published returns a copy of the messages recorded for one topic.
func (b *memBus) published(identifier string) []*bus.VideoMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*bus.VideoMessage, len(b.video[identifier]))
	copy(out, b.video[identifier])
	return out
}
