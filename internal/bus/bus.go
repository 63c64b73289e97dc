package bus

import "context"

// Bus is the pub/sub contract between ingest and gateway processes.
// Subscriptions return a receive channel and a cancel function; the channel
// closes after cancel.
type Bus interface {
	// PublishVideo sends an init or media segment to a device's topic.
	PublishVideo(ctx context.Context, identifier string, msg *VideoMessage) error

	// SubscribeVideo joins a device's video topic.
	SubscribeVideo(ctx context.Context, identifier string) (<-chan *VideoMessage, func(), error)

	// PublishCommand sends a stream command to the ingest node.
	PublishCommand(ctx context.Context, cmd *Command) error

	// SubscribeCommands joins the shared command topic.
	SubscribeCommands(ctx context.Context) (<-chan *Command, func(), error)

	// Close releases the underlying connections.
	Close() error
}
