package messaging

import "context"

// Publisher sends messages to a broker
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	IsConnected() bool
	Connect() error
	Disconnect()
}
