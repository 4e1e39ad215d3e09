// Package transport abstracts the message bus the task runner talks to.
// Delivery is at-least-once and unordered across publishers; a transport
// which loses its broker connection reconnects on its own.
package transport

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("transport closed")

type Transport interface {
	// Publish sends msg to every current subscriber of topic.
	Publish(ctx context.Context, topic string, msg []byte) error
	// Subscribe returns the stream of messages published to topic. The
	// channel is closed when ctx is done or the transport is closed.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	Close() error
}
