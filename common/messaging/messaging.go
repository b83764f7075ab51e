// Package messaging is the broker-neutral surface sod uses to accept
// standing-order submissions and publish pipeline outcomes.
package messaging

import (
	"context"
	"time"
)

// Message is one delivery on the bus. Metadata maps to broker headers.
type Message struct {
	Subject   string
	Data      []byte
	Reply     string
	Metadata  map[string]string
	Timestamp time.Time
}

// MessageHandler consumes a delivery. A returned error is logged by the
// client; it does not trigger redelivery.
type MessageHandler func(ctx context.Context, msg *Message) error

type Subscription interface {
	Unsubscribe() error
	Subject() string
	IsValid() bool
}

type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishMsg(ctx context.Context, msg *Message) error
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*Message, error)
	Close() error
}

type Subscriber interface {
	Subscribe(subject string, handler MessageHandler) (Subscription, error)
	// QueueSubscribe delivers each message to one member of the queue group.
	QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error)
	Close() error
}

// Client is a connected bus endpoint.
type Client interface {
	Publisher
	Subscriber
	Drain() error
	IsConnected() bool
}
