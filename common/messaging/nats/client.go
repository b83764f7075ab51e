// Package nats implements the messaging interfaces on top of NATS core and
// JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/common/messaging"
)

// Config describes how sod connects to the bus.
type Config struct {
	URL  string
	Name string

	// MaxReconnects of -1 retries forever.
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration

	// HandlerTimeout bounds the context given to subscription handlers.
	// Zero leaves handler contexts without a deadline.
	HandlerTimeout time.Duration

	Username string
	Password string
	Token    string

	Logger *logging.Logger
}

// DefaultConfig connects to a local server and reconnects forever.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "sod",
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		Timeout:        5 * time.Second,
		HandlerTimeout: 30 * time.Second,
	}
}

func (cfg Config) options(logger *logging.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("bus disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("bus reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("bus async error", "subject", subject, logging.Error(err))
		}),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	return opts
}

// Client is a messaging.Client backed by a single NATS connection.
type Client struct {
	conn           *nats.Conn
	logger         *logging.Logger
	handlerTimeout time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewClient dials the server described by cfg.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With("component", "nats")

	conn, err := nats.Connect(cfg.URL, cfg.options(logger)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	return &Client{conn: conn, logger: logger, handlerTimeout: cfg.HandlerTimeout}, nil
}

func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}

func (c *Client) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.PublishMsg(toNATS(msg))
}

// Request waits for a single reply, bounded by whichever of ctx and timeout
// expires first.
func (c *Client) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*messaging.Message, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return fromNATS(resp), nil
}

func (c *Client) Subscribe(subject string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	return c.subscribe(subject, "", handler)
}

func (c *Client) QueueSubscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	return c.subscribe(subject, queue, handler)
}

func (c *Client) subscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	cb := func(msg *nats.Msg) {
		ctx, cancel := c.handlerContext()
		defer cancel()
		if err := handler(ctx, fromNATS(msg)); err != nil {
			c.logger.WarnContext(ctx, "message handler failed",
				"subject", msg.Subject, "queue", queue, logging.Error(err))
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = c.conn.Subscribe(subject, cb)
	} else {
		sub, err = c.conn.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return subscription{sub}, nil
}

func (c *Client) handlerContext() (context.Context, context.CancelFunc) {
	if c.handlerTimeout > 0 {
		return context.WithTimeout(context.Background(), c.handlerTimeout)
	}
	return context.WithCancel(context.Background())
}

// Close drops every subscription and the connection without draining.
func (c *Client) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}
	c.conn.Close()
	return errors.Join(errs...)
}

// Drain lets in-flight handlers finish before closing.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

type subscription struct {
	*nats.Subscription
}

func (s subscription) Subject() string {
	return s.Subscription.Subject
}

func toNATS(msg *messaging.Message) *nats.Msg {
	out := nats.NewMsg(msg.Subject)
	out.Data = msg.Data
	out.Reply = msg.Reply
	for k, v := range msg.Metadata {
		out.Header.Set(k, v)
	}
	return out
}

// fromNATS stamps the receive time; core NATS carries none.
func fromNATS(msg *nats.Msg) *messaging.Message {
	out := &messaging.Message{
		Subject:   msg.Subject,
		Data:      msg.Data,
		Reply:     msg.Reply,
		Timestamp: time.Now().UTC(),
	}
	if len(msg.Header) > 0 {
		out.Metadata = make(map[string]string, len(msg.Header))
		for k := range msg.Header {
			out.Metadata[k] = msg.Header.Get(k)
		}
	}
	return out
}
