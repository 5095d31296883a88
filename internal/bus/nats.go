// internal/bus/nats.go
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"
)

type Client struct{ nc *nats.Conn }

// Publisher is implemented by Client; components that only send take it so
// they can be tested without a server.
type Publisher interface {
	Publish(subject string, v any) error
}

func Connect(url string, opts ...nats.Option) (*Client, error) {
	base := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
	}
	nc, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) Conn() *nats.Conn { return c.nc }

func (c *Client) Flush() error { return c.nc.Flush() }

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}


// Publish msgpack-encodes v onto subject.
func (c *Client) Publish(subject string, v any) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	return c.nc.Publish(subject, b)
}

// Subscribe decodes msgpack messages on subject into a fresh T and hands
// them to handler. Undecodable messages are passed to onError.
func Subscribe[T any](c *Client, subject string, handler func(ctx context.Context, v T), onError func(err error)) (*nats.Subscription, error) {
	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := msgpack.Unmarshal(msg.Data, &v); err != nil {
			if onError != nil {
				onError(fmt.Errorf("decode %s: %w", msg.Subject, err))
			}
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		handler(ctx, v)
	})
}

// SubscribeJSON is Subscribe for the JSON observer events sent with
// PublishJSON.
func SubscribeJSON[T any](c *Client, subject string, handler func(v T), onError func(err error)) (*nats.Subscription, error) {
	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			if onError != nil {
				onError(fmt.Errorf("decode %s: %w", msg.Subject, err))
			}
			return
		}
		handler(v)
	})
}
