package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrSnakeDoc/servicesync/internal/address"
	"github.com/MrSnakeDoc/servicesync/internal/connect"
	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
)

// NATSOptions defines how the node dials NATS.
type NATSOptions struct {
	URL           string        // ex: "nats://localhost:4222"
	Name          string        // client name shown by the server
	ReconnectWait time.Duration // wait between reconnects once connected
	DrainTimeout  time.Duration // max time spent draining on Close
	Connect       connect.Policy
}

// NATSBus is the production Bus. Subjects are addresses verbatim.
type NATSBus struct {
	conn *nats.Conn
	log  logger.Logger
}

// ConnectNATS dials with retry and exponential backoff, then keeps the
// connection alive with nats.go's own reconnect loop.
func ConnectNATS(ctx context.Context, opts NATSOptions, log logger.Logger) (*NATSBus, error) {
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DrainTimeout(opts.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logger.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logger.String("url", c.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("nats async error", logger.String("subject", subject), logger.Error(err))
		}),
	}

	var conn *nats.Conn
	err := connect.WithRetry(ctx, "nats", opts.URL, opts.Connect, log, func(ctx context.Context) error {
		c, err := nats.Connect(opts.URL, append(natsOpts, nats.Timeout(attemptTimeout(ctx)))...)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return NewNATSBus(conn, log), nil
}

// NewNATSBus wraps an already connected client.
func NewNATSBus(conn *nats.Conn, log logger.Logger) *NATSBus {
	return &NATSBus{conn: conn, log: log}
}

func attemptTimeout(ctx context.Context) time.Duration {
	if d, ok := ctx.Deadline(); ok {
		if left := time.Until(d); left > 0 {
			return left
		}
	}
	return nats.DefaultTimeout
}

// Publish buffers the message in the client; it does not wait for delivery.
func (b *NATSBus) Publish(_ context.Context, to address.Address, data []byte) error {
	if err := b.conn.Publish(string(to), data); err != nil {
		return fmt.Errorf("publish %s: %v: %w", to, err, domain.ErrUnreachable)
	}
	return nil
}

// Subscribe registers h. nats.go calls h sequentially for one subscription.
func (b *NATSBus) Subscribe(ctx context.Context, pattern address.Address, h Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(string(pattern), func(m *nats.Msg) {
		h(ctx, address.Address(m.Subject), m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	// Slow handlers queue instead of hitting the slow consumer limit.
	if err := sub.SetPendingLimits(-1, -1); err != nil {
		b.log.Warn("cannot lift pending limits", logger.String("subject", string(pattern)), logger.Error(err))
	}
	return sub, nil
}

// defaultFlushTimeout bounds Flush when ctx carries no deadline.
const defaultFlushTimeout = 5 * time.Second

// Flush waits until the server processed everything published so far.
func (b *NATSBus) Flush(ctx context.Context) error {
	// FlushWithContext rejects contexts without a deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Ready reports the client connection state.
func (b *NATSBus) Ready() bool {
	return b.conn.IsConnected()
}

// Close drains subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
