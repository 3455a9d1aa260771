// Package nats provides a NATS-backed broadcast bus, an alternative to Redis
// Pub/Sub for deployments that already run NATS.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pscheid92/pricepulse/internal/domain"
)

const (
	subscriberBuffer = 256
	flushTimeout     = 2 * time.Second
)

// BusRecorder receives bus outcomes for metrics.
type BusRecorder interface {
	RecordBusMessage(direction, result string)
}

// Bus publishes tick envelopes as NATS core messages. Topics map directly to
// subjects. The client reconnects forever and replays subscriptions itself.
type Bus struct {
	nc       *nats.Conn
	recorder BusRecorder

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

var _ domain.Bus = (*Bus)(nil)

// Connect dials url and returns a bus owning the connection.
func Connect(url string, recorder BusRecorder) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name("pricepulse"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &Bus{nc: nc, recorder: recorder, done: make(chan struct{})}, nil
}

func (b *Bus) record(direction, result string) {
	if b.recorder != nil {
		b.recorder.RecordBusMessage(direction, result)
	}
}

func (b *Bus) Publish(_ context.Context, topic string, payload []byte) error {
	if err := b.nc.Publish(topic, payload); err != nil {
		b.record("publish", "error")
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	b.record("publish", "ok")
	return nil
}

// Subscribe flushes the subscription to the server before returning, so a
// publish issued afterwards is delivered.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("bus closed")
	}

	msgs := make(chan *nats.Msg, subscriberBuffer)
	sub, err := b.nc.ChanSubscribe(topic, msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	if err := b.nc.FlushTimeout(flushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to confirm subscription to %s: %w", topic, err)
	}

	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()

		for {
			select {
			case msg := <-msgs:
				select {
				case out <- msg.Data:
					b.record("receive", "ok")
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}
	}()

	return out, nil
}

// Close ends every subscription and closes the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.nc.Close()
	return nil
}
