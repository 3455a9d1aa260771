package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pscheid92/pricepulse/internal/domain"
	"github.com/pscheid92/pricepulse/internal/platform/retry"
	goredis "github.com/redis/go-redis/v9"
)

const (
	publishTimeout   = 2 * time.Second
	subscriberBuffer = 256
)

// BusRecorder receives bus outcomes for metrics.
type BusRecorder interface {
	RecordBusMessage(direction, result string)
}

// Bus carries tick envelopes over Redis Pub/Sub. Subscriptions survive
// connection loss: receive errors are retried with a linear backoff.
type Bus struct {
	rdb      *goredis.Client
	recorder BusRecorder
	backoff  retry.Policy

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
}

var _ domain.Bus = (*Bus)(nil)

func NewBus(rdb *goredis.Client, recorder BusRecorder) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		rdb:      rdb,
		recorder: recorder,
		backoff: retry.Policy{
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			Strategy:       retry.Linear,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Bus) record(direction, result string) {
	if b.recorder != nil {
		b.recorder.RecordBusMessage(direction, result)
	}
}

// Publish sends payload on topic. It gives up after a short timeout.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		b.record("publish", "error")
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	b.record("publish", "ok")
	return nil
}

// Subscribe confirms the subscription with Redis before returning. The
// returned channel is closed when ctx is done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("bus closed")
	}
	b.wg.Add(1)
	b.mu.Unlock()

	sub := b.rdb.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		b.wg.Done()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(b.ctx, cancel)
	// A blocked ReceiveMessage ignores ctx; closing the PubSub unblocks it.
	stopClose := context.AfterFunc(subCtx, func() { _ = sub.Close() })

	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer b.wg.Done()
		defer stop()
		defer stopClose()
		defer cancel()
		defer close(out)
		defer func() { _ = sub.Close() }()

		b.receive(subCtx, topic, sub, out)
	}()

	return out, nil
}

func (b *Bus) receive(ctx context.Context, topic string, sub *goredis.PubSub, out chan<- []byte) {
	failures := 0
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			failures++
			wait := b.backoff.Backoff(failures)
			b.record("receive", "error")
			slog.Warn("Bus subscription interrupted, resubscribing",
				"topic", topic, "attempt", failures, "backoff", wait, "error", err)

			if err := b.backoff.Wait(ctx, wait); err != nil {
				return
			}
			continue
		}

		if failures > 0 {
			slog.Info("Bus subscription restored", "topic", topic, "attempts", failures)
			failures = 0
		}

		select {
		case out <- []byte(msg.Payload):
			b.record("receive", "ok")
		case <-ctx.Done():
			return
		}
	}
}

// Close ends every subscription and waits for their goroutines to exit.
// The Redis client itself is owned by the caller.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}
