package domain

import "context"

// Bus is the pub/sub transport between price sources and the router.
// Publish is best-effort. Subscribe returns a stream that survives backend
// reconnects and is closed when ctx is done.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	Close() error
}

// TickPublisher hands a normalized tick to the delivery side.
type TickPublisher interface {
	PublishTick(ctx context.Context, tick PriceTick) error
}

// PriceCache keeps the last tick per symbol for late subscribers and health checks.
type PriceCache interface {
	SetLatest(ctx context.Context, tick PriceTick) error
	Latest(ctx context.Context, symbol string) (PriceTick, error)
	// Snapshot returns the cached ticks of symbols in order, skipping misses.
	Snapshot(ctx context.Context, symbols []string) ([]PriceTick, error)
}
