package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pscheid92/pricepulse/internal/domain"
)

// Publisher puts ticks on the bus as envelopes for the router.
type Publisher struct {
	bus domain.Bus
}

var _ domain.TickPublisher = (*Publisher)(nil)

func NewPublisher(bus domain.Bus) *Publisher {
	return &Publisher{bus: bus}
}

func (p *Publisher) PublishTick(ctx context.Context, tick domain.PriceTick) error {
	payload, err := json.Marshal(domain.Envelope{Symbol: tick.Symbol, Data: tick})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := p.bus.Publish(ctx, domain.PriceTopic, payload); err != nil {
		return fmt.Errorf("failed to publish %s tick: %w", tick.Symbol, err)
	}
	return nil
}
