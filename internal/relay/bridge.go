package relay

import (
	"context"
	"fmt"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/event"
)

type Publisher interface {
	Publish(ctx context.Context, n domain.Notification) error
}

// NewBridge forwards every relayed event published on the bus to p.
func NewBridge(eb *event.Bus, p Publisher) {
	eb.SubscribeAll(domain.RelayedEventNames, func(ctx context.Context, e event.Event) error {
		n, ok := e.(domain.Notification)
		if !ok {
			return fmt.Errorf("relay: %s is not a notification", e.Name())
		}

		return p.Publish(ctx, n)
	})
}
