package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/telemetry"
)

const subscriptionBuffer = 64

// Redis relays notifications over Redis pub/sub, one channel per session code. Delivery is at most
// once: subscribers that are not connected when a notification is published never see it.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Publish(ctx context.Context, n domain.Notification) error {
	b, err := Encode(n)
	if err != nil {
		return err
	}

	if err := r.client.Publish(ctx, r.channel(n.SessionCode()), b).Err(); err != nil {
		return fmt.Errorf("relay: publish %s: %w", n.Name(), err)
	}

	telemetry.RelayPublished.WithLabelValues(n.Name()).Inc()
	return nil
}

// Subscribe returns the notifications of one session until cancel is called or ctx is done. The
// channel is closed afterwards.
func (r *Redis) Subscribe(ctx context.Context, code string) (<-chan domain.Notification, func(), error) {
	ps := r.client.Subscribe(ctx, r.channel(code))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("relay: subscribe %s: %w", code, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan domain.Notification, subscriptionBuffer)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}

				n, err := Decode([]byte(msg.Payload))
				if err != nil {
					slog.WarnContext(ctx, "relay: drop malformed message", "channel", msg.Channel, "error", err)
					continue
				}

				telemetry.RelayDelivered.WithLabelValues(n.Name()).Inc()
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			_ = ps.Close()
			wg.Wait()
		})
	}

	return out, stop, nil
}

func (r *Redis) channel(code string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, code)
}
