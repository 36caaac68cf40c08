// Package broadcast carries PriceMap events from the aggregator to
// synchronizers: an in-process WebSocket hub, Redis pub/sub and Kafka.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pricefeed/internal/prices"
)

// Event is the payload published on a broadcast channel.
type Event struct {
	Data      prices.PriceMap `json:"data"`
	Timestamp string          `json:"timestamp"`
}

func NewEvent(data prices.PriceMap, at time.Time) Event {
	return Event{Data: data, Timestamp: at.UTC().Format(time.RFC3339)}
}

// Time parses Timestamp, falling back to now for a missing or bad value.
func (e Event) Time() time.Time {
	if t, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
		return t
	}
	return time.Now().UTC()
}

type Publisher interface {
	Publish(ctx context.Context, channel string, ev Event) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, channel string, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, channel, ev); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", p, err))
		}
	}
	return errors.Join(errs...)
}
