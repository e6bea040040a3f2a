package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

// Handler consumes events read from the bus.
type Handler func(ctx context.Context, ev domain.Event, payload []byte)

// Subscriber listens on the all-events channel and hands every decoded
// event to a handler. The API replicas use it to feed their WebSocket hubs
// with events committed anywhere in the deployment.
type Subscriber struct {
	bus     domain.SignalBus
	handler Handler
	logger  *slog.Logger
}

// NewSubscriber creates a Subscriber.
func NewSubscriber(bus domain.SignalBus, handler Handler, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		bus:     bus,
		handler: handler,
		logger:  logger.With(slog.String("component", "feed_subscriber")),
	}
}

// Run blocks until ctx is cancelled or the subscription closes.
func (s *Subscriber) Run(ctx context.Context) error {
	ch, err := s.bus.Subscribe(ctx, ChannelEvents)
	if err != nil {
		return err
	}
	s.logger.Info("feed subscriber started")
	defer s.logger.Info("feed subscriber stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			var ev domain.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				s.logger.Debug("feed subscriber: undecodable message",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
				continue
			}
			s.handler(ctx, ev, data)
		}
	}
}
