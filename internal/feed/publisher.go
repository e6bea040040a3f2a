// Package feed is the engine's change feed: committed events leave the
// engine through Publisher, get signed, and fan out to sinks (the Redis
// signal bus for indexers and other replicas, operator alerts, local
// WebSocket clients). Subscriber is the receiving side on the bus.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

const (
	// ChannelEvents is the pub/sub channel carrying every event.
	ChannelEvents = "events"
	// StreamEvents is the durable stream indexers read.
	StreamEvents = "stream:events"

	defaultBuffer = 1024
	drainTimeout  = 5 * time.Second
)

// MarketChannel is the per-market pub/sub channel.
func MarketChannel(id uint64) string {
	return "events:market:" + strconv.FormatUint(id, 10)
}

// Sink receives each published event with its JSON encoding.
type Sink interface {
	Deliver(ctx context.Context, ev domain.Event, payload []byte) error
	Name() string
}

// EventSigner signs events in place before they are delivered.
type EventSigner interface {
	SignEvent(ev *domain.Event) error
}

// Stats are cumulative publisher counters.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	LastSeq   uint64 `json:"last_seq"`
}

// Publisher queues committed events and delivers them from its own
// goroutine, so the engine never waits on Redis or chat webhooks. When the
// queue is full the event is dropped from the live feed and counted; the
// journal stays the source of truth.
type Publisher struct {
	queue  chan domain.Event
	sinks  []Sink
	signer EventSigner
	logger *slog.Logger

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	lastSeq   atomic.Uint64
}

// NewPublisher creates a Publisher. signer may be nil; buffer <= 0 selects
// the default queue size.
func NewPublisher(sinks []Sink, signer EventSigner, buffer int, logger *slog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		queue:  make(chan domain.Event, buffer),
		sinks:  sinks,
		signer: signer,
		logger: logger.With(slog.String("component", "feed")),
	}
}

// Publish enqueues events without blocking.
func (p *Publisher) Publish(ctx context.Context, events []domain.Event) {
	for _, ev := range events {
		select {
		case p.queue <- ev:
		default:
			p.dropped.Add(1)
			p.logger.WarnContext(ctx, "feed: queue full, event dropped",
				slog.Uint64("seq", ev.Seq),
				slog.String("type", string(ev.Type)),
			)
		}
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// already queued within a short grace period.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("feed: publisher started", slog.Int("sinks", len(p.sinks)))
	defer p.logger.Info("feed: publisher stopped")

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		case ev := <-p.queue:
			p.deliver(ctx, ev)
		}
	}
}

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-p.queue:
			p.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, ev domain.Event) {
	if p.signer != nil {
		if err := p.signer.SignEvent(&ev); err != nil {
			p.logger.ErrorContext(ctx, "feed: sign event",
				slog.Uint64("seq", ev.Seq),
				slog.String("error", err.Error()),
			)
		}
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.failed.Add(1)
		p.logger.ErrorContext(ctx, "feed: encode event",
			slog.Uint64("seq", ev.Seq),
			slog.String("error", err.Error()),
		)
		return
	}

	ok := true
	for _, s := range p.sinks {
		if err := s.Deliver(ctx, ev, payload); err != nil {
			ok = false
			p.logger.WarnContext(ctx, "feed: sink failed",
				slog.String("sink", s.Name()),
				slog.Uint64("seq", ev.Seq),
				slog.String("error", err.Error()),
			)
		}
	}
	if !ok {
		p.failed.Add(1)
	}
	p.published.Add(1)
	p.lastSeq.Store(ev.Seq)
}

// Stats returns the current counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
		LastSeq:   p.lastSeq.Load(),
	}
}

// BusSink publishes to the signal bus: the all-events channel, the market's
// channel, and the durable stream.
type BusSink struct {
	bus domain.SignalBus
}

// NewBusSink creates a BusSink.
func NewBusSink(bus domain.SignalBus) *BusSink { return &BusSink{bus: bus} }

func (s *BusSink) Name() string { return "bus" }

func (s *BusSink) Deliver(ctx context.Context, ev domain.Event, payload []byte) error {
	if err := s.bus.StreamAppend(ctx, StreamEvents, payload); err != nil {
		return fmt.Errorf("feed: stream append: %w", err)
	}
	if err := s.bus.Publish(ctx, ChannelEvents, payload); err != nil {
		return fmt.Errorf("feed: publish: %w", err)
	}
	if ev.MarketID != 0 {
		if err := s.bus.Publish(ctx, MarketChannel(ev.MarketID), payload); err != nil {
			return fmt.Errorf("feed: publish market %d: %w", ev.MarketID, err)
		}
	}
	return nil
}

// Alerter is the operator alert channel.
type Alerter interface {
	NotifyEvent(ctx context.Context, ev domain.Event) error
}

// AlertSink forwards events to operator alerts.
type AlertSink struct {
	alerter Alerter
}

// NewAlertSink creates an AlertSink.
func NewAlertSink(a Alerter) *AlertSink { return &AlertSink{alerter: a} }

func (s *AlertSink) Name() string { return "alerts" }

func (s *AlertSink) Deliver(ctx context.Context, ev domain.Event, _ []byte) error {
	return s.alerter.NotifyEvent(ctx, ev)
}
