package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"townhall/api/internal/metrics"
	"townhall/api/internal/store"
)

// Dispatcher delivers one event to an external transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
}

// LogDispatcher writes events to the process log.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(_ context.Context, event Event) error {
	log.Printf("notify: event id=%d topic=%s payload=%s", event.ID, event.Topic, string(event.Payload))
	return nil
}

const DefaultChannel = "townhall:events"

// RedisDispatcher publishes events as JSON on a pub/sub channel.
type RedisDispatcher struct {
	client  *redis.Client
	channel string
}

func NewRedisDispatcher(client *redis.Client, channel string) *RedisDispatcher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisDispatcher{client: client, channel: channel}
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := d.client.Publish(ctx, d.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event %d: %w", event.ID, err)
	}
	return nil
}

// Multi fans an event out to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, event Event) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type outboxClaimer interface {
	ClaimOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
}

// Relay moves claimed outbox messages to a dispatcher. A message is claimed
// before it is dispatched, so each is handed out at most once even with
// several relays running.
type Relay struct {
	outbox     outboxClaimer
	dispatcher Dispatcher
	batch      int
	metrics    *metrics.Metrics
}

func NewRelay(outbox outboxClaimer, dispatcher Dispatcher, m *metrics.Metrics) *Relay {
	return &Relay{outbox: outbox, dispatcher: dispatcher, batch: 100, metrics: m}
}

// Drain claims and dispatches until the outbox is empty. It returns the
// number of messages handed to the dispatcher without error.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	delivered := 0
	for {
		msgs, err := r.outbox.ClaimOutbox(ctx, r.batch)
		if err != nil {
			return delivered, fmt.Errorf("claim outbox: %w", err)
		}
		for _, msg := range msgs {
			if err := r.dispatcher.Dispatch(ctx, fromOutbox(msg)); err != nil {
				r.metrics.OutboxDispatched(msg.Topic, false)
				log.Printf("notify: dispatch id=%d topic=%s: %v", msg.ID, msg.Topic, err)
				continue
			}
			r.metrics.OutboxDispatched(msg.Topic, true)
			delivered++
		}
		if len(msgs) < r.batch {
			return delivered, nil
		}
	}
}

// Run drains the outbox every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			log.Printf("notify: relay drain: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
