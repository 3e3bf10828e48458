// Package publisher delivers appended progress events to observers. The relay
// tails the event log and hands each event to the configured sinks at most
// once per dedup window.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/telemetry"
)

// Sink is one delivery transport.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev models.ProgressEvent) error
}

// Dedup remembers published event ids in Redis for ttl.
type Dedup struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewDedup(client *redis.Client, ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Dedup{client: client, prefix: "progress:seen:", ttl: ttl}
}

// Mark records eventID and reports whether this is its first sighting.
func (d *Dedup) Mark(ctx context.Context, eventID string) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+eventID, 1, d.ttl).Result()
}

// Forget clears eventID so a failed delivery can be retried.
func (d *Dedup) Forget(ctx context.Context, eventID string) error {
	return d.client.Del(ctx, d.prefix+eventID).Err()
}

// Publisher fans one event out to every sink.
type Publisher struct {
	sinks []Sink
	dedup *Dedup
}

func New(dedup *Dedup, sinks ...Sink) *Publisher {
	return &Publisher{sinks: sinks, dedup: dedup}
}

// Publish delivers ev unless it was already delivered. When a sink fails the
// dedup mark is dropped and the error returned; sinks that already accepted
// the event may see it again on retry.
func (p *Publisher) Publish(ctx context.Context, ev models.ProgressEvent) error {
	first, err := p.dedup.Mark(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("dedup %s: %w", ev.ID, err)
	}
	if !first {
		telemetry.EventsDeduped.Inc()
		return nil
	}
	for _, sink := range p.sinks {
		if err := sink.Publish(ctx, ev); err != nil {
			if ferr := p.dedup.Forget(context.WithoutCancel(ctx), ev.ID); ferr != nil {
				err = errors.Join(err, ferr)
			}
			return fmt.Errorf("publish %s to %s: %w", ev.ID, sink.Name(), err)
		}
		telemetry.EventsPublished.WithLabelValues(sink.Name()).Inc()
	}
	return nil
}
