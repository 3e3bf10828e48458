package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"enrichment-orchestrator/internal/models"
)

// Channel is the pub/sub channel carrying jobID's events.
func Channel(jobID string) string {
	return "progress:" + jobID
}

// RedisSink publishes JSON events on the job's channel.
type RedisSink struct {
	client *redis.Client
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, ev models.ProgressEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, Channel(ev.JobID), body).Err()
}

// Subscription streams one job's events with duplicate event ids removed.
type Subscription struct {
	pubsub *redis.PubSub
	out    chan models.ProgressEvent
	once   sync.Once
}

// Subscribe listens on jobID's channel until ctx is done or Close is called.
func Subscribe(ctx context.Context, client *redis.Client, jobID string) (*Subscription, error) {
	ps := client.Subscribe(ctx, Channel(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", jobID, err)
	}
	s := &Subscription{pubsub: ps, out: make(chan models.ProgressEvent, 64)}
	go s.pump(ctx)
	return s, nil
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan models.ProgressEvent {
	return s.out
}

func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.pubsub.Close() })
	return err
}

func (s *Subscription) pump(ctx context.Context) {
	defer close(s.out)
	defer s.Close()
	seen := make(map[string]struct{})
	msgs := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev models.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("drop malformed progress message")
				continue
			}
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			select {
			case s.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
