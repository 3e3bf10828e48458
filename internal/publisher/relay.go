package publisher

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"enrichment-orchestrator/internal/store"
)

const defaultGapTTL = 5 * time.Minute

// Relay polls the event log by position and publishes new events. Its cursor
// lives in Redis so a restarted relay resumes where the last one stopped.
//
// Positions are allocated before commit, so a slow transaction can land
// behind an event the relay already passed. Every position the tail skips is
// kept in a Redis sorted set scored by when it was first seen and re-read on
// later passes until it fills or ages past the gap TTL; rolled back
// transactions leave holes that never fill. At most batch positions are
// tracked behind any one event.
type Relay struct {
	events    store.EventLog
	publisher *Publisher
	client    *redis.Client
	cursorKey string
	gapKey    string
	batch     int
	poll      time.Duration
	gapTTL    time.Duration
	now       func() time.Time
}

func NewRelay(events store.EventLog, p *Publisher, client *redis.Client, batch int, poll time.Duration) *Relay {
	if batch <= 0 {
		batch = 200
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Relay{
		events:    events,
		publisher: p,
		client:    client,
		cursorKey: "progress:relay:cursor",
		gapKey:    "progress:relay:gaps",
		batch:     batch,
		poll:      poll,
		gapTTL:    defaultGapTTL,
		now:       time.Now,
	}
}

// Cursor returns the highest position already published.
func (r *Relay) Cursor(ctx context.Context) (int64, error) {
	pos, err := r.client.Get(ctx, r.cursorKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return pos, err
}

// Gaps returns the skipped positions still awaited, ascending.
func (r *Relay) Gaps(ctx context.Context) ([]int64, error) {
	members, err := r.client.ZRange(ctx, r.gapKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	gaps := parsePositions(members)
	slices.Sort(gaps)
	return gaps, nil
}

func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("relay pass failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce publishes late arrivals in known gaps, then one batch past the
// cursor, and returns the number of events published. The cursor advances
// past every event delivered before a failure.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	filled, err := r.fillGaps(ctx)
	if err != nil {
		return filled, err
	}

	cursor, err := r.Cursor(ctx)
	if err != nil {
		return filled, err
	}
	events, err := r.events.TailEvents(ctx, cursor, r.batch)
	if err != nil {
		return filled, err
	}
	seen := float64(r.now().UnixMilli())
	next := cursor
	published := 0
	var (
		pubErr error
		gaps   []redis.Z
	)
	for _, ev := range events {
		if err := r.publisher.Publish(ctx, ev); err != nil {
			pubErr = err
			break
		}
		for pos := max(next+1, ev.Position-int64(r.batch)); pos < ev.Position; pos++ {
			gaps = append(gaps, redis.Z{Score: seen, Member: pos})
		}
		next = ev.Position
		published++
	}
	if next > cursor {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(gaps) > 0 {
				pipe.ZAddNX(ctx, r.gapKey, gaps...)
			}
			pipe.Set(ctx, r.cursorKey, next, 0)
			return nil
		})
		if err != nil {
			return filled + published, errors.Join(pubErr, err)
		}
	}
	return filled + published, pubErr
}

// fillGaps publishes events that committed into skipped positions and drops
// gaps older than the TTL.
func (r *Relay) fillGaps(ctx context.Context) (int, error) {
	expiry := r.now().Add(-r.gapTTL).UnixMilli()
	dropped, err := r.client.ZRemRangeByScore(ctx, r.gapKey, "-inf", "("+strconv.FormatInt(expiry, 10)).Result()
	if err != nil {
		return 0, err
	}
	if dropped > 0 {
		log.Warn().Int64("gaps", dropped).Msg("relay gave up on unfilled event positions")
	}

	members, err := r.client.ZRange(ctx, r.gapKey, 0, int64(r.batch-1)).Result()
	if err != nil || len(members) == 0 {
		return 0, err
	}
	events, err := r.events.EventsAt(ctx, parsePositions(members))
	if err != nil {
		return 0, err
	}
	published := 0
	for _, ev := range events {
		if err := r.publisher.Publish(ctx, ev); err != nil {
			return published, err
		}
		if err := r.client.ZRem(ctx, r.gapKey, ev.Position).Err(); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

func parsePositions(members []string) []int64 {
	out := make([]int64, 0, len(members))
	for _, m := range members {
		pos, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, pos)
	}
	return out
}
