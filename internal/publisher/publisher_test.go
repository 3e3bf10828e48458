package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/store/storetest"
)

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

// recordingSink keeps delivered events and fails while failing is set.
type recordingSink struct {
	mu      sync.Mutex
	got     []models.ProgressEvent
	failing bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, ev models.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("sink down")
	}
	s.got = append(s.got, ev)
	return nil
}

func (s *recordingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.got))
	for _, ev := range s.got {
		out = append(out, ev.ID)
	}
	return out
}

func TestPublishDeduplicatesByEventID(t *testing.T) {
	ctx := context.Background()
	client, mr := newRedis(t)
	sink := &recordingSink{}
	p := New(NewDedup(client, time.Minute), sink)

	ev := models.ProgressEvent{ID: "ev-1", JobID: "job-1", Type: models.EventStarted}
	require.NoError(t, p.Publish(ctx, ev))
	require.NoError(t, p.Publish(ctx, ev))
	assert.Equal(t, []string{"ev-1"}, sink.ids())

	mr.FastForward(2 * time.Minute)
	require.NoError(t, p.Publish(ctx, ev))
	assert.Len(t, sink.ids(), 2, "dedup window expired")
}

func TestPublishFailureForgetsMark(t *testing.T) {
	ctx := context.Background()
	client, _ := newRedis(t)
	sink := &recordingSink{failing: true}
	p := New(NewDedup(client, time.Minute), sink)

	ev := models.ProgressEvent{ID: "ev-1", JobID: "job-1", Type: models.EventStarted}
	assert.Error(t, p.Publish(ctx, ev))
	sink.failing = false
	require.NoError(t, p.Publish(ctx, ev))
	assert.Equal(t, []string{"ev-1"}, sink.ids())
}

func appendEvents(t *testing.T, n int) (*recordingSink, *Relay, []models.ProgressEvent) {
	t.Helper()
	ctx := context.Background()
	st := storetest.NewSQLite(t)
	job, err := st.CreateJob(ctx, storetest.BOMJob("tenant-a", n))
	require.NoError(t, err)
	var appended []models.ProgressEvent
	for range n {
		ev, err := models.NewEvent(job, models.EventProgress, nil)
		require.NoError(t, err)
		stored, err := st.AppendEvent(ctx, ev)
		require.NoError(t, err)
		appended = append(appended, stored)
	}
	client, _ := newRedis(t)
	sink := &recordingSink{}
	relay := NewRelay(st, New(NewDedup(client, time.Hour), sink), client, 4, time.Millisecond)
	return sink, relay, appended
}

func TestRelayPublishesInPositionOrderAndPersistsCursor(t *testing.T) {
	ctx := context.Background()
	sink, relay, appended := appendEvents(t, 10)

	for {
		n, err := relay.RunOnce(ctx)
		require.NoError(t, err)
		if len(sink.ids()) == len(appended) || n == 0 {
			break
		}
	}
	var want []string
	for _, ev := range appended {
		want = append(want, ev.ID)
	}
	assert.Equal(t, want, sink.ids())

	cursor, err := relay.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, appended[len(appended)-1].Position, cursor)

	_, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, sink.ids(), len(appended), "nothing past the cursor is republished")
	gaps, err := relay.Gaps(ctx)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestRelayStopsAtFailedEvent(t *testing.T) {
	ctx := context.Background()
	sink, relay, appended := appendEvents(t, 3)
	sink.failing = true

	_, err := relay.RunOnce(ctx)
	assert.Error(t, err)
	cursor, err := relay.Cursor(ctx)
	require.NoError(t, err)
	assert.Zero(t, cursor)

	sink.failing = false
	_, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, sink.ids(), len(appended))
}

// lateLog is an event log whose events become visible out of position order,
// like transactions committing behind a faster one.
type lateLog struct {
	mu      sync.Mutex
	visible map[int64]models.ProgressEvent
}

func (l *lateLog) commit(pos int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.visible[pos] = models.ProgressEvent{ID: fmt.Sprintf("ev-%d", pos), JobID: "job-1", Position: pos, Type: models.EventProgress}
}

func (l *lateLog) AppendEvent(context.Context, models.ProgressEvent) (models.ProgressEvent, error) {
	return models.ProgressEvent{}, errors.New("read only")
}

func (l *lateLog) LatestState(context.Context, string) (models.StateSnapshot, error) {
	return models.StateSnapshot{}, models.ErrNotFound
}

func (l *lateLog) EventsAfter(context.Context, string, int64, int) ([]models.ProgressEvent, error) {
	return nil, nil
}

func (l *lateLog) TailEvents(_ context.Context, after int64, limit int) ([]models.ProgressEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.ProgressEvent
	for pos := after + 1; pos <= after+100 && len(out) < limit; pos++ {
		if ev, ok := l.visible[pos]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *lateLog) EventsAt(_ context.Context, positions []int64) ([]models.ProgressEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.ProgressEvent
	for _, pos := range positions {
		if ev, ok := l.visible[pos]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestRelayPublishesLateCommitsIntoGaps(t *testing.T) {
	ctx := context.Background()
	client, _ := newRedis(t)
	events := &lateLog{visible: map[int64]models.ProgressEvent{}}
	sink := &recordingSink{}
	relay := NewRelay(events, New(NewDedup(client, time.Hour), sink), client, 50, time.Millisecond)
	clock := time.Now()
	relay.now = func() time.Time { return clock }

	for _, pos := range []int64{1, 2, 5} {
		events.commit(pos)
	}
	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	gaps, err := relay.Gaps(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, gaps)

	events.commit(4)
	events.commit(6)
	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"ev-1", "ev-2", "ev-5", "ev-4", "ev-6"}, sink.ids())
	cursor, err := relay.Cursor(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 6, cursor)
	gaps, err = relay.Gaps(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, gaps)

	clock = clock.Add(defaultGapTTL + time.Second)
	events.commit(3)
	_, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.NotContains(t, sink.ids(), "ev-3", "expired gaps are no longer read")
	gaps, err = relay.Gaps(ctx)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestRedisSinkAndSubscriber(t *testing.T) {
	client, _ := newRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := Subscribe(ctx, client, "job-1")
	require.NoError(t, err)
	defer sub.Close()

	sink := NewRedisSink(client)
	first := models.ProgressEvent{ID: "ev-1", JobID: "job-1", Sequence: 1, Type: models.EventStarted}
	second := models.ProgressEvent{ID: "ev-2", JobID: "job-1", Sequence: 2, Type: models.EventItemCompleted}
	require.NoError(t, sink.Publish(ctx, first))
	require.NoError(t, sink.Publish(ctx, first))
	require.NoError(t, sink.Publish(ctx, models.ProgressEvent{ID: "other", JobID: "job-2"}))
	require.NoError(t, sink.Publish(ctx, second))

	var got []string
	for len(got) < 2 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev.ID)
		case <-ctx.Done():
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []string{"ev-1", "ev-2"}, got)
}

type fakeChannel struct {
	exchange string
	kind     string
	durable  bool
	keys     []string
	msgs     []amqp.Publishing
	closed   bool
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	c.exchange, c.kind, c.durable = name, kind, durable
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if exchange != c.exchange {
		return errors.New("unknown exchange")
	}
	c.keys = append(c.keys, key)
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func TestAMQPSinkPublishesPersistentTopicMessages(t *testing.T) {
	ch := &fakeChannel{}
	sink, err := newAMQPSink(ch, "enrichment.progress")
	require.NoError(t, err)
	assert.Equal(t, amqp.ExchangeTopic, ch.kind)
	assert.True(t, ch.durable)

	ev := models.ProgressEvent{ID: "ev-9", JobID: "job-1", Sequence: 4, Type: models.EventItemFailed}
	require.NoError(t, sink.Publish(context.Background(), ev))
	require.Len(t, ch.msgs, 1)
	assert.Equal(t, "progress.item_failed", ch.keys[0])
	msg := ch.msgs[0]
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "ev-9", msg.MessageId)
	assert.Equal(t, "job-1", msg.Headers["job_id"])

	var decoded models.ProgressEvent
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)

	require.NoError(t, sink.Close())
	assert.True(t, ch.closed)
}
