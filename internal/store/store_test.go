package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichment-orchestrator/internal/models"
)

// pagedLog serves EventsAfter with the same page clamp as the backends.
type pagedLog struct {
	events []models.ProgressEvent
	calls  int
}

func (l *pagedLog) AppendEvent(context.Context, models.ProgressEvent) (models.ProgressEvent, error) {
	return models.ProgressEvent{}, nil
}

func (l *pagedLog) LatestState(context.Context, string) (models.StateSnapshot, error) {
	return models.StateSnapshot{}, nil
}

func (l *pagedLog) EventsAfter(_ context.Context, _ string, after int64, limit int) ([]models.ProgressEvent, error) {
	l.calls++
	var out []models.ProgressEvent
	for _, ev := range l.events {
		if ev.Sequence > after && len(out) < ClampLimit(limit) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *pagedLog) TailEvents(context.Context, int64, int) ([]models.ProgressEvent, error) {
	return nil, nil
}

func (l *pagedLog) EventsAt(context.Context, []int64) ([]models.ProgressEvent, error) {
	return nil, nil
}

func TestHistoryWalksPastClampedPages(t *testing.T) {
	log := &pagedLog{}
	for i := range 1200 {
		log.events = append(log.events, models.ProgressEvent{JobID: "job-1", Sequence: int64(i + 1)})
	}

	var seen int64
	for ev, err := range History(context.Background(), log, "job-1", 0, 1000) {
		require.NoError(t, err)
		seen++
		assert.Equal(t, seen, ev.Sequence)
	}
	assert.EqualValues(t, 1200, seen)
	assert.Equal(t, 3, log.calls)
}

func TestHistoryResumesFromSince(t *testing.T) {
	log := &pagedLog{}
	for i := range 5 {
		log.events = append(log.events, models.ProgressEvent{JobID: "job-1", Sequence: int64(i + 1)})
	}
	var got []int64
	for ev, err := range History(context.Background(), log, "job-1", 3, 0) {
		require.NoError(t, err)
		got = append(got, ev.Sequence)
	}
	assert.Equal(t, []int64{4, 5}, got)
}
