package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Pool runs size claim-and-run loops plus the lease reaper.
type Pool struct {
	sched *Scheduler
	size  int
	poll  time.Duration
	reap  time.Duration
}

// NewPool builds a worker pool. poll is the idle wait between empty claim
// passes; reap is the lease reaper interval.
func NewPool(s *Scheduler, size int, poll, reap time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	if poll <= 0 {
		poll = time.Second
	}
	if reap <= 0 {
		reap = 5 * time.Second
	}
	return &Pool{sched: s, size: size, poll: poll, reap: reap}
}

// Run blocks until ctx is cancelled and every loop has released its claim.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		w := p.sched.Worker(fmt.Sprintf("%s-%d", p.sched.WorkerID(), i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, w)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reaper(ctx)
	}()
	log.Info().Int("workers", p.size).Dur("poll", p.poll).Msg("worker pool started")
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) loop(ctx context.Context, w *Scheduler) {
	for ctx.Err() == nil {
		job, ok, err := w.ClaimNext(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("worker_id", w.WorkerID()).Msg("claim failed")
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.poll):
			}
			continue
		}
		if err := w.Run(ctx, job); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("job_id", job.ID).Str("worker_id", w.WorkerID()).Msg("run ended")
		}
	}
}

func (p *Pool) reaper(ctx context.Context) {
	ticker := time.NewTicker(p.reap)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.sched.ReapExpired(ctx, time.Now()); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("lease reaper failed")
			}
		}
	}
}
