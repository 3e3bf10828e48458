// Package lease implements the exclusive, expiring job claims held by
// scheduler instances in Redis.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"enrichment-orchestrator/internal/models"
)

// Manager coordinates lease keys and the in-flight deadline set.
type Manager struct {
	client      *redis.Client
	keyPrefix   string
	inflightKey string
	ttl         time.Duration
}

// NewManager builds a lease manager. A zero ttl defaults to 30s.
func NewManager(client *redis.Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Manager{
		client:      client,
		keyPrefix:   "lease:job:",
		inflightKey: "lease:inflight",
		ttl:         ttl,
	}
}

// TTL is the lease duration granted by Acquire and Renew.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func (m *Manager) key(jobID string) string {
	return m.keyPrefix + jobID
}

func (m *Manager) deadline() int64 {
	return time.Now().Add(m.ttl).UnixMilli()
}

// Acquire grants owner the lease on jobID, or returns models.ErrAlreadyClaimed
// while another owner holds an unexpired lease.
func (m *Manager) Acquire(ctx context.Context, jobID, owner string) error {
	ok, err := acquireScript.Run(ctx, m.client, []string{m.key(jobID), m.inflightKey},
		owner, m.ttl.Milliseconds(), m.deadline(), jobID).Int()
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", jobID, err)
	}
	if ok == 0 {
		return fmt.Errorf("job %s: %w", jobID, models.ErrAlreadyClaimed)
	}
	return nil
}

// Renew extends the lease if owner still holds it, or returns models.ErrLeaseLost.
func (m *Manager) Renew(ctx context.Context, jobID, owner string) error {
	ok, err := renewScript.Run(ctx, m.client, []string{m.key(jobID), m.inflightKey},
		owner, m.ttl.Milliseconds(), m.deadline(), jobID).Int()
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", jobID, err)
	}
	if ok == 0 {
		return fmt.Errorf("job %s: %w", jobID, models.ErrLeaseLost)
	}
	return nil
}

// Release drops the lease if owner holds it. Releasing a lease that already
// expired or moved to another owner returns models.ErrLeaseLost.
func (m *Manager) Release(ctx context.Context, jobID, owner string) error {
	ok, err := releaseScript.Run(ctx, m.client, []string{m.key(jobID), m.inflightKey}, owner, jobID).Int()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", jobID, err)
	}
	if ok == 0 {
		return fmt.Errorf("job %s: %w", jobID, models.ErrLeaseLost)
	}
	return nil
}

// Holder returns the current owner of jobID's lease.
func (m *Manager) Holder(ctx context.Context, jobID string) (string, bool, error) {
	owner, err := m.client.Get(ctx, m.key(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}

// Expired returns jobs whose deadline passed and whose lease key is gone,
// removing them from the in-flight set so exactly one reaper sees each.
func (m *Manager) Expired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return expiredScript.Run(ctx, m.client, []string{m.inflightKey}, now.UnixMilli(), limit, m.keyPrefix).StringSlice()
}

// InFlight counts leases tracked in the deadline set.
func (m *Manager) InFlight(ctx context.Context) (int64, error) {
	return m.client.ZCard(ctx, m.inflightKey).Result()
}

var acquireScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
  return 1
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 1
end
return 0
`)

var expiredScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {}
for _, id in ipairs(ids) do
  if redis.call('EXISTS', ARGV[3] .. id) == 0 then
    redis.call('ZREM', KEYS[1], id)
    table.insert(out, id)
  end
end
return out
`)
