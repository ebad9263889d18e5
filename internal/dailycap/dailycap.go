// Package dailycap holds the system-wide, date-scoped send counter that backs
// the daily cap. Days are local calendar days of the time passed in.
package dailycap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DayKey formats the calendar day of t in t's location.
func DayKey(t time.Time) string { return t.Format("2006-01-02") }

// Memory is a process-local counter. It is only system-wide for a single
// process and forgets everything on restart.
type Memory struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemory() *Memory { return &Memory{counts: make(map[string]int)} }

func (m *Memory) Count(_ context.Context, day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[DayKey(day)], nil
}

func (m *Memory) Increment(_ context.Context, day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := DayKey(day)
	m.counts[k]++
	// keep only today and yesterday
	for old := range m.counts {
		if old < DayKey(day.AddDate(0, 0, -1)) {
			delete(m.counts, old)
		}
	}
	return m.counts[k], nil
}

const (
	keyDailySent = "outreach:sent:%s"
	keyTTL       = 48 * time.Hour
)

// Redis shares the counter between every engine process pointed at the
// same Redis.
type Redis struct {
	Client redis.UniversalClient
}

func NewRedis(c redis.UniversalClient) *Redis { return &Redis{Client: c} }

func (r *Redis) Count(ctx context.Context, day time.Time) (int, error) {
	v, err := r.Client.Get(ctx, fmt.Sprintf(keyDailySent, DayKey(day))).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("daily counter get: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("daily counter value %q: %w", v, err)
	}
	return n, nil
}

func (r *Redis) Increment(ctx context.Context, day time.Time) (int, error) {
	key := fmt.Sprintf(keyDailySent, DayKey(day))
	pipe := r.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("daily counter incr: %w", err)
	}
	return int(incr.Val()), nil
}
