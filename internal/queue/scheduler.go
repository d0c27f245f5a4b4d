package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scheduler holds ids with a due time. Due claims and removes entries whose time has come,
// so each id is handed out once even with several workers polling.
type Scheduler interface {
	Schedule(ctx context.Context, id string, due time.Time) error
	Cancel(ctx context.Context, id string) error
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// RedisScheduler keeps due times in a sorted set scored by unix milliseconds.
type RedisScheduler struct {
	client *redis.Client
	key    string
}

// NewRedisScheduler creates a ZSET-backed scheduler.
func NewRedisScheduler(client *redis.Client, key string) *RedisScheduler {
	if key == "" {
		key = "geoattend:purge"
	}
	return &RedisScheduler{client: client, key: key}
}

func (s *RedisScheduler) Schedule(ctx context.Context, id string, due time.Time) error {
	return s.client.ZAdd(ctx, s.key, redis.Z{Score: float64(due.UnixMilli()), Member: id}).Err()
}

func (s *RedisScheduler) Cancel(ctx context.Context, id string) error {
	return s.client.ZRem(ctx, s.key, id).Err()
}

func (s *RedisScheduler) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := s.client.ZRem(ctx, s.key, id).Result()
		if err != nil {
			return claimed, err
		}
		if n == 1 {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}

// MemoryScheduler is the in-process Scheduler.
type MemoryScheduler struct {
	mu  sync.Mutex
	due map[string]time.Time
}

// NewMemoryScheduler creates an empty scheduler.
func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{due: make(map[string]time.Time)}
}

func (s *MemoryScheduler) Schedule(_ context.Context, id string, due time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.due[id] = due
	return nil
}

func (s *MemoryScheduler) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.due, id)
	return nil
}

func (s *MemoryScheduler) Due(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, due := range s.due {
		if !due.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return s.due[ids[i]].Before(s.due[ids[j]]) })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	for _, id := range ids {
		delete(s.due, id)
	}
	return ids, nil
}
