package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
)

// Store persists one State per user and propagates every save to subscribers of that user.
type Store interface {
	// Load returns the saved state, or the zero State when none exists.
	Load(ctx context.Context, userID string) (State, error)
	Save(ctx context.Context, userID string, s State) error
	// Subscribe streams states saved after the call returns until ctx is done.
	Subscribe(ctx context.Context, userID string) (<-chan State, error)
}

// RedisStore keeps states as JSON strings and fans out changes over pub/sub.
type RedisStore struct {
	client *redis.Client
	prefix string
	expiry time.Duration
}

// NewRedisStore creates a store whose keys outlive the verification TTL only briefly.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: "geoattend:verify", expiry: 2 * ttl}
}

func (r *RedisStore) key(userID string) string     { return r.prefix + ":state:" + userID }
func (r *RedisStore) channel(userID string) string { return r.prefix + ":events:" + userID }

func (r *RedisStore) Load(ctx context.Context, userID string) (State, error) {
	raw, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if err == redis.Nil {
		return State{Phase: Idle}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load verification state: %w", err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		// A corrupt entry restarts the flow.
		return State{Phase: Idle}, nil
	}
	return s.Normalized(), nil
}

func (r *RedisStore) Save(ctx context.Context, userID string, s State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(userID), raw, r.expiry)
	pipe.Publish(ctx, r.channel(userID), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save verification state: %w", err)
	}
	return nil
}

func (r *RedisStore) Subscribe(ctx context.Context, userID string) (<-chan State, error) {
	sub := r.client.Subscribe(ctx, r.channel(userID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe verification state: %w", err)
	}
	out := make(chan State, 8)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var s State
				if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
					continue
				}
				select {
				case out <- s.Normalized():
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// MemoryStore is the in-process Store backed by a TTL cache.
type MemoryStore struct {
	cache *ttlcache.Cache[string, State]

	mu   sync.Mutex
	subs map[string]map[chan State]struct{}
}

// NewMemoryStore creates a store whose entries are dropped after twice the verification TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, State](2*ttl),
			ttlcache.WithDisableTouchOnHit[string, State](),
		),
		subs: make(map[string]map[chan State]struct{}),
	}
}

func (m *MemoryStore) Load(_ context.Context, userID string) (State, error) {
	item := m.cache.Get(userID)
	if item == nil {
		return State{Phase: Idle}, nil
	}
	return item.Value().Normalized(), nil
}

func (m *MemoryStore) Save(_ context.Context, userID string, s State) error {
	m.cache.Set(userID, s, ttlcache.DefaultTTL)

	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs[userID] {
		select {
		case ch <- s:
		default:
			// Slow subscribers miss intermediate states; the next Load catches them up.
		}
	}
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, userID string) (<-chan State, error) {
	ch := make(chan State, 8)
	m.mu.Lock()
	if m.subs[userID] == nil {
		m.subs[userID] = make(map[chan State]struct{})
	}
	m.subs[userID][ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs[userID], ch)
		if len(m.subs[userID]) == 0 {
			delete(m.subs, userID)
		}
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}
