package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// RevocationStore 以原始 access token 为键维护黑名单，条目保留到 token 自然过期。
type RevocationStore interface {
	Put(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
}

// RedisRevocationStore 把吊销的 token 存为带过期时间的 Redis key。
type RedisRevocationStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRevocationStore(client redis.UniversalClient) *RedisRevocationStore {
	return &RedisRevocationStore{client: client, prefix: "revoked:"}
}

func (r *RedisRevocationStore) key(token string) string {
	return r.prefix + token
}

func (r *RedisRevocationStore) Put(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.key(key), "logout", ttl).Err()
}

func (r *RedisRevocationStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MemoryRevocationStore 是进程内实现，用于单机开发和测试。
type MemoryRevocationStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{entries: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryRevocationStore) Put(_ context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = m.now().Add(ttl)
	return nil
}

func (m *MemoryRevocationStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if !m.now().Before(exp) {
		delete(m.entries, key)
		return false, nil
	}
	return true, nil
}

// GuardedRevocationStore 为每次调用加超时，后端连续失败时熔断一段时间。
// 它返回的错误表示状态未知，Issuer 据此拒绝 token。
type GuardedRevocationStore struct {
	inner   RevocationStore
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
}

func NewGuardedRevocationStore(inner RevocationStore, timeout time.Duration) *GuardedRevocationStore {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "revocation-store",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     3 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
	})
	return &GuardedRevocationStore{inner: inner, timeout: timeout, cb: cb}
}

func (g *GuardedRevocationStore) Put(ctx context.Context, key string, ttl time.Duration) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return nil, g.inner.Put(ctx, key, ttl)
	})
	if err != nil {
		return fmt.Errorf("revocation put: %w", err)
	}
	return nil
}

func (g *GuardedRevocationStore) Exists(ctx context.Context, key string) (bool, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.inner.Exists(ctx, key)
	})
	if err != nil {
		return false, fmt.Errorf("revocation lookup: %w", err)
	}
	return res.(bool), nil
}

// NewRedisClient 连接 Redis，并要求两秒内响应 PING。
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
