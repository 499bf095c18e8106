// SPDX-License-Identifier: MIT

package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/michaelasham/wa-hub-sub000/internal/log"
)

const (
	redisRecordPrefix   = "wahub:idem:rec:"
	redisInstancePrefix = "wahub:idem:inst:"
)

// RedisOptions holds Redis connection configuration for the store.
type RedisOptions struct {
	Addr      string // Redis server address (host:port)
	Password  string // Redis password (optional)
	DB        int    // Redis database number
	Retention time.Duration
}

// RedisStore keeps records in Redis with a TTL equal to the configured
// retention, so eviction is delegated to the server. A per-instance SET
// indexes keys for DeleteByInstance.
type RedisStore struct {
	mu        sync.Mutex
	client    *redis.Client
	logger    zerolog.Logger
	retention time.Duration
	now       func() time.Time
}

func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger := log.WithComponent("idempotency")
	logger.Info().
		Str("addr", opts.Addr).
		Int("db", opts.DB).
		Msg("connected to Redis idempotency store")

	return &RedisStore{
		client:    client,
		logger:    logger,
		retention: opts.Retention,
		now:       time.Now,
	}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, redisRecordPrefix+key).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return rec, true, nil
}

func (s *RedisStore) IsSent(ctx context.Context, key string) (bool, error) {
	rec, ok, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return ok && rec.Status == StatusSent, nil
}

func (s *RedisStore) IsQueued(ctx context.Context, key string, stale time.Duration) (bool, error) {
	rec, ok, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return ok && rec.Status == StatusQueued && s.now().Sub(rec.CreatedAt) < stale, nil
}

func (s *RedisStore) Upsert(ctx context.Context, rec Record) error {
	return s.apply(ctx, rec)
}

func (s *RedisStore) MarkSent(ctx context.Context, key, providerID string) error {
	return s.apply(ctx, Record{Key: key, Status: StatusSent, ProviderMessageID: providerID, SentAt: s.now()})
}

func (s *RedisStore) MarkFailed(ctx context.Context, key, reason string) error {
	return s.apply(ctx, Record{Key: key, Status: StatusFailed, Error: reason})
}

func (s *RedisStore) MarkSkipped(ctx context.Context, key, reason string) error {
	return s.apply(ctx, Record{Key: key, Status: StatusSkipped, Error: reason})
}

// Cleanup is a no-op: every record carries a TTL equal to the retention
// window, so the server evicts old entries without a sweep.
func (s *RedisStore) Cleanup(context.Context, time.Duration) (int, error) {
	return 0, nil
}

func (s *RedisStore) DeleteByInstance(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := opContext(ctx)
	defer cancel()

	idx := redisInstancePrefix + name
	keys, err := s.client.SMembers(ctx, idx).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("redis smembers failed: %w", err)
	}
	if len(keys) == 0 {
		s.client.Del(ctx, idx)
		return 0, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = redisRecordPrefix + k
	}
	removed, err := s.client.Del(ctx, full...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del failed: %w", err)
	}
	s.client.Del(ctx, idx)
	return int(removed), nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var cursor uint64
	total := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisRecordPrefix+"*", 200).Result()
		if err != nil {
			return 0, fmt.Errorf("redis scan failed: %w", err)
		}
		total += len(keys)
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// HealthCheck checks if Redis is available.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// apply performs a read-merge-write under the store lock. The process
// is the only writer for its keys, so no server-side transaction is
// needed.
func (s *RedisStore) apply(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok, err := s.Get(ctx, rec.Key)
	if err != nil {
		return err
	}
	now := s.now()
	if ok {
		rec = merge(existing, rec, now)
	} else {
		rec = newRecord(rec, now)
	}
	return s.put(ctx, rec)
}

func (s *RedisStore) put(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	if err := s.client.Set(ctx, redisRecordPrefix+rec.Key, data, s.retention).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	if rec.InstanceName != "" {
		idx := redisInstancePrefix + rec.InstanceName
		if err := s.client.SAdd(ctx, idx, rec.Key).Err(); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldInstanceName, rec.InstanceName).Msg("redis instance index update failed")
		} else if s.retention > 0 {
			s.client.Expire(ctx, idx, s.retention)
		}
	}
	return nil
}

func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 2*time.Second)
}
