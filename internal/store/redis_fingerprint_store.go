package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisFingerprintStore implements FingerprintStore on Redis so the dedup
// window can be shared by every process behind a load balancer
type RedisFingerprintStore struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *zap.Logger
}

// RedisOptions holds the connection settings of the Redis fingerprint store
type RedisOptions struct {
	Host         string
	Port         int
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
	KeyPrefix    string
}

// NewRedisFingerprintStore connects to Redis and verifies the connection
func NewRedisFingerprintStore(opts RedisOptions, logger *zap.Logger) (*RedisFingerprintStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   opts.MaxRetries,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisFingerprintStoreWithClient(client, opts.KeyPrefix, logger), nil
}

// NewRedisFingerprintStoreWithClient wraps an existing client
func NewRedisFingerprintStoreWithClient(client redis.UniversalClient, keyPrefix string, logger *zap.Logger) *RedisFingerprintStore {
	return &RedisFingerprintStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

// CheckAndRecord uses SET NX with the window as expiry, so the key itself
// disappears when the window closes and no sweep is needed
func (s *RedisFingerprintStore) CheckAndRecord(ctx context.Context, fingerprint string, now time.Time, window time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(fingerprint), now.UnixMilli(), window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record fingerprint: %w", err)
	}
	return !ok, nil
}

// Forget removes a fingerprint
func (s *RedisFingerprintStore) Forget(ctx context.Context, fingerprint string) error {
	return s.client.Del(ctx, s.key(fingerprint)).Err()
}

// Ping checks the Redis connection
func (s *RedisFingerprintStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisFingerprintStore) Close() error {
	return s.client.Close()
}

func (s *RedisFingerprintStore) key(fingerprint string) string {
	return s.keyPrefix + fingerprint
}
